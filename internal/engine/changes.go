package engine

import (
	"sync"

	"github.com/inovacc/tillsync/internal/model"
)

// Origin tells where a change came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}

	return "remote"
}

// Change is a write that won against the cache.
type Change struct {
	Record model.Record
	Origin Origin
	// Endpoint is the relay a remote change arrived from
	Endpoint string
}

// broadcaster fans values out to buffered subscriber channels.
// Publishing never blocks; a full subscriber misses the value.
type broadcaster[T any] struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan T
	size   int
	closed bool
}

func newBroadcaster[T any](size int) *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[int]chan T), size: size}
}

func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// publish returns how many subscribers missed v.
func (b *broadcaster[T]) publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0

	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}

	return dropped
}

func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
