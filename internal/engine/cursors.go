package engine

import (
	"context"
	"sync"
	"time"

	"github.com/inovacc/tillsync/internal/store"
)

// cursorSet tracks, per endpoint, the newest created_at seen from it.
// Observations are kept in memory and flushed to the cache periodically.
type cursorSet struct {
	cache   store.Cache
	overlap int64

	mu     sync.Mutex
	seen   map[string]int64
	stored map[string]int64
}

func newCursorSet(cache store.Cache, overlap time.Duration) *cursorSet {
	return &cursorSet{
		cache:   cache,
		overlap: int64(overlap / time.Second),
		seen:    make(map[string]int64),
		stored:  make(map[string]int64),
	}
}

// since returns the lower bound to request from endpoint, widened by the
// clock skew overlap. Zero asks for the whole history.
func (c *cursorSet) since(endpoint string) int64 {
	c.mu.Lock()
	cur, ok := c.stored[endpoint]
	c.mu.Unlock()

	if !ok {
		v, err := c.cache.LastSyncCursor(context.Background(), endpoint)
		if err == nil {
			cur = v
		}

		c.mu.Lock()
		c.stored[endpoint] = max(c.stored[endpoint], cur)
		cur = c.stored[endpoint]
		c.mu.Unlock()
	}

	c.mu.Lock()
	cur = max(cur, c.seen[endpoint])
	c.mu.Unlock()

	if cur <= c.overlap {
		return 0
	}

	return cur - c.overlap
}

// observe must only be called for events that have been handled, so a
// restart never requests from past an event that was still queued.
func (c *cursorSet) observe(endpoint string, createdAt int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if createdAt > c.seen[endpoint] {
		c.seen[endpoint] = createdAt
	}
}

// newest returns the highest created_at observed on any endpoint.
func (c *cursorSet) newest() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for _, v := range c.seen {
		n = max(n, v)
	}

	for _, v := range c.stored {
		n = max(n, v)
	}

	return n
}

// flush persists every cursor that moved since the last flush.
func (c *cursorSet) flush(ctx context.Context) error {
	c.mu.Lock()
	dirty := make(map[string]int64)

	for ep, v := range c.seen {
		if v > c.stored[ep] {
			dirty[ep] = v
		}
	}
	c.mu.Unlock()

	for ep, v := range dirty {
		if err := c.cache.SetSyncCursor(ctx, ep, v); err != nil {
			return err
		}

		c.mu.Lock()
		c.stored[ep] = max(c.stored[ep], v)
		c.mu.Unlock()
	}

	return nil
}
