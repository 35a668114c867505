package scope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/inovacc/tillsync/internal/relay"
	"github.com/inovacc/tillsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCode = "abcd-EFGH-jkmn"

// fakeRelays is an in-memory Relays.
type fakeRelays struct {
	mu      sync.Mutex
	events  []*relay.Event
	queries atomic.Int32
	delay   time.Duration
	err     error
}

func (f *fakeRelays) Query(ctx context.Context, filter relay.Filter) ([]*relay.Event, error) {
	f.queries.Add(1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*relay.Event

	for _, ev := range f.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}

	return out, nil
}

func (f *fakeRelays) Publish(_ context.Context, ev *relay.Event) (transport.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, ev)

	return transport.PublishResult{EventID: ev.ID, Acked: []string{"fake"}}, nil
}

func testScope(t *testing.T) *Scope {
	t.Helper()

	s, err := Derive(testCode)
	require.NoError(t, err)

	return s
}

func fastDiscoverer(r Relays) *Discoverer {
	return NewDiscoverer(r,
		WithAttempts(3),
		WithAttemptTimeout(100*time.Millisecond),
		WithBackoff(10*time.Millisecond),
	)
}

func TestAnnounceAndDiscover(t *testing.T) {
	s := testScope(t)
	relays := &fakeRelays{}

	owner, err := NewOwnerKey()
	require.NoError(t, err)

	_, err = Announce(context.Background(), relays, s, owner, "Corner Bakery")
	require.NoError(t, err)

	got, err := fastDiscoverer(relays).DiscoverOwner(context.Background(), testCode)
	require.NoError(t, err)
	assert.Equal(t, OwnerPublicKey(owner), got.PublicKey)
	assert.Equal(t, "Corner Bakery", got.Name)
}

// forgedDiscoveryEvent is a correctly sealed and signed discovery event whose
// owner proof was made over a different topic.
func forgedDiscoveryEvent(t *testing.T, s *Scope, owner *btcec.PrivateKey) *relay.Event {
	t.Helper()

	proof, err := relay.SignMessage(owner, []byte("not-the-topic"))
	require.NoError(t, err)

	body, err := json.Marshal(discoveryBody{
		V:         discoverySchemaVersion,
		Owner:     OwnerPublicKey(owner),
		Name:      "impostor",
		CreatedAt: time.Now().UnixMilli(),
		Proof:     proof,
	})
	require.NoError(t, err)

	c, err := s.Cipher()
	require.NoError(t, err)

	blob, err := c.Seal(body, discoveryAAD(s.Topic))
	require.NoError(t, err)

	ev := &relay.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      EventKind,
		Tags:      relay.Tags{{TopicTag, TagDiscovery}},
		Content:   base64.StdEncoding.EncodeToString(blob),
	}
	require.NoError(t, ev.Sign(s.SigningKey))

	return ev
}

func TestDiscover_IgnoresInvalidResponses(t *testing.T) {
	s := testScope(t)
	other, err := Derive("zzzz-EFGH-jkmn")
	require.NoError(t, err)

	relays := &fakeRelays{}
	owner, err := NewOwnerKey()
	require.NoError(t, err)
	impostor, err := NewOwnerKey()
	require.NoError(t, err)

	forged := forgedDiscoveryEvent(t, s, impostor)

	// valid for another scope
	foreign, err := NewDiscoveryEvent(other, impostor, "foreign", time.Now())
	require.NoError(t, err)
	foreign.PubKey = s.Topic

	tampered, err := NewDiscoveryEvent(s, impostor, "tampered", time.Now())
	require.NoError(t, err)
	tampered.Content = "AAAA" + tampered.Content[4:]

	good, err := NewDiscoveryEvent(s, owner, "real", time.Now())
	require.NoError(t, err)

	relays.events = []*relay.Event{forged, foreign, tampered, good}

	for _, ev := range relays.events[:3] {
		_, perr := ParseDiscoveryEvent(s, ev)
		assert.Error(t, perr)
	}

	got, err := fastDiscoverer(relays).Discover(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "real", got.Name)
}

func TestDiscover_FirstValidResponseWins(t *testing.T) {
	s := testScope(t)
	relays := &fakeRelays{}

	first, err := NewOwnerKey()
	require.NoError(t, err)
	second, err := NewOwnerKey()
	require.NoError(t, err)

	ev1, err := NewDiscoveryEvent(s, first, "first", time.Now())
	require.NoError(t, err)
	ev2, err := NewDiscoveryEvent(s, second, "second", time.Now())
	require.NoError(t, err)

	relays.events = []*relay.Event{ev1, ev2}

	got, err := fastDiscoverer(relays).Discover(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, OwnerPublicKey(first), got.PublicKey)
}

func TestDiscover_NotFound(t *testing.T) {
	relays := &fakeRelays{}

	_, err := fastDiscoverer(relays).Discover(context.Background(), testScope(t))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(3), relays.queries.Load())
}

func TestDiscover_TimeoutIsBounded(t *testing.T) {
	relays := &fakeRelays{delay: time.Hour}
	d := fastDiscoverer(relays)

	start := time.Now()
	_, err := d.Discover(context.Background(), testScope(t))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	// 3 attempts of 100ms plus 10ms and 20ms of backoff
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, int32(3), relays.queries.Load())
}

func TestDiscover_NoRelaysIsTimeout(t *testing.T) {
	relays := &fakeRelays{err: transport.ErrTransportFailure}

	_, err := fastDiscoverer(relays).Discover(context.Background(), testScope(t))
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
}

func TestDiscover_CallerCancellation(t *testing.T) {
	relays := &fakeRelays{delay: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := fastDiscoverer(relays).Discover(ctx, testScope(t))
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
}

// blockingRelays answers no query until its context ends.
type blockingRelays struct {
	fakeRelays
	released chan struct{}
}

func (b *blockingRelays) Query(ctx context.Context, _ relay.Filter) ([]*relay.Event, error) {
	b.queries.Add(1)
	<-ctx.Done()
	close(b.released)

	return nil, ctx.Err()
}

func TestDiscover_AbandonedLookupStops(t *testing.T) {
	relays := &blockingRelays{released: make(chan struct{})}
	d := NewDiscoverer(relays, WithAttempts(1), WithAttemptTimeout(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := d.Discover(ctx, testScope(t))
		done <- err
	}()

	require.Eventually(t, func() bool { return relays.queries.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("Discover did not return after cancellation")
	}

	select {
	case <-relays.released:
	case <-time.After(5 * time.Second):
		t.Fatal("relay query kept running after every caller left")
	}
}

func TestDiscover_LookupOutlivesOneCaller(t *testing.T) {
	s := testScope(t)
	relays := &fakeRelays{delay: 100 * time.Millisecond}

	owner, err := NewOwnerKey()
	require.NoError(t, err)

	_, err = Announce(context.Background(), relays, s, owner, "shop")
	require.NoError(t, err)

	d := fastDiscoverer(relays)
	d.timeout = time.Second

	impatient, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	patient := make(chan *OwnerIdentity, 1)
	go func() {
		got, _ := d.Discover(context.Background(), s)
		patient <- got
	}()

	_, err = d.Discover(impatient, s)
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)

	select {
	case got := <-patient:
		require.NotNil(t, got)
		assert.Equal(t, "shop", got.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("remaining caller never got an answer")
	}
}

func TestDiscover_ConcurrentCallsCollapse(t *testing.T) {
	s := testScope(t)
	relays := &fakeRelays{delay: 50 * time.Millisecond}

	owner, err := NewOwnerKey()
	require.NoError(t, err)

	_, err = Announce(context.Background(), relays, s, owner, "shop")
	require.NoError(t, err)

	d := fastDiscoverer(relays)

	var wg sync.WaitGroup

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			got, err := d.Discover(context.Background(), s)
			assert.NoError(t, err)

			if got != nil {
				assert.Equal(t, "shop", got.Name)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), relays.queries.Load())
}

func TestDiscover_OverRelayServer(t *testing.T) {
	srv := relay.NewServer("127.0.0.1:0")
	require.NoError(t, srv.Start(context.Background()))
	defer func() { _ = srv.Stop() }()

	pool := transport.New(transport.DefaultConfig())
	require.NoError(t, pool.Connect(context.Background(), []string{srv.URL()}))
	defer func() { _ = pool.Close() }()

	require.Eventually(t, func() bool { return pool.ConnectedCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	s := testScope(t)
	owner, err := NewOwnerKey()
	require.NoError(t, err)

	_, err = Announce(context.Background(), pool, s, owner, "Corner Bakery")
	require.NoError(t, err)

	got, err := NewDiscoverer(pool).DiscoverOwner(context.Background(), testCode)
	require.NoError(t, err)
	assert.Equal(t, OwnerPublicKey(owner), got.PublicKey)
}
