package transport

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/inovacc/tillsync/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = 2 * time.Second
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	cfg.FailureThreshold = 2

	return cfg
}

func startRelay(t *testing.T) *relay.Server {
	t.Helper()

	srv := relay.NewServer("127.0.0.1:0")
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

func startPool(t *testing.T, urls ...string) *Pool {
	t.Helper()

	p := New(fastConfig())
	require.NoError(t, p.Connect(context.Background(), urls))
	t.Cleanup(func() { _ = p.Close() })

	return p
}

func waitConnected(t *testing.T, p *Pool, n int) {
	t.Helper()

	require.Eventually(t, func() bool { return p.ConnectedCount() == n }, 5*time.Second, 10*time.Millisecond)
}

func signed(t *testing.T, priv *btcec.PrivateKey, createdAt int64, content string) *relay.Event {
	t.Helper()

	ev := &relay.Event{
		CreatedAt: createdAt,
		Kind:      7078,
		Tags:      relay.Tags{{"t", "tillsync/record"}},
		Content:   content,
	}
	require.NoError(t, ev.Sign(priv))

	return ev
}

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv
}

func TestPool_PublishAcksFromEveryRelay(t *testing.T) {
	r1, r2 := startRelay(t), startRelay(t)
	p := startPool(t, r1.URL(), r2.URL())
	waitConnected(t, p, 2)

	ev := signed(t, newKey(t), time.Now().Unix(), "hello")

	res, err := p.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{r1.URL(), r2.URL()}, res.Acked)
	assert.Equal(t, 1, r1.EventCount())
	assert.Equal(t, 1, r2.EventCount())
}

func TestPool_PublishWithoutConnectionFails(t *testing.T) {
	p := startPool(t, "ws://127.0.0.1:1")

	_, err := p.Publish(context.Background(), signed(t, newKey(t), 1, "x"))
	assert.ErrorIs(t, err, ErrTransportFailure)
}

func TestPool_PublishRejected(t *testing.T) {
	r := startRelay(t)
	p := startPool(t, r.URL())
	waitConnected(t, p, 1)

	ev := signed(t, newKey(t), 1, "x")
	ev.Content = "tampered"

	res, err := p.Publish(context.Background(), ev)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.Contains(t, res.Rejected[r.URL()], "invalid")
}

func TestPool_UnreachableEndpointBecomesUnhealthy(t *testing.T) {
	r := startRelay(t)
	p := startPool(t, r.URL(), "ws://127.0.0.1:1")

	require.Eventually(t, func() bool {
		for _, ep := range p.Endpoints() {
			if ep.URL == "ws://127.0.0.1:1" {
				return !ep.Health.Healthy && ep.Health.FailureCount >= 2
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, p.HealthyCount())
	assert.Len(t, p.Endpoints(), 2, "unhealthy endpoints are kept")
}

func TestPool_SubscribeDeduplicatesAcrossRelays(t *testing.T) {
	r1, r2 := startRelay(t), startRelay(t)

	sub := startPool(t, r1.URL(), r2.URL())
	waitConnected(t, sub, 2)

	priv := newKey(t)
	s := sub.Subscribe(relay.Filter{Authors: []string{relay.PublicKeyHex(priv)}}, SubscribeOptions{})
	defer s.Close()

	eose := map[string]bool{}
	for len(eose) < 2 {
		select {
		case u := <-s.EOSE():
			eose[u] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for EOSE")
		}
	}

	pub := startPool(t, r1.URL(), r2.URL())
	waitConnected(t, pub, 2)

	ev := signed(t, priv, time.Now().Unix(), "once")
	_, err := pub.Publish(context.Background(), ev)
	require.NoError(t, err)

	select {
	case in := <-s.Events():
		assert.Equal(t, ev.ID, in.Event.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case in := <-s.Events():
		t.Fatalf("duplicate delivered from %s", in.Endpoint)
	case <-time.After(300 * time.Millisecond):
	}

	assert.GreaterOrEqual(t, sub.Stats().Duplicates, uint64(1))
}

func TestPool_SubscribeForwardsDuplicatesWhenAsked(t *testing.T) {
	r1, r2 := startRelay(t), startRelay(t)

	sub := startPool(t, r1.URL(), r2.URL())
	waitConnected(t, sub, 2)

	priv := newKey(t)
	s := sub.Subscribe(relay.Filter{Authors: []string{relay.PublicKeyHex(priv)}}, SubscribeOptions{Duplicates: true})
	defer s.Close()

	eose := map[string]bool{}
	for len(eose) < 2 {
		select {
		case u := <-s.EOSE():
			eose[u] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for EOSE")
		}
	}

	pub := startPool(t, r1.URL(), r2.URL())
	waitConnected(t, pub, 2)

	ev := signed(t, priv, time.Now().Unix(), "twice")
	_, err := pub.Publish(context.Background(), ev)
	require.NoError(t, err)

	var got []Inbound
	for len(got) < 2 {
		select {
		case in := <-s.Events():
			got = append(got, in)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of 2 copies", len(got))
		}
	}

	assert.False(t, got[0].Duplicate)
	assert.True(t, got[1].Duplicate)
	assert.Equal(t, ev.ID, got[1].Event.ID)
	assert.NotEqual(t, got[0].Endpoint, got[1].Endpoint)
}

type fixedRetryer time.Duration

func (f fixedRetryer) NextDelay(int, error) (time.Duration, bool) { return time.Duration(f), true }
func (f fixedRetryer) Reset()                                     {}

func TestPool_SubscriptionSurvivesReconnect(t *testing.T) {
	r := startRelay(t)

	p := New(fastConfig(), WithRetryer(fixedRetryer(300*time.Millisecond)))
	require.NoError(t, p.Connect(context.Background(), []string{r.URL()}))
	t.Cleanup(func() { _ = p.Close() })
	waitConnected(t, p, 1)

	priv := newKey(t)

	var observed []int64
	s := p.Subscribe(relay.Filter{Authors: []string{relay.PublicKeyHex(priv)}}, SubscribeOptions{
		Since: func(string) int64 { return 0 },
	})
	defer s.Close()

	r.DropConnections()

	require.Eventually(t, func() bool { return p.ConnectedCount() == 0 }, 5*time.Second, 5*time.Millisecond)
	waitConnected(t, p, 1)

	pub := startPool(t, r.URL())
	waitConnected(t, pub, 1)

	ev := signed(t, priv, 123, "after reconnect")
	_, err := pub.Publish(context.Background(), ev)
	require.NoError(t, err)

	select {
	case in := <-s.Events():
		observed = append(observed, in.Event.CreatedAt)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered after reconnect")
	}

	assert.Equal(t, []int64{123}, observed)
}

func TestPool_Query(t *testing.T) {
	r := startRelay(t)
	p := startPool(t, r.URL())
	waitConnected(t, p, 1)

	priv := newKey(t)
	for i := int64(1); i <= 3; i++ {
		_, err := p.Publish(context.Background(), signed(t, priv, i, "e"))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := p.Query(ctx, relay.Filter{Authors: []string{relay.PublicKeyHex(priv)}, Since: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = p.Query(ctx, relay.Filter{Authors: []string{relay.PublicKeyHex(newKey(t))}})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPool_AddRemoveEndpoint(t *testing.T) {
	r1, r2 := startRelay(t), startRelay(t)
	p := startPool(t, r1.URL())
	waitConnected(t, p, 1)

	require.NoError(t, p.AddEndpoint(r2.URL()))
	require.NoError(t, p.AddEndpoint(r2.URL()))
	waitConnected(t, p, 2)
	assert.Len(t, p.Endpoints(), 2)

	p.RemoveEndpoint(r1.URL())
	assert.Len(t, p.Endpoints(), 1)
	assert.Equal(t, r2.URL(), p.Endpoints()[0].URL)

	select {
	case <-p.HealthChanges():
	default:
		t.Fatal("expected a health change signal")
	}
}
