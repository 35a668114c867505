package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/inovacc/tillsync/internal/engine"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/scope"
	"github.com/inovacc/tillsync/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()

	s, err := scope.Derive("abcd-EFGH-jkmn")
	require.NoError(t, err)

	cache, err := store.Open(model.StoreBackendBolt, filepath.Join(t.TempDir(), "cache.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	e, err := engine.New(context.Background(), s, cache, engine.Config{Sync: model.DefaultSyncConfig()},
		engine.WithOwnerDiscovery(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return e
}

func TestMetrics_ReflectEngine(t *testing.T) {
	e := newEngine(t)
	m := New(e)

	_, err := e.Mutate(context.Background(), "products", "p1", []byte("x"))
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(m.PendingOutbox), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.Published), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.State.WithLabelValues("idle")), 0)

	m.SetState(engine.StateDegraded)
	assert.InDelta(t, 0, testutil.ToFloat64(m.State.WithLabelValues("idle")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.State.WithLabelValues("degraded")), 0)
}

func TestMetrics_Handler(t *testing.T) {
	m := New(newEngine(t))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "tillsync_outbox_pending")
	assert.Contains(t, string(body), "tillsync_authentication_failures_total")
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(newEngine(t))
		New(newEngine(t))
	})
}
