// Package metrics exposes engine diagnostics in the Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/inovacc/tillsync/internal/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tillsync"

// Metrics holds the Prometheus collectors of one engine. Every engine gets
// its own registry so several scopes can run in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Applied                prometheus.CounterFunc
	Published              prometheus.CounterFunc
	SelfEchoes             prometheus.CounterFunc
	StaleVersionIgnored    prometheus.CounterFunc
	AuthenticationFailures prometheus.CounterFunc
	SchemaMismatches       prometheus.CounterFunc
	DroppedChanges         prometheus.CounterFunc

	Received   prometheus.CounterFunc
	Duplicates prometheus.CounterFunc
	Invalid    prometheus.CounterFunc

	State            *prometheus.GaugeVec
	HealthyEndpoints prometheus.GaugeFunc
	PendingOutbox    prometheus.GaugeFunc
}

// New creates and registers the collectors of e on a fresh registry.
func New(e *engine.Engine) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	labels := prometheus.Labels{"topic": e.Scope().Topic[:16]}
	factory := promauto.With(reg)

	counter := func(name, help string, value func() uint64) prometheus.CounterFunc {
		return factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(value()) })
	}

	m := &Metrics{
		Registry: reg,

		Applied: counter("records_applied_total", "Inbound records that won against the local cache",
			func() uint64 { return e.Stats().Applied }),
		Published: counter("envelopes_published_total", "Outbox envelopes acknowledged by at least one relay",
			func() uint64 { return e.Stats().Published }),
		SelfEchoes: counter("self_echoes_total", "Inbound envelopes written by this device",
			func() uint64 { return e.Stats().SelfEchoes }),
		StaleVersionIgnored: counter("stale_versions_ignored_total", "Records that lost against a newer cached version",
			func() uint64 { return e.Stats().StaleVersionIgnored }),
		AuthenticationFailures: counter("authentication_failures_total", "Envelopes dropped because they failed authentication",
			func() uint64 { return e.Stats().AuthenticationFailures }),
		SchemaMismatches: counter("schema_mismatches_total", "Envelopes dropped because their schema is not understood",
			func() uint64 { return e.Stats().SchemaMismatches }),
		DroppedChanges: counter("changes_dropped_total", "Change notifications missed by slow subscribers",
			func() uint64 { return e.Stats().DroppedChanges }),

		Received: counter("relay_events_received_total", "Verified events received from relays",
			func() uint64 { return e.TransportStats().Received }),
		Duplicates: counter("relay_events_duplicate_total", "Events suppressed as duplicates",
			func() uint64 { return e.TransportStats().Duplicates }),
		Invalid: counter("relay_events_invalid_total", "Events rejected for a bad id or signature",
			func() uint64 { return e.TransportStats().Invalid }),

		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "engine_state",
			Help:        "1 for the current engine state, 0 otherwise",
			ConstLabels: labels,
		}, []string{"state"}),
		HealthyEndpoints: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "endpoints_healthy",
			Help:        "Relays currently considered healthy",
			ConstLabels: labels,
		}, func() float64 {
			st, _ := status(e)

			n := 0
			for _, ep := range st.Endpoints {
				if ep.Health.Healthy {
					n++
				}
			}

			return float64(n)
		}),
		PendingOutbox: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "outbox_pending",
			Help:        "Envelopes waiting to be published",
			ConstLabels: labels,
		}, func() float64 {
			st, _ := status(e)
			return float64(st.PendingOutbox)
		}),
	}

	m.SetState(e.State())

	return m
}

// SetState marks s as the current state.
func (m *Metrics) SetState(s engine.State) {
	for _, candidate := range []engine.State{
		engine.StateIdle,
		engine.StateDiscovering,
		engine.StateBackfilling,
		engine.StateLive,
		engine.StateDegraded,
	} {
		v := 0.0
		if candidate == s {
			v = 1
		}

		m.State.WithLabelValues(candidate.String()).Set(v)
	}
}

// Track updates the state gauge from state changes until ctx is done.
func (m *Metrics) Track(ctx context.Context, e *engine.Engine) {
	states, cancel := e.StateChanges()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}

			m.SetState(s)
		}
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func status(e *engine.Engine) (engine.Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return e.Status(ctx)
}
