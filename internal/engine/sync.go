package engine

import (
	"context"
	"errors"
	"time"

	"github.com/inovacc/tillsync/internal/crypto/seal"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/transport"
)

// coordinator is the state owned by the run goroutine.
type coordinator struct {
	pool       *transport.Pool
	eoseSeen   map[string]bool
	backfilled bool
	timer      *time.Timer
}

// run is the engine coordinator. It owns state transitions after Activate
// and applies inbound events in arrival order.
func (e *Engine) run(ctx context.Context, pool *transport.Pool, sub *transport.Subscription) {
	defer e.wg.Done()

	c := &coordinator{pool: pool, eoseSeen: make(map[string]bool)}

	tick := time.NewTicker(evaluateInterval)
	defer tick.Stop()

	defer func() {
		if c.timer != nil {
			c.timer.Stop()
		}
	}()

	e.evaluate(c)

	for {
		var backfillDone <-chan time.Time
		if c.timer != nil {
			backfillDone = c.timer.C
		}

		select {
		case <-ctx.Done():
			return
		case in := <-sub.Events():
			e.consume(ctx, in)
		case url := <-sub.EOSE():
			// stored events sent ahead of the EOSE are already queued
			e.drainEvents(ctx, sub)

			c.eoseSeen[url] = true
			e.evaluate(c)
		case <-backfillDone:
			c.timer = nil
			e.logger.Info("backfill timed out, going live")
			e.finishBackfill(c)
		case <-pool.HealthChanges():
			e.evaluate(c)
		case <-tick.C:
			e.evaluate(c)

			if err := e.cursors.flush(ctx); err != nil {
				e.logger.Warn("failed to persist sync cursors", "error", err)
			}
		}
	}
}

// consume handles one inbound event and then advances its endpoint cursor.
func (e *Engine) consume(ctx context.Context, in transport.Inbound) {
	if e.handleInbound(ctx, in) {
		e.cursors.observe(in.Endpoint, in.Event.CreatedAt)
	}
}

func (e *Engine) drainEvents(ctx context.Context, sub *transport.Subscription) {
	for {
		select {
		case in := <-sub.Events():
			e.consume(ctx, in)
		default:
			return
		}
	}
}

// evaluate moves the state machine according to pool health and backfill progress.
func (e *Engine) evaluate(c *coordinator) {
	healthy := c.pool.HealthyCount()
	connected := c.pool.ConnectedCount()

	switch e.State() {
	case StateDiscovering:
		switch {
		case connected > 0:
			e.startBackfill(c)
		case healthy == 0:
			e.setState(StateDegraded)
		}
	case StateBackfilling:
		switch {
		case healthy == 0:
			e.stopBackfillTimer(c)
			e.setState(StateDegraded)
		case e.allEndpointsDone(c):
			e.finishBackfill(c)
		}
	case StateLive:
		if healthy == 0 {
			e.setState(StateDegraded)
		}
	case StateDegraded:
		if connected == 0 {
			return
		}

		if c.backfilled {
			e.setState(StateLive)
			e.kickPublisher()

			return
		}

		e.startBackfill(c)
	}
}

func (e *Engine) startBackfill(c *coordinator) {
	if !e.setState(StateBackfilling) {
		return
	}

	e.stopBackfillTimer(c)
	c.timer = time.NewTimer(e.cfg.Sync.BackfillTimeout)

	if e.allEndpointsDone(c) {
		e.finishBackfill(c)
	}
}

func (e *Engine) finishBackfill(c *coordinator) {
	e.stopBackfillTimer(c)

	if e.setState(StateLive) {
		c.backfilled = true
		e.kickPublisher()
	}
}

func (e *Engine) stopBackfillTimer(c *coordinator) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// allEndpointsDone reports whether every connected endpoint sent end-of-history.
func (e *Engine) allEndpointsDone(c *coordinator) bool {
	connected := 0

	for _, ep := range c.pool.Endpoints() {
		if !ep.Health.Connected {
			continue
		}

		connected++

		if !c.eoseSeen[ep.URL] {
			return false
		}
	}

	return connected > 0
}

// setState reports whether the transition happened.
func (e *Engine) setState(next State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == next {
		return false
	}

	if err := e.transitionTo(next); err != nil {
		e.logger.Debug("state transition rejected", "error", err)
		return false
	}

	return true
}

// handleInbound runs one envelope through authentication, decryption,
// conflict resolution and the cache. It reports false only when the
// envelope must be requested again, so the endpoint cursor stays put.
func (e *Engine) handleInbound(ctx context.Context, in transport.Inbound) bool {
	if in.Duplicate {
		return true
	}

	rec, err := e.codec.open(in.Event)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrSchemaMismatch):
			e.stats.schema.Add(1)
			e.logger.Warn("dropping envelope with unknown schema", "id", in.Event.ID, "endpoint", in.Endpoint, "error", err)
		case errors.Is(err, seal.ErrAuthentication):
			e.stats.authFailures.Add(1)
			e.logger.Debug("dropping unauthenticated envelope", "id", in.Event.ID, "endpoint", in.Endpoint, "error", err)
		default:
			e.stats.authFailures.Add(1)
			e.logger.Debug("dropping envelope", "id", in.Event.ID, "endpoint", in.Endpoint, "error", err)
		}

		return true
	}

	e.observeStamp(rec.Version)

	if rec.Version.DeviceID == e.deviceID {
		e.stats.echoes.Add(1)

		// a relay echoing our own envelope has stored it
		if err := e.cache.AckOutbox(ctx, in.Event.ID); err != nil {
			e.logger.Debug("failed to ack echoed envelope", "id", in.Event.ID, "error", err)
		}

		return true
	}

	applied, err := e.cache.Put(ctx, rec)
	if err != nil {
		e.logger.Error("failed to apply inbound record", "key", rec.Key(), "error", err)
		return false
	}

	if !applied {
		e.stats.stale.Add(1)
		e.logger.Debug("inbound record ignored", "key", rec.Key(), "version", rec.Version, "reason", ErrStaleVersionIgnored)

		return true
	}

	e.stats.applied.Add(1)
	e.notify(Change{Record: rec, Origin: OriginRemote, Endpoint: in.Endpoint})

	return true
}
