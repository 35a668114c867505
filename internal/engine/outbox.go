package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inovacc/tillsync/internal/relay"
	"github.com/inovacc/tillsync/internal/transport"
)

// runPublisher drains the outbox whenever it is kicked and on a fixed
// interval, so envelopes queued offline or before a restart go out once an
// endpoint is connected.
func (e *Engine) runPublisher(ctx context.Context, pool *transport.Pool) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.outboxInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
		case <-ticker.C:
		}

		e.flushOutbox(ctx, pool)
	}
}

// flushOutbox publishes pending envelopes in queue order, each stamped with
// the time it is published. It stops at the first envelope no endpoint
// acknowledged.
func (e *Engine) flushOutbox(ctx context.Context, pool *transport.Pool) {
	for ctx.Err() == nil {
		// created_at is taken after backfill so it can follow the relays' clock
		if e.State() != StateLive || pool.ConnectedCount() == 0 {
			return
		}

		entries, err := e.cache.PendingOutbox(ctx, outboxBatch)
		if err != nil {
			e.logger.Error("failed to read outbox", "error", err)
			return
		}

		if len(entries) == 0 {
			return
		}

		for _, entry := range entries {
			var ev relay.Event
			if err := json.Unmarshal(entry.Event, &ev); err != nil {
				e.logger.Error("dropping undecodable outbox entry", "id", entry.EventID, "error", err)
				_ = e.cache.AckOutbox(ctx, entry.EventID)

				continue
			}

			if err := e.restamp(&ev); err != nil {
				e.logger.Error("failed to sign outbox entry", "id", entry.EventID, "error", err)
				return
			}

			res, err := pool.Publish(ctx, &ev)
			if err != nil {
				if terr := e.cache.TouchOutbox(ctx, entry.EventID); terr != nil {
					e.logger.Warn("failed to update outbox entry", "id", entry.EventID, "error", terr)
				}

				e.logger.Debug("publish deferred", "id", entry.EventID, "attempts", entry.Attempts+1, "error", err)

				return
			}

			if err := e.cache.AckOutbox(ctx, entry.EventID); err != nil {
				e.logger.Error("failed to ack outbox entry", "id", entry.EventID, "error", err)
				return
			}

			e.stats.published.Add(1)
			e.logger.Debug("envelope published", "id", ev.ID, "queued_as", entry.EventID, "key", entry.Collection+"/"+entry.RecordID, "acked", len(res.Acked))
		}

		if len(entries) < outboxBatch {
			return
		}
	}
}

// restamp sets created_at to the publish time, never behind the newest
// created_at seen on the relays, and signs ev again. Peers filter on
// created_at, so a write made offline must not keep its write time.
func (e *Engine) restamp(ev *relay.Event) error {
	ev.CreatedAt = max(e.now().Unix(), e.cursors.newest())

	return ev.Sign(e.scope.SigningKey)
}
