package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/inovacc/tillsync/internal/transport"
)

// connectRelays opens a pool over the configured relays and waits until at
// least one of them is connected or ctx ends.
func connectRelays(ctx context.Context) (*transport.Pool, error) {
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("%w: no relays configured", transport.ErrTransportFailure)
	}

	pool := transport.New(transport.ConfigFromSync(cfg.Sync), transport.WithLogger(slog.Default()))

	if err := pool.Connect(ctx, cfg.Relays); err != nil {
		_ = pool.Close()
		return nil, err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for pool.ConnectedCount() == 0 {
		select {
		case <-ctx.Done():
			_ = pool.Close()
			return nil, fmt.Errorf("%w: no relay reachable: %v", transport.ErrTransportFailure, ctx.Err())
		case <-ticker.C:
		}
	}

	return pool, nil
}
