package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inovacc/tillsync/internal/store"
)

// TombstonePruner periodically removes tombstones older than the retention.
type TombstonePruner struct {
	cache     store.Cache
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewTombstonePruner creates a pruner. A zero interval or retention disables it.
func NewTombstonePruner(cache store.Cache, interval, retention time.Duration, logger *slog.Logger) *TombstonePruner {
	if logger == nil {
		logger = slog.Default()
	}

	return &TombstonePruner{
		cache:     cache,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Start begins pruning in the background until ctx is done or Stop is called.
func (p *TombstonePruner) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.interval <= 0 || p.retention <= 0 {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.wg.Add(1)

	go p.run(ctx)

	p.logger.Debug("tombstone pruner started", "interval", p.interval, "retention", p.retention)
}

// Stop halts the pruner and waits for a running pass to finish.
func (p *TombstonePruner) Stop() {
	if p == nil {
		return
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}

	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *TombstonePruner) run(ctx context.Context) {
	defer p.wg.Done()

	p.Prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Prune(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Prune runs one pass and returns the number of removed tombstones.
func (p *TombstonePruner) Prune(ctx context.Context) int {
	cutoff := p.now().Add(-p.retention)

	n, err := p.cache.PruneTombstones(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to prune tombstones", "error", err)
		}

		return 0
	}

	if n > 0 {
		p.logger.Info("pruned tombstones", "count", n, "before", cutoff)
	}

	return n
}
