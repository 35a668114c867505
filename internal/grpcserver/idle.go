package grpcserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
)

// IdleTracker signals when the daemon had no API activity for a while.
// Open Watch streams count as activity for as long as they last.
type IdleTracker struct {
	mu           sync.RWMutex
	lastActivity time.Time
	idleTimeout  time.Duration
	interval     time.Duration
	streams      atomic.Int32
	shutdownChan chan struct{}
	once         sync.Once
}

// NewIdleTracker creates a tracker. A zero timeout disables it.
func NewIdleTracker(timeout time.Duration) *IdleTracker {
	interval := 30 * time.Second
	if timeout > 0 && timeout/4 < interval {
		interval = max(timeout/4, 10*time.Millisecond)
	}

	return &IdleTracker{
		lastActivity: time.Now(),
		idleTimeout:  timeout,
		interval:     interval,
		shutdownChan: make(chan struct{}),
	}
}

// Touch records activity now.
func (t *IdleTracker) Touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// IsEnabled reports whether a timeout is configured.
func (t *IdleTracker) IsEnabled() bool {
	return t.idleTimeout > 0
}

// ShutdownChan is closed once the idle timeout is reached.
func (t *IdleTracker) ShutdownChan() <-chan struct{} {
	return t.shutdownChan
}

// Run watches for the idle timeout until ctx is done.
func (t *IdleTracker) Run(ctx context.Context) {
	if !t.IsEnabled() {
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if t.streams.Load() > 0 {
			t.Touch()
			continue
		}

		t.mu.RLock()
		idle := time.Since(t.lastActivity)
		t.mu.RUnlock()

		if idle >= t.idleTimeout {
			t.once.Do(func() { close(t.shutdownChan) })
			return
		}
	}
}

// IdleTimeout returns the configured timeout.
func (t *IdleTracker) IdleTimeout() time.Duration {
	return t.idleTimeout
}

func activityInterceptor(tracker *IdleTracker) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		tracker.Touch()
		return handler(ctx, req)
	}
}

func streamActivityInterceptor(tracker *IdleTracker) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		tracker.streams.Add(1)
		defer func() {
			tracker.streams.Add(-1)
			tracker.Touch()
		}()

		return handler(srv, ss)
	}
}
