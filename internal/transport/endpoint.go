package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/relay"
)

var errDisconnected = errors.New("endpoint disconnected")

// collector receives the frames of one one-shot query on one endpoint.
type collector struct {
	events   chan *relay.Event
	done     chan struct{} // closed on EOSE, CLOSED or disconnect
	removed  chan struct{} // closed when the query stops reading
	doneOnce sync.Once
}

func (c *collector) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

type endpoint struct {
	url    string
	pool   *Pool
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	conn       *relay.Conn
	health     model.EndpointHealth
	waiters    map[string][]chan relay.Frame
	collectors map[string]*collector
}

func newEndpoint(p *Pool, url string, cancel context.CancelFunc) *endpoint {
	return &endpoint{
		url:        url,
		pool:       p,
		cancel:     cancel,
		done:       make(chan struct{}),
		health:     model.EndpointHealth{Healthy: true},
		waiters:    make(map[string][]chan relay.Frame),
		collectors: make(map[string]*collector),
	}
}

func (e *endpoint) snapshot() model.EndpointHealth {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.health
}

func (e *endpoint) isConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.conn != nil
}

func (e *endpoint) write(frame []byte) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return errDisconnected
	}

	return conn.Write(frame)
}

// run is the connection loop. It returns only when ctx is cancelled.
func (e *endpoint) run(ctx context.Context) {
	defer close(e.done)

	log := e.pool.logger.With("endpoint", e.url)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, e.pool.cfg.DialTimeout)
		conn, err := e.pool.dial(dialCtx, e.url)
		cancel()

		if err == nil {
			attempt = 0
			e.pool.retryer.Reset()

			log.Info("endpoint connected")
			e.onConnected(conn)

			err = e.serve(ctx, conn)
			e.onDisconnected()

			if ctx.Err() != nil {
				return
			}

			log.Warn("endpoint connection lost", "error", err)
		} else if ctx.Err() != nil {
			return
		} else {
			log.Debug("endpoint dial failed", "error", err, "attempt", attempt)
		}

		delay, ok := e.pool.retryer.NextDelay(attempt, err)
		if !ok {
			delay = e.pool.cfg.ReconnectMax
		}

		attempt++

		e.onFailure(err, time.Now().Add(delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *endpoint) onConnected(conn *relay.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.health.Connected = true
	e.health.Healthy = true
	e.health.FailureCount = 0
	e.health.LastSeen = time.Now()
	e.health.LastError = ""
	e.health.NextRetry = time.Time{}
	e.mu.Unlock()

	e.pool.notifyHealth()

	for _, sub := range e.pool.subscriptions() {
		frame, err := sub.reqFrame(e.url)
		if err != nil {
			continue
		}

		_ = conn.Write(frame)
	}
}

func (e *endpoint) onDisconnected() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.health.Connected = false

	waiters := e.waiters
	e.waiters = make(map[string][]chan relay.Frame)

	collectors := e.collectors
	e.collectors = make(map[string]*collector)
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	for _, chans := range waiters {
		for _, ch := range chans {
			close(ch)
		}
	}

	for _, c := range collectors {
		c.finish()
	}

	e.pool.notifyHealth()
}

func (e *endpoint) onFailure(err error, next time.Time) {
	e.mu.Lock()
	e.health.FailureCount++
	e.health.NextRetry = next

	if err != nil {
		e.health.LastError = err.Error()
	}

	wasHealthy := e.health.Healthy
	if e.health.FailureCount >= e.pool.cfg.FailureThreshold {
		e.health.Healthy = false
	}
	changed := wasHealthy != e.health.Healthy
	failures := e.health.FailureCount
	e.mu.Unlock()

	if changed {
		e.pool.logger.Warn("endpoint unhealthy", "endpoint", e.url, "failures", failures)
		e.pool.notifyHealth()
	}
}

// serve reads frames until the connection fails or ctx ends.
func (e *endpoint) serve(ctx context.Context, conn *relay.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(e.pool.cfg.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.Ping(); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		frame, err := conn.Read()
		if errors.Is(err, relay.ErrMalformedFrame) {
			e.pool.logger.Debug("ignoring malformed frame", "endpoint", e.url, "error", err)
			continue
		}

		if err != nil {
			return err
		}

		e.mu.Lock()
		e.health.LastSeen = time.Now()
		e.mu.Unlock()

		e.dispatch(frame)
	}
}

func (e *endpoint) dispatch(frame relay.Frame) {
	switch frame.Label {
	case relay.LabelEvent:
		e.handleEvent(frame.SubID, frame.Event)
	case relay.LabelEOSE:
		if c := e.collector(frame.SubID); c != nil {
			c.finish()
			return
		}

		if sub, ok := e.pool.subscription(frame.SubID); ok {
			sub.endOfStored(e.url)
		}
	case relay.LabelOK:
		e.mu.Lock()
		chans := e.waiters[frame.EventID]
		delete(e.waiters, frame.EventID)
		e.mu.Unlock()

		for _, ch := range chans {
			ch <- frame
			close(ch)
		}
	case relay.LabelClosed:
		e.pool.logger.Warn("relay closed subscription", "endpoint", e.url, "sub", frame.SubID, "message", frame.Message)

		if c := e.collector(frame.SubID); c != nil {
			c.finish()
		}
	case relay.LabelNotice:
		e.pool.logger.Info("relay notice", "endpoint", e.url, "message", frame.Message)
	}
}

func (e *endpoint) handleEvent(subID string, ev *relay.Event) {
	if ev == nil {
		return
	}

	if err := ev.Verify(); err != nil {
		e.pool.invalid.Add(1)
		e.pool.logger.Warn("dropping unverifiable event", "endpoint", e.url, "id", ev.ID, "error", err)

		return
	}

	e.pool.received.Add(1)

	if c := e.collector(subID); c != nil {
		select {
		case c.events <- ev:
		case <-c.removed:
		}

		return
	}

	sub, ok := e.pool.subscription(subID)
	if !ok {
		return
	}

	if !e.pool.firstSeen(subID + ":" + ev.ID) {
		e.pool.duplicates.Add(1)

		if sub.opts.Duplicates {
			sub.deliver(Inbound{Event: ev, Endpoint: e.url, Duplicate: true})
		}

		return
	}

	sub.deliver(Inbound{Event: ev, Endpoint: e.url})
}

func (e *endpoint) collector(subID string) *collector {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.collectors[subID]
}

func (e *endpoint) addCollector(subID string) *collector {
	c := &collector{
		events:  make(chan *relay.Event, 64),
		done:    make(chan struct{}),
		removed: make(chan struct{}),
	}

	e.mu.Lock()
	e.collectors[subID] = c
	e.mu.Unlock()

	return c
}

func (e *endpoint) removeCollector(subID string) {
	e.mu.Lock()
	c, ok := e.collectors[subID]
	delete(e.collectors, subID)
	e.mu.Unlock()

	if ok {
		close(c.removed)
	}
}

// publish writes an EVENT frame and waits for the matching OK.
func (e *endpoint) publish(ctx context.Context, eventID string, frame []byte, timeout time.Duration) (bool, string, error) {
	ch := make(chan relay.Frame, 1)

	e.mu.Lock()
	if e.conn == nil {
		e.mu.Unlock()
		return false, "", errDisconnected
	}

	e.waiters[eventID] = append(e.waiters[eventID], ch)
	e.mu.Unlock()

	if err := e.write(frame); err != nil {
		e.dropWaiter(eventID, ch)
		return false, "", fmt.Errorf("failed to write event: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			return false, "", errDisconnected
		}

		return f.OK, f.Message, nil
	case <-timer.C:
		e.dropWaiter(eventID, ch)
		return false, "", fmt.Errorf("no OK within %s", timeout)
	case <-ctx.Done():
		e.dropWaiter(eventID, ch)
		return false, "", ctx.Err()
	}
}

func (e *endpoint) dropWaiter(eventID string, ch chan relay.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	chans := e.waiters[eventID]
	for i, c := range chans {
		if c == ch {
			e.waiters[eventID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}

	if len(e.waiters[eventID]) == 0 {
		delete(e.waiters, eventID)
	}
}
