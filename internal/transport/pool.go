package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/relay"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrTransportFailure is returned when no endpoint acknowledged a publish
	// or no endpoint is connected.
	ErrTransportFailure = errors.New("transport failure")

	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("pool closed")
)

// Config tunes the pool.
type Config struct {
	AckTimeout       time.Duration
	DialTimeout      time.Duration
	PingInterval     time.Duration
	FailureThreshold int
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	DedupSize        int
	DedupTTL         time.Duration
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:       5 * time.Second,
		DialTimeout:      10 * time.Second,
		PingInterval:     30 * time.Second,
		FailureThreshold: 3,
		ReconnectMin:     time.Second,
		ReconnectMax:     60 * time.Second,
		DedupSize:        4096,
		DedupTTL:         10 * time.Minute,
	}
}

// ConfigFromSync maps the sync settings onto pool settings.
func ConfigFromSync(s model.SyncConfig) Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = s.AckTimeout
	cfg.FailureThreshold = s.FailureThreshold
	cfg.ReconnectMin = s.ReconnectMin
	cfg.ReconnectMax = s.ReconnectMax
	cfg.DedupSize = s.DedupSize
	cfg.DedupTTL = s.DedupTTL

	return cfg
}

// DialFunc opens a relay connection.
type DialFunc func(ctx context.Context, url string) (*relay.Conn, error)

// Stats are cumulative counters of inbound traffic.
type Stats struct {
	Received   uint64
	Duplicates uint64
	Invalid    uint64
	Published  uint64
	Acked      uint64
}

// Inbound is a verified event and the endpoint it came from.
type Inbound struct {
	Event    *relay.Event
	Endpoint string

	// Duplicate marks an event already delivered from another endpoint.
	Duplicate bool
}

// PublishResult reports the outcome per endpoint.
type PublishResult struct {
	EventID  string
	Acked    []string
	Rejected map[string]string
	Failed   map[string]error
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithDialer replaces relay.Dial.
func WithDialer(d DialFunc) Option {
	return func(p *Pool) {
		if d != nil {
			p.dial = d
		}
	}
}

// WithRetryer replaces the reconnect backoff.
func WithRetryer(r Retryer) Option {
	return func(p *Pool) {
		if r != nil {
			p.retryer = r
		}
	}
}

// Pool is a set of relay endpoints.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	dial    DialFunc
	retryer Retryer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	endpoints map[string]*endpoint
	order     []string
	subs      map[string]*Subscription

	dedupMu sync.Mutex
	seen    *expirable.LRU[string, struct{}]

	health chan struct{}

	received   atomic.Uint64
	duplicates atomic.Uint64
	invalid    atomic.Uint64
	published  atomic.Uint64
	acked      atomic.Uint64
}

// New creates an idle pool. Call Connect to start it.
func New(cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}

	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}

	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(def.ReconnectMax, cfg.ReconnectMin)
	}

	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}

	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}

	p := &Pool{
		cfg:       cfg,
		logger:    slog.Default(),
		dial:      relay.Dial,
		endpoints: make(map[string]*endpoint),
		subs:      make(map[string]*Subscription),
		seen:      expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		health:    make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.retryer == nil {
		p.retryer = NewExponentialBackoffRetryer(cfg.ReconnectMin, cfg.ReconnectMax)
	}

	p.logger = p.logger.With("component", "transport")

	return p
}

// Connect starts the pool and one connection loop per url.
// The pool runs until ctx is cancelled or Close is called.
func (p *Pool) Connect(ctx context.Context, urls []string) error {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return errors.New("pool already connected")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for _, u := range urls {
		if err := p.AddEndpoint(u); err != nil {
			return err
		}
	}

	return nil
}

// Close stops every endpoint and waits for their goroutines.
func (p *Pool) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	p.wg.Wait()

	return nil
}

// AddEndpoint starts connecting to url. Adding a known url is a no-op.
func (p *Pool) AddEndpoint(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return errors.New("pool not connected")
	}

	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}

	if _, ok := p.endpoints[url]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(p.ctx)
	ep := newEndpoint(p, url, cancel)

	p.endpoints[url] = ep
	p.order = append(p.order, url)

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		ep.run(ctx)
	}()

	p.logger.Info("endpoint added", "endpoint", url)

	return nil
}

// RemoveEndpoint stops and forgets url.
func (p *Pool) RemoveEndpoint(url string) {
	p.mu.Lock()
	ep, ok := p.endpoints[url]
	if ok {
		delete(p.endpoints, url)
		p.order = slices.DeleteFunc(p.order, func(u string) bool { return u == url })
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	ep.cancel()
	<-ep.done

	p.logger.Info("endpoint removed", "endpoint", url)
	p.notifyHealth()
}

// Endpoints returns a snapshot of every endpoint in insertion order.
func (p *Pool) Endpoints() []model.Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.Endpoint, 0, len(p.order))
	for _, u := range p.order {
		out = append(out, model.Endpoint{URL: u, Health: p.endpoints[u].snapshot()})
	}

	return out
}

// HealthyCount returns the number of endpoints currently considered healthy.
func (p *Pool) HealthyCount() int {
	n := 0

	for _, ep := range p.Endpoints() {
		if ep.Health.Healthy {
			n++
		}
	}

	return n
}

// ConnectedCount returns the number of endpoints with a live connection.
func (p *Pool) ConnectedCount() int {
	return len(p.connected())
}

// HealthChanges signals that endpoint health changed. Signals coalesce:
// read Endpoints or HealthyCount after receiving one.
func (p *Pool) HealthChanges() <-chan struct{} {
	return p.health
}

// Stats returns cumulative counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Received:   p.received.Load(),
		Duplicates: p.duplicates.Load(),
		Invalid:    p.invalid.Load(),
		Published:  p.published.Load(),
		Acked:      p.acked.Load(),
	}
}

func (p *Pool) notifyHealth() {
	select {
	case p.health <- struct{}{}:
	default:
	}
}

func (p *Pool) connected() []*endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*endpoint

	for _, u := range p.order {
		if ep := p.endpoints[u]; ep.isConnected() {
			out = append(out, ep)
		}
	}

	return out
}

// firstSeen records key in the dedup window and reports whether it was new.
func (p *Pool) firstSeen(key string) bool {
	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()

	if p.seen.Contains(key) {
		return false
	}

	p.seen.Add(key, struct{}{})

	return true
}

// Publish sends ev to every connected endpoint and waits for their OK.
// It succeeds when at least one endpoint accepted the event.
func (p *Pool) Publish(ctx context.Context, ev *relay.Event) (PublishResult, error) {
	result := PublishResult{
		EventID:  ev.ID,
		Rejected: make(map[string]string),
		Failed:   make(map[string]error),
	}

	targets := p.connected()
	if len(targets) == 0 {
		return result, fmt.Errorf("%w: no connected endpoints", ErrTransportFailure)
	}

	frame, err := relay.EventFrame(ev)
	if err != nil {
		return result, err
	}

	p.published.Add(1)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)

	for _, ep := range targets {
		g.Go(func() error {
			ok, msg, err := ep.publish(ctx, ev.ID, frame, p.cfg.AckTimeout)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				result.Failed[ep.url] = err
			case ok:
				result.Acked = append(result.Acked, ep.url)
			default:
				result.Rejected[ep.url] = msg
			}

			return nil
		})
	}

	_ = g.Wait()

	if len(result.Acked) == 0 {
		return result, fmt.Errorf("%w: event %s not acknowledged by %d endpoints", ErrTransportFailure, ev.ID, len(targets))
	}

	p.acked.Add(1)

	return result, nil
}

// Query runs a one-shot request against every connected endpoint and
// collects matching events until each has sent EOSE or ctx ends. Events
// are verified and deduplicated. When ctx ends first, the events received
// so far are returned with ctx's error.
func (p *Pool) Query(ctx context.Context, filter relay.Filter) ([]*relay.Event, error) {
	targets := p.connected()
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no connected endpoints", ErrTransportFailure)
	}

	subID := "q-" + uuid.NewString()[:8]

	frame, err := relay.ReqFrame(subID, filter)
	if err != nil {
		return nil, err
	}

	type pending struct {
		ep  *endpoint
		col *collector
	}

	var active []pending

	for _, ep := range targets {
		col := ep.addCollector(subID)
		if err := ep.write(frame); err != nil {
			ep.removeCollector(subID)
			continue
		}

		active = append(active, pending{ep: ep, col: col})
	}

	defer func() {
		closeFrame, _ := relay.CloseFrame(subID)
		for _, a := range active {
			a.ep.removeCollector(subID)
			_ = a.ep.write(closeFrame)
		}
	}()

	if len(active) == 0 {
		return nil, fmt.Errorf("%w: query could not be sent", ErrTransportFailure)
	}

	merged := make(chan *relay.Event)
	doneAll := make(chan struct{})

	var wg sync.WaitGroup

	for _, a := range active {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case ev := <-a.col.events:
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				case <-a.col.done:
					// drain what arrived before EOSE
					for {
						select {
						case ev := <-a.col.events:
							select {
							case merged <- ev:
							case <-ctx.Done():
								return
							}
						default:
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(doneAll)
	}()

	seen := make(map[string]struct{})

	var out []*relay.Event

	for {
		select {
		case ev := <-merged:
			if _, dup := seen[ev.ID]; dup {
				continue
			}

			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		case <-doneAll:
			return out, ctx.Err()
		}
	}
}

// SubscribeOptions customize a long-lived subscription.
type SubscribeOptions struct {
	// Since returns the lower created_at bound to request from an endpoint
	// each time the subscription is (re)issued on it.
	Since func(endpoint string) int64

	// Duplicates forwards events suppressed by deduplication with
	// Inbound.Duplicate set. They arrive after the first copy, so a consumer
	// can advance the cursor of every endpoint that sent an event only once
	// the event has been handled.
	Duplicates bool

	// Buffer is the capacity of the event channel.
	Buffer int
}

// Subscription is a long-lived REQ re-issued on every (re)connection.
type Subscription struct {
	ID     string
	Filter relay.Filter

	opts   SubscribeOptions
	pool   *Pool
	events chan Inbound
	eose   chan string
	closed chan struct{}
	once   sync.Once
}

// Events delivers verified events, deduplicated unless SubscribeOptions.Duplicates is set.
func (s *Subscription) Events() <-chan Inbound {
	return s.events
}

// EOSE delivers the url of each endpoint that finished sending stored events.
func (s *Subscription) EOSE() <-chan string {
	return s.eose
}

// Close cancels the subscription on every endpoint.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)

		s.pool.mu.Lock()
		delete(s.pool.subs, s.ID)
		s.pool.mu.Unlock()

		frame, err := relay.CloseFrame(s.ID)
		if err != nil {
			return
		}

		for _, ep := range s.pool.connected() {
			_ = ep.write(frame)
		}
	})
}

func (s *Subscription) reqFrame(endpoint string) ([]byte, error) {
	f := s.Filter
	if s.opts.Since != nil {
		if since := s.opts.Since(endpoint); since > 0 {
			f.Since = since
		}
	}

	return relay.ReqFrame(s.ID, f)
}

func (s *Subscription) deliver(in Inbound) {
	select {
	case s.events <- in:
	case <-s.closed:
	}
}

func (s *Subscription) endOfStored(endpoint string) {
	select {
	case s.eose <- endpoint:
	case <-s.closed:
	}
}

// Subscribe registers a long-lived subscription and issues it on every
// connected endpoint. Endpoints that connect later receive it on connect.
func (p *Pool) Subscribe(filter relay.Filter, opts SubscribeOptions) *Subscription {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}

	sub := &Subscription{
		ID:     "s-" + uuid.NewString()[:8],
		Filter: filter,
		opts:   opts,
		pool:   p,
		events: make(chan Inbound, opts.Buffer),
		eose:   make(chan string, 64),
		closed: make(chan struct{}),
	}

	p.mu.Lock()
	p.subs[sub.ID] = sub
	p.mu.Unlock()

	for _, ep := range p.connected() {
		frame, err := sub.reqFrame(ep.url)
		if err != nil {
			continue
		}

		_ = ep.write(frame)
	}

	return sub
}

func (p *Pool) subscription(id string) (*Subscription, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.subs[id]

	return s, ok
}

func (p *Pool) subscriptions() []*Subscription {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		out = append(out, s)
	}

	return out
}
