package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inovacc/tillsync/internal/crypto/seal"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/scope"
	"github.com/inovacc/tillsync/internal/store"
	"github.com/inovacc/tillsync/internal/transport"
)

var (
	// ErrActive is returned by Activate when the engine is already running.
	ErrActive = errors.New("engine already active")

	// ErrNotActive is returned by operations that need a running engine.
	ErrNotActive = errors.New("engine not active")
)

const (
	defaultOutboxInterval = 5 * time.Second
	outboxBatch           = 64
	evaluateInterval      = time.Second
)

// Config is what an Engine needs besides its scope and cache.
type Config struct {
	Relays []string
	Sync   model.SyncConfig
}

// Stats are cumulative counters of the inbound and outbound pipelines.
type Stats struct {
	Applied                uint64
	Published              uint64
	SelfEchoes             uint64
	StaleVersionIgnored    uint64
	AuthenticationFailures uint64
	SchemaMismatches       uint64
	DroppedChanges         uint64
}

// Status is a point-in-time view of an Engine.
type Status struct {
	State         State
	Since         time.Time
	Topic         string
	DeviceID      string
	Owner         string
	BusinessName  string
	Endpoints     []model.Endpoint
	PendingOutbox int
	Stats         Stats
	Transport     transport.Stats
}

type counters struct {
	applied      atomic.Uint64
	published    atomic.Uint64
	echoes       atomic.Uint64
	stale        atomic.Uint64
	authFailures atomic.Uint64
	schema       atomic.Uint64
	dropped      atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces time.Now for version stamps and envelopes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRand sets the nonce source of the record cipher.
func WithRand(r io.Reader) Option {
	return func(e *Engine) {
		e.rand = r
	}
}

// WithOutboxInterval sets how often queued envelopes are retried.
func WithOutboxInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.outboxInterval = d
		}
	}
}

// WithTransportOptions passes options to the pool created on Activate.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(e *Engine) {
		e.transportOpts = append(e.transportOpts, opts...)
	}
}

// WithOwnerDiscovery toggles the background owner lookup on Activate.
func WithOwnerDiscovery(enabled bool) Option {
	return func(e *Engine) {
		e.discoverOwner = enabled
	}
}

// Engine synchronizes one business scope.
type Engine struct {
	scope  *scope.Scope
	cache  store.Cache
	cfg    Config
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
	rand   io.Reader

	outboxInterval time.Duration
	transportOpts  []transport.Option
	discoverOwner  bool

	deviceID string

	clockMu sync.Mutex
	logical uint64

	// lifecycle serializes Activate and Deactivate
	lifecycle sync.Mutex

	mu         sync.RWMutex
	state      State
	stateSince time.Time
	pool       *transport.Pool
	sub        *transport.Subscription
	cancel     context.CancelFunc
	pruner     *TombstonePruner
	wg         sync.WaitGroup

	cursors *cursorSet
	kick    chan struct{}

	watchers *broadcaster[Change]
	states   *broadcaster[State]

	stats counters
}

// New creates an idle Engine for s backed by cache.
func New(ctx context.Context, s *scope.Scope, cache store.Cache, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		scope:          s,
		cache:          cache,
		cfg:            cfg,
		logger:         slog.Default(),
		now:            time.Now,
		outboxInterval: defaultOutboxInterval,
		discoverOwner:  true,
		state:          StateIdle,
		kick:           make(chan struct{}, 1),
		watchers:       newBroadcaster[Change](256),
		states:         newBroadcaster[State](16),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.stateSince = e.now()
	e.logger = e.logger.With("component", "engine", "topic", scope.ShortKey(s.Topic))

	c, err := newCodec(s, seal.WithRand(e.rand))
	if err != nil {
		return nil, err
	}

	e.codec = c

	e.deviceID, err = cache.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device id: %w", err)
	}

	e.logical, err = cache.LoadClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load logical clock: %w", err)
	}

	e.cursors = newCursorSet(cache, cfg.Sync.CursorOverlap)

	return e, nil
}

// DeviceID returns the installation id stamped on local writes.
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// Scope returns the scope the engine synchronizes.
func (e *Engine) Scope() *scope.Scope {
	return e.scope
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.state
}

// StateChanges delivers every state the engine enters until cancel is called.
func (e *Engine) StateChanges() (<-chan State, func()) {
	return e.states.subscribe()
}

// Subscribe delivers every resolved write until cancel is called.
// A subscriber that falls behind loses changes; DroppedChanges counts them.
func (e *Engine) Subscribe() (<-chan Change, func()) {
	return e.watchers.subscribe()
}

// transitionTo must be called with e.mu held.
func (e *Engine) transitionTo(next State) error {
	prev := e.state

	newState, err := e.state.TransitionTo(next)
	if err != nil {
		return err
	}

	e.state = newState
	e.stateSince = e.now()
	e.logger.Info("engine state changed", "from", prev, "to", newState)
	e.states.publish(newState)

	return nil
}

// Activate starts synchronizing. It returns once the pool is connecting;
// progress is reported through State and StateChanges. The engine runs
// until Deactivate is called or ctx is cancelled.
func (e *Engine) Activate(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return ErrActive
	}

	if err := e.transitionTo(StateDiscovering); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	opts := append([]transport.Option{transport.WithLogger(e.logger)}, e.transportOpts...)
	pool := transport.New(transport.ConfigFromSync(e.cfg.Sync), opts...)

	if err := pool.Connect(runCtx, e.cfg.Relays); err != nil {
		cancel()
		_ = pool.Close()
		_ = e.transitionTo(StateIdle)

		return fmt.Errorf("failed to connect transport pool: %w", err)
	}

	e.pool = pool
	e.cancel = cancel
	e.sub = pool.Subscribe(RecordFilter(e.scope.Topic), transport.SubscribeOptions{
		Since:      e.cursors.since,
		Duplicates: true,
	})

	e.pruner = NewTombstonePruner(e.cache, e.cfg.Sync.PruneInterval, e.cfg.Sync.TombstoneRetention, e.logger)
	e.pruner.now = e.now
	e.pruner.Start(runCtx)

	e.wg.Add(2)

	go e.run(runCtx, pool, e.sub)
	go e.runPublisher(runCtx, pool)

	if e.discoverOwner {
		e.wg.Add(1)

		go e.lookupOwner(runCtx, pool)
	}

	e.logger.Info("engine activated", "relays", len(e.cfg.Relays), "device", e.deviceID)

	return nil
}

// Deactivate stops every network task and returns the engine to Idle.
// The cache and the outbox are kept.
func (e *Engine) Deactivate() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return nil
	}

	cancel, pool, sub, pruner := e.cancel, e.pool, e.sub, e.pruner
	e.mu.Unlock()

	cancel()
	pruner.Stop()
	sub.Close()
	_ = pool.Close()
	e.wg.Wait()

	ctx := context.Background()

	if err := e.cursors.flush(ctx); err != nil {
		e.logger.Warn("failed to persist sync cursors", "error", err)
	}

	if err := e.saveClock(ctx); err != nil {
		e.logger.Warn("failed to persist logical clock", "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pool = nil
	e.sub = nil
	e.cancel = nil
	e.pruner = nil

	if err := e.transitionTo(StateIdle); err != nil {
		return err
	}

	e.logger.Info("engine deactivated")

	return nil
}

// Close deactivates the engine and closes the watcher channels.
func (e *Engine) Close() error {
	err := e.Deactivate()

	e.watchers.close()
	e.states.close()

	return err
}

// Mutate writes payload as the new version of collection/id and queues it for
// publishing. It never waits for the network.
func (e *Engine) Mutate(ctx context.Context, collection, id string, payload []byte) (model.Record, error) {
	return e.write(ctx, model.Record{
		Collection: collection,
		ID:         id,
		Payload:    append([]byte(nil), payload...),
	})
}

// Delete writes a tombstone for collection/id. Deleting an unknown key still
// records the tombstone so that a late stale create cannot resurrect it.
func (e *Engine) Delete(ctx context.Context, collection, id string) (model.Record, error) {
	now := e.now().UTC().Truncate(time.Millisecond)

	return e.write(ctx, model.Record{
		Collection: collection,
		ID:         id,
		DeletedAt:  &now,
	})
}

func (e *Engine) write(ctx context.Context, rec model.Record) (model.Record, error) {
	if err := rec.Key().Validate(); err != nil {
		return model.Record{}, err
	}

	existing, err := e.cache.Get(ctx, rec.Collection, rec.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.Record{}, fmt.Errorf("failed to read record: %w", err)
	}

	now := e.now()
	rec.Version = e.nextStamp(now, existing)

	ev, err := e.codec.seal(rec, now)
	if err != nil {
		return model.Record{}, err
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return model.Record{}, fmt.Errorf("failed to encode envelope: %w", err)
	}

	applied, err := e.cache.PutWithOutbox(ctx, rec, &model.OutboxEntry{
		EventID:    ev.ID,
		Collection: rec.Collection,
		RecordID:   rec.ID,
		Event:      raw,
		CreatedAt:  now,
	})
	if err != nil {
		return model.Record{}, fmt.Errorf("failed to write record: %w", err)
	}

	if err := e.saveClock(ctx); err != nil {
		e.logger.Warn("failed to persist logical clock", "error", err)
	}

	if !applied {
		e.stats.stale.Add(1)
		e.logger.Debug("local write lost to a concurrent version", "key", rec.Key(), "version", rec.Version)

		return model.Record{}, fmt.Errorf("%w: %s", ErrStaleVersionIgnored, rec.Key())
	}

	e.notify(Change{Record: rec.Clone(), Origin: OriginLocal})
	e.kickPublisher()

	return rec, nil
}

// nextStamp returns a stamp greater than existing and every stamp this
// device issued or observed before.
func (e *Engine) nextStamp(now time.Time, existing *model.Record) model.VersionStamp {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()

	wall := now.UnixMilli()

	if existing != nil {
		wall = max(wall, existing.Version.WallClock)
		e.logical = max(e.logical, existing.Version.Logical)
	}

	e.logical++

	return model.VersionStamp{WallClock: wall, Logical: e.logical, DeviceID: e.deviceID}
}

// observeStamp advances the logical clock past a remote stamp.
func (e *Engine) observeStamp(v model.VersionStamp) {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()

	e.logical = max(e.logical, v.Logical)
}

func (e *Engine) saveClock(ctx context.Context) error {
	e.clockMu.Lock()
	clock := e.logical
	e.clockMu.Unlock()

	return e.cache.SaveClock(ctx, clock)
}

// Get returns the live record for collection/id. Tombstoned records are
// reported as model.ErrNotFound.
func (e *Engine) Get(ctx context.Context, collection, id string) (*model.Record, error) {
	rec, err := e.cache.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	if rec.IsTombstone() {
		return nil, model.ErrNotFound
	}

	return rec, nil
}

// Scan yields the live records of a collection.
func (e *Engine) Scan(ctx context.Context, collection string) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		for rec, err := range e.cache.Scan(ctx, collection) {
			if err != nil {
				yield(model.Record{}, err)
				return
			}

			if rec.IsTombstone() {
				continue
			}

			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Collections lists the collections present in the cache.
func (e *Engine) Collections(ctx context.Context) ([]string, error) {
	return e.cache.Collections(ctx)
}

// AddEndpoint adds a relay to the running pool.
func (e *Engine) AddEndpoint(url string) error {
	e.mu.RLock()
	pool := e.pool
	e.mu.RUnlock()

	if pool == nil {
		return ErrNotActive
	}

	return pool.AddEndpoint(url)
}

// RemoveEndpoint removes a relay from the running pool.
func (e *Engine) RemoveEndpoint(url string) error {
	e.mu.RLock()
	pool := e.pool
	e.mu.RUnlock()

	if pool == nil {
		return ErrNotActive
	}

	pool.RemoveEndpoint(url)

	return nil
}

// Stats returns the pipeline counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Applied:                e.stats.applied.Load(),
		Published:              e.stats.published.Load(),
		SelfEchoes:             e.stats.echoes.Load(),
		StaleVersionIgnored:    e.stats.stale.Load(),
		AuthenticationFailures: e.stats.authFailures.Load(),
		SchemaMismatches:       e.stats.schema.Load(),
		DroppedChanges:         e.stats.dropped.Load(),
	}
}

// TransportStats returns the counters of the active pool, or zeros when idle.
func (e *Engine) TransportStats() transport.Stats {
	e.mu.RLock()
	pool := e.pool
	e.mu.RUnlock()

	if pool == nil {
		return transport.Stats{}
	}

	return pool.Stats()
}

// Status returns a snapshot of the engine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.RLock()
	st := Status{
		State:    e.state,
		Since:    e.stateSince,
		Topic:    e.scope.Topic,
		DeviceID: e.deviceID,
	}
	pool := e.pool
	e.mu.RUnlock()

	if pool != nil {
		st.Endpoints = pool.Endpoints()
		st.Transport = pool.Stats()
	}

	st.Stats = e.Stats()

	pending, err := e.cache.PendingOutbox(ctx, 0)
	if err != nil {
		return st, fmt.Errorf("failed to read outbox: %w", err)
	}

	st.PendingOutbox = len(pending)

	st.Owner, err = e.meta(ctx, store.MetaOwnerPublicKey)
	if err != nil {
		return st, err
	}

	st.BusinessName, err = e.meta(ctx, store.MetaBusinessName)
	if err != nil {
		return st, err
	}

	return st, nil
}

func (e *Engine) meta(ctx context.Context, key string) (string, error) {
	v, err := e.cache.GetMeta(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return "", nil
	}

	return v, err
}

func (e *Engine) notify(c Change) {
	if dropped := e.watchers.publish(c); dropped > 0 {
		e.stats.dropped.Add(uint64(dropped))
		e.logger.Warn("change subscriber is falling behind", "dropped", dropped, "key", c.Record.Key())
	}
}

func (e *Engine) kickPublisher() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// lookupOwner resolves and caches the scope owner once per activation.
func (e *Engine) lookupOwner(ctx context.Context, pool *transport.Pool) {
	defer e.wg.Done()

	if owner, _ := e.meta(ctx, store.MetaOwnerPublicKey); owner != "" {
		return
	}

	d := scope.NewDiscoverer(pool,
		scope.WithAttempts(e.cfg.Sync.DiscoveryAttempts),
		scope.WithAttemptTimeout(e.cfg.Sync.DiscoveryTimeout),
		scope.WithBackoff(e.cfg.Sync.DiscoveryBackoff),
		scope.WithDiscoveryLogger(e.logger),
	)

	// wait for a connection so the bounded attempts are not spent offline
	if !e.waitConnected(ctx, pool) {
		return
	}

	owner, err := d.Discover(ctx, e.scope)
	if err != nil {
		e.logger.Info("owner not discovered", "error", err)
		return
	}

	if err := e.cache.SetMeta(ctx, store.MetaOwnerPublicKey, owner.PublicKey); err != nil {
		e.logger.Warn("failed to store owner", "error", err)
		return
	}

	if err := e.cache.SetMeta(ctx, store.MetaBusinessName, owner.Name); err != nil {
		e.logger.Warn("failed to store business name", "error", err)
	}
}

func (e *Engine) waitConnected(ctx context.Context, pool *transport.Pool) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for pool.ConnectedCount() == 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}

	return true
}
