package scope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/inovacc/tillsync/internal/relay"
	"github.com/inovacc/tillsync/internal/transport"
	"golang.org/x/sync/singleflight"
)

// Event constants shared with the sync engine
const (
	// EventKind is the relay event kind of every tillsync event.
	EventKind = 7078

	TopicTag     = "t"
	KeyTag       = "k"
	TagRecord    = "tillsync/record"
	TagDiscovery = "tillsync/discovery"

	discoverySchemaVersion = 1
)

var (
	// ErrNotFound is returned when relays answered but no valid owner record exists.
	ErrNotFound = errors.New("owner not found")

	// ErrDiscoveryTimeout is returned when no relay answered within the attempts.
	ErrDiscoveryTimeout = errors.New("discovery timed out")
)

// OwnerIdentity is the result of discovery.
type OwnerIdentity struct {
	PublicKey string    `json:"owner"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	// AnnouncedBy is the id of the discovery event that named the owner
	AnnouncedBy string `json:"-"`
}

// discoveryBody is the plaintext of a discovery event.
type discoveryBody struct {
	V         int    `json:"v"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	// Proof is the owner's signature over the scope topic
	Proof string `json:"proof"`
}

// Relays is the subset of the transport pool discovery needs.
type Relays interface {
	Query(ctx context.Context, filter relay.Filter) ([]*relay.Event, error)
	Publish(ctx context.Context, ev *relay.Event) (transport.PublishResult, error)
}

func discoveryAAD(topic string) []byte {
	return []byte(TagDiscovery + "/" + topic)
}

// DiscoveryFilter selects the discovery events of a scope.
func DiscoveryFilter(topic string) relay.Filter {
	return relay.Filter{
		Authors: []string{topic},
		Kinds:   []int{EventKind},
		Tags:    map[string][]string{TopicTag: {TagDiscovery}},
	}
}

// NewDiscoveryEvent builds and signs the discovery event for owner.
func NewDiscoveryEvent(s *Scope, owner *btcec.PrivateKey, name string, now time.Time) (*relay.Event, error) {
	proof, err := relay.SignMessage(owner, []byte(s.Topic))
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(discoveryBody{
		V:         discoverySchemaVersion,
		Owner:     OwnerPublicKey(owner),
		Name:      name,
		CreatedAt: now.UnixMilli(),
		Proof:     proof,
	})
	if err != nil {
		return nil, err
	}

	c, err := s.Cipher()
	if err != nil {
		return nil, err
	}

	blob, err := c.Seal(body, discoveryAAD(s.Topic))
	if err != nil {
		return nil, fmt.Errorf("failed to seal discovery record: %w", err)
	}

	ev := &relay.Event{
		CreatedAt: now.Unix(),
		Kind:      EventKind,
		Tags:      relay.Tags{{TopicTag, TagDiscovery}},
		Content:   base64.StdEncoding.EncodeToString(blob),
	}

	if err := ev.Sign(s.SigningKey); err != nil {
		return nil, err
	}

	return ev, nil
}

// ParseDiscoveryEvent validates ev against the scope and returns the owner.
// It checks the envelope signature, the author, decrypts the body and
// verifies the owner's proof over the topic.
func ParseDiscoveryEvent(s *Scope, ev *relay.Event) (*OwnerIdentity, error) {
	if ev.PubKey != s.Topic {
		return nil, fmt.Errorf("discovery event authored by %s, not the scope", ShortKey(ev.PubKey))
	}

	if !ev.Tags.Has(TopicTag, TagDiscovery) {
		return nil, errors.New("not a discovery event")
	}

	if err := ev.Verify(); err != nil {
		return nil, err
	}

	blob, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode discovery content: %w", err)
	}

	c, err := s.Cipher()
	if err != nil {
		return nil, err
	}

	plain, err := c.Open(blob, discoveryAAD(s.Topic))
	if err != nil {
		return nil, err
	}

	var body discoveryBody
	if err := json.Unmarshal(plain, &body); err != nil {
		return nil, fmt.Errorf("failed to parse discovery record: %w", err)
	}

	if body.V != discoverySchemaVersion {
		return nil, fmt.Errorf("unsupported discovery schema %d", body.V)
	}

	if err := relay.VerifyMessage(body.Owner, []byte(s.Topic), body.Proof); err != nil {
		return nil, fmt.Errorf("owner proof: %w", err)
	}

	return &OwnerIdentity{
		PublicKey:   body.Owner,
		Name:        body.Name,
		CreatedAt:   time.UnixMilli(body.CreatedAt).UTC(),
		AnnouncedBy: ev.ID,
	}, nil
}

// Announce publishes the discovery record of the scope, naming owner as its owner.
func Announce(ctx context.Context, relays Relays, s *Scope, owner *btcec.PrivateKey, name string) (*relay.Event, error) {
	ev, err := NewDiscoveryEvent(s, owner, name, time.Now())
	if err != nil {
		return nil, err
	}

	if _, err := relays.Publish(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to announce owner: %w", err)
	}

	return ev, nil
}

// Discoverer finds the owner of a scope.
type Discoverer struct {
	relays   Relays
	attempts int
	timeout  time.Duration
	backoff  time.Duration
	logger   *slog.Logger
	group    singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the shared lookup of one topic. Its context is cancelled once
// every caller waiting on it has returned.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithAttempts bounds the number of queries.
func WithAttempts(n int) DiscovererOption {
	return func(d *Discoverer) {
		if n > 0 {
			d.attempts = n
		}
	}
}

// WithAttemptTimeout bounds each query.
func WithAttemptTimeout(t time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithBackoff sets the delay before the second attempt; it doubles after each.
func WithBackoff(b time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		if b > 0 {
			d.backoff = b
		}
	}
}

// WithDiscoveryLogger sets the logger.
func WithDiscoveryLogger(l *slog.Logger) DiscovererOption {
	return func(d *Discoverer) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDiscoverer creates a Discoverer over relays.
func NewDiscoverer(relays Relays, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		relays:   relays,
		attempts: 3,
		timeout:  5 * time.Second,
		backoff:  500 * time.Millisecond,
		logger:   slog.Default(),
		flights:  make(map[string]*flight),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.logger = d.logger.With("component", "discovery")

	return d
}

// DiscoverOwner derives the scope of code and looks up its owner.
func (d *Discoverer) DiscoverOwner(ctx context.Context, code string) (*OwnerIdentity, error) {
	s, err := Derive(code)
	if err != nil {
		return nil, err
	}

	return d.Discover(ctx, s)
}

// Discover looks up the owner of an already derived scope. Concurrent calls
// for the same topic share one lookup, which is abandoned once all of them
// have given up. The first response that is signed by the scope, decrypts
// and carries a valid owner proof wins.
func (d *Discoverer) Discover(ctx context.Context, s *Scope) (*OwnerIdentity, error) {
	f := d.join(s.Topic)
	defer d.leave(s.Topic, f)

	ch := d.group.DoChan(s.Topic, func() (any, error) {
		return d.discover(f.ctx, s)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryTimeout, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*OwnerIdentity), nil
	}
}

func (d *Discoverer) join(topic string) *flight {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.flights[topic]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		f = &flight{ctx: ctx, cancel: cancel}
		d.flights[topic] = f
	}

	f.waiters++

	return f
}

func (d *Discoverer) leave(topic string, f *flight) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}

	f.cancel()

	if d.flights[topic] == f {
		delete(d.flights, topic)
		// a later caller must not attach to the cancelled lookup
		d.group.Forget(topic)
	}
}

func (d *Discoverer) discover(ctx context.Context, s *Scope) (*OwnerIdentity, error) {
	filter := DiscoveryFilter(s.Topic)
	answered := false
	delay := d.backoff

	for attempt := range d.attempts {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w: %v", ErrDiscoveryTimeout, ctx.Err())
			case <-timer.C:
			}

			delay *= 2
		}

		qctx, cancel := context.WithTimeout(ctx, d.timeout)
		events, err := d.relays.Query(qctx, filter)
		cancel()

		if err == nil {
			answered = true
		}

		for _, ev := range events {
			owner, perr := ParseDiscoveryEvent(s, ev)
			if perr != nil {
				d.logger.Debug("ignoring discovery response", "id", ev.ID, "error", perr)
				continue
			}

			d.logger.Info("owner discovered", "owner", ShortKey(owner.PublicKey), "attempt", attempt+1)

			return owner, nil
		}

		d.logger.Debug("discovery attempt found nothing", "attempt", attempt+1, "error", err)
	}

	if answered {
		return nil, ErrNotFound
	}

	return nil, ErrDiscoveryTimeout
}
