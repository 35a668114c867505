package engine

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/inovacc/tillsync/internal/crypto/seal"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/relay"
	"github.com/inovacc/tillsync/internal/scope"
)

// ErrStaleVersionIgnored marks a record that lost against the cached version.
// Inbound records count it in diagnostics; local writes return it.
var ErrStaleVersionIgnored = errors.New("stale version ignored")

// RecordFilter selects the record events of a scope.
func RecordFilter(topic string) relay.Filter {
	return relay.Filter{
		Authors: []string{topic},
		Kinds:   []int{scope.EventKind},
		Tags:    map[string][]string{scope.TopicTag: {scope.TagRecord}},
	}
}

// codec turns records into signed envelopes and back.
type codec struct {
	scope  *scope.Scope
	cipher *seal.Cipher
}

func newCodec(s *scope.Scope, opts ...seal.Option) (*codec, error) {
	c, err := s.Cipher(opts...)
	if err != nil {
		return nil, err
	}

	return &codec{scope: s, cipher: c}, nil
}

// seal builds the signed envelope of rec, published at now.
func (c *codec) seal(rec model.Record, now time.Time) (*relay.Event, error) {
	body, err := model.MarshalRecordBody(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	tag := c.scope.KeyTag(rec.Collection, rec.ID)

	blob, err := c.cipher.Seal(body, []byte(tag))
	if err != nil {
		return nil, fmt.Errorf("failed to seal record: %w", err)
	}

	ev := &relay.Event{
		CreatedAt: now.Unix(),
		Kind:      scope.EventKind,
		Tags: relay.Tags{
			{scope.TopicTag, scope.TagRecord},
			{scope.KeyTag, tag},
		},
		Content: base64.StdEncoding.EncodeToString(blob),
	}

	if err := ev.Sign(c.scope.SigningKey); err != nil {
		return nil, err
	}

	return ev, nil
}

// open authenticates ev and returns the record it carries. Errors wrap
// seal.ErrAuthentication when the envelope cannot be trusted and
// model.ErrSchemaMismatch when it can but is not understood.
func (c *codec) open(ev *relay.Event) (model.Record, error) {
	if ev.PubKey != c.scope.Topic {
		return model.Record{}, fmt.Errorf("%w: foreign author %s", seal.ErrAuthentication, scope.ShortKey(ev.PubKey))
	}

	if !ev.Tags.Has(scope.TopicTag, scope.TagRecord) {
		return model.Record{}, fmt.Errorf("%w: not a record event", seal.ErrAuthentication)
	}

	tag := ev.Tags.Value(scope.KeyTag)
	if tag == "" {
		return model.Record{}, fmt.Errorf("%w: missing key tag", seal.ErrAuthentication)
	}

	blob, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return model.Record{}, fmt.Errorf("%w: content is not base64", seal.ErrAuthentication)
	}

	plain, err := c.cipher.Open(blob, []byte(tag))
	if err != nil {
		if errors.Is(err, seal.ErrUnsupportedScheme) {
			return model.Record{}, fmt.Errorf("%w: %v", model.ErrSchemaMismatch, err)
		}

		return model.Record{}, err
	}

	rec, err := model.UnmarshalRecordBody(plain)
	if err != nil {
		if errors.Is(err, model.ErrSchemaMismatch) {
			return model.Record{}, err
		}

		return model.Record{}, fmt.Errorf("%w: %v", model.ErrSchemaMismatch, err)
	}

	if tag != c.scope.KeyTag(rec.Collection, rec.ID) {
		return model.Record{}, fmt.Errorf("%w: key tag does not match %s", seal.ErrAuthentication, rec.Key())
	}

	return rec, nil
}
