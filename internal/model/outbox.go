package model

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("not found")

// OutboxEntry is a signed envelope waiting to be acknowledged by at least one relay.
type OutboxEntry struct {
	// EventID is the envelope id, unique per entry
	EventID string `json:"event_id"`

	Collection string `json:"collection"`
	RecordID   string `json:"record_id"`

	// Event is the JSON encoded signed envelope, ready to publish
	Event []byte `json:"event"`

	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
}
