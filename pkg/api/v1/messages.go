package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Version is the version stamp of a record.
type Version struct {
	Wall    int64  `json:"wall"`
	Logical uint64 `json:"logical"`
	Device  string `json:"device"`
}

// Record is a record as carried by the API.
// Payload holds the stored bytes when they are valid JSON and a JSON
// string with the raw bytes otherwise.
type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    Version         `json:"version"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
}

// KeyRequest is the body of Get and Delete.
type KeyRequest struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// MutateRequest is the body of Mutate. Payload is stored as its JSON encoding.
type MutateRequest struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
}

// Endpoint is the health of one relay.
type Endpoint struct {
	URL          string    `json:"url"`
	Connected    bool      `json:"connected"`
	Healthy      bool      `json:"healthy"`
	LastSeen     time.Time `json:"last_seen,omitzero"`
	FailureCount int       `json:"failure_count"`
	NextRetry    time.Time `json:"next_retry,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// Counters are the cumulative engine and transport counters.
type Counters struct {
	Applied                uint64 `json:"applied"`
	Published              uint64 `json:"published"`
	SelfEchoes             uint64 `json:"self_echoes"`
	StaleVersionIgnored    uint64 `json:"stale_version_ignored"`
	AuthenticationFailures uint64 `json:"authentication_failures"`
	SchemaMismatches       uint64 `json:"schema_mismatches"`
	DroppedChanges         uint64 `json:"dropped_changes"`
	Received               uint64 `json:"received"`
	Duplicates             uint64 `json:"duplicates"`
	Invalid                uint64 `json:"invalid"`
	Acked                  uint64 `json:"acked"`
}

// Status is the reply of Status.
type Status struct {
	State         string     `json:"state"`
	Since         time.Time  `json:"since"`
	Topic         string     `json:"topic"`
	DeviceID      string     `json:"device_id"`
	Owner         string     `json:"owner,omitempty"`
	BusinessName  string     `json:"business_name,omitempty"`
	Endpoints     []Endpoint `json:"endpoints"`
	PendingOutbox int        `json:"pending_outbox"`
	Counters      Counters   `json:"counters"`
}

// Change is one item of the Watch stream.
type Change struct {
	Origin   string `json:"origin"`
	Endpoint string `json:"endpoint,omitempty"`
	Record   Record `json:"record"`
}

// Encode converts a message into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	return out, nil
}

// Decode converts a Struct into a message.
func Decode[T any](s *structpb.Struct) (T, error) {
	var out T

	if s == nil {
		return out, fmt.Errorf("failed to decode message: empty body")
	}

	data, err := protojson.Marshal(s)
	if err != nil {
		return out, fmt.Errorf("failed to decode message: %w", err)
	}

	// protojson output is not byte stable; raw payloads are kept compact
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return out, fmt.Errorf("failed to decode message: %w", err)
	}

	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		return out, fmt.Errorf("failed to decode message: %w", err)
	}

	return out, nil
}
