package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RecordSchemaVersion is the newest record body layout this build understands.
const RecordSchemaVersion = 1

// ErrSchemaMismatch is returned when a record body was written by a newer schema.
var ErrSchemaMismatch = errors.New("record schema version not supported")

// recordBody is the plaintext sealed inside an envelope.
type recordBody struct {
	V          int          `json:"v"`
	Collection string       `json:"collection"`
	ID         string       `json:"id"`
	Payload    []byte       `json:"payload,omitempty"`
	Version    VersionStamp `json:"version"`
	DeletedAt  *int64       `json:"deleted_at,omitempty"`
}

// MarshalRecordBody encodes a record as the plaintext carried inside an envelope.
func MarshalRecordBody(r Record) ([]byte, error) {
	body := recordBody{
		V:          RecordSchemaVersion,
		Collection: r.Collection,
		ID:         r.ID,
		Payload:    r.Payload,
		Version:    r.Version,
	}

	if r.DeletedAt != nil {
		ms := r.DeletedAt.UnixMilli()
		body.DeletedAt = &ms
	}

	return json.Marshal(body)
}

// UnmarshalRecordBody decodes an envelope plaintext produced by MarshalRecordBody.
func UnmarshalRecordBody(data []byte) (Record, error) {
	var body recordBody
	if err := json.Unmarshal(data, &body); err != nil {
		return Record{}, fmt.Errorf("failed to decode record body: %w", err)
	}

	if body.V > RecordSchemaVersion {
		return Record{}, fmt.Errorf("%w: got v%d, support up to v%d", ErrSchemaMismatch, body.V, RecordSchemaVersion)
	}

	if body.V < 1 {
		return Record{}, fmt.Errorf("failed to decode record body: missing schema version")
	}

	rec := Record{
		Collection: body.Collection,
		ID:         body.ID,
		Payload:    body.Payload,
		Version:    body.Version,
	}

	if body.DeletedAt != nil {
		t := time.UnixMilli(*body.DeletedAt).UTC()
		rec.DeletedAt = &t
	}

	if err := rec.Key().Validate(); err != nil {
		return Record{}, err
	}

	if rec.Version.DeviceID == "" {
		return Record{}, fmt.Errorf("failed to decode record body: missing device id")
	}

	return rec, nil
}
