package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrInvalidRecordKey is returned when a collection or id is not usable as a record key.
var ErrInvalidRecordKey = errors.New("invalid record key")

// collectionPattern restricts collection names so they can double as table and bucket names.
var collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// VersionStamp orders concurrent writes to the same record.
// The total order is (WallClock, Logical, DeviceID), compared lexicographically.
type VersionStamp struct {
	// WallClock is the writer's wall clock in Unix milliseconds
	WallClock int64 `json:"wall"`

	// Logical is the writer's monotonically increasing per-device counter
	Logical uint64 `json:"logical"`

	// DeviceID is the stable per-installation identifier of the writer
	DeviceID string `json:"device"`
}

// IsZero reports whether the stamp was never set.
func (v VersionStamp) IsZero() bool {
	return v.WallClock == 0 && v.Logical == 0 && v.DeviceID == ""
}

// Time returns the wall clock component as a time.Time.
func (v VersionStamp) Time() time.Time {
	return time.UnixMilli(v.WallClock)
}

func (v VersionStamp) String() string {
	return fmt.Sprintf("%d.%d@%s", v.WallClock, v.Logical, v.DeviceID)
}

// Key identifies a record within a business scope.
type Key struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (k Key) String() string {
	return k.Collection + "/" + k.ID
}

// Validate checks the collection name and id.
func (k Key) Validate() error {
	if !collectionPattern.MatchString(k.Collection) {
		return fmt.Errorf("%w: collection %q must match %s", ErrInvalidRecordKey, k.Collection, collectionPattern)
	}

	if k.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecordKey)
	}

	if len(k.ID) > 256 {
		return fmt.Errorf("%w: id longer than 256 bytes", ErrInvalidRecordKey)
	}

	return nil
}

// ValidCollection reports whether name is an acceptable collection name.
func ValidCollection(name string) bool {
	return collectionPattern.MatchString(name)
}

// Record is the latest known document for a (collection, id) pair.
// Records are never mutated once published; updates are new records
// with the same key and a newer VersionStamp.
type Record struct {
	Collection string       `json:"collection"`
	ID         string       `json:"id"`
	Payload    []byte       `json:"payload,omitempty"`
	Version    VersionStamp `json:"version"`
	DeletedAt  *time.Time   `json:"deleted_at,omitempty"`
}

// Key returns the record key.
func (r Record) Key() Key {
	return Key{Collection: r.Collection, ID: r.ID}
}

// IsTombstone reports whether the record marks a logical deletion.
func (r Record) IsTombstone() bool {
	return r.DeletedAt != nil
}

// Digest returns a hex SHA-256 over the record body (key, payload, deletion time).
// Two records with identical stamps and digests are the same record.
func (r Record) Digest() string {
	h := sha256.New()
	h.Write([]byte(r.Collection))
	h.Write([]byte{0x00})
	h.Write([]byte(r.ID))
	h.Write([]byte{0x00})
	h.Write(r.Payload)
	h.Write([]byte{0x00})

	var deleted [8]byte
	if r.DeletedAt != nil {
		binary.BigEndian.PutUint64(deleted[:], uint64(r.DeletedAt.UnixMilli()))
	}

	h.Write(deleted[:])

	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}

	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}

	return out
}
