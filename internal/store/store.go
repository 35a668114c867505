package store

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/store/sqlite"
)

// Meta keys shared by every backend
const (
	MetaDeviceID = "device_id"
	MetaClock    = "logical_clock"
	MetaOwnerKey = "owner_key"

	// MetaOwnerPublicKey and MetaBusinessName cache the discovered owner
	MetaOwnerPublicKey = "owner_pubkey"
	MetaBusinessName   = "business_name"
)

// Cache is the durable local state of one business scope.
//
//nolint:interfacebloat // records, cursors, outbox and meta share one transaction domain
type Cache interface {
	// Put stores rec unless a record with a newer or equal version exists.
	// It reports whether the record was written.
	Put(ctx context.Context, rec model.Record) (bool, error)
	// PutWithOutbox is Put that also queues entry, in the same transaction,
	// when the record was written. Either both are stored or neither is.
	PutWithOutbox(ctx context.Context, rec model.Record, entry *model.OutboxEntry) (bool, error)
	// Get returns model.ErrNotFound when the key is absent. Tombstones are returned.
	Get(ctx context.Context, collection, id string) (*model.Record, error)
	// Scan yields every record of a collection, tombstones included.
	Scan(ctx context.Context, collection string) iter.Seq2[model.Record, error]
	Collections(ctx context.Context) ([]string, error)

	// LastSyncCursor returns 0 when the endpoint was never synced.
	LastSyncCursor(ctx context.Context, endpoint string) (int64, error)
	// SetSyncCursor only ever moves the cursor forward.
	SetSyncCursor(ctx context.Context, endpoint string, cursor int64) error

	EnqueueOutbox(ctx context.Context, entry model.OutboxEntry) error
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	AckOutbox(ctx context.Context, eventID string) error
	// TouchOutbox increments the attempt counter of an entry.
	TouchOutbox(ctx context.Context, eventID string) error

	// DeviceID returns the installation id, creating it on first use.
	DeviceID(ctx context.Context) (string, error)
	LoadClock(ctx context.Context) (uint64, error)
	SaveClock(ctx context.Context, clock uint64) error
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	// PruneTombstones removes tombstones deleted before the given time.
	PruneTombstones(ctx context.Context, before time.Time) (int, error)

	Ping() error
	Close() error
}

// Open opens the cache for the configured backend.
func Open(backend, path string) (Cache, error) {
	switch backend {
	case "", model.StoreBackendSQLite:
		s, err := sqlite.New(path)
		if err != nil {
			return nil, err
		}

		return s, nil
	case model.StoreBackendBolt:
		return NewBolt(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
