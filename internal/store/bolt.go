package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inovacc/tillsync/internal/merge"
	"github.com/inovacc/tillsync/internal/model"
	"go.etcd.io/bbolt"
)

const (
	boltBucketMeta        = "meta"         // key: meta key -> value
	boltBucketCursors     = "sync_cursors" // key: endpoint url -> uint64 big endian
	boltBucketOutbox      = "outbox"       // key: sequence -> OutboxEntry JSON
	boltBucketOutboxIndex = "outbox_index" // key: event id -> sequence
	boltRecordPrefix      = "records/"     // one bucket per collection: records/<collection>
)

// Bolt is the BoltDB backend of Cache.
type Bolt struct {
	storage *bbolt.DB
	mu      sync.Mutex // serializes DeviceID creation
}

var _ Cache = (*Bolt)(nil)

// NewBolt opens or creates a Bolt database at path.
func NewBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	instance, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	if err := instance.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{boltBucketMeta, boltBucketCursors, boltBucketOutbox, boltBucketOutboxIndex} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		_ = instance.Close()

		return nil, err
	}

	return &Bolt{storage: instance}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.storage.Close()
}

func (b *Bolt) Ping() error {
	return b.storage.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func recordBucket(collection string) []byte {
	return []byte(boltRecordPrefix + collection)
}

func (b *Bolt) Put(ctx context.Context, rec model.Record) (bool, error) {
	return b.PutWithOutbox(ctx, rec, nil)
}

// PutWithOutbox stores rec and, only if it was written, queues entry in the
// same bolt transaction. A nil entry queues nothing.
func (b *Bolt) PutWithOutbox(ctx context.Context, rec model.Record, entry *model.OutboxEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := rec.Key().Validate(); err != nil {
		return false, err
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return false, err
	}

	var applied bool

	err = b.storage.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(recordBucket(rec.Collection))
		if err != nil {
			return err
		}

		if raw := bucket.Get([]byte(rec.ID)); raw != nil {
			var existing model.Record
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decoding %s: %w", rec.Key(), err)
			}

			if !merge.Supersedes(&existing, rec) {
				return nil
			}
		}

		if err := bucket.Put([]byte(rec.ID), data); err != nil {
			return err
		}

		if entry != nil {
			if err := enqueueBolt(tx, *entry); err != nil {
				return fmt.Errorf("failed to enqueue outbox entry: %w", err)
			}
		}

		applied = true

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to put %s: %w", rec.Key(), err)
	}

	return applied, nil
}

func (b *Bolt) Get(ctx context.Context, collection, id string) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *model.Record

	err := b.storage.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordBucket(collection))
		if bucket == nil {
			return nil
		}

		raw := bucket.Get([]byte(id))
		if raw == nil {
			return nil
		}

		rec = new(model.Record)

		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, model.ErrNotFound)
	}

	return rec, nil
}

func (b *Bolt) Scan(ctx context.Context, collection string) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		var out []model.Record

		err := b.storage.View(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket(recordBucket(collection))
			if bucket == nil {
				return nil
			}

			return bucket.ForEach(func(_, v []byte) error {
				var rec model.Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}

				out = append(out, rec)

				return nil
			})
		})
		if err != nil {
			yield(model.Record{}, err)
			return
		}

		for _, rec := range out {
			if err := ctx.Err(); err != nil {
				yield(model.Record{}, err)
				return
			}

			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (b *Bolt) Collections(_ context.Context) ([]string, error) {
	var out []string

	err := b.storage.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if after, ok := strings.CutPrefix(string(name), boltRecordPrefix); ok {
				out = append(out, after)
			}

			return nil
		})
	})

	return out, err
}

func (b *Bolt) LastSyncCursor(_ context.Context, endpoint string) (int64, error) {
	var cursor int64

	err := b.storage.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket([]byte(boltBucketCursors)).Get([]byte(endpoint)); len(raw) == 8 {
			cursor = int64(binary.BigEndian.Uint64(raw))
		}

		return nil
	})

	return cursor, err
}

func (b *Bolt) SetSyncCursor(_ context.Context, endpoint string, cursor int64) error {
	return b.storage.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucketCursors))

		if raw := bucket.Get([]byte(endpoint)); len(raw) == 8 && int64(binary.BigEndian.Uint64(raw)) >= cursor {
			return nil
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(cursor))

		return bucket.Put([]byte(endpoint), buf[:])
	})
}

func (b *Bolt) EnqueueOutbox(_ context.Context, entry model.OutboxEntry) error {
	return b.storage.Update(func(tx *bbolt.Tx) error {
		return enqueueBolt(tx, entry)
	})
}

func enqueueBolt(tx *bbolt.Tx, entry model.OutboxEntry) error {
	if entry.EventID == "" {
		return errors.New("outbox entry requires an event id")
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	outbox := tx.Bucket([]byte(boltBucketOutbox))
	index := tx.Bucket([]byte(boltBucketOutboxIndex))

	if index.Get([]byte(entry.EventID)) != nil {
		return nil
	}

	seq, err := outbox.NextSequence()
	if err != nil {
		return err
	}

	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)

	data, err := json.Marshal(&entry)
	if err != nil {
		return err
	}

	if err := outbox.Put(key[:], data); err != nil {
		return err
	}

	return index.Put([]byte(entry.EventID), key[:])
}

func (b *Bolt) PendingOutbox(_ context.Context, limit int) ([]model.OutboxEntry, error) {
	var out []model.OutboxEntry

	err := b.storage.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(boltBucketOutbox)).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}

			var entry model.OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}

			out = append(out, entry)
		}

		return nil
	})

	return out, err
}

func (b *Bolt) AckOutbox(_ context.Context, eventID string) error {
	return b.storage.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(boltBucketOutboxIndex))

		key := index.Get([]byte(eventID))
		if key == nil {
			return nil
		}

		key = bytes.Clone(key)

		if err := tx.Bucket([]byte(boltBucketOutbox)).Delete(key); err != nil {
			return err
		}

		return index.Delete([]byte(eventID))
	})
}

func (b *Bolt) TouchOutbox(_ context.Context, eventID string) error {
	return b.storage.Update(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(boltBucketOutboxIndex)).Get([]byte(eventID))
		if key == nil {
			return nil
		}

		outbox := tx.Bucket([]byte(boltBucketOutbox))

		var entry model.OutboxEntry
		if err := json.Unmarshal(outbox.Get(key), &entry); err != nil {
			return err
		}

		entry.Attempts++

		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}

		return outbox.Put(bytes.Clone(key), data)
	})
}

func (b *Bolt) DeviceID(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := b.GetMeta(ctx, MetaDeviceID)
	if err == nil && id != "" {
		return id, nil
	}

	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return "", err
	}

	id = uuid.New().String()
	if err := b.SetMeta(ctx, MetaDeviceID, id); err != nil {
		return "", err
	}

	return id, nil
}

func (b *Bolt) LoadClock(ctx context.Context) (uint64, error) {
	v, err := b.GetMeta(ctx, MetaClock)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(v, 10, 64)
}

func (b *Bolt) SaveClock(_ context.Context, clock uint64) error {
	return b.storage.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucketMeta))

		if raw := bucket.Get([]byte(MetaClock)); raw != nil {
			if current, err := strconv.ParseUint(string(raw), 10, 64); err == nil && current >= clock {
				return nil
			}
		}

		return bucket.Put([]byte(MetaClock), []byte(strconv.FormatUint(clock, 10)))
	})
}

func (b *Bolt) GetMeta(_ context.Context, key string) (string, error) {
	var (
		value string
		found bool
	)

	err := b.storage.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket([]byte(boltBucketMeta)).Get([]byte(key)); raw != nil {
			value, found = string(raw), true
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	if !found {
		return "", fmt.Errorf("meta %q: %w", key, model.ErrNotFound)
	}

	return value, nil
}

func (b *Bolt) SetMeta(_ context.Context, key, value string) error {
	return b.storage.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltBucketMeta)).Put([]byte(key), []byte(value))
	})
}

func (b *Bolt) PruneTombstones(_ context.Context, before time.Time) (int, error) {
	var pruned int

	err := b.storage.Update(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bbolt.Bucket) error {
			if !bytes.HasPrefix(name, []byte(boltRecordPrefix)) {
				return nil
			}

			var stale [][]byte

			if err := bucket.ForEach(func(k, v []byte) error {
				var rec model.Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}

				if rec.IsTombstone() && rec.DeletedAt.Before(before) {
					stale = append(stale, bytes.Clone(k))
				}

				return nil
			}); err != nil {
				return err
			}

			for _, k := range stale {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}

			pruned += len(stale)

			return nil
		})
	})

	return pruned, err
}
