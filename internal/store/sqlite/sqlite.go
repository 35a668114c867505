// Package sqlite is the SQLite backend of the local record cache.
//
// Records live in one table per collection, records_<collection>, created
// the first time a collection is written. The fixed tables (collections,
// sync_cursors, meta, outbox) are created by the embedded migrations.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inovacc/tillsync/internal/model"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Meta keys, kept in sync with the store package
const (
	metaDeviceID = "device_id"
	metaClock    = "logical_clock"
)

// Store is the SQLite implementation of the record cache.
type Store struct {
	db *sql.DB

	mu     sync.RWMutex
	tables map[string]struct{}
}

// New creates a new SQLite store with the given database path.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't handle multiple writers well
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s := &Store{
		db:     db,
		tables: make(map[string]struct{}),
	}

	names, err := s.Collections(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, name := range names {
		s.tables[name] = struct{}{}
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks if the database is accessible.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func tableName(collection string) string {
	return "records_" + collection
}

// ensureTable creates the table backing collection. Collection names are
// validated before they reach this point, so they are safe to interpolate.
func (s *Store) ensureTable(ctx context.Context, collection string) error {
	if !model.ValidCollection(collection) {
		return fmt.Errorf("%w: collection %q", model.ErrInvalidRecordKey, collection)
	}

	s.mu.RLock()
	_, ok := s.tables[collection]
	s.mu.RUnlock()

	if ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[collection]; ok {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         TEXT PRIMARY KEY,
		payload    BLOB,
		wall_ms    INTEGER NOT NULL,
		logical    INTEGER NOT NULL,
		device_id  TEXT NOT NULL,
		digest     TEXT NOT NULL,
		deleted_at INTEGER
	)`, tableName(collection))

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table for %s: %w", collection, err)
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_deleted ON %s (deleted_at) WHERE deleted_at IS NOT NULL`,
		collection, tableName(collection))
	if _, err := tx.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("creating index for %s: %w", collection, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)`,
		collection, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("registering collection %s: %w", collection, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.tables[collection] = struct{}{}

	return nil
}

func (s *Store) hasTable(collection string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.tables[collection]

	return ok
}

// Put upserts rec. The row is only replaced when the incoming version,
// compared as (wall, logical, device, digest), is strictly greater, which
// keeps the check and the write in one statement.
func (s *Store) Put(ctx context.Context, rec model.Record) (bool, error) {
	if err := rec.Key().Validate(); err != nil {
		return false, err
	}

	if err := s.ensureTable(ctx, rec.Collection); err != nil {
		return false, err
	}

	return putRecord(ctx, s.db, rec)
}

// PutWithOutbox stores rec and, only if it was written, queues entry in the
// same transaction. A nil entry queues nothing.
func (s *Store) PutWithOutbox(ctx context.Context, rec model.Record, entry *model.OutboxEntry) (bool, error) {
	if err := rec.Key().Validate(); err != nil {
		return false, err
	}

	// the pool holds one connection, so the table must exist before the tx starts
	if err := s.ensureTable(ctx, rec.Collection); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}

	defer func() { _ = tx.Rollback() }()

	applied, err := putRecord(ctx, tx, rec)
	if err != nil || !applied {
		return false, err
	}

	if entry != nil {
		if err := enqueueOutbox(ctx, tx, *entry); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit %s: %w", rec.Key(), err)
	}

	return true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRecord(ctx context.Context, db execer, rec model.Record) (bool, error) {
	var deletedAt sql.NullInt64
	if rec.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: rec.DeletedAt.UnixMilli(), Valid: true}
	}

	table := tableName(rec.Collection)
	query := fmt.Sprintf(`INSERT INTO %[1]s (id, payload, wall_ms, logical, device_id, digest, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			payload = excluded.payload,
			wall_ms = excluded.wall_ms,
			logical = excluded.logical,
			device_id = excluded.device_id,
			digest = excluded.digest,
			deleted_at = excluded.deleted_at
		WHERE (excluded.wall_ms, excluded.logical, excluded.device_id, excluded.digest) >
		      (%[1]s.wall_ms, %[1]s.logical, %[1]s.device_id, %[1]s.digest)`, table)

	res, err := db.ExecContext(ctx, query,
		rec.ID, rec.Payload, rec.Version.WallClock, int64(rec.Version.Logical),
		rec.Version.DeviceID, rec.Digest(), deletedAt)
	if err != nil {
		return false, fmt.Errorf("failed to put %s: %w", rec.Key(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(collection string, row rowScanner) (model.Record, error) {
	var (
		rec       model.Record
		logical   int64
		digest    string
		deletedAt sql.NullInt64
	)

	rec.Collection = collection

	if err := row.Scan(&rec.ID, &rec.Payload, &rec.Version.WallClock, &logical,
		&rec.Version.DeviceID, &digest, &deletedAt); err != nil {
		return model.Record{}, err
	}

	rec.Version.Logical = uint64(logical)

	if deletedAt.Valid {
		t := time.UnixMilli(deletedAt.Int64).UTC()
		rec.DeletedAt = &t
	}

	return rec, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*model.Record, error) {
	if !s.hasTable(collection) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, model.ErrNotFound)
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, payload, wall_ms, logical, device_id, digest, deleted_at FROM %s WHERE id = ?`,
		tableName(collection)), id)

	rec, err := scanRecord(collection, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, model.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// Scan reads the whole collection before yielding so that callers may
// write to the store from inside the loop; the pool has a single connection.
func (s *Store) Scan(ctx context.Context, collection string) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		if !s.hasTable(collection) {
			return
		}

		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT id, payload, wall_ms, logical, device_id, digest, deleted_at FROM %s ORDER BY id`,
			tableName(collection)))
		if err != nil {
			yield(model.Record{}, err)
			return
		}

		var out []model.Record

		for rows.Next() {
			rec, err := scanRecord(collection, rows)
			if err != nil {
				_ = rows.Close()
				yield(model.Record{}, err)

				return
			}

			out = append(out, rec)
		}

		err = rows.Err()
		_ = rows.Close()

		if err != nil {
			yield(model.Record{}, err)
			return
		}

		for _, rec := range out {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		out = append(out, name)
	}

	return out, rows.Err()
}

func (s *Store) LastSyncCursor(ctx context.Context, endpoint string) (int64, error) {
	var cursor int64

	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM sync_cursors WHERE endpoint = ?`, endpoint).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return cursor, err
}

func (s *Store) SetSyncCursor(ctx context.Context, endpoint string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_cursors (endpoint, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
		WHERE excluded.cursor > sync_cursors.cursor`,
		endpoint, cursor, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}

	return nil
}

func (s *Store) EnqueueOutbox(ctx context.Context, entry model.OutboxEntry) error {
	return enqueueOutbox(ctx, s.db, entry)
}

func enqueueOutbox(ctx context.Context, db execer, entry model.OutboxEntry) error {
	if entry.EventID == "" {
		return errors.New("outbox entry requires an event id")
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO outbox (event_id, collection, record_id, event, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.EventID, entry.Collection, entry.RecordID, entry.Event, entry.CreatedAt.UnixMilli(), entry.Attempts)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}

	return nil
}

func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `SELECT event_id, collection, record_id, event, created_at, attempts
		FROM outbox ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxEntry

	for rows.Next() {
		var (
			entry     model.OutboxEntry
			createdAt int64
		)

		if err := rows.Scan(&entry.EventID, &entry.Collection, &entry.RecordID, &entry.Event, &createdAt, &entry.Attempts); err != nil {
			return nil, err
		}

		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, entry)
	}

	return out, rows.Err()
}

func (s *Store) AckOutbox(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE event_id = ?`, eventID)
	return err
}

func (s *Store) TouchOutbox(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE event_id = ?`, eventID)
	return err
}

func (s *Store) DeviceID(ctx context.Context) (string, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`,
		metaDeviceID, uuid.New().String()); err != nil {
		return "", fmt.Errorf("failed to create device id: %w", err)
	}

	return s.GetMeta(ctx, metaDeviceID)
}

func (s *Store) LoadClock(ctx context.Context) (uint64, error) {
	v, err := s.GetMeta(ctx, metaClock)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(v, 10, 64)
}

func (s *Store) SaveClock(ctx context.Context, clock uint64) error {
	current, err := s.LoadClock(ctx)
	if err != nil {
		return err
	}

	if current >= clock {
		return nil
	}

	return s.SetMeta(ctx, metaClock, strconv.FormatUint(clock, 10))
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %q: %w", key, model.ErrNotFound)
	}

	return value, err
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)

	return err
}

func (s *Store) PruneTombstones(ctx context.Context, before time.Time) (int, error) {
	names, err := s.Collections(ctx)
	if err != nil {
		return 0, err
	}

	var total int64

	for _, name := range names {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE deleted_at IS NOT NULL AND deleted_at < ?`, tableName(name)),
			before.UnixMilli())
		if err != nil {
			return int(total), fmt.Errorf("pruning %s: %w", name, err)
		}

		n, _ := res.RowsAffected()
		total += n
	}

	return int(total), nil
}
