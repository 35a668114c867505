// Package store provides the local cache of records for one business scope.
//
// The package defines the [Cache] interface and two backends:
//   - SQLite (default), implemented in the sqlite subpackage, with one
//     table per collection created on demand
//   - BoltDB, implemented here, with one bucket per collection
//
// Every backend applies the same last-writer-wins rule inside Put: a record
// is only written if its version is newer than what is stored. Concurrent
// writers of the same key therefore never lose the newest version, and
// replaying a record is a no-op.
//
// # Opening a store
//
// Use [Open] with the configured backend:
//
//	cache, err := store.Open(model.StoreBackendSQLite, path)
//	applied, err := cache.Put(ctx, rec)
//
// Besides records the cache also owns the device identity, the persisted
// logical clock, the per-endpoint sync cursors and the outbox of
// envelopes not yet acknowledged by any relay.
package store
