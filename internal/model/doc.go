// Package model defines the data structures shared by the tillsync packages.
//
// # Record
//
// A [Record] is the latest known document for a (collection, id) pair. Records
// are replaced wholesale: an edit is a new Record carrying a newer
// [VersionStamp]. A deletion is a tombstone, a Record whose DeletedAt is set,
// so devices that sync late learn about the delete instead of resurrecting a
// stale copy.
//
//	type Record struct {
//	    Collection string       // e.g. "products", "orders"
//	    ID         string       // document id within the collection
//	    Payload    []byte       // opaque document body (JSON in practice)
//	    Version    VersionStamp // (WallClock, Logical, DeviceID)
//	    DeletedAt  *time.Time   // non-nil for tombstones
//	}
//
// # Record body
//
// [MarshalRecordBody] and [UnmarshalRecordBody] define the versioned plaintext
// sealed into each envelope. Bodies written by a newer schema are rejected with
// [ErrSchemaMismatch].
//
// # Config
//
// [Config] holds the relay set, local cache location and the sync tuning
// knobs. [DefaultConfig] fills every field.
package model
