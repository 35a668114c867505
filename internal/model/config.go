package model

import (
	"path/filepath"
	"time"

	"github.com/inovacc/tillsync/internal/application"
)

// Store backends understood by the local cache.
const (
	StoreBackendSQLite = "sqlite"
	StoreBackendBolt   = "bolt"
)

// DefaultRelays is the relay set shipped with a fresh installation.
// Users can edit it with `tillsync relays`.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// SyncConfig tunes the sync engine and the transport pool.
type SyncConfig struct {
	// BackfillTimeout bounds how long the engine waits for end-of-history before going live
	BackfillTimeout time.Duration `json:"backfill_timeout"`

	// DiscoveryAttempts is the number of owner discovery queries before giving up
	DiscoveryAttempts int `json:"discovery_attempts"`

	// DiscoveryTimeout bounds each discovery query
	DiscoveryTimeout time.Duration `json:"discovery_timeout"`

	// DiscoveryBackoff is the delay before the second discovery attempt; it doubles afterwards
	DiscoveryBackoff time.Duration `json:"discovery_backoff"`

	// AckTimeout bounds the wait for a relay OK after publishing
	AckTimeout time.Duration `json:"ack_timeout"`

	// FailureThreshold is the number of consecutive failures that marks an endpoint unhealthy
	FailureThreshold int `json:"failure_threshold"`

	// ReconnectMin and ReconnectMax bound the endpoint reconnect backoff
	ReconnectMin time.Duration `json:"reconnect_min"`
	ReconnectMax time.Duration `json:"reconnect_max"`

	// TombstoneRetention is how long tombstones are kept before pruning
	TombstoneRetention time.Duration `json:"tombstone_retention"`

	// PruneInterval is how often the tombstone pruner runs
	PruneInterval time.Duration `json:"prune_interval"`

	// DedupSize and DedupTTL bound the inbound duplicate suppression window
	DedupSize int           `json:"dedup_size"`
	DedupTTL  time.Duration `json:"dedup_ttl"`

	// CursorOverlap is subtracted from a stored cursor when re-subscribing, to absorb clock skew
	CursorOverlap time.Duration `json:"cursor_overlap"`
}

// DaemonConfig configures the local API daemon.
type DaemonConfig struct {
	Port        int           `json:"port"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	MetricsAddr string        `json:"metrics_addr,omitempty"`
}

// Config holds the application configuration
type Config struct {
	// Code is the company code of the active business scope; empty until joined
	Code string `json:"code,omitempty"`

	// BusinessName is the display name announced by the owner
	BusinessName string `json:"business_name,omitempty"`

	// Relays is the user-editable relay set
	Relays []string `json:"relays"`

	// StoreBackend selects the local cache implementation
	StoreBackend string `json:"store_backend"`

	// StorePath is the local cache file
	StorePath string `json:"store_path"`

	Sync   SyncConfig   `json:"sync"`
	Daemon DaemonConfig `json:"daemon"`
}

// DefaultSyncConfig returns the sync tuning used when nothing is configured.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BackfillTimeout:    20 * time.Second,
		DiscoveryAttempts:  3,
		DiscoveryTimeout:   5 * time.Second,
		DiscoveryBackoff:   500 * time.Millisecond,
		AckTimeout:         5 * time.Second,
		FailureThreshold:   3,
		ReconnectMin:       1 * time.Second,
		ReconnectMax:       60 * time.Second,
		TombstoneRetention: 30 * 24 * time.Hour,
		PruneInterval:      6 * time.Hour,
		DedupSize:          4096,
		DedupTTL:           10 * time.Minute,
		CursorOverlap:      2 * time.Minute,
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	dir, err := application.GetApplicationDirectory()
	if err != nil {
		dir = "."
	}

	return Config{
		Relays:       append([]string(nil), DefaultRelays...),
		StoreBackend: StoreBackendSQLite,
		StorePath:    filepath.Join(dir, application.AppName+".db"),
		Sync:         DefaultSyncConfig(),
		Daemon: DaemonConfig{
			Port:        50071,
			IdleTimeout: 0,
		},
	}
}
