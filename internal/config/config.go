// Package config loads and saves tillsync.ini.
//
// Values are layered: built-in defaults, then the ini file, then
// TILLSYNC_<SECTION>_<KEY> environment variables. Command line flags are
// applied on top by the cmd package.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/inovacc/tillsync/internal/application"
	"github.com/inovacc/tillsync/internal/encoding"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/scope"
	"gopkg.in/ini.v1"
)

// FileName is the config file inside the application directory.
const FileName = "tillsync.ini"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

type scopeSection struct {
	Code         string `ini:"code"`
	BusinessName string `ini:"business_name"`
}

type relaysSection struct {
	URLs []string `ini:"urls" delim:","`
}

type storeSection struct {
	Backend string `ini:"backend"`
	Path    string `ini:"path"`
}

// Durations are kept as text: ini maps a zero or negative duration by
// silently keeping the previous value, and "0s" must mean zero here.
type syncSection struct {
	BackfillTimeout    string `ini:"backfill_timeout"`
	DiscoveryAttempts  int    `ini:"discovery_attempts"`
	DiscoveryTimeout   string `ini:"discovery_timeout"`
	DiscoveryBackoff   string `ini:"discovery_backoff"`
	AckTimeout         string `ini:"ack_timeout"`
	FailureThreshold   int    `ini:"failure_threshold"`
	ReconnectMin       string `ini:"reconnect_min"`
	ReconnectMax       string `ini:"reconnect_max"`
	TombstoneRetention string `ini:"tombstone_retention"`
	PruneInterval      string `ini:"prune_interval"`
	DedupSize          int    `ini:"dedup_size"`
	DedupTTL           string `ini:"dedup_ttl"`
	CursorOverlap      string `ini:"cursor_overlap"`
}

type daemonSection struct {
	Port        int    `ini:"port"`
	IdleTimeout string `ini:"idle_timeout"`
	MetricsAddr string `ini:"metrics_addr"`
}

// file mirrors the layout of tillsync.ini.
type file struct {
	Scope  scopeSection  `ini:"scope"`
	Relays relaysSection `ini:"relays"`
	Store  storeSection  `ini:"store"`
	Sync   syncSection   `ini:"sync"`
	Daemon daemonSection `ini:"daemon"`
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := application.GetApplicationDirectory()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, FileName), nil
}

// Load reads path over the defaults and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (model.Config, error) {
	f := toFile(model.DefaultConfig())

	defaults := ini.Empty()
	if err := ini.ReflectFrom(defaults, &f); err != nil {
		return model.Config{}, fmt.Errorf("failed to build default config: %w", err)
	}

	cfg := ini.Empty()

	if _, err := os.Stat(path); err == nil {
		cfg, err = ini.Load(path)
		if err != nil {
			return model.Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return model.Config{}, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	applyEnv(defaults, cfg)

	if err := cfg.StrictMapTo(&f); err != nil {
		return model.Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	c, err := fromFile(f)
	if err != nil {
		return model.Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return c, nil
}

// LoadDefault loads the config from the application directory.
func LoadDefault() (model.Config, string, error) {
	path, err := Path()
	if err != nil {
		return model.Config{}, "", err
	}

	cfg, err := Load(path)

	return cfg, path, err
}

// Save writes c to path with owner-only permissions; the file holds the company code.
func Save(path string, c model.Config) error {
	f := toFile(c)

	cfg := ini.Empty()
	if err := ini.ReflectFrom(cfg, &f); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := encoding.WriteFileAtomic(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// EnvName returns the environment variable that overrides section.key.
func EnvName(section, key string) string {
	return application.EnvPrefix + strings.ToUpper(section+"_"+key)
}

// applyEnv copies every set TILLSYNC_* variable named after a known key into cfg.
func applyEnv(known, cfg *ini.File) {
	for _, sec := range known.Sections() {
		for _, key := range sec.Keys() {
			v, ok := os.LookupEnv(EnvName(sec.Name(), key.Name()))
			if !ok {
				continue
			}

			cfg.Section(sec.Name()).Key(key.Name()).SetValue(v)
		}
	}
}

// Validate checks values a typo could make unusable.
func Validate(c model.Config) error {
	if c.Code != "" {
		if _, err := scope.NormalizeCode(c.Code); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	switch c.StoreBackend {
	case model.StoreBackendSQLite, model.StoreBackendBolt:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.StoreBackend)
	}

	for _, r := range c.Relays {
		if err := ValidateRelayURL(r); err != nil {
			return err
		}
	}

	if c.Daemon.Port < 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("%w: daemon port %d out of range", ErrInvalidConfig, c.Daemon.Port)
	}

	if c.Sync.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure_threshold must be at least 1", ErrInvalidConfig)
	}

	if c.Sync.DiscoveryAttempts < 1 {
		return fmt.Errorf("%w: discovery_attempts must be at least 1", ErrInvalidConfig)
	}

	return nil
}

// ValidateRelayURL accepts ws:// and wss:// urls with a host.
func ValidateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: relay %q: %v", ErrInvalidConfig, raw, err)
	}

	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: relay %q must be a ws:// or wss:// url", ErrInvalidConfig, raw)
	}

	return nil
}

func toFile(c model.Config) file {
	return file{
		Scope:  scopeSection{Code: c.Code, BusinessName: c.BusinessName},
		Relays: relaysSection{URLs: c.Relays},
		Store:  storeSection{Backend: c.StoreBackend, Path: c.StorePath},
		Sync: syncSection{
			BackfillTimeout:    c.Sync.BackfillTimeout.String(),
			DiscoveryAttempts:  c.Sync.DiscoveryAttempts,
			DiscoveryTimeout:   c.Sync.DiscoveryTimeout.String(),
			DiscoveryBackoff:   c.Sync.DiscoveryBackoff.String(),
			AckTimeout:         c.Sync.AckTimeout.String(),
			FailureThreshold:   c.Sync.FailureThreshold,
			ReconnectMin:       c.Sync.ReconnectMin.String(),
			ReconnectMax:       c.Sync.ReconnectMax.String(),
			TombstoneRetention: c.Sync.TombstoneRetention.String(),
			PruneInterval:      c.Sync.PruneInterval.String(),
			DedupSize:          c.Sync.DedupSize,
			DedupTTL:           c.Sync.DedupTTL.String(),
			CursorOverlap:      c.Sync.CursorOverlap.String(),
		},
		Daemon: daemonSection{
			Port:        c.Daemon.Port,
			IdleTimeout: c.Daemon.IdleTimeout.String(),
			MetricsAddr: c.Daemon.MetricsAddr,
		},
	}
}

// durations parses duration keys, keeping the first error.
type durations struct {
	section string
	err     error
}

func (d *durations) parse(key, value string) time.Duration {
	if d.err != nil {
		return 0
	}

	v, err := time.ParseDuration(strings.TrimSpace(value))
	switch {
	case err != nil:
		d.err = fmt.Errorf("%w: %s.%s: %v", ErrInvalidConfig, d.section, key, err)
	case v < 0:
		d.err = fmt.Errorf("%w: %s.%s must not be negative", ErrInvalidConfig, d.section, key)
	}

	return v
}

func fromFile(f file) (model.Config, error) {
	relays := make([]string, 0, len(f.Relays.URLs))
	for _, r := range f.Relays.URLs {
		if r = strings.TrimSpace(r); r != "" {
			relays = append(relays, r)
		}
	}

	sd := &durations{section: "sync"}
	syncCfg := model.SyncConfig{
		BackfillTimeout:    sd.parse("backfill_timeout", f.Sync.BackfillTimeout),
		DiscoveryAttempts:  f.Sync.DiscoveryAttempts,
		DiscoveryTimeout:   sd.parse("discovery_timeout", f.Sync.DiscoveryTimeout),
		DiscoveryBackoff:   sd.parse("discovery_backoff", f.Sync.DiscoveryBackoff),
		AckTimeout:         sd.parse("ack_timeout", f.Sync.AckTimeout),
		FailureThreshold:   f.Sync.FailureThreshold,
		ReconnectMin:       sd.parse("reconnect_min", f.Sync.ReconnectMin),
		ReconnectMax:       sd.parse("reconnect_max", f.Sync.ReconnectMax),
		TombstoneRetention: sd.parse("tombstone_retention", f.Sync.TombstoneRetention),
		PruneInterval:      sd.parse("prune_interval", f.Sync.PruneInterval),
		DedupSize:          f.Sync.DedupSize,
		DedupTTL:           sd.parse("dedup_ttl", f.Sync.DedupTTL),
		CursorOverlap:      sd.parse("cursor_overlap", f.Sync.CursorOverlap),
	}

	if sd.err != nil {
		return model.Config{}, sd.err
	}

	dd := &durations{section: "daemon"}
	daemon := model.DaemonConfig{
		Port:        f.Daemon.Port,
		IdleTimeout: dd.parse("idle_timeout", f.Daemon.IdleTimeout),
		MetricsAddr: f.Daemon.MetricsAddr,
	}

	if dd.err != nil {
		return model.Config{}, dd.err
	}

	return model.Config{
		Code:         f.Scope.Code,
		BusinessName: f.Scope.BusinessName,
		Relays:       relays,
		StoreBackend: f.Store.Backend,
		StorePath:    f.Store.Path,
		Sync:         syncCfg,
		Daemon:       daemon,
	}, nil
}
