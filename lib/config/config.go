// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable [Load] reads the config path from.
const EnvironmentVariable = "CHATSYNC_CONFIG"

// Config is the complete chatsync configuration.
type Config struct {
	// Account identifies the local session.
	Account AccountConfig `yaml:"account"`

	// Store selects the persistence backend for the ownership cache
	// and read markers.
	Store StoreConfig `yaml:"store"`

	Health  HealthConfig  `yaml:"health"`
	Typing  TypingConfig  `yaml:"typing"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Refresh RefreshConfig `yaml:"refresh"`
	Session SessionConfig `yaml:"session"`
}

// AccountConfig identifies the local identity.
type AccountConfig struct {
	// Address is the full address (bare plus optional resource) the
	// session authenticates as.
	Address string `yaml:"address"`

	// Nickname is the default room nickname. Empty means the local
	// part of Address.
	Nickname string `yaml:"nickname"`
}

// StoreConfig selects the key-value backend.
type StoreConfig struct {
	// Backend is "memory", "sqlite", or "pebble".
	Backend string `yaml:"backend"`

	// Path is the SQLite file or Pebble directory. ${HOME} and
	// ${CHATSYNC_STATE} are expanded.
	Path string `yaml:"path"`
}

// HealthConfig configures the heartbeat monitor.
type HealthConfig struct {
	// ProbeInterval is the time between liveness probes while healthy.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeTimeout is the response deadline of one probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// FailureThreshold is the number of consecutive probe timeouts
	// that marks the session unhealthy.
	FailureThreshold int `yaml:"failure_threshold"`

	// RetryBase and RetryCap bound the backoff between probe retries
	// after a timeout.
	RetryBase time.Duration `yaml:"retry_base"`
	RetryCap  time.Duration `yaml:"retry_cap"`

	// ReconnectBase and ReconnectCap bound the backoff between
	// reauthentication attempts after the session is unhealthy.
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectCap  time.Duration `yaml:"reconnect_cap"`

	// HistorySize is the number of recent probe results retained.
	HistorySize int `yaml:"history_size"`
}

// TypingConfig configures the chat-state tracker.
type TypingConfig struct {
	// PauseAfter is the idle time after the last keystroke before a
	// paused signal is sent.
	PauseAfter time.Duration `yaml:"pause_after"`

	// TTL is how long a remote composing or paused entry survives
	// without a refresh.
	TTL time.Duration `yaml:"ttl"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// CoalesceWindow is how long items accumulate on a degraded link
	// before a processing pass.
	CoalesceWindow time.Duration `yaml:"coalesce_window"`

	// ImmediateDepth is the queue depth at which items are processed
	// immediately regardless of link quality.
	ImmediateDepth int `yaml:"immediate_depth"`

	// IndexCapacity is the size at which a dedup index evicts, and
	// IndexRetain is the number of newest entries kept.
	IndexCapacity int `yaml:"index_capacity"`
	IndexRetain   int `yaml:"index_retain"`

	// MaxBodyBytes rejects message bodies larger than this.
	MaxBodyBytes int `yaml:"max_body_bytes"`
}

// RefreshConfig configures the refresh orchestrator.
type RefreshConfig struct {
	// RoomBatchSize is the number of rooms processed concurrently on
	// a good link, DegradedRoomBatchSize on a degraded one.
	RoomBatchSize         int `yaml:"room_batch_size"`
	DegradedRoomBatchSize int `yaml:"degraded_room_batch_size"`

	// ContactBatchSize is the number of presence probes per batch.
	ContactBatchSize int `yaml:"contact_batch_size"`

	// BatchDelay maps link quality to the pause between batches.
	BatchDelay BatchDelayConfig `yaml:"batch_delay"`

	// DeferDelay is the wait before re-checking quality on a degraded
	// link, and MaxDeferrals bounds how often that repeats.
	DeferDelay   time.Duration `yaml:"defer_delay"`
	MaxDeferrals int           `yaml:"max_deferrals"`

	// ArchiveLookback is how far back archive replay reaches for a
	// conversation with no logged messages.
	ArchiveLookback time.Duration `yaml:"archive_lookback"`

	// ArchivePageSize is the result limit of one archive query.
	ArchivePageSize int `yaml:"archive_page_size"`

	// QueriesPerSecond and QueryBurst pace outbound refresh queries.
	QueriesPerSecond float64 `yaml:"queries_per_second"`
	QueryBurst       int     `yaml:"query_burst"`
}

// BatchDelayConfig holds the inter-batch delay per link quality.
type BatchDelayConfig struct {
	Excellent time.Duration `yaml:"excellent"`
	Good      time.Duration `yaml:"good"`
	Poor      time.Duration `yaml:"poor"`
	Unstable  time.Duration `yaml:"unstable"`
}

// SessionConfig configures request correlation.
type SessionConfig struct {
	// RequestTimeout is the deadline for correlated queries (archive,
	// affiliation, roster, room creation).
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// EventBuffer is the capacity of the inbound event channel.
	EventBuffer int `yaml:"event_buffer"`
}

// Default returns the configuration every loaded file is decoded over.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "memory",
			Path:    "${CHATSYNC_STATE}/cache.db",
		},
		Health: HealthConfig{
			ProbeInterval:    120 * time.Second,
			ProbeTimeout:     30 * time.Second,
			FailureThreshold: 3,
			RetryBase:        time.Second,
			RetryCap:         10 * time.Second,
			ReconnectBase:    time.Second,
			ReconnectCap:     60 * time.Second,
			HistorySize:      10,
		},
		Typing: TypingConfig{
			PauseAfter: 3 * time.Second,
			TTL:        10 * time.Second,
		},
		Ingest: IngestConfig{
			CoalesceWindow: 100 * time.Millisecond,
			ImmediateDepth: 10,
			IndexCapacity:  1000,
			IndexRetain:    800,
			MaxBodyBytes:   64 * 1024,
		},
		Refresh: RefreshConfig{
			RoomBatchSize:         3,
			DegradedRoomBatchSize: 2,
			ContactBatchSize:      10,
			BatchDelay: BatchDelayConfig{
				Excellent: 250 * time.Millisecond,
				Good:      500 * time.Millisecond,
				Poor:      1500 * time.Millisecond,
				Unstable:  3 * time.Second,
			},
			DeferDelay:       5 * time.Second,
			MaxDeferrals:     3,
			ArchiveLookback:  7 * 24 * time.Hour,
			ArchivePageSize:  50,
			QueriesPerSecond: 20,
			QueryBurst:       5,
		},
		Session: SessionConfig{
			RequestTimeout: 30 * time.Second,
			EventBuffer:    256,
		},
	}
}

// Load loads configuration from the file named by CHATSYNC_CONFIG.
// There is no fallback: an unset variable is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your chatsync.yaml, or use --config", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile decodes the file at path over [Default], expands path
// variables, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in the store path.
func (c *Config) expandVariables() {
	homeDirectory, _ := os.UserHomeDir()
	vars := map[string]string{
		"HOME":           homeDirectory,
		"CHATSYNC_STATE": filepath.Join(homeDirectory, ".local", "state", "chatsync"),
	}
	c.Store.Path = expandVars(c.Store.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// The process environment wins over built-in values so
		// CHATSYNC_STATE can be pointed elsewhere.
		if value := os.Getenv(name); value != "" {
			return value
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "memory":
	case "sqlite", "pebble":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for backend %q", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be one of memory, sqlite, pebble; got %q", c.Store.Backend))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"health.probe_interval", c.Health.ProbeInterval},
		{"health.probe_timeout", c.Health.ProbeTimeout},
		{"health.retry_base", c.Health.RetryBase},
		{"health.retry_cap", c.Health.RetryCap},
		{"health.reconnect_base", c.Health.ReconnectBase},
		{"health.reconnect_cap", c.Health.ReconnectCap},
		{"typing.pause_after", c.Typing.PauseAfter},
		{"typing.ttl", c.Typing.TTL},
		{"ingest.coalesce_window", c.Ingest.CoalesceWindow},
		{"refresh.defer_delay", c.Refresh.DeferDelay},
		{"refresh.archive_lookback", c.Refresh.ArchiveLookback},
		{"session.request_timeout", c.Session.RequestTimeout},
	}
	for _, duration := range durations {
		if duration.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", duration.name, duration.value))
		}
	}

	counts := []struct {
		name  string
		value int
	}{
		{"health.failure_threshold", c.Health.FailureThreshold},
		{"health.history_size", c.Health.HistorySize},
		{"ingest.immediate_depth", c.Ingest.ImmediateDepth},
		{"ingest.index_capacity", c.Ingest.IndexCapacity},
		{"ingest.index_retain", c.Ingest.IndexRetain},
		{"ingest.max_body_bytes", c.Ingest.MaxBodyBytes},
		{"refresh.room_batch_size", c.Refresh.RoomBatchSize},
		{"refresh.degraded_room_batch_size", c.Refresh.DegradedRoomBatchSize},
		{"refresh.contact_batch_size", c.Refresh.ContactBatchSize},
		{"refresh.archive_page_size", c.Refresh.ArchivePageSize},
		{"refresh.query_burst", c.Refresh.QueryBurst},
		{"session.event_buffer", c.Session.EventBuffer},
	}
	for _, count := range counts {
		if count.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", count.name, count.value))
		}
	}

	if c.Health.RetryCap < c.Health.RetryBase {
		errs = append(errs, fmt.Errorf("health.retry_cap (%s) is below health.retry_base (%s)", c.Health.RetryCap, c.Health.RetryBase))
	}
	if c.Health.ReconnectCap < c.Health.ReconnectBase {
		errs = append(errs, fmt.Errorf("health.reconnect_cap (%s) is below health.reconnect_base (%s)", c.Health.ReconnectCap, c.Health.ReconnectBase))
	}
	if c.Ingest.IndexRetain >= c.Ingest.IndexCapacity {
		errs = append(errs, fmt.Errorf("ingest.index_retain (%d) must be below ingest.index_capacity (%d)", c.Ingest.IndexRetain, c.Ingest.IndexCapacity))
	}
	if c.Refresh.MaxDeferrals < 0 {
		errs = append(errs, fmt.Errorf("refresh.max_deferrals must not be negative, got %d", c.Refresh.MaxDeferrals))
	}
	if c.Refresh.QueriesPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("refresh.queries_per_second must be positive, got %g", c.Refresh.QueriesPerSecond))
	}
	if c.Refresh.BatchDelay.Excellent < 0 || c.Refresh.BatchDelay.Good < 0 ||
		c.Refresh.BatchDelay.Poor < 0 || c.Refresh.BatchDelay.Unstable < 0 {
		errs = append(errs, fmt.Errorf("refresh.batch_delay values must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureStoreDirectory creates the parent directory of a file-backed
// store path.
func (c *Config) EnsureStoreDirectory() error {
	if c.Store.Backend == "memory" || c.Store.Path == "" {
		return nil
	}
	directory := c.Store.Path
	if c.Store.Backend == "sqlite" {
		directory = filepath.Dir(directory)
	}
	if err := os.MkdirAll(directory, 0755); err != nil {
		return fmt.Errorf("config: creating %s: %w", directory, err)
	}
	return nil
}
