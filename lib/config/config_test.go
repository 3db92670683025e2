// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Health.ProbeInterval != 120*time.Second {
		t.Errorf("probe_interval = %s, want 120s", cfg.Health.ProbeInterval)
	}
	if cfg.Health.ProbeTimeout != 30*time.Second {
		t.Errorf("probe_timeout = %s, want 30s", cfg.Health.ProbeTimeout)
	}
	if cfg.Health.FailureThreshold != 3 {
		t.Errorf("failure_threshold = %d, want 3", cfg.Health.FailureThreshold)
	}
	if cfg.Typing.TTL != 10*time.Second {
		t.Errorf("typing.ttl = %s, want 10s", cfg.Typing.TTL)
	}
	if cfg.Ingest.IndexCapacity != 1000 || cfg.Ingest.IndexRetain != 800 {
		t.Errorf("index bounds = %d/%d, want 1000/800", cfg.Ingest.IndexCapacity, cfg.Ingest.IndexRetain)
	}
	if cfg.Refresh.DeferDelay != 5*time.Second {
		t.Errorf("defer_delay = %s, want 5s", cfg.Refresh.DeferDelay)
	}

	// The default store is memory, which needs no path expansion.
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v, want nil", err)
	}
}

func TestLoad_RequiresEnvironmentVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when CHATSYNC_CONFIG is not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "CHATSYNC_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithEnvironmentVariable(t *testing.T) {
	path := writeConfig(t, `
account:
  address: alice@example.org/laptop
health:
  probe_interval: 45s
`)
	t.Setenv(EnvironmentVariable, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Account.Address != "alice@example.org/laptop" {
		t.Errorf("account.address = %q, want alice@example.org/laptop", cfg.Account.Address)
	}
	if cfg.Health.ProbeInterval != 45*time.Second {
		t.Errorf("probe_interval = %s, want 45s", cfg.Health.ProbeInterval)
	}
	// Untouched fields keep their defaults.
	if cfg.Health.ProbeTimeout != 30*time.Second {
		t.Errorf("probe_timeout = %s, want default 30s", cfg.Health.ProbeTimeout)
	}
}

func TestLoadFile_Durations(t *testing.T) {
	path := writeConfig(t, `
refresh:
  batch_delay:
    poor: 2.5s
    unstable: 4s
  archive_lookback: 48h
ingest:
  coalesce_window: 250ms
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Refresh.BatchDelay.Poor != 2500*time.Millisecond {
		t.Errorf("batch_delay.poor = %s, want 2.5s", cfg.Refresh.BatchDelay.Poor)
	}
	if cfg.Refresh.BatchDelay.Excellent != 250*time.Millisecond {
		t.Errorf("batch_delay.excellent = %s, want default 250ms", cfg.Refresh.BatchDelay.Excellent)
	}
	if cfg.Refresh.ArchiveLookback != 48*time.Hour {
		t.Errorf("archive_lookback = %s, want 48h", cfg.Refresh.ArchiveLookback)
	}
	if cfg.Ingest.CoalesceWindow != 250*time.Millisecond {
		t.Errorf("coalesce_window = %s, want 250ms", cfg.Ingest.CoalesceWindow)
	}
}

func TestLoadFile_ExpandsStorePath(t *testing.T) {
	stateDirectory := t.TempDir()
	t.Setenv("CHATSYNC_STATE", stateDirectory)
	path := writeConfig(t, `
store:
  backend: sqlite
  path: ${CHATSYNC_STATE}/owner.db
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	want := stateDirectory + "/owner.db"
	if cfg.Store.Path != want {
		t.Errorf("store.path = %q, want %q", cfg.Store.Path, want)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("CHATSYNC_TEST_SET", "/from/env")
	vars := map[string]string{"BUILTIN": "/builtin"}

	tests := []struct {
		input string
		want  string
	}{
		{"${BUILTIN}/x", "/builtin/x"},
		{"${CHATSYNC_TEST_SET}/x", "/from/env/x"},
		{"${CHATSYNC_TEST_UNSET:-/fallback}/x", "/fallback/x"},
		{"/plain/path", "/plain/path"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, vars); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "redis" },
			wantErr: "store.backend",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Store.Backend = "sqlite"; c.Store.Path = "" },
			wantErr: "store.path is required",
		},
		{
			name:    "zero probe interval",
			mutate:  func(c *Config) { c.Health.ProbeInterval = 0 },
			wantErr: "health.probe_interval must be positive",
		},
		{
			name:    "retain not below capacity",
			mutate:  func(c *Config) { c.Ingest.IndexRetain = c.Ingest.IndexCapacity },
			wantErr: "ingest.index_retain",
		},
		{
			name:    "retry cap below base",
			mutate:  func(c *Config) { c.Health.RetryCap = 500 * time.Millisecond },
			wantErr: "health.retry_cap",
		},
		{
			name:    "negative deferrals",
			mutate:  func(c *Config) { c.Refresh.MaxDeferrals = -1 },
			wantErr: "refresh.max_deferrals",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Health.ProbeInterval = 0
	cfg.Typing.TTL = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, field := range []string{"health.probe_interval", "typing.ttl"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Validate() error missing %s: %v", field, err)
		}
	}
}

func TestLoadFile_RejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
ingest:
  index_capacity: 100
  index_retain: 200
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted retain >= capacity")
	}
}

func TestEnsureStoreDirectory(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Store.Backend = "sqlite"
	cfg.Store.Path = filepath.Join(root, "nested", "cache.db")

	if err := cfg.EnsureStoreDirectory(); err != nil {
		t.Fatalf("EnsureStoreDirectory: %v", err)
	}
	if info, err := os.Stat(filepath.Join(root, "nested")); err != nil || !info.IsDir() {
		t.Errorf("parent directory not created: %v", err)
	}
}
