// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Store is a string key-value store. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value for key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every entry whose key starts with prefix, ordered
	// by key.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases the backend. Idempotent.
	Close() error
}

// Entry is one key-value pair returned by List.
type Entry struct {
	Key   string
	Value string
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of BackendMemory, BackendSQLite, BackendPebble.
	// Empty means BackendMemory.
	Backend string

	// Path is the SQLite database file or the Pebble directory.
	// Ignored for the memory backend.
	Path string

	// Logger receives open/close messages. Nil discards them.
	Logger *slog.Logger
}

// Open returns the backend named by config.
func Open(config Config) (Store, error) {
	switch config.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendSQLite:
		store, err := OpenSQLite(config.Path, config.Logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendPebble:
		store, err := OpenPebble(config.Path, config.Logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("kvstore: unknown backend %q", config.Backend)
	}
}

// prefixEnd returns the smallest key greater than every key starting
// with prefix, or nil when no such bound exists (empty prefix or all
// 0xff bytes).
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	for index := len(end) - 1; index >= 0; index-- {
		if end[index] < 0xff {
			end[index]++
			return end[:index+1]
		}
	}
	return nil
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
	closed  bool
}

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, errClosed
	}
	value, ok := m.entries[key]
	return value, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.entries[key] = value
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	delete(m.entries, key)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	var entries []Entry
	for key, value := range m.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			entries = append(entries, Entry{Key: key, Value: value})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var errClosed = errors.New("kvstore: store is closed")
