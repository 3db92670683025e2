// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
)

// Pebble is a Store backed by a Pebble directory.
type Pebble struct {
	db     *pebble.DB
	logger *slog.Logger
	path   string
}

// Compile-time interface check.
var _ Store = (*Pebble)(nil)

// OpenPebble opens (creating if needed) the Pebble directory at path.
func OpenPebble(path string, logger *slog.Logger) (*Pebble, error) {
	if path == "" {
		return nil, fmt.Errorf("kvstore: pebble backend requires a path")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening pebble %s: %w", path, err)
	}
	logger.Info("kvstore opened", "backend", BackendPebble, "path", path)
	return &Pebble{db: db, logger: logger, path: path}, nil
}

func (p *Pebble) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	data, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: pebble get %q: %w", key, err)
	}
	// data is only valid until closer.Close.
	value := string(data)
	if err := closer.Close(); err != nil {
		return "", false, fmt.Errorf("kvstore: pebble get %q: %w", key, err)
	}
	return value, true, nil
}

func (p *Pebble) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("kvstore: pebble set %q: %w", key, err)
	}
	return nil
}

func (p *Pebble) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("kvstore: pebble delete %q: %w", key, err)
	}
	return nil
}

func (p *Pebble) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: pebble list %q: %w", prefix, err)
	}

	var entries []Entry
	for valid := iter.First(); valid; valid = iter.Next() {
		entries = append(entries, Entry{
			Key:   string(iter.Key()),
			Value: string(iter.Value()),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("kvstore: pebble list %q: %w", prefix, err)
	}
	return entries, nil
}

func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	if err != nil {
		return fmt.Errorf("kvstore: closing pebble %s: %w", p.path, err)
	}
	p.logger.Info("kvstore closed", "backend", BackendPebble, "path", p.path)
	return nil
}
