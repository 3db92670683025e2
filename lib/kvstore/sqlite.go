// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// sqlitePoolSize is small on purpose: the store sees a handful of
// writes per room event, and SQLite serializes writers anyway.
const sqlitePoolSize = 4

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;
`

// sqlitePragmas are applied to every pooled connection before the
// schema. WAL lets the read accessors run while a write is in flight;
// NORMAL synchronous survives process crashes, which is all a cache
// needs.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// SQLite is a Store backed by one table in a SQLite database.
type SQLite struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Compile-time interface check.
var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path. The
// parent directory must exist. ":memory:" is not supported because
// each pooled connection would see its own empty database.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("kvstore: sqlite backend requires a path")
	}
	if path == ":memory:" {
		return nil, fmt.Errorf("kvstore: sqlite backend cannot use :memory:; use the memory backend")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    sqlitePoolSize,
		PrepareConn: prepareSQLiteConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening sqlite %s: %w", path, err)
	}
	logger.Info("kvstore opened", "backend", BackendSQLite, "path", path)

	return &SQLite{pool: pool, logger: logger, path: path}, nil
}

func prepareSQLiteConnection(conn *sqlite.Conn) error {
	for _, pragma := range sqlitePragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("kvstore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("kvstore: creating schema: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, fmt.Errorf("kvstore: sqlite take: %w", err)
	}
	defer s.pool.Put(conn)

	var value string
	var found bool
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = columnString(stmt, 0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("kvstore: sqlite get %q: %w", key, err)
	}
	return value, found, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: sqlite take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{key, []byte(value)}})
	if err != nil {
		return fmt.Errorf("kvstore: sqlite set %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: sqlite take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
	}); err != nil {
		return fmt.Errorf("kvstore: sqlite delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("kvstore: sqlite take: %w", err)
	}
	defer s.pool.Put(conn)

	query := "SELECT key, value FROM kv WHERE key >= ? ORDER BY key"
	args := []any{prefix}
	if end := prefixEnd(prefix); end != nil {
		query = "SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key"
		args = append(args, string(end))
	}

	var entries []Entry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, Entry{
				Key:   stmt.ColumnText(0),
				Value: columnString(stmt, 1),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: sqlite list %q: %w", prefix, err)
	}
	return entries, nil
}

func (s *SQLite) Close() error {
	if s.pool == nil {
		return nil
	}
	err := s.pool.Close()
	s.pool = nil
	if err != nil {
		return fmt.Errorf("kvstore: closing sqlite %s: %w", s.path, err)
	}
	s.logger.Info("kvstore closed", "backend", BackendSQLite, "path", s.path)
	return nil
}

// columnString reads a BLOB column without text conversion so values
// holding raw CBOR survive intact.
func columnString(stmt *sqlite.Stmt, column int) string {
	buffer := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, buffer)
	return string(buffer)
}
