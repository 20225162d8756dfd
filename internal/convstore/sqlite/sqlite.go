// Package sqlite implements convstore.Store using pure-Go SQLite, for
// single-process and in-memory-style deployments that don't run a
// Postgres instance.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conduitrun/conduit/internal/convstore"
	_ "modernc.org/sqlite"
)

// Store implements convstore.Store backed by a local SQLite file (or
// ":memory:" for tests).
type Store struct {
	db *sql.DB
}

var _ convstore.Store = (*Store)(nil)

// Open creates (or opens) a SQLite-backed convstore and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("convstore/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across connections

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("convstore/sqlite: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("convstore/sqlite: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	payload TEXT,
	step_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	canonical TEXT NOT NULL,
	trace_id TEXT,
	span_id TEXT,
	UNIQUE(user_id, conversation_id, step_id, role, seq)
);
CREATE INDEX IF NOT EXISTS idx_conv_messages_scope_created ON conversation_messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_conv_messages_scope_hash ON conversation_messages(conversation_id, hash);

CREATE TABLE IF NOT EXISTS tool_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	args_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	args_json TEXT,
	result_json TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	canonical TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	UNIQUE(user_id, conversation_id, tool_name, args_hash, status)
);
CREATE INDEX IF NOT EXISTS idx_tool_exec_name_expires ON tool_executions(tool_name, expires_at);
`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for migration tooling.
func (s *Store) DB() *sql.DB { return s.db }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
