// Package pg implements convstore.Store on Postgres (or CockroachDB,
// which speaks the Postgres wire protocol), for production deployments.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conduitrun/conduit/internal/convstore"
	_ "github.com/lib/pq"
)

// Config mirrors the reference CockroachConfig connection-pool shape.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns sane pool defaults for a single orchestrator process.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "conduit",
		Database:        "conduit",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store implements convstore.Store backed by database/sql + lib/pq.
type Store struct {
	db *sql.DB
}

var _ convstore.Store = (*Store)(nil)

// Open connects using Config, applies the pool settings, and migrates
// the schema.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, int(cfg.ConnectTimeout.Seconds()),
	)
	return OpenDSN(dsn, cfg)
}

// OpenDSN connects using a raw DSN/URL, useful when the caller already
// has a managed connection string (e.g. from a secrets manager).
func OpenDSN(dsn string, cfg *Config) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("convstore/pg: dsn is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("convstore/pg: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("convstore/pg: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("convstore/pg: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	payload JSONB,
	step_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	args_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	args_json JSONB,
	result_json JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL,
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

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection for migration tooling shared
// with other stores in the same process, mirroring the reference implementation's
// CockroachStore.DB() accessor.
func (s *Store) DB() *sql.DB { return s.db }
