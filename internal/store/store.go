// Package store provides SQLite-backed persistence for Arbiter.
//
// Every mutating primitive here is expressed as an atomic conditional
// write inside a single transaction. Coordination across independent
// agent processes happens exclusively through this store, so a
// read-then-write sequence at the application tier is a correctness
// bug, not a style choice.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides access to the Arbiter SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for concurrent readers; busy_timeout so competing
	// writers queue instead of failing immediately.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite supports a single writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewInMemory creates an in-memory Store, used by tests.
func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		resource_key TEXT NOT NULL UNIQUE,
		holder_id TEXT NOT NULL,
		holder_type TEXT,
		session_id TEXT,
		reason TEXT,
		metadata TEXT,
		acquired_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		description TEXT,
		input TEXT,
		priority INTEGER NOT NULL DEFAULT 5,
		dependency_ids TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		claimant TEXT,
		claimed_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		result TEXT,
		error TEXT,
		deadline DATETIME,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		agent_type TEXT,
		capabilities TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		last_heartbeat DATETIME NOT NULL,
		current_task TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS guardrail_patterns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		pattern TEXT NOT NULL,
		severity TEXT NOT NULL,
		min_trust_to_bypass INTEGER NOT NULL DEFAULT 4,
		enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS guardrail_violations (
		id TEXT PRIMARY KEY,
		pattern_name TEXT NOT NULL,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		agent_id TEXT,
		trust_level INTEGER NOT NULL,
		excerpt TEXT,
		blocked INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_profiles (
		agent_id TEXT PRIMARY KEY,
		trust_level INTEGER NOT NULL DEFAULT 1,
		allowed_ops TEXT NOT NULL DEFAULT '[]',
		blocked_ops TEXT NOT NULL DEFAULT '[]',
		resource_limits TEXT NOT NULL DEFAULT '{}',
		network_overrides TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		agent_id TEXT,
		operation TEXT NOT NULL,
		parameters TEXT,
		result TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS network_policies (
		id TEXT PRIMARY KEY,
		domain_pattern TEXT NOT NULL,
		action TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_locks_expires_at ON locks(expires_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, last_heartbeat);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
	CREATE INDEX IF NOT EXISTS idx_violations_created ON guardrail_violations(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}
