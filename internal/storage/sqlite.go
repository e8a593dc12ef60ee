package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the bridge database at path and
// ensures required tables exist.
//
// The pool is pinned to a single connection. Every queue mutation runs in a
// transaction on that connection, so writers are serialized without relying on
// sqlite's busy handler.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkDatabaseMount(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
//
// Timestamps are stored as fixed-width UTC text (see TimeLayout) so that
// lexical comparison in SQL matches chronological order.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commands (
  id               TEXT PRIMARY KEY,
  route            TEXT NOT NULL,
  category         TEXT NOT NULL,
  action           TEXT NOT NULL,
  payload          TEXT NOT NULL DEFAULT '{}',
  metadata         TEXT NOT NULL DEFAULT '{}',
  priority         INTEGER NOT NULL DEFAULT 0,
  queue_seq        INTEGER NOT NULL,
  idempotency_key  TEXT,
  state            TEXT NOT NULL,
  attempts         INTEGER NOT NULL DEFAULT 0,
  dispatch_token   TEXT,
  leased_by        TEXT,
  leased_at        TEXT,
  lease_expires_at TEXT,
  created_at       TEXT NOT NULL,
  updated_at       TEXT NOT NULL,
  expires_at       TEXT,
  completed_at     TEXT,
  result           TEXT,
  error            TEXT,
  execution_ms     INTEGER
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS commands_idempotency_key_idx ON commands(idempotency_key) WHERE idempotency_key IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS commands_ready_idx ON commands(state, priority DESC, queue_seq ASC);`,
		`CREATE INDEX IF NOT EXISTS commands_created_at_idx ON commands(created_at);`,
		`CREATE TABLE IF NOT EXISTS command_log (
  id           TEXT PRIMARY KEY,
  command_id   TEXT NOT NULL,
  from_state   TEXT NOT NULL,
  to_state     TEXT NOT NULL,
  worker_id    TEXT,
  detail       TEXT,
  created_at   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS command_log_command_id_idx ON command_log(command_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS queue_counters (
  name  TEXT PRIMARY KEY,
  value INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS scene_snapshot (
  name        TEXT PRIMARY KEY,
  snapshot    TEXT NOT NULL DEFAULT '{}',
  command_id  TEXT,
  updated_at  TEXT
);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// TimeLayout is the fixed-width UTC layout used for every stored timestamp.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime. It also accepts RFC3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
