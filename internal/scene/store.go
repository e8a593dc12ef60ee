// Package scene keeps the latest scene-introspection snapshot reported by the
// worker. The planner attaches it to model prompts as read-only context.
package scene

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/mattjoyce/studiobridge/internal/storage"
)

const (
	DefaultMaxSnapshotBytes = 4 << 20

	latest = "latest"
)

// Snapshot is the stored scene hierarchy and where it came from.
type Snapshot struct {
	Data      json.RawMessage `json:"snapshot"`
	CommandID string          `json:"command_id,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// Empty reports whether no snapshot has been stored yet.
func (s Snapshot) Empty() bool {
	return s.UpdatedAt == nil
}

type Store struct {
	db       *sql.DB
	maxBytes int
	now      func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		maxBytes: DefaultMaxSnapshotBytes,
		now:      time.Now,
	}
}

// Get returns the latest snapshot, or an empty {} snapshot if none exists.
func (s *Store) Get(ctx context.Context) (Snapshot, error) {
	var (
		raw       string
		commandID sql.NullString
		updatedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot, command_id, updated_at FROM scene_snapshot WHERE name = ?;", latest,
	).Scan(&raw, &commandID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{Data: json.RawMessage(`{}`)}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read scene snapshot: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return Snapshot{}, fmt.Errorf("stored scene snapshot is invalid JSON")
	}
	snap := Snapshot{Data: json.RawMessage(raw), CommandID: commandID.String}
	if updatedAt.Valid {
		if t, err := storage.ParseTime(updatedAt.String); err == nil {
			snap.UpdatedAt = &t
		}
	}
	return snap, nil
}

// SceneJSON returns just the snapshot document, for prompt context.
func (s *Store) SceneJSON(ctx context.Context) ([]byte, error) {
	snap, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Data, nil
}

// Replace stores data as the latest snapshot, recording the command that
// produced it.
func (s *Store) Replace(ctx context.Context, commandID string, data json.RawMessage) (Snapshot, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode scene snapshot: %w", err)
	}
	return s.write(ctx, nil, commandID, obj)
}

// Merge applies updates to the stored snapshot as a shallow merge: top-level
// keys in updates replace the stored ones.
func (s *Store) Merge(ctx context.Context, commandID string, updates json.RawMessage) (Snapshot, error) {
	upd, err := decodeObject(updates)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode scene updates: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx, "SELECT snapshot FROM scene_snapshot WHERE name = ?;", latest).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return Snapshot{}, fmt.Errorf("read scene snapshot: %w", err)
	}
	cur, err := decodeObject(json.RawMessage(curRaw))
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode stored snapshot: %w", err)
	}
	maps.Copy(cur, upd)

	snap, err := s.write(ctx, tx, commandID, cur)
	if err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit tx: %w", err)
	}
	return snap, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) write(ctx context.Context, tx *sql.Tx, commandID string, obj map[string]json.RawMessage) (Snapshot, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal scene snapshot: %w", err)
	}
	if len(data) > s.maxBytes {
		return Snapshot{}, fmt.Errorf("scene snapshot exceeds max size (%d bytes)", s.maxBytes)
	}

	var ex execer = s.db
	if tx != nil {
		ex = tx
	}
	now := s.now().UTC()
	var cmd any
	if commandID != "" {
		cmd = commandID
	}
	_, err = ex.ExecContext(ctx, `
INSERT INTO scene_snapshot(name, snapshot, command_id, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  snapshot = excluded.snapshot,
  command_id = excluded.command_id,
  updated_at = excluded.updated_at;
`, latest, string(data), cmd, storage.FormatTime(now))
	if err != nil {
		return Snapshot{}, fmt.Errorf("upsert scene snapshot: %w", err)
	}
	return Snapshot{Data: data, CommandID: commandID, UpdatedAt: &now}, nil
}

func decodeObject(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("snapshot must be a JSON object: %w", err)
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
