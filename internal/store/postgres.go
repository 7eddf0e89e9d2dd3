package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"docagent/api/internal/crdt"
)

// PostgresStore persists the collaboration endpoint's rooms: an append-only
// log of updates per room plus the latest snapshot, which compacts the log.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadUpdates returns the logged updates of room in append order.
func (s *PostgresStore) LoadUpdates(ctx context.Context, room string) ([]crdt.Update, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM room_updates WHERE room=$1 ORDER BY id`, room)
	if err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	var updates []crdt.Update
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		var u crdt.Update
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, fmt.Errorf("decode update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return updates, nil
}

// AppendUpdate logs one update for room.
func (s *PostgresStore) AppendUpdate(ctx context.Context, room string, u crdt.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO room_updates (room, payload) VALUES ($1, $2)`, room, payload); err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the snapshot and replaces the room's log entries up to
// the snapshot time with the snapshot state.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_snapshots (room, doc, content, state, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room) DO UPDATE
		SET doc = EXCLUDED.doc, content = EXCLUDED.content, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, snap.Room, []byte(snap.Doc), snap.Content, []byte(snap.State), snap.UpdatedAt); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_updates WHERE room=$1 AND created_at <= $2`, snap.Room, snap.UpdatedAt); err != nil {
		return fmt.Errorf("compact updates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO room_updates (room, payload, created_at) VALUES ($1, $2, $3)`, snap.Room, []byte(snap.State), snap.UpdatedAt); err != nil {
		return fmt.Errorf("insert compacted state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, room string) (Snapshot, error) {
	var snap Snapshot
	var doc, state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT room, doc, content, state, updated_at FROM room_snapshots WHERE room=$1
	`, room).Scan(&snap.Room, &doc, &snap.Content, &state, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	snap.Doc = doc
	snap.State = state
	return snap, nil
}

// ListSnapshots returns the most recently updated rooms first.
func (s *PostgresStore) ListSnapshots(ctx context.Context, limit int) ([]SnapshotSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT room, LEFT(content, 200), updated_at FROM room_snapshots
		ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	summaries := []SnapshotSummary{}
	for rows.Next() {
		var sum SnapshotSummary
		if err := rows.Scan(&sum.Room, &sum.Excerpt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
