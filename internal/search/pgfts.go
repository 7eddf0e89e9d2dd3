package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher over room snapshots with PostgreSQL full-text
// search. It is the fallback when Meilisearch is missing or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; the collaboration endpoint cannot run
// without Postgres anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	where := "to_tsvector('simple', s.content) @@ plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	if q.Room != "" {
		where += " AND s.room = $2"
		args = append(args, q.Room)
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM room_snapshots s WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT s.room, split_part(s.content, E'\n', 1) AS title,
			ts_headline('simple', s.content, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			s.updated_at
		FROM room_snapshots s
		WHERE %s
		ORDER BY ts_rank(to_tsvector('simple', s.content), plainto_tsquery('simple', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Room, &r.Title, &r.Snippet, &r.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every room snapshot for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT room, content, updated_at FROM room_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			room, content string
			updatedAt     time.Time
		)
		if err := rows.Scan(&room, &content, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		records = append(records, NewRecord(room, content, updatedAt))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return records, nil
}
