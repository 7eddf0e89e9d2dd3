package search

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"

	"docagent/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured; pgfts may be nil when there is no database.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, logger: logger.Named("search")}
}

// NewRecord builds the index record of a room from its plain text.
func NewRecord(room, content string, updatedAt time.Time) Record {
	title, _, _ := strings.Cut(content, "\n")
	return Record{
		ID:        recordID(room),
		Room:      room,
		Title:     strings.TrimSpace(title),
		Text:      content,
		UpdatedAt: updatedAt.UnixMilli(),
	}
}

// recordID encodes room into the character set Meilisearch accepts for
// primary keys.
func recordID(room string) string {
	return "room_" + hex.EncodeToString([]byte(room))
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.logger.Error("pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// SaveSnapshot indexes the snapshot's text (fire-and-forget to Meilisearch).
// A room whose document is empty is removed from the index instead.
func (s *Service) SaveSnapshot(_ context.Context, snap store.Snapshot) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	if strings.TrimSpace(snap.Content) == "" {
		s.DeleteRoom(snap.Room)
		return nil
	}
	rec := NewRecord(snap.Room, snap.Content, snap.UpdatedAt)
	go func() {
		if err := s.meili.IndexRoom(rec); err != nil {
			s.logger.Warn("index room", zap.String("room", rec.Room), zap.Error(err))
		}
	}()
	return nil
}

// DeleteRoom removes a room from the index (fire-and-forget).
func (s *Service) DeleteRoom(room string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRoom(recordID(room)); err != nil {
			s.logger.Warn("delete room", zap.String("room", room), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every stored room snapshot into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexRooms(records); err != nil {
		s.logger.Warn("reindex rooms", zap.Error(err))
		return
	}
	s.logger.Info("reindexed rooms", zap.Int("count", len(records)))
}

// Close stops the Meilisearch health monitor.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
