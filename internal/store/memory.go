package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"docagent/api/internal/crdt"
)

// MemoryStore keeps rooms in process memory. It is used when no database is
// configured.
type MemoryStore struct {
	mu        sync.Mutex
	updates   map[string][]crdt.Update
	snapshots map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		updates:   make(map[string][]crdt.Update),
		snapshots: make(map[string]Snapshot),
	}
}

func (s *MemoryStore) LoadUpdates(_ context.Context, room string) ([]crdt.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crdt.Update(nil), s.updates[room]...), nil
}

func (s *MemoryStore) AppendUpdate(_ context.Context, room string, u crdt.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[room] = append(s.updates[room], u)
	return nil
}

// SaveSnapshot stores snap and compacts the room's log into its state.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	var state crdt.Update
	if len(snap.State) > 0 {
		if err := json.Unmarshal(snap.State, &state); err != nil {
			return fmt.Errorf("decode snapshot state: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Room] = snap
	s.updates[snap.Room] = []crdt.Update{state}
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, room string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[room]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, limit int) ([]SnapshotSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	summaries := make([]SnapshotSummary, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		excerpt := []rune(snap.Content)
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		summaries = append(summaries, SnapshotSummary{Room: snap.Room, Excerpt: string(excerpt), UpdatedAt: snap.UpdatedAt})
	}
	s.mu.Unlock()
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}
