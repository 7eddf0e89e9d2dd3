package store

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Snapshot is the persisted state of a room at the time its last
// participant left.
type Snapshot struct {
	Room string `json:"room"`
	// Doc is the rendered document tree.
	Doc json.RawMessage `json:"doc"`
	// Content is the plain text, one line per block.
	Content string `json:"content"`
	// State is the full replicated state encoded as one update.
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// CommitInfo describes one entry of a room's snapshot history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// SnapshotSummary lists a room without its payloads.
type SnapshotSummary struct {
	Room      string    `json:"room"`
	Excerpt   string    `json:"excerpt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
