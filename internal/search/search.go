package search

import "time"

// Result is a single search hit returned to the caller.
type Result struct {
	Room      string    `json:"room"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Room   string // empty = all rooms
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data we index for a room. Title is the first block's text.
type Record struct {
	ID        string `json:"id"`
	Room      string `json:"room"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	UpdatedAt int64  `json:"updatedAt"`
}
