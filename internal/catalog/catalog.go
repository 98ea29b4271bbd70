// Package catalog maintains a searchable index of known documents.
// Entries are pushed after snapshot saves and queried from the control
// plane, so operators can find a document id from a reference fragment
// without touching the sync path.
package catalog

import "time"

// Entry is a single catalog row describing one document.
type Entry struct {
	DocumentID string    `json:"documentId"`
	Reference  string    `json:"reference"`
	Seq        uint64    `json:"seq"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Query describes a catalog search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the catalog endpoint.
type Response struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Query   string  `json:"query"`
}

// Searcher can look up catalog entries by reference or document id.
type Searcher interface {
	Search(q Query) ([]Entry, int, error)
	Healthy() bool
}
