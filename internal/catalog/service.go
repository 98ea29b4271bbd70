package catalog

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to the
// snapshots table.
type Service struct {
	meili *Meili
	sql   *SQLCatalog
}

// NewService creates a catalog service. Either backend may be nil: meili
// when Meilisearch is not configured, sql when snapshots live in object
// storage.
func NewService(meili *Meili, sql *SQLCatalog) *Service {
	return &Service{meili: meili, sql: sql}
}

// Search tries Meilisearch if healthy, otherwise falls back to SQL.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		entries, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Entries: nonNil(entries), Total: total, Query: q.Text}
		}
		log.Printf("catalog: meilisearch error, falling back to sql: %v", err)
	}

	if s.sql == nil {
		return Response{Entries: []Entry{}, Total: 0, Query: q.Text}
	}

	entries, total, err := s.sql.Search(q)
	if err != nil {
		log.Printf("catalog: sql error: %v", err)
		return Response{Entries: []Entry{}, Total: 0, Query: q.Text}
	}
	return Response{Entries: nonNil(entries), Total: total, Query: q.Text}
}

// Index records a catalog entry (fire-and-forget to Meilisearch). The SQL
// fallback needs no push: it reads the snapshots table directly.
func (s *Service) Index(e Entry) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexEntry(e); err != nil {
			log.Printf("catalog: index %s: %v", e.DocumentID, err)
		}
	}()
}

// Reindex pushes every known document into Meilisearch. Called at startup
// when both backends are configured.
func (s *Service) Reindex(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.sql == nil {
		return
	}
	entries, err := s.sql.LoadAll(ctx)
	if err != nil {
		log.Printf("catalog: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexEntries(entries); err != nil {
		log.Printf("catalog: reindex: %v", err)
	}
}

// MeiliHealthy reports whether a Meilisearch backend is configured and, if
// so, whether it is currently reachable.
func (s *Service) MeiliHealthy() (configured, healthy bool) {
	if s.meili == nil {
		return false, false
	}
	return true, s.meili.Healthy()
}

// Close stops the Meilisearch health monitor, if one is running.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	return entries
}
