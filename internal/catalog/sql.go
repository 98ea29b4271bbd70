package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLCatalog implements Searcher against the snapshots table as a fallback.
// It scans references and document ids with LIKE, which is slower than a
// dedicated index but works on both drivers and needs no extra schema.
type SQLCatalog struct {
	db *sql.DB
}

// NewSQLCatalog creates a snapshot-table searcher.
func NewSQLCatalog(db *sql.DB) *SQLCatalog {
	return &SQLCatalog{db: db}
}

// Healthy always returns true. If the database is down the snapshot store
// is down with it and the process has bigger problems.
func (c *SQLCatalog) Healthy() bool {
	return true
}

// Search matches references and document ids by substring. An empty query
// lists every known document, newest saves first.
func (c *SQLCatalog) Search(q Query) ([]Entry, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + strings.TrimSpace(q.Text) + "%"
	where := "document_id LIKE $1 OR reference LIKE $1"

	ctx := context.Background()

	var total int
	if err := c.db.QueryRowContext(ctx,
		"SELECT count(*) FROM snapshots WHERE "+where, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("catalog count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT document_id, reference, seq, saved_at
		FROM snapshots
		WHERE %s
		ORDER BY saved_at DESC, document_id
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := c.db.QueryContext(ctx, dataSQL, pattern)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}

	return entries, total, rows.Err()
}

// LoadAll returns every catalog entry, used to seed Meilisearch after it
// comes up empty or recovers.
func (c *SQLCatalog) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT document_id, reference, seq, saved_at
		FROM snapshots
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog load: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var seq int64
	var savedAt time.Time
	if err := rows.Scan(&e.DocumentID, &e.Reference, &seq, &savedAt); err != nil {
		return Entry{}, fmt.Errorf("catalog scan: %w", err)
	}
	e.Seq = uint64(seq)
	e.UpdatedAt = savedAt.UTC()
	return e, nil
}
