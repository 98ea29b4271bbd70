package catalog

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxDocuments = "syncd_documents"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the catalog index.
// The returned value keeps working through outages: a background loop
// re-checks health and reconfigures the index on recovery.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	// Initial health check
	if _, err := client.Health(); err != nil {
		log.Printf("catalog: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "documentId",
	}); err != nil {
		log.Printf("catalog: create index %s (may already exist): %v", idxDocuments, err)
	}

	index := m.client.Index(idxDocuments)
	filterable := []interface{}{"reference"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("catalog: update filterable attrs: %v", err)
	}
	searchable := []string{"reference", "documentId"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("catalog: update searchable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("catalog: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the catalog index.
func (m *Meili) Search(q Query) ([]Entry, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	resp, err := m.client.Index(idxDocuments).Search(q.Text, &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	entries := make([]Entry, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		entries = append(entries, hitToEntry(hit))
	}
	return entries, int(resp.EstimatedTotalHits), nil
}

// IndexEntry adds or updates a single catalog entry.
func (m *Meili) IndexEntry(e Entry) error {
	_, err := m.client.Index(idxDocuments).AddDocuments([]Entry{e}, nil)
	return err
}

// IndexEntries bulk-indexes catalog entries.
func (m *Meili) IndexEntries(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDocuments).AddDocuments(entries, nil)
	return err
}

// DeleteEntry removes a document from the catalog index.
func (m *Meili) DeleteEntry(documentID string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(documentID, nil)
	return err
}

func hitToEntry(hit meili.Hit) Entry {
	e := Entry{
		DocumentID: decodeString(hit, "documentId"),
		Reference:  decodeString(hit, "reference"),
		Seq:        decodeUint(hit, "seq"),
	}
	if ts := decodeString(hit, "updatedAt"); ts != "" {
		if at, err := time.Parse(time.RFC3339, ts); err == nil {
			e.UpdatedAt = at
		}
	}
	return e
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeUint(hit meili.Hit, key string) uint64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}

	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}
