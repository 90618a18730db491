package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxLogs = "reviewd_logs"

// Meili indexes and searches review notes via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the notes index. The
// client starts unhealthy if the initial connection fails; the health loop
// picks it up later.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
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
		Uid:        idxLogs,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxLogs, err)
	}

	index := m.client.Index(idxLogs)
	filterable := []interface{}{"org", "type", "pk"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxLogs, err)
	}
	searchable := []string{"m", "r"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxLogs, err)
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
				log.Println("search: meilisearch recovered, reconfiguring index")
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

// Search queries the notes index, filtered to the organization.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.Index(idxLogs).Search(q.Text, &meili.SearchRequest{
		Limit:  int64(q.Limit),
		Filter: []string{fmt.Sprintf("org = %q", q.Org)},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// IndexLog pushes one note into the index.
func (m *Meili) IndexLog(record LogRecord) error {
	_, err := m.client.Index(idxLogs).AddDocuments([]LogRecord{record}, nil)
	if err != nil {
		return fmt.Errorf("index log: %w", err)
	}
	return nil
}

// DeleteLog removes one note from the index.
func (m *Meili) DeleteLog(id int64) error {
	_, err := m.client.Index(idxLogs).DeleteDocument(strconv.FormatInt(id, 10), nil)
	if err != nil {
		return fmt.Errorf("delete log from index: %w", err)
	}
	return nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{}
	r.ID = decodeInt(hit, "id")
	r.RecordID = decodeString(hit, "pk")
	r.ContentType = decodeString(hit, "type")
	r.Reviewer = decodeString(hit, "r")
	r.Message = decodeString(hit, "m")
	r.TS = decodeInt(hit, "ts")
	return r
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

func decodeInt(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}
