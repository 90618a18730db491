// Package search provides full-text search over review notes: Meilisearch
// when it is configured and healthy, Postgres substring matching otherwise.
package search

import (
	"context"
	"log"

	"reviewd/internal/store"
)

// Result is a single note hit.
type Result struct {
	ID          int64  `json:"id"`
	RecordID    string `json:"pk"`
	ContentType string `json:"type"`
	Reviewer    string `json:"r"`
	Message     string `json:"m"`
	TS          int64  `json:"ts"`
}

// Query describes a note search scoped to one organization.
type Query struct {
	Org   string
	Text  string
	Limit int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// LogRecord is the data indexed per note.
type LogRecord struct {
	ID          int64  `json:"id"`
	Org         string `json:"org"`
	RecordID    string `json:"pk"`
	ContentType string `json:"type"`
	Reviewer    string `json:"r"`
	Message     string `json:"m"`
	TS          int64  `json:"ts"`
}

// logStore is the durable fallback searcher.
type logStore interface {
	SearchLogs(ctx context.Context, org, query string, limit int) ([]store.LogRow, error)
}

// Service is the facade that tries Meilisearch first and falls back to the
// durable store. meili may be nil when Meilisearch is not configured.
type Service struct {
	meili *Meili
	logs  logStore
}

func NewService(meili *Meili, logs logStore) *Service {
	return &Service{meili: meili, logs: logs}
}

// Search runs a note search with fallback.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if q.Limit == 0 {
		q.Limit = 20
	}
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to store: %v", err)
	}

	rows, err := s.logs.SearchLogs(ctx, q.Org, q.Text, q.Limit)
	if err != nil {
		log.Printf("search: store fallback error: %v", err)
		return Response{Results: []Result{}, Query: q.Text}
	}
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		results = append(results, Result{
			ID:          row.ID,
			RecordID:    row.ObjectID,
			ContentType: row.ContentType,
			Reviewer:    row.Reviewer,
			Message:     row.Message,
			TS:          row.CreatedAt.Unix(),
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexLog indexes a note (fire-and-forget to Meilisearch).
func (s *Service) IndexLog(record LogRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexLog(record); err != nil {
			log.Printf("search: index log %d: %v", record.ID, err)
		}
	}()
}

// DeleteLog removes a note from the index (fire-and-forget).
func (s *Service) DeleteLog(id int64) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteLog(id); err != nil {
			log.Printf("search: delete log %d: %v", id, err)
		}
	}()
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
