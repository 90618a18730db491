package store

import (
	"context"
	"database/sql"
	"fmt"

	"reviewd/internal/review"
)

// PostgresStore is the durable half of the review API: append-only review
// rows and the note history that backs the bulk history fetch. The hot path
// lives in redis; this store is the fallback and the system of record.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertReviews appends one row per decision field.
func (s *PostgresStore) InsertReviews(ctx context.Context, org, contentType, objectID, reviewer string, decisions map[string]string) error {
	for key, decision := range decisions {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO reviews (organization, content_type, object_id, key, decision, reviewer)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			org, contentType, objectID, key, decision, reviewer)
		if err != nil {
			return fmt.Errorf("insert review %s: %w", key, err)
		}
	}
	return nil
}

// InsertLog appends a note and returns its server-assigned id.
func (s *PostgresStore) InsertLog(ctx context.Context, org, contentType, objectID, reviewer, message, subjectKey string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO review_logs (organization, content_type, object_id, reviewer, message, subject_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		org, contentType, objectID, reviewer, message, subjectKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}
	return id, nil
}

// ListLogs returns a record's notes newest-first by id.
func (s *PostgresStore) ListLogs(ctx context.Context, org, contentType, objectID string) ([]LogRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reviewer, message, subject_key, created_at
		 FROM review_logs
		 WHERE organization = $1 AND content_type = $2 AND object_id = $3
		 ORDER BY id DESC`,
		org, contentType, objectID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []LogRow
	for rows.Next() {
		row := LogRow{Organization: org, ContentType: contentType, ObjectID: objectID}
		if err := rows.Scan(&row.ID, &row.Reviewer, &row.Message, &row.SubjectKey, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, row)
	}
	return logs, rows.Err()
}

// ListLogsBySubject returns notes tagged with a subject key, newest first.
// Subject-tagged notes can belong to records outside the caller's requested
// set; the caller merges them into batches by object id.
func (s *PostgresStore) ListLogsBySubject(ctx context.Context, org, subjectKey string) ([]LogRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_type, object_id, reviewer, message, created_at
		 FROM review_logs
		 WHERE organization = $1 AND subject_key = $2
		 ORDER BY id DESC`,
		org, subjectKey)
	if err != nil {
		return nil, fmt.Errorf("list logs by subject: %w", err)
	}
	defer rows.Close()

	var logs []LogRow
	for rows.Next() {
		row := LogRow{Organization: org, SubjectKey: subjectKey}
		if err := rows.Scan(&row.ID, &row.ContentType, &row.ObjectID, &row.Reviewer, &row.Message, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, row)
	}
	return logs, rows.Err()
}

// DeleteLog removes one note. Returns false when the note did not exist.
func (s *PostgresStore) DeleteLog(ctx context.Context, org, contentType, objectID string, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM review_logs
		 WHERE organization = $1 AND content_type = $2 AND object_id = $3 AND id = $4`,
		org, contentType, objectID, id)
	if err != nil {
		return false, fmt.Errorf("delete log: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete log: %w", err)
	}
	return affected > 0, nil
}

// LatestDecisions rebuilds the most recent decision set per record, used to
// repopulate the redis recent-items list when it goes cold.
func (s *PostgresStore) LatestDecisions(ctx context.Context, org string, limit int) ([]review.Blob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ON (content_type, object_id, key)
			content_type, object_id, key, decision,
			extract(epoch from created_at)::bigint
		 FROM reviews
		 WHERE organization = $1
		 ORDER BY content_type, object_id, key, id DESC
		 LIMIT $2`,
		org, limit)
	if err != nil {
		return nil, fmt.Errorf("latest decisions: %w", err)
	}
	defer rows.Close()

	type blobKey struct {
		contentType string
		objectID    string
	}
	order := make([]blobKey, 0)
	grouped := make(map[blobKey]*review.Blob)
	for rows.Next() {
		var contentType, objectID, key, decision string
		var ts int64
		if err := rows.Scan(&contentType, &objectID, &key, &decision, &ts); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		k := blobKey{contentType: contentType, objectID: objectID}
		blob, ok := grouped[k]
		if !ok {
			blob = &review.Blob{
				PK:        review.RecordID(objectID),
				Type:      contentType,
				Decisions: make(map[string]string),
			}
			grouped[k] = blob
			order = append(order, k)
		}
		blob.Decisions[key] = decision
		if ts > blob.TS {
			blob.TS = ts
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	blobs := make([]review.Blob, 0, len(order))
	for _, k := range order {
		blobs = append(blobs, *grouped[k])
	}
	return blobs, nil
}

// SearchLogs is the Postgres fallback for note search: case-insensitive
// substring match, newest first.
func (s *PostgresStore) SearchLogs(ctx context.Context, org, query string, limit int) ([]LogRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_type, object_id, reviewer, message, subject_key, created_at
		 FROM review_logs
		 WHERE organization = $1 AND message ILIKE '%' || $2 || '%'
		 ORDER BY id DESC
		 LIMIT $3`,
		org, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search logs: %w", err)
	}
	defer rows.Close()

	var logs []LogRow
	for rows.Next() {
		row := LogRow{Organization: org}
		if err := rows.Scan(&row.ID, &row.ContentType, &row.ObjectID, &row.Reviewer, &row.Message, &row.SubjectKey, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, row)
	}
	return logs, rows.Err()
}
