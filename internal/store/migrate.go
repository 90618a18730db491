package store

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS reviews (
		id BIGSERIAL PRIMARY KEY,
		organization TEXT NOT NULL,
		content_type TEXT NOT NULL,
		object_id TEXT NOT NULL,
		key TEXT NOT NULL,
		decision TEXT NOT NULL,
		reviewer TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS reviews_org_idx
		ON reviews (organization, content_type, object_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS review_logs (
		id BIGSERIAL PRIMARY KEY,
		organization TEXT NOT NULL,
		content_type TEXT NOT NULL,
		object_id TEXT NOT NULL,
		reviewer TEXT NOT NULL,
		message TEXT NOT NULL,
		subject_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS review_logs_org_idx
		ON review_logs (organization, content_type, object_id, id DESC)`,
}

// ApplyMigrations creates the schema. Statements are idempotent so a restart
// can always rerun them.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	for i, statement := range migrations {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
