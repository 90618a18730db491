package store

import "time"

// LogRow is one free-text review note. Decision rows have no Go-side model;
// they are written from the parsed decision map and only read back aggregated
// into blobs.
type LogRow struct {
	ID           int64
	Organization string
	ContentType  string
	ObjectID     string
	Reviewer     string
	Message      string
	SubjectKey   string
	CreatedAt    time.Time
}
