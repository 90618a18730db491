// Package server implements the review API the engine consumes: redis-backed
// hot state for decisions and focus marks, durable reviews and notes in
// Postgres, and the HTTP surface over both.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"reviewd/internal/review"
)

const (
	// recentItemsMax caps the per-organization recent-updates list.
	recentItemsMax = 50
	// focusMarksMax caps the per-organization focus hash before a sweep.
	focusMarksMax = 50
	// focusMaxAge is how long a focus mark stays meaningful.
	focusMaxAge = 2 * time.Hour
)

// RedisState keeps the per-organization hot state: a reviews hash keyed by
// "<contentType>_<pk>", a recent-updates list trimmed to the newest entries,
// and a focus hash keyed by user label.
type RedisState struct {
	client *redis.Client
}

// NewRedisState connects to redis and verifies the connection.
func NewRedisState(redisURL string) (*RedisState, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisState{client: client}, nil
}

// NewRedisStateWithClient wraps an existing client.
func NewRedisStateWithClient(client *redis.Client) *RedisState {
	return &RedisState{client: client}
}

func (s *RedisState) Close() error { return s.client.Close() }

func (s *RedisState) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func reviewsKey(org string) string { return org + "_reviews" }
func itemsKey(org string) string   { return org + "_items" }
func marksKey(org string) string   { return org + "_marks" }

func objectKey(contentType string, pk review.RecordID) string {
	return contentType + "_" + string(pk)
}

// SaveReview records the latest decision blob for one record and pushes it
// onto the recent-updates list.
func (s *RedisState) SaveReview(ctx context.Context, org string, blob review.Blob) error {
	encoded, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal review blob: %w", err)
	}
	if err := s.client.HSet(ctx, reviewsKey(org), objectKey(blob.Type, blob.PK), encoded).Err(); err != nil {
		return fmt.Errorf("save review: %w", err)
	}
	if err := s.client.LPush(ctx, itemsKey(org), encoded).Err(); err != nil {
		return fmt.Errorf("push recent item: %w", err)
	}
	if err := s.client.LTrim(ctx, itemsKey(org), 0, recentItemsMax).Err(); err != nil {
		return fmt.Errorf("trim recent items: %w", err)
	}
	return nil
}

// Reviews fetches blobs for the given object keys, aligned with the request:
// a slot is nil when redis has nothing for that record.
func (s *RedisState) Reviews(ctx context.Context, org string, contentType string, pks []review.RecordID) ([]*review.Blob, error) {
	keys := make([]string, len(pks))
	for i, pk := range pks {
		keys[i] = objectKey(contentType, pk)
	}
	values, err := s.client.HMGet(ctx, reviewsKey(org), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch reviews: %w", err)
	}

	blobs := make([]*review.Blob, len(values))
	for i, value := range values {
		text, ok := value.(string)
		if !ok || text == "" {
			continue
		}
		var blob review.Blob
		if err := json.Unmarshal([]byte(text), &blob); err != nil {
			return nil, fmt.Errorf("decode review blob: %w", err)
		}
		blobs[i] = &blob
	}
	return blobs, nil
}

// RecentItems returns the recent-updates list. seeded is false when the list
// is cold and the caller should repopulate it from the durable store. The
// empty-string sentinel marks an organization known to have no reviews; it is
// skipped but still counts as seeded.
func (s *RedisState) RecentItems(ctx context.Context, org string) (blobs []review.Blob, seeded bool, err error) {
	values, err := s.client.LRange(ctx, itemsKey(org), 0, recentItemsMax).Result()
	if err != nil {
		return nil, false, fmt.Errorf("fetch recent items: %w", err)
	}
	if len(values) == 0 {
		return nil, false, nil
	}
	for _, value := range values {
		if value == "" {
			continue
		}
		var blob review.Blob
		if err := json.Unmarshal([]byte(value), &blob); err != nil {
			// A corrupt entry poisons the whole list; drop it and rebuild.
			return nil, false, nil
		}
		blobs = append(blobs, blob)
	}
	return blobs, true, nil
}

// SeedItems repopulates a cold recent-updates list. An empty blob set pushes
// the sentinel so the durable store is not rescanned on every poll.
func (s *RedisState) SeedItems(ctx context.Context, org string, blobs []review.Blob) error {
	if len(blobs) == 0 {
		return s.client.LPush(ctx, itemsKey(org), "").Err()
	}
	encoded := make([]any, 0, len(blobs))
	for _, blob := range blobs {
		data, err := json.Marshal(blob)
		if err != nil {
			return fmt.Errorf("marshal seed blob: %w", err)
		}
		encoded = append(encoded, data)
	}
	if err := s.client.LPush(ctx, itemsKey(org), encoded...).Err(); err != nil {
		return fmt.Errorf("seed recent items: %w", err)
	}
	return s.client.LTrim(ctx, itemsKey(org), 0, recentItemsMax).Err()
}

// MarkFocus records that a user is attending a record; one mark per user.
func (s *RedisState) MarkFocus(ctx context.Context, org string, mark review.FocusMark) error {
	encoded, err := json.Marshal(mark)
	if err != nil {
		return fmt.Errorf("marshal focus mark: %w", err)
	}
	if err := s.client.HSet(ctx, marksKey(org), mark.Name, encoded).Err(); err != nil {
		return fmt.Errorf("mark focus: %w", err)
	}
	count, err := s.client.HLen(ctx, marksKey(org)).Result()
	if err != nil {
		return fmt.Errorf("count focus marks: %w", err)
	}
	if count > focusMarksMax {
		return s.sweepMarks(ctx, org)
	}
	return nil
}

// ClearFocus drops a user's mark, e.g. when their session ends.
func (s *RedisState) ClearFocus(ctx context.Context, org, name string) error {
	return s.client.HDel(ctx, marksKey(org), name).Err()
}

// Marks returns every current focus mark for the organization.
func (s *RedisState) Marks(ctx context.Context, org string) ([]review.FocusMark, error) {
	values, err := s.client.HGetAll(ctx, marksKey(org)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch focus marks: %w", err)
	}
	marks := make([]review.FocusMark, 0, len(values))
	for _, value := range values {
		var mark review.FocusMark
		if err := json.Unmarshal([]byte(value), &mark); err != nil {
			continue
		}
		marks = append(marks, mark)
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i].Name < marks[j].Name })
	return marks, nil
}

// sweepMarks drops marks beyond the cap or older than the focus age limit.
func (s *RedisState) sweepMarks(ctx context.Context, org string) error {
	marks, err := s.Marks(ctx, org)
	if err != nil {
		return err
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i].TS > marks[j].TS })

	tooOld := time.Now().Add(-focusMaxAge).Unix()
	var stale []string
	for i, mark := range marks {
		if i >= focusMarksMax || mark.TS < tooOld {
			stale = append(stale, mark.Name)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return s.client.HDel(ctx, marksKey(org), stale...).Err()
}
