package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reviewd/internal/auth"
	"reviewd/internal/review"
	"reviewd/internal/search"
	"reviewd/internal/store"
	"reviewd/internal/util"
)

// dataStore is the durable half of the server: append-only decision rows and
// review notes.
type dataStore interface {
	Ping(ctx context.Context) error
	InsertReviews(ctx context.Context, org, contentType, objectID, reviewer string, decisions map[string]string) error
	InsertLog(ctx context.Context, org, contentType, objectID, reviewer, message, subjectKey string) (int64, error)
	ListLogs(ctx context.Context, org, contentType, objectID string) ([]store.LogRow, error)
	ListLogsBySubject(ctx context.Context, org, subjectKey string) ([]store.LogRow, error)
	DeleteLog(ctx context.Context, org, contentType, objectID string, id int64) (bool, error)
	LatestDecisions(ctx context.Context, org string, limit int) ([]review.Blob, error)
}

type Options struct {
	Secret     []byte
	SessionTTL time.Duration
	// Moderators lists the user labels whose sessions carry the can_delete
	// claim.
	Moderators []string
	CORSOrigin string
}

type HTTPServer struct {
	state      *RedisState
	store      dataStore
	search     *search.Service
	secret     []byte
	sessionTTL time.Duration
	moderators map[string]bool
	corsOrigin string
}

func NewHTTPServer(state *RedisState, data dataStore, searchSvc *search.Service, opts Options) *HTTPServer {
	moderators := make(map[string]bool, len(opts.Moderators))
	for _, name := range opts.Moderators {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		moderators[name] = true
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &HTTPServer{
		state:      state,
		store:      data,
		search:     searchSvc,
		secret:     opts.Secret,
		sessionTTL: ttl,
		moderators: moderators,
		corsOrigin: opts.CORSOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if err := s.route(w, r); err != nil {
		writeErr(w, err)
	}
}

func (s *HTTPServer) route(w http.ResponseWriter, r *http.Request) error {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return nil
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return nil
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return nil
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "review" {
		return errNotFound()
	}
	parts = parts[1:]

	if len(parts) == 2 && parts[0] == "login" {
		if r.Method != http.MethodPost {
			return domainError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return s.handleLogin(w, r, parts[1])
	}

	// Everything past login requires a session scoped to the path org.
	var org string
	switch parts[0] {
	case "history", "current", "search", "focus":
		if len(parts) < 2 {
			return errNotFound()
		}
		org = parts[1]
	default:
		org = parts[0]
	}
	claims, err := s.requireClaims(r, org)
	if err != nil {
		return err
	}

	if len(parts) == 2 && parts[0] == "history" && r.Method == http.MethodGet {
		return s.handleHistory(w, r, claims, org)
	}

	if len(parts) == 2 && parts[0] == "current" && r.Method == http.MethodGet {
		return s.handleCurrent(w, r, org)
	}

	if len(parts) == 2 && parts[0] == "search" && r.Method == http.MethodGet {
		return s.handleSearch(w, r, org)
	}

	if len(parts) == 4 && parts[0] == "focus" && r.Method == http.MethodPost {
		return s.handleFocus(w, r, claims, org, parts[2], parts[3])
	}

	if len(parts) == 3 && r.Method == http.MethodPost {
		return s.handleSave(w, r, claims, org, parts[1], parts[2])
	}

	if len(parts) == 4 && r.Method == http.MethodDelete {
		return s.handleDelete(w, r, claims, org, parts[1], parts[2], parts[3])
	}

	return errNotFound()
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}
	if err := s.store.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.state.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request, org string) error {
	if err := r.ParseForm(); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid form body", nil)
	}
	name := strings.TrimSpace(r.PostFormValue("name"))
	if name == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	token, err := auth.IssueToken(s.secret, auth.Claims{
		Name:      name,
		Org:       org,
		CanDelete: s.moderators[name],
		JTI:       util.NewID("ses"),
		Exp:       time.Now().Add(s.sessionTTL).Unix(),
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
	return nil
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, claims auth.Claims, org string) error {
	contentType := strings.TrimSpace(r.URL.Query().Get("type"))
	if contentType == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type is required", nil)
	}
	pks := splitCSVRecordIDs(r.URL.Query().Get("pks"))
	if len(pks) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "pks is required", nil)
	}
	subjects := splitCSV(r.URL.Query().Get("subjects"))

	reviews, err := s.state.Reviews(r.Context(), org, contentType, pks)
	if err != nil {
		return err
	}
	history := review.History{Reviews: reviews, CanDelete: claims.CanDelete}

	if r.URL.Query().Get("logs") != "" {
		batches := make([]*review.LogBatch, len(pks))
		for i, pk := range pks {
			rows, err := s.store.ListLogs(r.Context(), org, contentType, string(pk))
			if err != nil {
				return err
			}
			batch := &review.LogBatch{PK: pk, Type: contentType, Entries: make([]review.LogEntry, 0, len(rows))}
			for _, row := range rows {
				batch.Entries = append(batch.Entries, logEntry(row))
			}
			batches[i] = batch
		}

		// Subject keys are aligned with pks. A subject-tagged note written
		// against an aliased record still belongs in the batch of the record
		// the caller asked about.
		for i, subject := range subjects {
			if subject == "" || i >= len(batches) {
				continue
			}
			rows, err := s.store.ListLogsBySubject(r.Context(), org, subject)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if hasLogID(batches[i].Entries, row.ID) {
					continue
				}
				batches[i].Entries = review.InsertByID(batches[i].Entries, logEntry(row))
			}
		}
		history.Logs = batches
	}

	writeJSON(w, http.StatusOK, history)
	return nil
}

func (s *HTTPServer) handleCurrent(w http.ResponseWriter, r *http.Request, org string) error {
	marks, err := s.state.Marks(r.Context(), org)
	if err != nil {
		return err
	}
	blobs, seeded, err := s.state.RecentItems(r.Context(), org)
	if err != nil {
		return err
	}
	if !seeded {
		// Cold list: rebuild from the durable store and reseed so the next
		// poll is a pure redis read.
		blobs, err = s.store.LatestDecisions(r.Context(), org, recentItemsMax)
		if err != nil {
			return err
		}
		if err := s.state.SeedItems(r.Context(), org, blobs); err != nil {
			log.Printf("seed recent items for %s: %v", org, err)
		}
	}
	if marks == nil {
		marks = []review.FocusMark{}
	}
	if blobs == nil {
		blobs = []review.Blob{}
	}
	writeJSON(w, http.StatusOK, review.PollSnapshot{Focus: marks, Reviews: blobs})
	return nil
}

func (s *HTTPServer) handleFocus(w http.ResponseWriter, r *http.Request, claims auth.Claims, org, contentType, pk string) error {
	mark := review.FocusMark{
		Type: contentType,
		PK:   review.RecordID(pk),
		Name: claims.Name,
		TS:   time.Now().Unix(),
	}
	if err := s.state.MarkFocus(r.Context(), org, mark); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	return nil
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request, claims auth.Claims, org, contentType, pk string) error {
	if err := r.ParseForm(); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid form body", nil)
	}
	decisions, err := review.ParseDecisions(r.PostFormValue("decisions"))
	if err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err := s.store.InsertReviews(r.Context(), org, contentType, pk, claims.Name, decisions); err != nil {
		return err
	}

	now := time.Now().Unix()
	var noteID int64
	if message := strings.TrimSpace(r.PostFormValue("log")); message != "" {
		subjectKey := strings.TrimSpace(r.PostFormValue("subject"))
		noteID, err = s.store.InsertLog(r.Context(), org, contentType, pk, claims.Name, message, subjectKey)
		if err != nil {
			return err
		}
		s.search.IndexLog(search.LogRecord{
			ID:          noteID,
			Org:         org,
			RecordID:    pk,
			ContentType: contentType,
			Reviewer:    claims.Name,
			Message:     message,
			TS:          now,
		})
	}

	blob := review.Blob{PK: review.RecordID(pk), Type: contentType, TS: now, Decisions: decisions}
	if err := s.state.SaveReview(r.Context(), org, blob); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": noteID})
	return nil
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request, claims auth.Claims, org, contentType, pk, rawNoteID string) error {
	if !claims.CanDelete {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	noteID, err := strconv.ParseInt(rawNoteID, 10, 64)
	if err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "note id must be an integer", nil)
	}
	deleted, err := s.store.DeleteLog(r.Context(), org, contentType, pk, noteID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
	}
	s.search.DeleteLog(noteID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	return nil
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, org string) error {
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", nil)
		}
		limit = parsed
	}
	payload := s.search.Search(r.Context(), search.Query{Org: org, Text: text, Limit: limit})
	writeJSON(w, http.StatusOK, payload)
	return nil
}

func (s *HTTPServer) requireClaims(r *http.Request, org string) (auth.Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return auth.Claims{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return auth.Claims{}, err
	}
	if claims.Org != org {
		return auth.Claims{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return claims, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	if corsOrigin != "" {
		header.Set("Access-Control-Allow-Origin", corsOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Reviewer-Instance")
		header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	}
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func errNotFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func splitCSVRecordIDs(raw string) []review.RecordID {
	var ids []review.RecordID
	for _, part := range splitCSV(raw) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ids = append(ids, review.RecordID(part))
	}
	return ids
}

func logEntry(row store.LogRow) review.LogEntry {
	return review.LogEntry{
		ID:       row.ID,
		RecordID: review.RecordID(row.ObjectID),
		Reviewer: row.Reviewer,
		Message:  row.Message,
		TS:       row.CreatedAt.Unix(),
	}
}

func hasLogID(entries []review.LogEntry, id int64) bool {
	for _, entry := range entries {
		if entry.ID == id {
			return true
		}
	}
	return false
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
