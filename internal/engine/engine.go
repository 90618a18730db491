// Package engine is the reconciliation core: it owns the registry, merges
// server snapshots into it without clobbering in-flight local edits, tracks
// soft presence, and coordinates optimistic writes including delete-with-undo.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"reviewd/internal/client"
	"reviewd/internal/registry"
	"reviewd/internal/review"
)

// API is the transport surface the engine suspends on. *client.Client is the
// production implementation.
type API interface {
	FetchHistory(ctx context.Context, ids []review.RecordID, subjectKeys []string) (review.History, error)
	PollCurrent(ctx context.Context) (review.PollSnapshot, error)
	SaveReview(ctx context.Context, pk review.RecordID, decisions, note, subjectKey string) (client.SaveResult, error)
	MarkFocus(ctx context.Context, pk review.RecordID) error
	DeleteNote(ctx context.Context, pk review.RecordID, noteID int64) error
}

// Renderer is the view collaborator. The engine only signals subjects whose
// observable state actually changed; redundant signals are a bug. Every
// signal carries a point-in-time copy of the subject, so implementations may
// read it freely while polls keep merging into the live one.
type Renderer interface {
	RenderAll(s *registry.Subject)
	DecisionsChanged(s *registry.Subject)
	NotesChanged(s *registry.Subject)
	FocusChanged(s *registry.Subject)
	Saved(s *registry.Subject)
	SavedCleared(s *registry.Subject)
	Undone(s *registry.Subject)
	SaveFailed(s *registry.Subject, err error)
}

// Options configures an Engine. Zero durations get the widget defaults.
type Options struct {
	API          API
	Registry     *registry.Registry
	View         Renderer
	Schema       review.Schema
	ContentType  string
	UserLabel    string
	PollInterval time.Duration // 0 disables polling
	UndoWindow   time.Duration
	SavedNotice  time.Duration
}

const (
	defaultUndoWindow  = 7 * time.Second
	defaultSavedNotice = 2 * time.Second
)

type deleteKey struct {
	pk     review.RecordID
	noteID int64
}

type pendingDelete struct {
	entry review.LogEntry
	timer *time.Timer
}

// Engine owns the registry. All registry access goes through its mutex;
// overlapping poll responses are applied in arrival order and converge via
// the watermark.
type Engine struct {
	api          API
	reg          *registry.Registry
	view         Renderer
	schema       review.Schema
	contentType  string
	userLabel    string
	pollInterval time.Duration
	undoWindow   time.Duration
	savedNotice  time.Duration

	mu             sync.Mutex
	watermark      int64
	canDelete      bool
	ownFocus       review.RecordID
	pendingDeletes map[deleteKey]*pendingDelete
	runCtx         context.Context
}

func New(opts Options) *Engine {
	view := opts.View
	if view == nil {
		view = nopRenderer{}
	}
	schema := opts.Schema
	if schema == nil {
		schema = review.DefaultSchema()
	}
	undoWindow := opts.UndoWindow
	if undoWindow == 0 {
		undoWindow = defaultUndoWindow
	}
	savedNotice := opts.SavedNotice
	if savedNotice == 0 {
		savedNotice = defaultSavedNotice
	}
	return &Engine{
		api:            opts.API,
		reg:            opts.Registry,
		view:           view,
		schema:         schema,
		contentType:    opts.ContentType,
		userLabel:      opts.UserLabel,
		pollInterval:   opts.PollInterval,
		undoWindow:     undoWindow,
		savedNotice:    savedNotice,
		pendingDeletes: make(map[deleteKey]*pendingDelete),
		runCtx:         context.Background(),
	}
}

// Registry returns the engine-owned registry. Collaborators borrow it through
// the engine's methods; direct mutation outside the engine is not supported.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Watermark returns the highest server timestamp applied so far.
func (e *Engine) Watermark() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watermark
}

// Start bulk-loads history for every subject that has none yet, renders
// everything once, and begins polling. It blocks until ctx is cancelled when
// polling is enabled, and returns after the initial load otherwise.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()
	if err := e.loadMissing(ctx); err != nil {
		return err
	}
	for _, id := range e.reg.IDs() {
		e.view.RenderAll(e.snapshot(id))
	}
	if e.pollInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Fire-and-forget: a slow poll must not delay the next one.
			// The watermark keeps overlapping responses convergent.
			go e.PollOnce(ctx)
		}
	}
}

// loadMissing fetches history for every subject with no data yet.
func (e *Engine) loadMissing(ctx context.Context) error {
	e.mu.Lock()
	missing := make([]review.RecordID, 0, e.reg.Len())
	for _, id := range e.reg.IDs() {
		if !e.reg.Get(id).Loaded() {
			missing = append(missing, id)
		}
	}
	keys := e.reg.SubjectKeys(missing)
	e.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	history, err := e.api.FetchHistory(ctx, missing, keys)
	if err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	e.applyHistory(history, missing)
	return nil
}

// PollOnce runs one poll cycle: fetch the current snapshot, merge it, signal
// the view for what changed, and batch a follow-up note fetch for subjects
// whose decisions moved. A failed or malformed response aborts the cycle only.
func (e *Engine) PollOnce(ctx context.Context) {
	snapshot, err := e.api.PollCurrent(ctx)
	if err != nil {
		log.Printf("engine: poll cycle aborted: %v", err)
		return
	}
	result := e.ApplySnapshot(snapshot)
	for _, id := range result.FocusChanged {
		e.view.FocusChanged(e.snapshot(id))
	}
	for _, id := range result.DecisionsChanged {
		e.view.DecisionsChanged(e.snapshot(id))
	}
	if len(result.DecisionsChanged) == 0 {
		return
	}

	// The poll carries decisions but not note history; fetch notes for all
	// changed subjects in one call.
	e.mu.Lock()
	keys := e.reg.SubjectKeys(result.DecisionsChanged)
	e.mu.Unlock()
	history, err := e.api.FetchHistory(ctx, result.DecisionsChanged, keys)
	if err != nil {
		log.Printf("engine: follow-up note fetch failed: %v", err)
		return
	}
	for _, id := range e.applyHistory(history, result.DecisionsChanged) {
		e.view.NotesChanged(e.snapshot(id))
	}
}

// snapshot produces a render-safe copy of one subject under the mutex.
func (e *Engine) snapshot(id review.RecordID) *registry.Subject {
	e.mu.Lock()
	defer e.mu.Unlock()
	subject := e.reg.Get(id)
	if subject == nil {
		return nil
	}
	return subject.Snapshot()
}

type nopRenderer struct{}

func (nopRenderer) RenderAll(*registry.Subject)         {}
func (nopRenderer) DecisionsChanged(*registry.Subject)  {}
func (nopRenderer) NotesChanged(*registry.Subject)      {}
func (nopRenderer) FocusChanged(*registry.Subject)      {}
func (nopRenderer) Saved(*registry.Subject)             {}
func (nopRenderer) SavedCleared(*registry.Subject)      {}
func (nopRenderer) Undone(*registry.Subject)            {}
func (nopRenderer) SaveFailed(*registry.Subject, error) {}
