package engine

import (
	"context"
	"sync"
	"testing"

	"reviewd/internal/client"
	"reviewd/internal/registry"
	"reviewd/internal/review"
)

type fakeAPI struct {
	fetchHistoryFn func(ctx context.Context, ids []review.RecordID, subjectKeys []string) (review.History, error)
	pollCurrentFn  func(ctx context.Context) (review.PollSnapshot, error)
	saveReviewFn   func(ctx context.Context, pk review.RecordID, decisions, note, subjectKey string) (client.SaveResult, error)
	markFocusFn    func(ctx context.Context, pk review.RecordID) error
	deleteNoteFn   func(ctx context.Context, pk review.RecordID, noteID int64) error
}

func (f *fakeAPI) FetchHistory(ctx context.Context, ids []review.RecordID, subjectKeys []string) (review.History, error) {
	if f.fetchHistoryFn != nil {
		return f.fetchHistoryFn(ctx, ids, subjectKeys)
	}
	return review.History{}, nil
}

func (f *fakeAPI) PollCurrent(ctx context.Context) (review.PollSnapshot, error) {
	if f.pollCurrentFn != nil {
		return f.pollCurrentFn(ctx)
	}
	return review.PollSnapshot{}, nil
}

func (f *fakeAPI) SaveReview(ctx context.Context, pk review.RecordID, decisions, note, subjectKey string) (client.SaveResult, error) {
	if f.saveReviewFn != nil {
		return f.saveReviewFn(ctx, pk, decisions, note, subjectKey)
	}
	return client.SaveResult{}, nil
}

func (f *fakeAPI) MarkFocus(ctx context.Context, pk review.RecordID) error {
	if f.markFocusFn != nil {
		return f.markFocusFn(ctx, pk)
	}
	return nil
}

func (f *fakeAPI) DeleteNote(ctx context.Context, pk review.RecordID, noteID int64) error {
	if f.deleteNoteFn != nil {
		return f.deleteNoteFn(ctx, pk, noteID)
	}
	return nil
}

// recordingView counts view signals per kind and record. Signals can arrive
// from timer goroutines, so access is serialized.
type recordingView struct {
	mu     sync.Mutex
	events []string
}

func (v *recordingView) record(kind string, s *registry.Subject) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, kind+":"+string(s.ID))
}

func (v *recordingView) count(kind string, id review.RecordID) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, event := range v.events {
		if event == kind+":"+string(id) {
			n++
		}
	}
	return n
}

func (v *recordingView) RenderAll(s *registry.Subject)        { v.record("render", s) }
func (v *recordingView) DecisionsChanged(s *registry.Subject) { v.record("decisions", s) }
func (v *recordingView) NotesChanged(s *registry.Subject)     { v.record("notes", s) }
func (v *recordingView) FocusChanged(s *registry.Subject)     { v.record("focus", s) }
func (v *recordingView) Saved(s *registry.Subject)            { v.record("saved", s) }
func (v *recordingView) SavedCleared(s *registry.Subject)     { v.record("savedcleared", s) }
func (v *recordingView) Undone(s *registry.Subject)           { v.record("undone", s) }
func (v *recordingView) SaveFailed(s *registry.Subject, err error) {
	v.record("savefailed", s)
}

func newTestEngine(api API, view Renderer, ids ...review.RecordID) *Engine {
	reg := registry.New()
	for _, id := range ids {
		reg.Register(id, "")
	}
	return New(Options{
		API:         api,
		Registry:    reg,
		View:        view,
		ContentType: "event",
		UserLabel:   "tester",
	})
}

func blob(pk review.RecordID, ts int64, status string) review.Blob {
	return review.Blob{PK: pk, Type: "event", TS: ts, Decisions: map[string]string{"review_status": status}}
}

func TestApplySnapshotMergesAndAdvancesWatermark(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1", "2")

	result := e.ApplySnapshot(review.PollSnapshot{Reviews: []review.Blob{
		blob("1", 100, "good"),
		blob("2", 90, "bad"),
	}})

	if len(result.DecisionsChanged) != 2 {
		t.Fatalf("expected both subjects changed, got %v", result.DecisionsChanged)
	}
	if e.Watermark() != 100 {
		t.Fatalf("expected watermark 100, got %d", e.Watermark())
	}
	if e.Registry().Get("1").Decisions["review_status"] != "good" {
		t.Fatalf("decision not applied")
	}
}

func TestApplySnapshotIsIdempotent(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")
	snapshot := review.PollSnapshot{Reviews: []review.Blob{blob("1", 100, "good")}}

	first := e.ApplySnapshot(snapshot)
	second := e.ApplySnapshot(snapshot)

	if len(first.DecisionsChanged) != 1 {
		t.Fatalf("first apply should change the subject")
	}
	if len(second.DecisionsChanged) != 0 {
		t.Fatalf("second apply of the same snapshot must be a no-op, got %v", second.DecisionsChanged)
	}
	if e.Watermark() != 100 {
		t.Fatalf("watermark moved on replay: %d", e.Watermark())
	}
}

func TestApplySnapshotNeverRewindsWatermark(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")

	e.ApplySnapshot(review.PollSnapshot{Reviews: []review.Blob{blob("1", 100, "good")}})
	// A slow, stale poll response arrives after a fresher one.
	late := e.ApplySnapshot(review.PollSnapshot{Reviews: []review.Blob{blob("1", 50, "bad")}})

	if len(late.DecisionsChanged) != 0 {
		t.Fatalf("stale entry must be filtered, got %v", late.DecisionsChanged)
	}
	if got := e.Registry().Get("1").Decisions["review_status"]; got != "good" {
		t.Fatalf("stale entry overwrote state: %q", got)
	}
	if e.Watermark() != 100 {
		t.Fatalf("watermark regressed to %d", e.Watermark())
	}
}

func TestApplySnapshotZeroTimestampAlwaysApplies(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")
	e.ApplySnapshot(review.PollSnapshot{Reviews: []review.Blob{blob("1", 100, "good")}})

	result := e.ApplySnapshot(review.PollSnapshot{Reviews: []review.Blob{blob("1", 0, "bad")}})

	if len(result.DecisionsChanged) != 1 {
		t.Fatalf("zero-timestamp entry must apply")
	}
	if got := e.Registry().Get("1").Decisions["review_status"]; got != "bad" {
		t.Fatalf("expected bad, got %q", got)
	}
	if e.Watermark() != 100 {
		t.Fatalf("zero-timestamp entry must not move the watermark, got %d", e.Watermark())
	}
}

func TestApplySnapshotSkipsUntrackedAndWrongType(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")

	result := e.ApplySnapshot(review.PollSnapshot{Reviews: []review.Blob{
		blob("99", 100, "good"),
		{PK: "1", Type: "petition", TS: 110, Decisions: map[string]string{"review_status": "good"}},
	}})

	if len(result.DecisionsChanged) != 0 {
		t.Fatalf("expected no change, got %v", result.DecisionsChanged)
	}
	if e.Registry().Get("1").Decisions != nil {
		t.Fatalf("wrong-type entry touched the subject")
	}
}

func TestApplySnapshotProtectsPendingEdit(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")
	subject := e.Registry().Get("1")
	subject.Decisions = map[string]string{"review_status": "good"}
	subject.PendingEdit = true
	subject.PendingFields = map[string]string{"review_status": "good"}

	result := e.ApplySnapshot(review.PollSnapshot{Reviews: []review.Blob{blob("1", 100, "bad")}})

	if len(result.DecisionsChanged) != 0 {
		t.Fatalf("conflicting entry must not apply during a pending edit")
	}
	if subject.Decisions["review_status"] != "good" {
		t.Fatalf("pending edit clobbered: %v", subject.Decisions)
	}
}

func TestApplySnapshotOverlaysPendingFieldsOnNonConflictingMerge(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")
	subject := e.Registry().Get("1")
	subject.Decisions = map[string]string{"review_status": "good"}
	subject.PendingEdit = true
	subject.PendingFields = map[string]string{"review_status": "good"}

	// Incoming entry agrees on the pending field but carries a new one.
	result := e.ApplySnapshot(review.PollSnapshot{Reviews: []review.Blob{{
		PK:        "1",
		Type:      "event",
		TS:        100,
		Decisions: map[string]string{"review_status": "good", "priority": "high"},
	}}})

	if len(result.DecisionsChanged) != 1 {
		t.Fatalf("non-conflicting merge should apply")
	}
	if subject.Decisions["priority"] != "high" || subject.Decisions["review_status"] != "good" {
		t.Fatalf("unexpected merge result %v", subject.Decisions)
	}
}

func TestFocusUnknownToEmptyIsExactlyOneSignal(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")

	first := e.ApplySnapshot(review.PollSnapshot{})
	second := e.ApplySnapshot(review.PollSnapshot{})

	if len(first.FocusChanged) != 1 || first.FocusChanged[0] != "1" {
		t.Fatalf("unknown-to-empty must signal once, got %v", first.FocusChanged)
	}
	if len(second.FocusChanged) != 0 {
		t.Fatalf("empty-to-empty must not signal, got %v", second.FocusChanged)
	}
	focus := e.Registry().Get("1").Focus
	if focus == nil || len(focus) != 0 {
		t.Fatalf("expected known-empty focus set, got %v", focus)
	}
}

func TestFocusArrivalAndDepartureSignals(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")
	withAlice := review.PollSnapshot{Focus: []review.FocusMark{
		{Type: "event", PK: "1", Name: "alice", TS: 1},
	}}

	arrived := e.ApplySnapshot(withAlice)
	if len(arrived.FocusChanged) != 1 {
		t.Fatalf("arrival must signal")
	}
	if got := e.Registry().Get("1").Focus; len(got) != 1 || got[0] != "alice" {
		t.Fatalf("unexpected focus %v", got)
	}

	same := e.ApplySnapshot(withAlice)
	if len(same.FocusChanged) != 0 {
		t.Fatalf("unchanged focus must not signal")
	}

	departed := e.ApplySnapshot(review.PollSnapshot{})
	if len(departed.FocusChanged) != 1 {
		t.Fatalf("departure must signal")
	}
	if got := e.Registry().Get("1").Focus; len(got) != 0 {
		t.Fatalf("expected empty focus, got %v", got)
	}
}

func TestFocusLabelsAreDeduplicatedAndSorted(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")

	e.ApplySnapshot(review.PollSnapshot{Focus: []review.FocusMark{
		{Type: "event", PK: "1", Name: "carol", TS: 1},
		{Type: "event", PK: "1", Name: "alice", TS: 2},
		{Type: "event", PK: "1", Name: "carol", TS: 3},
	}})

	got := e.Registry().Get("1").Focus
	want := []string{"alice", "carol"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestApplyHistoryNullSlotMeansFetchedEmpty(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1", "2")

	changed := e.applyHistory(review.History{
		Reviews: []*review.Blob{nil, {PK: "2", Type: "event", Decisions: map[string]string{"review_status": "good"}}},
		Logs:    []*review.LogBatch{nil, {PK: "2", Type: "event", Entries: []review.LogEntry{{ID: 4, Message: "hi"}}}},
	}, []review.RecordID{"1", "2"})

	if len(changed) != 2 {
		t.Fatalf("expected both subjects changed, got %v", changed)
	}
	one := e.Registry().Get("1")
	if one.Decisions == nil || len(one.Decisions) != 0 {
		t.Fatalf("null review slot must become fetched-empty, got %v", one.Decisions)
	}
	if one.Notes == nil || len(one.Notes) != 0 {
		t.Fatalf("null log slot must become fetched-none, got %v", one.Notes)
	}
	two := e.Registry().Get("2")
	if two.Decisions["review_status"] != "good" || len(two.Notes) != 1 {
		t.Fatalf("unexpected state for 2: %v %v", two.Decisions, two.Notes)
	}
}

func TestApplyHistoryReKeysByEmbeddedPK(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1", "2")

	// The server returned entries out of order relative to the request.
	e.applyHistory(review.History{
		Reviews: []*review.Blob{
			{PK: "2", Type: "event", Decisions: map[string]string{"review_status": "bad"}},
			{PK: "1", Type: "event", Decisions: map[string]string{"review_status": "good"}},
		},
		Logs: []*review.LogBatch{
			{PK: "2", Type: "event", Entries: []review.LogEntry{{ID: 7, Message: "on two"}}},
			{PK: "1", Type: "event"},
		},
	}, []review.RecordID{"1", "2"})

	if got := e.Registry().Get("1").Decisions["review_status"]; got != "good" {
		t.Fatalf("positional trust corrupted record 1: %q", got)
	}
	if got := e.Registry().Get("2").Decisions["review_status"]; got != "bad" {
		t.Fatalf("positional trust corrupted record 2: %q", got)
	}
	if notes := e.Registry().Get("2").Notes; len(notes) != 1 || notes[0].ID != 7 {
		t.Fatalf("log batch landed on the wrong record: %v", notes)
	}
	if notes := e.Registry().Get("1").Notes; notes == nil || len(notes) != 0 {
		t.Fatalf("nil entries must become fetched-none, got %v", notes)
	}
}

func TestApplyHistorySetsCanDelete(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")
	if e.CanDelete() {
		t.Fatalf("delete must be off before any history response")
	}
	e.applyHistory(review.History{CanDelete: true}, nil)
	if !e.CanDelete() {
		t.Fatalf("can_delete claim not propagated")
	}
}

func TestApplyHistoryUnchangedNotesDoNotSignal(t *testing.T) {
	e := newTestEngine(&fakeAPI{}, nil, "1")
	history := review.History{
		Reviews: []*review.Blob{{PK: "1", Type: "event", Decisions: map[string]string{"review_status": "good"}}},
		Logs:    []*review.LogBatch{{PK: "1", Type: "event", Entries: []review.LogEntry{{ID: 3, Message: "x", TS: 9}}}},
	}
	e.applyHistory(history, []review.RecordID{"1"})

	changed := e.applyHistory(history, []review.RecordID{"1"})
	if len(changed) != 0 {
		t.Fatalf("identical history must not signal, got %v", changed)
	}
}

func TestPollOnceFetchesNotesOnlyForChangedSubjects(t *testing.T) {
	var fetched []review.RecordID
	api := &fakeAPI{
		pollCurrentFn: func(context.Context) (review.PollSnapshot, error) {
			return review.PollSnapshot{Reviews: []review.Blob{blob("2", 100, "good")}}, nil
		},
		fetchHistoryFn: func(_ context.Context, ids []review.RecordID, _ []string) (review.History, error) {
			fetched = append(fetched, ids...)
			return review.History{
				Logs: []*review.LogBatch{{PK: "2", Type: "event", Entries: []review.LogEntry{{ID: 1, Message: "n"}}}},
			}, nil
		},
	}
	view := &recordingView{}
	e := newTestEngine(api, view, "1", "2")

	e.PollOnce(context.Background())

	if len(fetched) != 1 || fetched[0] != "2" {
		t.Fatalf("expected follow-up fetch for record 2 only, got %v", fetched)
	}
	if view.count("decisions", "2") != 1 {
		t.Fatalf("expected one decisions signal for record 2")
	}
	if view.count("notes", "2") != 1 {
		t.Fatalf("expected one notes signal for record 2")
	}
	if view.count("decisions", "1") != 0 || view.count("notes", "1") != 0 {
		t.Fatalf("record 1 must not be signaled")
	}
}

func TestPollOnceAbortsCycleOnPollError(t *testing.T) {
	historyCalls := 0
	api := &fakeAPI{
		pollCurrentFn: func(context.Context) (review.PollSnapshot, error) {
			return review.PollSnapshot{}, context.DeadlineExceeded
		},
		fetchHistoryFn: func(context.Context, []review.RecordID, []string) (review.History, error) {
			historyCalls++
			return review.History{}, nil
		},
	}
	view := &recordingView{}
	e := newTestEngine(api, view, "1")

	e.PollOnce(context.Background())

	if historyCalls != 0 {
		t.Fatalf("failed poll must not trigger a follow-up fetch")
	}
	if view.count("focus", "1") != 0 {
		t.Fatalf("failed poll must not signal the view")
	}
}

type captureView struct {
	nopRenderer
	mu      sync.Mutex
	subject *registry.Subject
}

func (v *captureView) DecisionsChanged(s *registry.Subject) {
	v.mu.Lock()
	v.subject = s
	v.mu.Unlock()
}

func TestRenderSignalsCarrySubjectCopies(t *testing.T) {
	api := &fakeAPI{
		pollCurrentFn: func(context.Context) (review.PollSnapshot, error) {
			return review.PollSnapshot{Reviews: []review.Blob{blob("1", 100, "good")}}, nil
		},
	}
	view := &captureView{}
	e := newTestEngine(api, view, "1")

	e.PollOnce(context.Background())

	view.mu.Lock()
	got := view.subject
	view.mu.Unlock()
	if got == nil {
		t.Fatalf("expected a decisions signal")
	}
	if got == e.Registry().Get("1") {
		t.Fatalf("signal must not hand out the live subject")
	}

	// A later merge into the live subject must not show through the copy the
	// view is still holding.
	e.ApplySnapshot(review.PollSnapshot{Reviews: []review.Blob{blob("1", 200, "bad")}})
	if got.Decisions["review_status"] != "good" {
		t.Fatalf("rendered copy mutated by a later merge: %v", got.Decisions)
	}
}

func TestStartLoadsMissingHistoryAndRendersAll(t *testing.T) {
	var requested []review.RecordID
	api := &fakeAPI{
		fetchHistoryFn: func(_ context.Context, ids []review.RecordID, _ []string) (review.History, error) {
			requested = append(requested, ids...)
			return review.History{
				Reviews: []*review.Blob{nil, nil},
				Logs:    []*review.LogBatch{nil, nil},
			}, nil
		},
	}
	view := &recordingView{}
	e := newTestEngine(api, view, "1", "2")
	e.Registry().Get("1").Decisions = map[string]string{"review_status": "good"}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(requested) != 1 || requested[0] != "2" {
		t.Fatalf("expected initial load for unloaded record 2 only, got %v", requested)
	}
	if view.count("render", "1") != 1 || view.count("render", "2") != 1 {
		t.Fatalf("expected one initial render per subject, got %v", view.events)
	}
}
