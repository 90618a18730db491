package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"reviewd/internal/review"
)

// Save applies edited decisions plus an optional note for one record. If
// nothing changed against current state it is a no-op with no network call.
// Otherwise the edit is applied optimistically, protected by the pending-edit
// flag until the server confirms or rejects it. On failure the locally edited
// values stay in place; the next poll cadence rediscovers server truth.
func (e *Engine) Save(ctx context.Context, pk review.RecordID, edited map[string]string, note string) error {
	note = strings.TrimSpace(note)

	e.mu.Lock()
	subject := e.reg.Get(pk)
	if subject == nil {
		e.mu.Unlock()
		return fmt.Errorf("save: unknown record %s", pk)
	}
	changed := note != ""
	for field, value := range edited {
		if !e.schema.Has(field) {
			continue
		}
		if subject.Decisions[field] != value {
			changed = true
		}
	}
	if !changed {
		e.mu.Unlock()
		return nil
	}

	if subject.Decisions == nil {
		subject.Decisions = make(map[string]string)
	}
	pending := make(map[string]string)
	for field, value := range edited {
		if !e.schema.Has(field) {
			continue
		}
		subject.Decisions[field] = value
		pending[field] = value
	}
	subject.PendingEdit = true
	subject.PendingFields = pending
	encoded := review.EncodeDecisions(e.schema, subject.Decisions)
	subjectKey := subject.SubjectKey
	e.mu.Unlock()

	result, err := e.api.SaveReview(ctx, pk, encoded, note, subjectKey)

	e.mu.Lock()
	// Cleared exactly once, confirm or reject; a stuck flag would block
	// reconciliation for this subject forever.
	subject.PendingEdit = false
	subject.PendingFields = nil
	if err != nil {
		snap := subject.Snapshot()
		e.mu.Unlock()
		e.view.SaveFailed(snap, err)
		return err
	}
	notesChanged := false
	if note != "" {
		entry := review.LogEntry{
			ID:       result.NoteID,
			RecordID: pk,
			Reviewer: e.userLabel,
			Message:  note,
			TS:       time.Now().Unix(),
		}
		if subject.Notes == nil {
			subject.Notes = []review.LogEntry{}
		}
		subject.Notes = review.InsertByID(subject.Notes, entry)
		notesChanged = true
	}
	snap := subject.Snapshot()
	e.mu.Unlock()

	e.view.Saved(snap)
	if notesChanged {
		e.view.NotesChanged(snap)
	}
	// The "saved" acknowledgement is transient; clear it after the display
	// window.
	time.AfterFunc(e.savedNotice, func() {
		e.view.SavedCleared(snap)
	})
	return nil
}

// DeleteNote removes a note optimistically and starts the undo window. The
// server DELETE is only issued when the window elapses without an undo.
func (e *Engine) DeleteNote(pk review.RecordID, noteID int64) error {
	e.mu.Lock()
	subject := e.reg.Get(pk)
	if subject == nil {
		e.mu.Unlock()
		return fmt.Errorf("delete: unknown record %s", pk)
	}
	if !e.canDelete {
		e.mu.Unlock()
		return fmt.Errorf("delete: not permitted for this session")
	}
	at := -1
	for i, entry := range subject.Notes {
		if entry.ID != 0 && entry.ID == noteID {
			at = i
			break
		}
	}
	if at < 0 {
		e.mu.Unlock()
		return fmt.Errorf("delete: note %d not found on record %s", noteID, pk)
	}
	entry := subject.Notes[at]
	subject.Notes = append(subject.Notes[:at:at], subject.Notes[at+1:]...)

	key := deleteKey{pk: pk, noteID: noteID}
	pending := &pendingDelete{entry: entry}
	pending.timer = time.AfterFunc(e.undoWindow, func() {
		e.commitDelete(key)
	})
	e.pendingDeletes[key] = pending
	snap := subject.Snapshot()
	e.mu.Unlock()

	e.view.NotesChanged(snap)
	return nil
}

// UndoDelete cancels a pending deletion and restores the note at its original
// relative position. If the timer already fired the undo is too late and the
// permanent delete wins; cancellation only counts when it lands strictly
// before firing.
func (e *Engine) UndoDelete(pk review.RecordID, noteID int64) bool {
	key := deleteKey{pk: pk, noteID: noteID}

	e.mu.Lock()
	pending, ok := e.pendingDeletes[key]
	if !ok || !pending.timer.Stop() {
		e.mu.Unlock()
		return false
	}
	delete(e.pendingDeletes, key)
	subject := e.reg.Get(pk)
	// A merge may already have restored the note once the pending-delete
	// entry is gone; never insert a second copy.
	if !hasNote(subject.Notes, noteID) {
		subject.Notes = review.InsertByID(subject.Notes, pending.entry)
	}
	snap := subject.Snapshot()
	e.mu.Unlock()

	e.view.Undone(snap)
	e.view.NotesChanged(snap)
	return true
}

func hasNote(entries []review.LogEntry, id int64) bool {
	for _, entry := range entries {
		if entry.ID == id {
			return true
		}
	}
	return false
}

// commitDelete issues the server DELETE after the undo window elapsed, then
// re-polls so local state resynchronizes with whatever the server now holds.
func (e *Engine) commitDelete(key deleteKey) {
	e.mu.Lock()
	if _, ok := e.pendingDeletes[key]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pendingDeletes, key)
	ctx := e.runCtx
	e.mu.Unlock()

	if err := e.api.DeleteNote(ctx, key.pk, key.noteID); err != nil {
		// Attempted limbo: the note stays gone locally and the poll cadence
		// is the recovery path.
		log.Printf("engine: delete commit for record %s note %d: %v", key.pk, key.noteID, err)
	}
	e.PollOnce(ctx)
}

// Focus records that the user's attention moved to a record and tells the
// server, once per transition.
func (e *Engine) Focus(ctx context.Context, pk review.RecordID) {
	e.mu.Lock()
	if e.ownFocus == pk || !e.reg.Has(pk) {
		e.mu.Unlock()
		return
	}
	e.ownFocus = pk
	e.mu.Unlock()

	if err := e.api.MarkFocus(ctx, pk); err != nil {
		log.Printf("engine: focus mark for record %s: %v", pk, err)
	}
}

// CanDelete reports whether the server grants this session note deletion.
func (e *Engine) CanDelete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canDelete
}
