package engine

import (
	"sort"

	"reviewd/internal/registry"
	"reviewd/internal/review"
)

// ApplyResult lists the subjects whose observable state changed during a
// merge, sorted by id so render signaling is deterministic.
type ApplyResult struct {
	DecisionsChanged []review.RecordID
	FocusChanged     []review.RecordID
}

// ApplySnapshot merges one poll snapshot into the registry. The merge is
// idempotent and commutative with respect to arrival order: already-seen
// entries are filtered by the watermark, and the watermark itself never
// regresses, so a late response from a slow poll cannot rewind a subject.
func (e *Engine) ApplySnapshot(snapshot review.PollSnapshot) ApplyResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := ApplyResult{}
	result.FocusChanged = e.applyFocus(snapshot.Focus)

	maxApplied := e.watermark
	for _, blob := range snapshot.Reviews {
		if blob.Type != e.contentType {
			continue
		}
		subject := e.reg.Get(blob.PK)
		if subject == nil {
			continue
		}
		// Entries without a timestamp are synthetic just-written data with
		// no server clock; they always apply. The comparison is against the
		// running max, so a duplicate within one snapshot applies only once.
		if blob.TS != 0 && blob.TS <= maxApplied {
			continue
		}
		// Local edits win until the save round-trip completes.
		if subject.PendingEdit && touchesPendingFields(subject.PendingFields, blob.Decisions) {
			continue
		}
		if blob.TS > maxApplied {
			maxApplied = blob.TS
		}
		next := make(map[string]string, len(blob.Decisions))
		for field, value := range blob.Decisions {
			next[field] = value
		}
		for field, value := range subject.PendingFields {
			next[field] = value
		}
		if decisionsEqual(subject.Decisions, next) {
			subject.Decisions = next
			continue
		}
		subject.Decisions = next
		result.DecisionsChanged = append(result.DecisionsChanged, subject.ID)
	}
	e.watermark = maxApplied

	sortIDs(result.DecisionsChanged)
	return result
}

// applyFocus derives the new focus set per tracked record and diffs it against
// the previous one. Subjects absent from the snapshot's focus rows are cleared
// to the empty set; the unknown-to-empty transition counts as a change so the
// view gets exactly one signal for it. Caller holds the mutex.
func (e *Engine) applyFocus(marks []review.FocusMark) []review.RecordID {
	byRecord := make(map[review.RecordID][]string)
	for _, mark := range marks {
		if mark.Type != e.contentType || !e.reg.Has(mark.PK) {
			continue
		}
		byRecord[mark.PK] = append(byRecord[mark.PK], mark.Name)
	}

	var changed []review.RecordID
	for _, id := range e.reg.IDs() {
		subject := e.reg.Get(id)
		next := review.SortFocusLabels(byRecord[id])
		if subject.Focus != nil && labelsEqual(subject.Focus, next) {
			continue
		}
		subject.Focus = next
		changed = append(changed, id)
	}
	return changed
}

// applyHistory merges a bulk history response for the given requested ids and
// returns the subjects whose observable state changed. Entries are re-keyed by
// the pk embedded in each entry; only null slots fall back to the positional
// id, which then means "fetched, nothing there".
func (e *Engine) applyHistory(history review.History, requested []review.RecordID) []review.RecordID {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.canDelete = history.CanDelete
	changed := make(map[review.RecordID]bool)

	for i, blob := range history.Reviews {
		if blob == nil {
			if i >= len(requested) {
				continue
			}
			subject := e.reg.Get(requested[i])
			if subject == nil || subject.Loaded() {
				continue
			}
			subject.Decisions = map[string]string{}
			changed[subject.ID] = true
			continue
		}
		subject := e.reg.Get(blob.PK)
		if subject == nil {
			continue
		}
		if subject.PendingEdit && touchesPendingFields(subject.PendingFields, blob.Decisions) {
			continue
		}
		next := make(map[string]string, len(blob.Decisions))
		for field, value := range blob.Decisions {
			next[field] = value
		}
		for field, value := range subject.PendingFields {
			next[field] = value
		}
		if !decisionsEqual(subject.Decisions, next) {
			changed[subject.ID] = true
		}
		subject.Decisions = next
	}

	for i, batch := range history.Logs {
		var target *registry.Subject
		var entries []review.LogEntry
		if batch == nil {
			if i >= len(requested) {
				continue
			}
			target = e.reg.Get(requested[i])
			entries = []review.LogEntry{}
		} else {
			target = e.reg.Get(batch.PK)
			entries = batch.Entries
			if entries == nil {
				entries = []review.LogEntry{}
			}
		}
		if target == nil {
			continue
		}
		entries = e.withoutPendingDeletes(target.ID, entries)
		target.CanDelete = history.CanDelete
		if target.Notes != nil && notesEqual(target.Notes, entries) {
			continue
		}
		target.Notes = entries
		changed[target.ID] = true
	}

	ids := make([]review.RecordID, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// withoutPendingDeletes strips notes sitting in their undo window. The server
// still holds them until the window elapses, so a merge landing mid-window
// must not put them back in the rendered list. Caller holds the mutex.
func (e *Engine) withoutPendingDeletes(pk review.RecordID, entries []review.LogEntry) []review.LogEntry {
	if len(e.pendingDeletes) == 0 {
		return entries
	}
	kept := make([]review.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if _, doomed := e.pendingDeletes[deleteKey{pk: pk, noteID: entry.ID}]; doomed {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

// touchesPendingFields reports whether incoming decisions would change any
// field the user has a save in flight for.
func touchesPendingFields(pending map[string]string, incoming map[string]string) bool {
	for field, local := range pending {
		server, ok := incoming[field]
		if ok && server != local {
			return true
		}
	}
	return false
}

func decisionsEqual(a, b map[string]string) bool {
	if a == nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for field, value := range a {
		if b[field] != value {
			return false
		}
	}
	return true
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func notesEqual(a, b []review.LogEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Message != b[i].Message ||
			a[i].Reviewer != b[i].Reviewer || a[i].TS != b[i].TS {
			return false
		}
	}
	return true
}

func sortIDs(ids []review.RecordID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
