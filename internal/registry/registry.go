// Package registry is the single shared mutable store of tracked records.
// Every other component reads and writes subject state through it; there are
// no duplicate caches.
package registry

import (
	"sort"

	"reviewd/internal/review"
)

// Subject is the local state for one tracked record.
type Subject struct {
	ID review.RecordID

	// SubjectKey is an alternate correlation key supplied by the host and
	// forwarded to the server verbatim. Empty in older deployments.
	SubjectKey string

	// Decisions holds the current value per schema field. Nil until the first
	// fetch; an empty map means fetched with nothing reviewed yet.
	Decisions map[string]string

	// Notes is the newest-first log history. Nil means never fetched, which
	// is distinct from fetched-and-empty.
	Notes []review.LogEntry

	// Focus is the canonical (sorted, deduplicated) set of user labels
	// currently attending this record. Nil means unknown.
	Focus []string

	// CanDelete mirrors the server's delete permission for the session.
	CanDelete bool

	// PendingEdit is true between submitting a save and the server
	// confirming or rejecting it. While set, PendingFields records the
	// submitted values so incoming poll data cannot overwrite them.
	PendingEdit   bool
	PendingFields map[string]string
}

// Loaded reports whether the subject's history has been fetched at least once.
func (s *Subject) Loaded() bool {
	return s.Decisions != nil
}

// Snapshot returns a deep copy of the subject that stays coherent while the
// live subject keeps merging. Nil-vs-empty is preserved for Decisions, Notes
// and Focus.
func (s *Subject) Snapshot() *Subject {
	copied := &Subject{
		ID:          s.ID,
		SubjectKey:  s.SubjectKey,
		CanDelete:   s.CanDelete,
		PendingEdit: s.PendingEdit,
	}
	if s.Decisions != nil {
		copied.Decisions = make(map[string]string, len(s.Decisions))
		for field, value := range s.Decisions {
			copied.Decisions[field] = value
		}
	}
	if s.Notes != nil {
		copied.Notes = make([]review.LogEntry, len(s.Notes))
		copy(copied.Notes, s.Notes)
	}
	if s.Focus != nil {
		copied.Focus = make([]string, len(s.Focus))
		copy(copied.Focus, s.Focus)
	}
	if s.PendingFields != nil {
		copied.PendingFields = make(map[string]string, len(s.PendingFields))
		for field, value := range s.PendingFields {
			copied.PendingFields[field] = value
		}
	}
	return copied
}

// Registry tracks the fixed set of subjects discovered from the host at
// startup. It never grows or shrinks after initialization; a reload of the
// host page is the only reset.
type Registry struct {
	subjects map[review.RecordID]*Subject
}

func New() *Registry {
	return &Registry{subjects: make(map[review.RecordID]*Subject)}
}

// Register starts tracking a record. Idempotent: re-registering an id is a
// no-op and keeps the existing subject state.
func (r *Registry) Register(id review.RecordID, subjectKey string) {
	if id == "" {
		return
	}
	if _, ok := r.subjects[id]; ok {
		return
	}
	r.subjects[id] = &Subject{ID: id, SubjectKey: subjectKey}
}

// Get returns the subject for id, or nil if the id is not tracked.
func (r *Registry) Get(id review.RecordID) *Subject {
	return r.subjects[id]
}

// Has reports whether id is tracked.
func (r *Registry) Has(id review.RecordID) bool {
	_, ok := r.subjects[id]
	return ok
}

// IDs returns all tracked ids, sorted for deterministic iteration.
func (r *Registry) IDs() []review.RecordID {
	ids := make([]review.RecordID, 0, len(r.subjects))
	for id := range r.subjects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of tracked subjects.
func (r *Registry) Len() int {
	return len(r.subjects)
}

// SubjectKeys returns the per-id correlation keys aligned with ids.
func (r *Registry) SubjectKeys(ids []review.RecordID) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		if subject := r.subjects[id]; subject != nil {
			keys[i] = subject.SubjectKey
		}
	}
	return keys
}
