package client

import "fmt"

// FetchError is a network or parse failure on a read. Reads fail silently to
// the user; the poll cadence is the retry policy.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SaveError is a rejected or failed write. Saves fail visibly and must clear
// the subject's pending-edit flag.
type SaveError struct {
	Status int
	Err    error
}

func (e *SaveError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("save rejected with status %d", e.Status)
	}
	return fmt.Sprintf("save failed: %v", e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// DeleteError is a failed commit of a pending note deletion. The note is left
// in attempted limbo; the next poll resynchronizes truth.
type DeleteError struct {
	Status int
	Err    error
}

func (e *DeleteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("delete rejected with status %d", e.Status)
	}
	return fmt.Sprintf("delete failed: %v", e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }
