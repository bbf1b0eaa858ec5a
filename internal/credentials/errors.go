package credentials

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLinked indicates the user exists but has no access token yet.
	ErrNotLinked = errors.New("note account not linked")
	// ErrNotebookNotFound indicates the listing succeeded but held no such name.
	ErrNotebookNotFound = errors.New("notebook not found")
)

// NotebookResolutionError reports a failed name to guid lookup.
type NotebookResolutionError struct {
	UserID int64
	Name   string
	Err    error
}

func (e *NotebookResolutionError) Error() string {
	return fmt.Sprintf("resolve notebook %q for user %d: %v", e.Name, e.UserID, e.Err)
}

func (e *NotebookResolutionError) Unwrap() error { return e.Err }
