package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is matched by every TransitionError.
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidRequest    = errors.New("invalid task request")
	// ErrStaleExhausted is the error recorded on a task whose claim went stale
	// after its last attempt.
	ErrStaleExhausted = errors.New("worker stopped responding on the last attempt")
)

// TransitionError reports a state change attempted from the wrong state. The
// stored task is left untouched.
type TransitionError struct {
	TaskID string
	From   State
	To     State
	Actual State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move %s -> %s, task is %s", e.TaskID, e.From, e.To, e.Actual)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
