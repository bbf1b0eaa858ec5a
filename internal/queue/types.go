package queue

import (
	"time"

	"github.com/memohai/evernoterobot/internal/db"
)

type State string

const (
	StatePending    State = db.TaskPending
	StateInProgress State = db.TaskInProgress
	StateCompleted  State = db.TaskCompleted
	StateFailed     State = db.TaskFailed
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Request describes a file to download. OwnerRef ties the task back to the
// message that asked for it. TargetMime, when set, asks for conversion.
type Request struct {
	FileID     string
	OwnerRef   string
	Kind       string
	FileName   string
	SourceMime string
	TargetMime string
}

// Result is the outcome recorded on completion.
type Result struct {
	LocalPath string
	Mime      string
}

type Task struct {
	ID          string
	FileID      string
	OwnerRef    string
	Kind        string
	FileName    string
	SourceMime  string
	TargetMime  string
	State       State
	LocalPath   string
	Mime        string
	Error       string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	ClaimedAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func fromRecord(rec db.TaskRecord) Task {
	return Task{
		ID:          rec.ID,
		FileID:      rec.FileID,
		OwnerRef:    rec.OwnerRef,
		Kind:        rec.Kind,
		FileName:    rec.FileName,
		SourceMime:  rec.SourceMime,
		TargetMime:  rec.TargetMime,
		State:       State(rec.State),
		LocalPath:   rec.LocalPath,
		Mime:        rec.Mime,
		Error:       rec.Error,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		RunAfter:    rec.RunAfter,
		ClaimedAt:   rec.ClaimedAt,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}
