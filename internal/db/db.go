package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/memohai/evernoterobot/internal/config"
)

var (
	ErrNotFound     = errors.New("db: not found")
	ErrInvalidField = errors.New("db: invalid document field")
)

const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// DocumentStore keeps free-form JSON documents keyed by collection and id.
type DocumentStore interface {
	FindDocument(ctx context.Context, collection, id string) ([]byte, error)
	FindDocumentBy(ctx context.Context, collection, field, value string) ([]byte, error)
	UpsertDocument(ctx context.Context, collection, id string, body []byte) error
}

// TaskStore persists download tasks. TransitionTask applies upd only when the
// stored state equals from and reports whether a row changed. Stale tasks are
// in_progress rows claimed before a cutoff: FailStaleTasks fails those with no
// attempts left and ResetStaleTasks returns the others to pending.
type TaskStore interface {
	InsertTask(ctx context.Context, rec TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	ListPendingTasks(ctx context.Context, now time.Time, limit int) ([]TaskRecord, error)
	TransitionTask(ctx context.Context, id, from string, upd TaskUpdate) (bool, error)
	FailStaleTasks(ctx context.Context, claimedBefore, now time.Time, errText string) (int64, error)
	ResetStaleTasks(ctx context.Context, claimedBefore, now time.Time) (int64, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	DeleteTerminalTasks(ctx context.Context, updatedBefore time.Time) (int64, error)
}

type Store interface {
	DocumentStore
	TaskStore
	Ping(ctx context.Context) error
	Close() error
}

type TaskRecord struct {
	ID          string
	FileID      string
	OwnerRef    string
	Kind        string
	FileName    string
	SourceMime  string
	TargetMime  string
	State       string
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

// TaskUpdate describes the columns written by a transition. Claim bumps the
// attempt counter and stamps claimed_at. A zero RunAfter keeps the stored value.
type TaskUpdate struct {
	To        string
	LocalPath string
	Mime      string
	Error     string
	RunAfter  time.Time
	Claim     bool
	Now       time.Time
}

var fieldPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func checkField(field string) error {
	if !fieldPattern.MatchString(field) {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	return nil
}

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		if err := MigratePostgres(cfg.Postgres.DSN()); err != nil {
			return nil, err
		}
		return OpenPostgres(ctx, cfg.Postgres)
	case "sqlite", "":
		return OpenSQLite(ctx, cfg.Storage.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
