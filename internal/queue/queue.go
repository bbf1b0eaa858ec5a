// Package queue is the durable download task queue. Every state change is a
// single conditional update in the store, so a task is held in_progress by at
// most one worker and terminal tasks never move again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/evernoterobot/internal/db"
)

const (
	DefaultMaxAttempts     = 3
	DefaultRecheckInterval = 2 * time.Second
)

type Options struct {
	MaxAttempts int
	// RecheckInterval bounds how long Wait can miss a completion made by a
	// worker in another process.
	RecheckInterval time.Duration
}

type Queue struct {
	store  db.TaskStore
	logger *slog.Logger
	hub    *hub
	opts   Options
	now    func() time.Time
	newID  func() string
}

func New(log *slog.Logger, store db.TaskStore, opts Options) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RecheckInterval <= 0 {
		opts.RecheckInterval = DefaultRecheckInterval
	}
	return &Queue{
		store:  store,
		logger: log.With(slog.String("service", "queue")),
		hub:    newHub(),
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Enqueue stores a new pending task.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Task, error) {
	if strings.TrimSpace(req.FileID) == "" {
		return Task{}, fmt.Errorf("%w: file id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.OwnerRef) == "" {
		return Task{}, fmt.Errorf("%w: owner ref is required", ErrInvalidRequest)
	}
	now := q.now()
	rec := db.TaskRecord{
		ID:          q.newID(),
		FileID:      req.FileID,
		OwnerRef:    req.OwnerRef,
		Kind:        req.Kind,
		FileName:    req.FileName,
		SourceMime:  req.SourceMime,
		TargetMime:  req.TargetMime,
		State:       string(StatePending),
		MaxAttempts: q.opts.MaxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.InsertTask(ctx, rec); err != nil {
		return Task{}, fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("task enqueued", slog.String("task_id", rec.ID), slog.String("file_id", rec.FileID))
	return fromRecord(rec), nil
}

// DequeueBatch returns up to limit pending tasks that are due, oldest first.
// It does not claim them; callers must MarkInProgress before working.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	recs, err := q.store.ListPendingTasks(ctx, q.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	tasks := make([]Task, 0, len(recs))
	for _, rec := range recs {
		tasks = append(tasks, fromRecord(rec))
	}
	return tasks, nil
}

func (q *Queue) Get(ctx context.Context, id string) (Task, error) {
	rec, err := q.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	return fromRecord(rec), nil
}

// MarkInProgress claims a pending task and counts the attempt. Losing the
// claim to another worker is expected and not logged as an error.
func (q *Queue) MarkInProgress(ctx context.Context, id string) (Task, error) {
	if err := q.transition(ctx, id, StatePending, db.TaskUpdate{To: string(StateInProgress), Claim: true}, slog.LevelDebug); err != nil {
		return Task{}, err
	}
	return q.Get(ctx, id)
}

func (q *Queue) MarkCompleted(ctx context.Context, id string, res Result) error {
	return q.transition(ctx, id, StateInProgress, db.TaskUpdate{
		To:        string(StateCompleted),
		LocalPath: res.LocalPath,
		Mime:      res.Mime,
	}, slog.LevelError)
}

func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	return q.transition(ctx, id, StateInProgress, db.TaskUpdate{
		To:    string(StateFailed),
		Error: errorText(cause),
	}, slog.LevelError)
}

// Retry hands an in_progress task back to the queue, due after delay.
func (q *Queue) Retry(ctx context.Context, id string, cause error, delay time.Duration) error {
	return q.transition(ctx, id, StateInProgress, db.TaskUpdate{
		To:       string(StatePending),
		Error:    errorText(cause),
		RunAfter: q.now().Add(delay),
	}, slog.LevelError)
}

// Cancel fails a task nobody has claimed yet. A worker claiming it first is
// an expected race; the returned TransitionError reports the actual state.
func (q *Queue) Cancel(ctx context.Context, id string, cause error) error {
	return q.transition(ctx, id, StatePending, db.TaskUpdate{
		To:    string(StateFailed),
		Error: errorText(cause),
	}, slog.LevelDebug)
}

// RecoverStale handles tasks claimed longer than olderThan ago. Tasks with
// attempts left go back to pending; the rest fail, so a file that kills its
// worker every time cannot loop forever. It returns how many were requeued.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.now()
	cutoff := now.Add(-olderThan)
	failed, err := q.store.FailStaleTasks(ctx, cutoff, now, ErrStaleExhausted.Error())
	if err != nil {
		return 0, fmt.Errorf("fail exhausted stale tasks: %w", err)
	}
	if failed > 0 {
		q.logger.Warn("failed stale tasks with no attempts left", slog.Int64("count", failed), slog.Duration("older_than", olderThan))
	}
	n, err := q.store.ResetStaleTasks(ctx, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	if n > 0 {
		q.logger.Warn("recovered stale tasks", slog.Int64("count", n), slog.Duration("older_than", olderThan))
	}
	return n, nil
}

// PurgeTerminal deletes completed and failed tasks last updated more than
// olderThan ago.
func (q *Queue) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.store.DeleteTerminalTasks(ctx, q.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge terminal tasks: %w", err)
	}
	if n > 0 {
		q.logger.Info("purged finished tasks", slog.Int64("count", n))
	}
	return n, nil
}

// Archive removes a terminal task once its outcome has been consumed.
func (q *Queue) Archive(ctx context.Context, id string) error {
	deleted, err := q.store.DeleteTask(ctx, id)
	if err != nil {
		return fmt.Errorf("archive task: %w", err)
	}
	if deleted {
		return nil
	}
	task, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	return &TransitionError{TaskID: id, From: StateCompleted, To: "archived", Actual: task.State}
}

// Wait blocks until the task is terminal or ctx ends. Completions in this
// process arrive on a channel; the store is re-read every RecheckInterval for
// completions made elsewhere.
func (q *Queue) Wait(ctx context.Context, id string) (Task, error) {
	ch, unsubscribe := q.hub.subscribe(id)
	defer unsubscribe()

	task, err := q.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if task.State.Terminal() {
		return task, nil
	}

	ticker := time.NewTicker(q.opts.RecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case t := <-ch:
			return t, nil
		case <-ticker.C:
			latest, err := q.Get(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return task, ctx.Err()
				}
				return Task{}, err
			}
			task = latest
			if task.State.Terminal() {
				return task, nil
			}
		}
	}
}

// transition applies upd if the task is still in from. A lost race is logged
// at level.
func (q *Queue) transition(ctx context.Context, id string, from State, upd db.TaskUpdate, level slog.Level) error {
	upd.Now = q.now()
	ok, err := q.store.TransitionTask(ctx, id, string(from), upd)
	if err != nil {
		return err
	}
	to := State(upd.To)
	if !ok {
		actual := State("missing")
		if rec, getErr := q.store.GetTask(ctx, id); getErr == nil {
			actual = State(rec.State)
		} else if !errors.Is(getErr, db.ErrNotFound) {
			return getErr
		}
		terr := &TransitionError{TaskID: id, From: from, To: to, Actual: actual}
		q.logger.Log(ctx, level, "invalid task transition",
			slog.String("task_id", id),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("actual", string(actual)),
		)
		return terr
	}
	if to.Terminal() {
		if task, err := q.Get(ctx, id); err == nil {
			q.hub.publish(task)
		}
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
