package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeCases run against every Store backend. Each case expects an empty
// store.
var storeCases = []struct {
	name string
	run  func(*testing.T, Store)
}{
	{"DocumentsRoundTrip", testDocumentsRoundTrip},
	{"ListPendingTasksOrderAndLimit", testListPendingTasksOrderAndLimit},
	{"TransitionTaskIsConditional", testTransitionTaskIsConditional},
	{"RetryMovesRunAfter", testRetryMovesRunAfter},
	{"ResetStaleAndDelete", testResetStaleAndDelete},
	{"FailStaleTasksOnlyWhenExhausted", testFailStaleTasksOnlyWhenExhausted},
	{"DeleteTerminalTasks", testDeleteTerminalTasks},
}

func testDocumentsRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.FindDocument(ctx, "users", "1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertDocument(ctx, "users", "1", []byte(`{"user_id":1,"callback_key":"abc"}`)))
	require.NoError(t, s.UpsertDocument(ctx, "users", "1", []byte(`{"user_id":1,"callback_key":"def"}`)))

	body, err := s.FindDocument(ctx, "users", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":1,"callback_key":"def"}`, string(body))

	body, err = s.FindDocumentBy(ctx, "users", "callback_key", "def")
	require.NoError(t, err)
	assert.Contains(t, string(body), `"def"`)

	_, err = s.FindDocumentBy(ctx, "users", "callback_key", "abc")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.FindDocumentBy(ctx, "users", "x') OR 1=1 --", "abc")
	require.ErrorIs(t, err, ErrInvalidField)
}

func insertTestTask(t *testing.T, s TaskStore, id string, created time.Time, maxAttempts int) {
	t.Helper()
	require.NoError(t, s.InsertTask(context.Background(), TaskRecord{
		ID:          id,
		FileID:      "file-" + id,
		OwnerRef:    "chat:1",
		State:       TaskPending,
		MaxAttempts: maxAttempts,
		RunAfter:    created,
		CreatedAt:   created,
		UpdatedAt:   created,
	}))
}

func claimTestTask(t *testing.T, s TaskStore, id string, at time.Time) {
	t.Helper()
	ok, err := s.TransitionTask(context.Background(), id, TaskPending, TaskUpdate{To: TaskInProgress, Claim: true, Now: at})
	require.NoError(t, err)
	require.True(t, ok)
}

func testListPendingTasksOrderAndLimit(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	insertTestTask(t, s, "b", base.Add(2*time.Second), 3)
	insertTestTask(t, s, "a", base.Add(time.Second), 3)
	insertTestTask(t, s, "c", base.Add(3*time.Second), 3)

	got, err := s.ListPendingTasks(ctx, base.Add(time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	got, err = s.ListPendingTasks(ctx, base.Add(1500*time.Millisecond), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func testTransitionTaskIsConditional(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertTestTask(t, s, "t1", now, 3)

	ok, err := s.TransitionTask(ctx, "t1", TaskPending, TaskUpdate{To: TaskInProgress, Claim: true, Now: now})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionTask(ctx, "t1", TaskPending, TaskUpdate{To: TaskInProgress, Claim: true, Now: now})
	require.NoError(t, err)
	assert.False(t, ok, "second claim must not apply")

	rec, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.True(t, rec.ClaimedAt.Equal(now))

	ok, err = s.TransitionTask(ctx, "t1", TaskInProgress, TaskUpdate{
		To: TaskCompleted, LocalPath: "/tmp/x", Mime: "image/jpeg", Now: now.Add(time.Second),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, rec.State)
	assert.Equal(t, "/tmp/x", rec.LocalPath)
	assert.Equal(t, "image/jpeg", rec.Mime)
	assert.True(t, rec.RunAfter.Equal(now), "run_after unchanged when zero")
	assert.True(t, rec.ClaimedAt.Equal(now), "claimed_at kept when not claiming")
	assert.True(t, rec.UpdatedAt.Equal(now.Add(time.Second)))
}

func testRetryMovesRunAfter(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertTestTask(t, s, "r1", now, 3)
	claimTestTask(t, s, "r1", now)

	later := now.Add(time.Minute)
	ok, err := s.TransitionTask(ctx, "r1", TaskInProgress, TaskUpdate{To: TaskPending, Error: "502", RunAfter: later, Now: now})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.ListPendingTasks(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, got, "not due before run_after")

	got, err = s.ListPendingTasks(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "502", got[0].Error)
	assert.True(t, got[0].RunAfter.Equal(later))
}

func testResetStaleAndDelete(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertTestTask(t, s, "old", now, 3)
	insertTestTask(t, s, "new", now, 3)

	claimTestTask(t, s, "old", now)
	claimTestTask(t, s, "new", now.Add(time.Hour))

	n, err := s.ResetStaleTasks(ctx, now.Add(30*time.Minute), now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec, err := s.GetTask(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, rec.State)
	assert.True(t, rec.ClaimedAt.IsZero())

	deleted, err := s.DeleteTask(ctx, "old")
	require.NoError(t, err)
	assert.False(t, deleted, "non-terminal tasks are kept")

	_, err = s.TransitionTask(ctx, "new", TaskInProgress, TaskUpdate{To: TaskFailed, Error: "boom", Now: now})
	require.NoError(t, err)
	deleted, err = s.DeleteTask(ctx, "new")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetTask(ctx, "new")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func testFailStaleTasksOnlyWhenExhausted(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertTestTask(t, s, "spent", now, 1)
	insertTestTask(t, s, "spare", now, 2)
	claimTestTask(t, s, "spent", now)
	claimTestTask(t, s, "spare", now)

	cutoff, later := now.Add(time.Minute), now.Add(2*time.Minute)
	n, err := s.FailStaleTasks(ctx, cutoff, later, "worker gone")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.ResetStaleTasks(ctx, cutoff, later)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	spent, err := s.GetTask(ctx, "spent")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, spent.State)
	assert.Equal(t, "worker gone", spent.Error)
	assert.True(t, spent.UpdatedAt.Equal(later))

	spare, err := s.GetTask(ctx, "spare")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, spare.State)
	assert.Equal(t, 1, spare.Attempts)
}

func testDeleteTerminalTasks(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"done-old", "done-new", "running"} {
		insertTestTask(t, s, id, now, 3)
		claimTestTask(t, s, id, now)
	}
	_, err := s.TransitionTask(ctx, "done-old", TaskInProgress, TaskUpdate{To: TaskCompleted, Now: now})
	require.NoError(t, err)
	_, err = s.TransitionTask(ctx, "done-new", TaskInProgress, TaskUpdate{To: TaskFailed, Now: now.Add(time.Hour)})
	require.NoError(t, err)

	n, err := s.DeleteTerminalTasks(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetTask(ctx, "done-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTask(ctx, "done-new")
	assert.NoError(t, err)
	_, err = s.GetTask(ctx, "running")
	assert.NoError(t, err)
}
