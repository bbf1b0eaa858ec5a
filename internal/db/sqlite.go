package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the embedded Store used for development and tests. Times are
// stored as unix nanoseconds so ordering by column is chronological.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// Pass ":memory:" for an in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection avoids "database is locked" and keeps :memory: shared.
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if path != ":memory:" {
		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("setting journal mode: %w", err)
		}
	}
	if err := migrateSQLite(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLite{db: conn}, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

// --- documents ---

func (s *SQLite) FindDocument(ctx context.Context, collection, id string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find document: %w", err)
	}
	return []byte(body), nil
}

func (s *SQLite) FindDocumentBy(ctx context.Context, collection, field, value string) ([]byte, error) {
	if err := checkField(field); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents
		 WHERE collection = ? AND json_extract(body, '$.' || ?) = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`, collection, field, value).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find document by %s: %w", field, err)
	}
	return []byte(body), nil
}

func (s *SQLite) UpsertDocument(ctx context.Context, collection, id string, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		collection, id, string(body), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// --- tasks ---

const sqliteTaskColumns = `id, file_id, owner_ref, kind, file_name, source_mime, target_mime, state,
	local_path, mime, error, attempts, max_attempts, run_after, claimed_at, created_at, updated_at`

func (s *SQLite) InsertTask(ctx context.Context, rec TaskRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO download_tasks (`+sqliteTaskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FileID, rec.OwnerRef, rec.Kind, rec.FileName, rec.SourceMime, rec.TargetMime, rec.State,
		rec.LocalPath, rec.Mime, rec.Error, rec.Attempts, rec.MaxAttempts,
		toNanos(rec.RunAfter), nullNanos(rec.ClaimedAt), toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM download_tasks WHERE id = ?`, id)
	rec, err := scanSQLiteTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskRecord{}, ErrNotFound
		}
		return TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

func (s *SQLite) ListPendingTasks(ctx context.Context, now time.Time, limit int) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM download_tasks
		 WHERE state = ? AND run_after <= ?
		 ORDER BY created_at ASC, seq ASC
		 LIMIT ?`, TaskPending, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) TransitionTask(ctx context.Context, id, from string, upd TaskUpdate) (bool, error) {
	claim := 0
	var claimedAt any
	if upd.Claim {
		claim = 1
		claimedAt = toNanos(upd.Now)
	}
	var runAfter any
	if !upd.RunAfter.IsZero() {
		runAfter = toNanos(upd.RunAfter)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE download_tasks SET
			state = ?, local_path = ?, mime = ?, error = ?,
			attempts = attempts + ?,
			claimed_at = COALESCE(?, claimed_at),
			run_after = COALESCE(?, run_after),
			updated_at = ?
		 WHERE id = ? AND state = ?`,
		upd.To, upd.LocalPath, upd.Mime, upd.Error, claim, claimedAt, runAfter, toNanos(upd.Now), id, from)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) FailStaleTasks(ctx context.Context, claimedBefore, now time.Time, errText string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE download_tasks SET state = ?, error = ?, updated_at = ?
		 WHERE state = ? AND claimed_at < ? AND attempts >= max_attempts`,
		TaskFailed, errText, toNanos(now), TaskInProgress, toNanos(claimedBefore))
	if err != nil {
		return 0, fmt.Errorf("fail stale tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) ResetStaleTasks(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE download_tasks SET state = ?, claimed_at = NULL, updated_at = ?
		 WHERE state = ? AND claimed_at < ? AND attempts < max_attempts`,
		TaskPending, toNanos(now), TaskInProgress, toNanos(claimedBefore))
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM download_tasks WHERE id = ? AND state IN (?, ?)`, id, TaskCompleted, TaskFailed)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) DeleteTerminalTasks(ctx context.Context, updatedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM download_tasks WHERE state IN (?, ?) AND updated_at < ?`,
		TaskCompleted, TaskFailed, toNanos(updatedBefore))
	if err != nil {
		return 0, fmt.Errorf("delete terminal tasks: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (TaskRecord, error) {
	var rec TaskRecord
	var runAfter, createdAt, updatedAt int64
	var claimedAt sql.NullInt64
	err := row.Scan(&rec.ID, &rec.FileID, &rec.OwnerRef, &rec.Kind, &rec.FileName, &rec.SourceMime,
		&rec.TargetMime, &rec.State, &rec.LocalPath, &rec.Mime, &rec.Error, &rec.Attempts, &rec.MaxAttempts,
		&runAfter, &claimedAt, &createdAt, &updatedAt)
	if err != nil {
		return TaskRecord{}, err
	}
	rec.RunAfter = fromNanos(runAfter)
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	if claimedAt.Valid {
		rec.ClaimedAt = fromNanos(claimedAt.Int64)
	}
	return rec, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func nullNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
