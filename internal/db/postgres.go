package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/evernoterobot/internal/config"
)

// Postgres is the production Store backed by a pgx pool. Documents are JSONB.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// --- documents ---

func (p *Postgres) FindDocument(ctx context.Context, collection, id string) ([]byte, error) {
	var body []byte
	err := p.pool.QueryRow(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND id = $2`, collection, id).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find document: %w", err)
	}
	return body, nil
}

func (p *Postgres) FindDocumentBy(ctx context.Context, collection, field, value string) ([]byte, error) {
	if err := checkField(field); err != nil {
		return nil, err
	}
	var body []byte
	err := p.pool.QueryRow(ctx,
		`SELECT body FROM documents
		 WHERE collection = $1 AND body->>$2 = $3
		 ORDER BY updated_at DESC
		 LIMIT 1`, collection, field, value).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find document by %s: %w", field, err)
	}
	return body, nil
}

func (p *Postgres) UpsertDocument(ctx context.Context, collection, id string, body []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, body, updated_at) VALUES ($1, $2, $3::jsonb, now())
		 ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		collection, id, string(body))
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// --- tasks ---

const pgTaskColumns = `id, file_id, owner_ref, kind, file_name, source_mime, target_mime, state,
	local_path, mime, error, attempts, max_attempts, run_after, claimed_at, created_at, updated_at`

func (p *Postgres) InsertTask(ctx context.Context, rec TaskRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO download_tasks (`+pgTaskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.FileID, rec.OwnerRef, rec.Kind, rec.FileName, rec.SourceMime, rec.TargetMime, rec.State,
		rec.LocalPath, rec.Mime, rec.Error, rec.Attempts, rec.MaxAttempts,
		rec.RunAfter, pgTimestamp(rec.ClaimedAt), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM download_tasks WHERE id = $1`, id)
	rec, err := scanPGTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TaskRecord{}, ErrNotFound
		}
		return TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

func (p *Postgres) ListPendingTasks(ctx context.Context, now time.Time, limit int) ([]TaskRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM download_tasks
		 WHERE state = $1 AND run_after <= $2
		 ORDER BY created_at ASC, seq ASC
		 LIMIT $3`, TaskPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanPGTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) TransitionTask(ctx context.Context, id, from string, upd TaskUpdate) (bool, error) {
	claim := 0
	claimedAt := pgtype.Timestamptz{}
	if upd.Claim {
		claim = 1
		claimedAt = pgTimestamp(upd.Now)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE download_tasks SET
			state = $1, local_path = $2, mime = $3, error = $4,
			attempts = attempts + $5,
			claimed_at = COALESCE($6, claimed_at),
			run_after = COALESCE($7, run_after),
			updated_at = $8
		 WHERE id = $9 AND state = $10`,
		upd.To, upd.LocalPath, upd.Mime, upd.Error, claim, claimedAt, pgTimestamp(upd.RunAfter), upd.Now, id, from)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) FailStaleTasks(ctx context.Context, claimedBefore, now time.Time, errText string) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE download_tasks SET state = $1, error = $2, updated_at = $3
		 WHERE state = $4 AND claimed_at < $5 AND attempts >= max_attempts`,
		TaskFailed, errText, now, TaskInProgress, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("fail stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) ResetStaleTasks(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE download_tasks SET state = $1, claimed_at = NULL, updated_at = $2
		 WHERE state = $3 AND claimed_at < $4 AND attempts < max_attempts`,
		TaskPending, now, TaskInProgress, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) DeleteTask(ctx context.Context, id string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM download_tasks WHERE id = $1 AND state IN ($2, $3)`, id, TaskCompleted, TaskFailed)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) DeleteTerminalTasks(ctx context.Context, updatedBefore time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM download_tasks WHERE state IN ($1, $2) AND updated_at < $3`,
		TaskCompleted, TaskFailed, updatedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete terminal tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPGTask(row pgx.Row) (TaskRecord, error) {
	var rec TaskRecord
	var claimedAt pgtype.Timestamptz
	err := row.Scan(&rec.ID, &rec.FileID, &rec.OwnerRef, &rec.Kind, &rec.FileName, &rec.SourceMime,
		&rec.TargetMime, &rec.State, &rec.LocalPath, &rec.Mime, &rec.Error, &rec.Attempts, &rec.MaxAttempts,
		&rec.RunAfter, &claimedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return TaskRecord{}, err
	}
	if claimedAt.Valid {
		rec.ClaimedAt = claimedAt.Time.UTC()
	}
	rec.RunAfter = rec.RunAfter.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func pgTimestamp(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}
