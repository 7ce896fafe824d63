package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qarunner/internal/store"
)

const jobColumns = `id, kind, payload, status, attempts, last_error, scheduled_at,
	locked_by, locked_at, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var job store.Job
	var payload []byte
	if err := row.Scan(
		&job.ID, &job.Kind, &payload, &job.Status, &job.Attempts, &job.LastError,
		&job.ScheduledAt, &job.LockedBy, &job.LockedAt,
		&job.CreatedAt, &job.UpdatedAt, &job.FinishedAt,
	); err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	return &job, nil
}

// Enqueue inserts a queued job scheduled now.
func (s *Store) Enqueue(ctx context.Context, kind store.JobKind, payload json.RawMessage) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown job kind %q", kind)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (kind, payload, status, scheduled_at)
		VALUES ($1, $2, 'queued', NOW())
		RETURNING id
	`, kind, []byte(payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	return id, nil
}

// AcquireNext claims the oldest eligible job using SELECT ... FOR UPDATE SKIP LOCKED.
// Returns nil if no job is available.
func (s *Store) AcquireNext(ctx context.Context, workerID string) (*store.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM jobs
		WHERE status = 'queued' AND attempts < $1 AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, s.maxAttempts).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire query failed: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'running', locked_by = $2, locked_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, id, workerID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock job %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// MarkDone moves a job to done. Repeated calls keep the first finished_at.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'done', finished_at = COALESCE(finished_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark job %d done: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkError moves a job to error and bumps its attempts. Done jobs are left untouched.
func (s *Store) MarkError(ctx context.Context, id int64, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'error', attempts = attempts + 1, last_error = $2,
			finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> 'done'
	`, id, store.TruncateError(message))
	if err != nil {
		return fmt.Errorf("failed to mark job %d errored: %w", id, err)
	}
	return nil
}

// Stats counts jobs by status.
func (s *Store) Stats(ctx context.Context) (store.QueueStats, error) {
	var stats store.QueueStats

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("stats query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status store.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.Set(status, n)
	}
	return stats, rows.Err()
}

// CleanupOlderThan deletes done jobs that finished more than days ago.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("cleanup window must be positive, got %d days", days)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status = 'done' AND finished_at < NOW() - ($1 * INTERVAL '1 day')
	`, days)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return res.RowsAffected()
}

// RequeueErrored puts errored jobs back in the queue.
func (s *Store) RequeueErrored(ctx context.Context, olderThan time.Duration, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', scheduled_at = NOW(), locked_by = NULL, locked_at = NULL,
			finished_at = NULL, updated_at = NOW()
		WHERE status = 'error' AND attempts < $1
			AND updated_at < NOW() - ($2 * INTERVAL '1 second')
	`, maxAttempts, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStale returns running jobs whose lock outlived lease to the queue.
// A non-positive lease disables reclaiming.
func (s *Store) ReclaimStale(ctx context.Context, lease time.Duration) (int64, error) {
	if lease <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE status = 'running' AND locked_at < NOW() - ($1 * INTERVAL '1 second')
	`, lease.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim failed: %w", err)
	}
	return res.RowsAffected()
}
