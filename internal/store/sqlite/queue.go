package sqlite

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
	var (
		j                               store.Job
		payload                         string
		lastError, lockedBy             sql.NullString
		scheduledAt, createdAt, updated string
		lockedAt, finishedAt            sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.Kind, &payload, &j.Status, &j.Attempts, &lastError, &scheduledAt,
		&lockedBy, &lockedAt, &createdAt, &updated, &finishedAt,
	); err != nil {
		return nil, err
	}

	j.Payload = json.RawMessage(payload)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if lockedBy.Valid {
		j.LockedBy = &lockedBy.String
	}

	var err error
	if j.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("parsing scheduled_at: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if j.LockedAt, err = parseNullTime(lockedAt); err != nil {
		return nil, fmt.Errorf("parsing locked_at: %w", err)
	}
	if j.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &j, nil
}

// Enqueue inserts a queued job scheduled now.
func (s *Store) Enqueue(ctx context.Context, kind store.JobKind, payload json.RawMessage) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown job kind %q", kind)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (kind, payload, status, scheduled_at, created_at, updated_at)
		VALUES (?, ?, 'queued', ?, ?, ?)`,
		string(kind), string(payload), now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueueing %s job: %w", kind, err)
	}
	return res.LastInsertId()
}

// AcquireNext claims the oldest eligible job with a single compare-and-swap
// statement. The write lock is taken before the subquery runs, so two
// connections can never flip the same row.
func (s *Store) AcquireNext(ctx context.Context, workerID string) (*store.Job, error) {
	now := formatTime(s.now())
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'running', locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND attempts < ? AND scheduled_at <= ?
			ORDER BY scheduled_at ASC, id ASC
			LIMIT 1
		) AND status = 'queued'
		RETURNING `+jobColumns,
		workerID, now, now, s.maxAttempts, now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring job: %w", err)
	}
	return job, nil
}

// MarkDone moves a job to done, keeping the first finished_at.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'done', finished_at = COALESCE(finished_at, ?), updated_at = ?
		WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("marking job %d done: %w", id, err)
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
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'error', attempts = attempts + 1, last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status <> 'done'`,
		store.TruncateError(message), now, now, id)
	if err != nil {
		return fmt.Errorf("marking job %d errored: %w", id, err)
	}
	return nil
}

// Stats counts jobs by status.
func (s *Store) Stats(ctx context.Context) (store.QueueStats, error) {
	var stats store.QueueStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("querying job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.Set(store.JobStatus(status), n)
	}
	return stats, rows.Err()
}

// CleanupOlderThan deletes done jobs that finished more than days ago.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("cleanup window must be positive, got %d days", days)
	}
	cutoff := formatTime(s.now().AddDate(0, 0, -days))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status = 'done' AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up jobs: %w", err)
	}
	return res.RowsAffected()
}

// RequeueErrored puts errored jobs back in the queue.
func (s *Store) RequeueErrored(ctx context.Context, olderThan time.Duration, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', scheduled_at = ?, locked_by = NULL, locked_at = NULL,
			finished_at = NULL, updated_at = ?
		WHERE status = 'error' AND attempts < ? AND updated_at < ?`,
		formatTime(now), formatTime(now), maxAttempts, formatTime(now.Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("requeueing errored jobs: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStale returns running jobs whose lock outlived lease to the queue.
// A non-positive lease disables reclaiming.
func (s *Store) ReclaimStale(ctx context.Context, lease time.Duration) (int64, error) {
	if lease <= 0 {
		return 0, nil
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE status = 'running' AND locked_at < ?`,
		formatTime(now), formatTime(now.Add(-lease)))
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale jobs: %w", err)
	}
	return res.RowsAffected()
}
