package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"qarunner/internal/store"

	"github.com/google/uuid"
)

const executionColumns = `id, test_case_id, run_id, status, duration_ms, logs,
	network_capture, artifact_keys, created_at`

const runColumns = `id, project_id, plan_id, pr_url, head_sha, status, created_at, finished_at`

func scanExecution(row rowScanner) (store.TestExecution, error) {
	var (
		e         store.TestExecution
		capture   sql.NullString
		keys      string
		createdAt string
	)
	if err := row.Scan(&e.ID, &e.TestCaseID, &e.RunID, &e.Status, &e.DurationMs, &e.Logs,
		&capture, &keys, &createdAt); err != nil {
		return e, err
	}
	if capture.Valid && capture.String != "" {
		e.NetworkCapture = json.RawMessage(capture.String)
	}
	if keys != "" {
		if err := json.Unmarshal([]byte(keys), &e.ArtifactKeys); err != nil {
			return e, fmt.Errorf("decoding artifact keys: %w", err)
		}
	}
	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, fmt.Errorf("parsing created_at: %w", err)
	}
	return e, nil
}

func scanRun(row rowScanner) (store.TestRun, error) {
	var (
		r          store.TestRun
		planID     uuid.NullUUID
		createdAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ProjectID, &planID, &r.PRURL, &r.HeadSHA, &r.Status, &createdAt, &finishedAt); err != nil {
		return r, err
	}
	if planID.Valid {
		id := planID.UUID
		r.PlanID = &id
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return r, fmt.Errorf("parsing finished_at: %w", err)
	}
	return r, nil
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]store.TestExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TestExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...interface{}) ([]store.TestRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListExecutionsByTestCase returns a test case's executions since the cutoff, newest first.
func (s *Store) ListExecutionsByTestCase(ctx context.Context, testCaseID uuid.UUID, since time.Time) ([]store.TestExecution, error) {
	execs, err := s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM test_executions
		WHERE test_case_id = ? AND created_at >= ?
		ORDER BY created_at DESC`, testCaseID.String(), formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("listing executions for test case %s: %w", testCaseID, err)
	}
	return execs, nil
}

// ListExecutionsByRuns returns the executions of the given runs, newest first.
func (s *Store) ListExecutionsByRuns(ctx context.Context, runIDs []uuid.UUID) ([]store.TestExecution, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(runIDs))
	for i, id := range runIDs {
		args[i] = id.String()
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(runIDs)), ",")

	execs, err := s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM test_executions
		WHERE run_id IN (`+placeholders+`)
		ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions for %d runs: %w", len(runIDs), err)
	}
	return execs, nil
}

// ListTestCaseIDs returns the ids of every test case in a project.
func (s *Store) ListTestCaseIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM test_cases WHERE project_id = ? ORDER BY created_at ASC`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("listing test cases: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRecentRuns returns the latest runs of a project, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, projectID uuid.UUID, limit int) ([]store.TestRun, error) {
	if limit <= 0 {
		limit = 10
	}
	runs, err := s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM test_runs
		WHERE project_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, projectID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent runs: %w", err)
	}
	return runs, nil
}

// ListRunsSince returns a project's runs created at or after since, oldest first.
func (s *Store) ListRunsSince(ctx context.Context, projectID uuid.UUID, since time.Time) ([]store.TestRun, error) {
	runs, err := s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM test_runs
		WHERE project_id = ? AND created_at >= ?
		ORDER BY created_at ASC`, projectID.String(), formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}
