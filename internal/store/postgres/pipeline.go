package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"qarunner/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const caseColumns = `id, project_id, plan_id, name, target_url, code, created_at`

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// CreatePlan inserts a test plan, assigning an id when none is set.
func (s *Store) CreatePlan(ctx context.Context, plan *store.TestPlan) error {
	if plan.ID == uuid.Nil {
		plan.ID = uuid.New()
	}
	scenarios := []byte(plan.Scenarios)
	if len(scenarios) == 0 {
		scenarios = []byte(`[]`)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO test_plans (id, project_id, pr_url, head_sha, summary, scenarios)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, plan.ID, plan.ProjectID, plan.PRURL, plan.HeadSHA, plan.Summary, scenarios).Scan(&plan.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

// GetPlan returns a plan by id.
func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*store.TestPlan, error) {
	var p store.TestPlan
	var scenarios []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, pr_url, head_sha, summary, scenarios, created_at
		FROM test_plans WHERE id = $1
	`, id).Scan(&p.ID, &p.ProjectID, &p.PRURL, &p.HeadSHA, &p.Summary, &scenarios, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", id, err)
	}
	p.Scenarios = scenarios
	return &p, nil
}

// CreateTestCases inserts all cases in one transaction.
func (s *Store) CreateTestCases(ctx context.Context, cases []store.TestCase) error {
	if len(cases) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range cases {
		if err := s.insertTestCase(ctx, tx, &cases[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) insertTestCase(ctx context.Context, tx store.DBTransaction, tc *store.TestCase) error {
	if tc.ID == uuid.Nil {
		tc.ID = uuid.New()
	}
	err := s.getExecutor(tx).QueryRowContext(ctx, `
		INSERT INTO test_cases (id, project_id, plan_id, name, target_url, code)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, tc.ID, tc.ProjectID, nullUUID(tc.PlanID), tc.Name, tc.TargetURL, tc.Code).Scan(&tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create test case %q: %w", tc.Name, err)
	}
	return nil
}

func (s *Store) queryTestCases(ctx context.Context, query string, args ...interface{}) ([]store.TestCase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TestCase
	for rows.Next() {
		var tc store.TestCase
		var planID uuid.NullUUID
		if err := rows.Scan(&tc.ID, &tc.ProjectID, &planID, &tc.Name, &tc.TargetURL, &tc.Code, &tc.CreatedAt); err != nil {
			return nil, err
		}
		if planID.Valid {
			id := planID.UUID
			tc.PlanID = &id
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// ListTestCasesByPlan returns the cases generated from a plan.
func (s *Store) ListTestCasesByPlan(ctx context.Context, planID uuid.UUID) ([]store.TestCase, error) {
	cases, err := s.queryTestCases(ctx, `
		SELECT `+caseColumns+` FROM test_cases WHERE plan_id = $1 ORDER BY created_at ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list test cases for plan %s: %w", planID, err)
	}
	return cases, nil
}

// ListTestCasesByProject returns every case in a project.
func (s *Store) ListTestCasesByProject(ctx context.Context, projectID uuid.UUID) ([]store.TestCase, error) {
	cases, err := s.queryTestCases(ctx, `
		SELECT `+caseColumns+` FROM test_cases WHERE project_id = $1 ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list test cases for project %s: %w", projectID, err)
	}
	return cases, nil
}

// CreateRun inserts a pending run.
func (s *Store) CreateRun(ctx context.Context, run *store.TestRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = store.RunStatusPending
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO test_runs (id, project_id, plan_id, pr_url, head_sha, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, run.ID, run.ProjectID, nullUUID(run.PlanID), run.PRURL, run.HeadSHA, run.Status).Scan(&run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*store.TestRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM test_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &r, nil
}

// StartRun marks a run as running.
func (s *Store) StartRun(ctx context.Context, id uuid.UUID) error {
	return s.setRunStatus(ctx, `UPDATE test_runs SET status = $2 WHERE id = $1`, id, store.RunStatusRunning)
}

// FinishRun records the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status store.RunStatus) error {
	return s.setRunStatus(ctx, `UPDATE test_runs SET status = $2, finished_at = NOW() WHERE id = $1`, id, status)
}

func (s *Store) setRunStatus(ctx context.Context, query string, id uuid.UUID, status store.RunStatus) error {
	res, err := s.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
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

// RecordExecution inserts one execution record.
func (s *Store) RecordExecution(ctx context.Context, exec *store.TestExecution) error {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	keys := exec.ArtifactKeys
	if keys == nil {
		keys = []string{}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO test_executions (id, test_case_id, run_id, status, duration_ms, logs, network_capture, artifact_keys)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, exec.ID, exec.TestCaseID, exec.RunID, exec.Status, exec.DurationMs, exec.Logs,
		nullJSON(exec.NetworkCapture), pq.Array(keys)).Scan(&exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record execution for test case %s: %w", exec.TestCaseID, err)
	}
	return nil
}
