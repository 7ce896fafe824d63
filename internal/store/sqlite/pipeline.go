package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"qarunner/internal/store"

	"github.com/google/uuid"
)

func nullableID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

// CreatePlan inserts a test plan, assigning an id when none is set.
func (s *Store) CreatePlan(ctx context.Context, plan *store.TestPlan) error {
	if plan.ID == uuid.Nil {
		plan.ID = uuid.New()
	}
	scenarios := string(plan.Scenarios)
	if scenarios == "" {
		scenarios = "[]"
	}
	plan.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_plans (id, project_id, pr_url, head_sha, summary, scenarios, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		plan.ID.String(), plan.ProjectID.String(), plan.PRURL, plan.HeadSHA, plan.Summary, scenarios,
		formatTime(plan.CreatedAt))
	if err != nil {
		return fmt.Errorf("creating plan: %w", err)
	}
	return nil
}

// GetPlan returns a plan by id.
func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*store.TestPlan, error) {
	var p store.TestPlan
	var scenarios, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, pr_url, head_sha, summary, scenarios, created_at
		FROM test_plans WHERE id = ?`, id.String(),
	).Scan(&p.ID, &p.ProjectID, &p.PRURL, &p.HeadSHA, &p.Summary, &scenarios, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting plan %s: %w", id, err)
	}
	p.Scenarios = json.RawMessage(scenarios)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

// CreateTestCases inserts all cases in one transaction.
func (s *Store) CreateTestCases(ctx context.Context, cases []store.TestCase) error {
	if len(cases) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range cases {
		tc := &cases[i]
		if tc.ID == uuid.Nil {
			tc.ID = uuid.New()
		}
		tc.CreatedAt = s.now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO test_cases (id, project_id, plan_id, name, target_url, code, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tc.ID.String(), tc.ProjectID.String(), nullableID(tc.PlanID), tc.Name, tc.TargetURL, tc.Code,
			formatTime(tc.CreatedAt))
		if err != nil {
			return fmt.Errorf("creating test case %q: %w", tc.Name, err)
		}
	}
	return tx.Commit()
}

func (s *Store) queryTestCases(ctx context.Context, query string, arg string) ([]store.TestCase, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TestCase
	for rows.Next() {
		var tc store.TestCase
		var planID uuid.NullUUID
		var createdAt string
		if err := rows.Scan(&tc.ID, &tc.ProjectID, &planID, &tc.Name, &tc.TargetURL, &tc.Code, &createdAt); err != nil {
			return nil, err
		}
		if planID.Valid {
			id := planID.UUID
			tc.PlanID = &id
		}
		if tc.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// ListTestCasesByPlan returns the cases generated from a plan.
func (s *Store) ListTestCasesByPlan(ctx context.Context, planID uuid.UUID) ([]store.TestCase, error) {
	return s.queryTestCases(ctx, `
		SELECT id, project_id, plan_id, name, target_url, code, created_at
		FROM test_cases WHERE plan_id = ? ORDER BY created_at ASC`, planID.String())
}

// ListTestCasesByProject returns every case in a project.
func (s *Store) ListTestCasesByProject(ctx context.Context, projectID uuid.UUID) ([]store.TestCase, error) {
	return s.queryTestCases(ctx, `
		SELECT id, project_id, plan_id, name, target_url, code, created_at
		FROM test_cases WHERE project_id = ? ORDER BY created_at ASC`, projectID.String())
}

// CreateRun inserts a run, pending unless a status is set.
func (s *Store) CreateRun(ctx context.Context, run *store.TestRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = store.RunStatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_runs (id, project_id, plan_id, pr_url, head_sha, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.ProjectID.String(), nullableID(run.PlanID), run.PRURL, run.HeadSHA,
		string(run.Status), formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*store.TestRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM test_runs WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return &r, nil
}

// StartRun marks a run as running.
func (s *Store) StartRun(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE test_runs SET status = ? WHERE id = ?`,
		string(store.RunStatusRunning), id.String())
	return rowsOrNotFound(res, err)
}

// FinishRun records the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status store.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE test_runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), formatTime(s.now()), id.String())
	return rowsOrNotFound(res, err)
}

func rowsOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
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
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now().UTC()
	}
	keys := exec.ArtifactKeys
	if keys == nil {
		keys = []string{}
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	var capture interface{}
	if len(exec.NetworkCapture) > 0 {
		capture = string(exec.NetworkCapture)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_executions (id, test_case_id, run_id, status, duration_ms, logs, network_capture, artifact_keys, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID.String(), exec.TestCaseID.String(), exec.RunID.String(), string(exec.Status), exec.DurationMs,
		exec.Logs, capture, string(keysJSON), formatTime(exec.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording execution for test case %s: %w", exec.TestCaseID, err)
	}
	return nil
}

// ReplaceFlakyTests swaps the project's rows in the flaky_tests view.
func (s *Store) ReplaceFlakyTests(ctx context.Context, projectID uuid.UUID, tests []store.FlakyTest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM flaky_tests WHERE project_id = ?`, projectID.String()); err != nil {
		return fmt.Errorf("clearing flaky tests: %w", err)
	}
	for _, ft := range tests {
		analyzed := ft.AnalyzedAt
		if analyzed.IsZero() {
			analyzed = s.now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO flaky_tests (project_id, test_case_id, flake_rate, analyzed_at)
			VALUES (?, ?, ?, ?)`,
			projectID.String(), ft.TestCaseID.String(), ft.FlakeRate, formatTime(analyzed)); err != nil {
			return fmt.Errorf("inserting flaky test %s: %w", ft.TestCaseID, err)
		}
	}
	return tx.Commit()
}

// ListFlakyTests returns the project's flaky tests, highest rate first.
func (s *Store) ListFlakyTests(ctx context.Context, projectID uuid.UUID) ([]store.FlakyTest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, test_case_id, flake_rate, analyzed_at
		FROM flaky_tests WHERE project_id = ?
		ORDER BY flake_rate DESC`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("listing flaky tests: %w", err)
	}
	defer rows.Close()

	var out []store.FlakyTest
	for rows.Next() {
		var ft store.FlakyTest
		var analyzed string
		if err := rows.Scan(&ft.ProjectID, &ft.TestCaseID, &ft.FlakeRate, &analyzed); err != nil {
			return nil, err
		}
		if ft.AnalyzedAt, err = parseTime(analyzed); err != nil {
			return nil, fmt.Errorf("parsing analyzed_at: %w", err)
		}
		out = append(out, ft)
	}
	return out, rows.Err()
}
