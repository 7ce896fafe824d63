package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"qarunner/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

var executionRowColumns = []string{
	"id", "test_case_id", "run_id", "status", "duration_ms", "logs",
	"network_capture", "artifact_keys", "created_at",
}

var runRowColumns = []string{
	"id", "project_id", "plan_id", "pr_url", "head_sha", "status", "created_at", "finished_at",
}

func TestListExecutionsByTestCase(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	caseID := uuid.New()
	runID := uuid.New()
	since := time.Now().Add(-30 * 24 * time.Hour)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM test_executions WHERE test_case_id = \$1 AND created_at >= \$2 ORDER BY created_at DESC`).
		WithArgs(caseID, since).
		WillReturnRows(sqlmock.NewRows(executionRowColumns).
			AddRow(uuid.New().String(), caseID.String(), runID.String(), "failed", int64(1200), "GET /api/users/1 500", nil, "{}", now).
			AddRow(uuid.New().String(), caseID.String(), runID.String(), "passed", int64(900), "", []byte(`{"log":{"entries":[]}}`), "{shot.png}", now.Add(-time.Hour)))

	execs, err := s.ListExecutionsByTestCase(context.Background(), caseID, since)
	if err != nil {
		t.Fatalf("ListExecutionsByTestCase failed: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	if execs[0].Status != store.ExecutionStatusFailed {
		t.Errorf("got status %s, want failed", execs[0].Status)
	}
	if execs[0].NetworkCapture != nil {
		t.Errorf("expected nil capture, got %s", execs[0].NetworkCapture)
	}
	if len(execs[1].ArtifactKeys) != 1 || execs[1].ArtifactKeys[0] != "shot.png" {
		t.Errorf("unexpected artifact keys: %v", execs[1].ArtifactKeys)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListExecutionsByRuns_Empty(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	execs, err := s.ListExecutionsByRuns(context.Background(), nil)
	if err != nil || execs != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", execs, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database calls: %v", err)
	}
}

func TestListExecutionsByRuns(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runIDs := []uuid.UUID{uuid.New(), uuid.New()}

	mock.ExpectQuery(`SELECT .* FROM test_executions WHERE run_id = ANY\(\$1::uuid\[\]\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(executionRowColumns).
			AddRow(uuid.New().String(), uuid.New().String(), runIDs[0].String(), "passed", int64(10), "POST /api/login 200", nil, "{}", time.Now()))

	execs, err := s.ListExecutionsByRuns(context.Background(), runIDs)
	if err != nil {
		t.Fatalf("ListExecutionsByRuns failed: %v", err)
	}
	if len(execs) != 1 || execs[0].RunID != runIDs[0] {
		t.Errorf("unexpected executions: %+v", execs)
	}
}

func TestListTestCaseIDs(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	projectID := uuid.New()
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT id FROM test_cases WHERE project_id = \$1`).
		WithArgs(projectID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(a.String()).AddRow(b.String()))

	ids, err := s.ListTestCaseIDs(context.Background(), projectID)
	if err != nil {
		t.Fatalf("ListTestCaseIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Errorf("got %v, want [%s %s]", ids, a, b)
	}
}

func TestListRecentRuns(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	projectID := uuid.New()
	planID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM test_runs WHERE project_id = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs(projectID, 10).
		WillReturnRows(sqlmock.NewRows(runRowColumns).
			AddRow(uuid.New().String(), projectID.String(), planID.String(), "https://github.com/o/r/pull/1", "abc", "passed", now, now).
			AddRow(uuid.New().String(), projectID.String(), nil, "", "", "pending", now.Add(-time.Hour), nil))

	runs, err := s.ListRecentRuns(context.Background(), projectID, 0)
	if err != nil {
		t.Fatalf("ListRecentRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].PlanID == nil || *runs[0].PlanID != planID {
		t.Errorf("expected plan id %s, got %v", planID, runs[0].PlanID)
	}
	if runs[1].PlanID != nil {
		t.Errorf("expected nil plan id, got %v", runs[1].PlanID)
	}
	if runs[1].FinishedAt != nil {
		t.Errorf("expected nil finished_at, got %v", runs[1].FinishedAt)
	}
}

func TestListRunsSince_QueryError(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT .* FROM test_runs WHERE project_id = \$1 AND created_at >= \$2 ORDER BY created_at ASC`).
		WillReturnError(sql.ErrConnDone)

	_, err := s.ListRunsSince(context.Background(), uuid.New(), time.Now())
	if !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("expected wrapped ErrConnDone, got %v", err)
	}
}
