package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDirtySchema means a migration failed half way and needs manual repair.
var ErrDirtySchema = errors.New("database schema is dirty")

// MigrationsTable is where golang-migrate records the applied schema version.
const MigrationsTable = "qarunner_schema_migrations"

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ExecutionHistory is the read side of test execution history.
// All listings of executions are ordered newest first.
type ExecutionHistory interface {
	// ListExecutionsByTestCase returns the executions of one test case created at or after since.
	ListExecutionsByTestCase(ctx context.Context, testCaseID uuid.UUID, since time.Time) ([]TestExecution, error)

	// ListExecutionsByRuns returns every execution belonging to the given runs.
	ListExecutionsByRuns(ctx context.Context, runIDs []uuid.UUID) ([]TestExecution, error)

	// ListTestCaseIDs returns the ids of all test cases in a project.
	ListTestCaseIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error)

	// ListRecentRuns returns the latest limit runs of a project, newest first.
	ListRecentRuns(ctx context.Context, projectID uuid.UUID, limit int) ([]TestRun, error)

	// ListRunsSince returns the runs of a project created at or after since, oldest first.
	ListRunsSince(ctx context.Context, projectID uuid.UUID, since time.Time) ([]TestRun, error)
}

// FlakyTestStore persists the precomputed flaky-test view.
type FlakyTestStore interface {
	// ReplaceFlakyTests swaps the project's flaky-test rows for tests.
	ReplaceFlakyTests(ctx context.Context, projectID uuid.UUID, tests []FlakyTest) error

	// ListFlakyTests returns the project's flaky-test rows.
	ListFlakyTests(ctx context.Context, projectID uuid.UUID) ([]FlakyTest, error)
}

// PipelineStore handles plans, test cases, runs and the executions they produce.
type PipelineStore interface {
	CreatePlan(ctx context.Context, plan *TestPlan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*TestPlan, error)

	CreateTestCases(ctx context.Context, cases []TestCase) error
	ListTestCasesByPlan(ctx context.Context, planID uuid.UUID) ([]TestCase, error)
	ListTestCasesByProject(ctx context.Context, projectID uuid.UUID) ([]TestCase, error)

	CreateRun(ctx context.Context, run *TestRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*TestRun, error)
	// FinishRun sets the final status of a run and stamps finished_at.
	FinishRun(ctx context.Context, id uuid.UUID, status RunStatus) error
	StartRun(ctx context.Context, id uuid.UUID) error

	// RecordExecution inserts one immutable execution record.
	RecordExecution(ctx context.Context, exec *TestExecution) error
	ListExecutionsByRuns(ctx context.Context, runIDs []uuid.UUID) ([]TestExecution, error)
}

// Store is everything a qarunner backend provides.
type Store interface {
	JobQueue
	ExecutionHistory
	FlakyTestStore
	PipelineStore
	Ping(ctx context.Context) error
	Close() error
}
