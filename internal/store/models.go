// Package store contains the database layer for qarunner.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind identifies which handler processes a job.
type JobKind string

const (
	JobKindPlan     JobKind = "plan"
	JobKindGenerate JobKind = "generate"
	JobKindRun      JobKind = "run"
)

// Valid reports whether k is one of the known job kinds.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindPlan, JobKindGenerate, JobKindRun:
		return true
	}
	return false
}

// JobStatus represents the state of a job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// Job is a unit of asynchronous work.
type Job struct {
	ID          int64
	Kind        JobKind
	Payload     json.RawMessage
	Status      JobStatus
	Attempts    int
	LastError   *string
	ScheduledAt time.Time
	LockedBy    *string
	LockedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}

// QueueStats counts jobs by status.
type QueueStats struct {
	Queued  int64 `json:"queued"`
	Running int64 `json:"running"`
	Done    int64 `json:"done"`
	Error   int64 `json:"error"`
}

// Total is the number of jobs across all statuses.
func (s QueueStats) Total() int64 {
	return s.Queued + s.Running + s.Done + s.Error
}

// Set assigns the count for one status. Unknown statuses are ignored.
func (s *QueueStats) Set(status JobStatus, n int64) {
	switch status {
	case JobStatusQueued:
		s.Queued = n
	case JobStatusRunning:
		s.Running = n
	case JobStatusDone:
		s.Done = n
	case JobStatusError:
		s.Error = n
	}
}

// ExecutionStatus is the outcome of one test case execution.
type ExecutionStatus string

const (
	ExecutionStatusPassed  ExecutionStatus = "passed"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusFlaky   ExecutionStatus = "flaky"
	ExecutionStatusSkipped ExecutionStatus = "skipped"
	ExecutionStatusError   ExecutionStatus = "error"
)

// IsFailure reports whether the status counts against a test's reliability.
func (s ExecutionStatus) IsFailure() bool {
	return s == ExecutionStatusFailed || s == ExecutionStatusFlaky
}

// TestExecution is one outcome of running one test case within one run.
// Records are immutable once written.
type TestExecution struct {
	ID             uuid.UUID
	TestCaseID     uuid.UUID
	RunID          uuid.UUID
	Status         ExecutionStatus
	DurationMs     int64
	Logs           string
	NetworkCapture json.RawMessage
	ArtifactKeys   []string
	CreatedAt      time.Time
}

// RunStatus represents the state of a test run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
)

// TestRun groups the executions of a set of test cases.
type TestRun struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	PlanID     *uuid.UUID
	PRURL      string
	HeadSHA    string
	Status     RunStatus
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// TestPlan is the scenario list produced for a pull request.
type TestPlan struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	PRURL     string
	HeadSHA   string
	Summary   string
	Scenarios json.RawMessage
	CreatedAt time.Time
}

// TestCase is a generated, executable end-to-end test.
type TestCase struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	PlanID    *uuid.UUID
	Name      string
	TargetURL string
	Code      string
	CreatedAt time.Time
}

// FlakyTest is one row of the precomputed flaky-test view.
type FlakyTest struct {
	ProjectID  uuid.UUID
	TestCaseID uuid.UUID
	FlakeRate  float64
	AnalyzedAt time.Time
}
