// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job kinds accepted by POST /jobs.
const (
	KindPlan     = "plan"
	KindGenerate = "generate"
	KindRun      = "run"
)

// EnqueueJobRequest is the request body for POST /jobs.
type EnqueueJobRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueueJobResponse is the response body after enqueuing a job.
type EnqueueJobResponse struct {
	JobID int64 `json:"job_id"`
}

// QueueStatsResponse counts jobs by status.
type QueueStatsResponse struct {
	Queued  int64 `json:"queued"`
	Running int64 `json:"running"`
	Done    int64 `json:"done"`
	Error   int64 `json:"error"`
	Total   int64 `json:"total"`
}

// RequeueRequest is the request body for POST /jobs/requeue.
// Durations use Go syntax ("15m"). An empty Lease skips reclaiming running jobs.
type RequeueRequest struct {
	OlderThan   string `json:"older_than,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Lease       string `json:"lease,omitempty"`
}

// RequeueResponse reports how many jobs went back to queued.
type RequeueResponse struct {
	Requeued  int64 `json:"requeued"`
	Reclaimed int64 `json:"reclaimed"`
}

// PlanPayload is the payload of a plan job.
type PlanPayload struct {
	ProjectID    uuid.UUID `json:"project_id"`
	PRURL        string    `json:"pr_url"`
	AutoGenerate bool      `json:"auto_generate,omitempty"`
	AutoRun      bool      `json:"auto_run,omitempty"`
	OpenIssue    bool      `json:"open_issue,omitempty"`
}

// GeneratePayload is the payload of a generate job.
type GeneratePayload struct {
	PlanID    uuid.UUID `json:"plan_id"`
	AutoRun   bool      `json:"auto_run,omitempty"`
	OpenIssue bool      `json:"open_issue,omitempty"`
}

// RunPayload is the payload of a run job.
type RunPayload struct {
	RunID     uuid.UUID `json:"run_id"`
	OpenIssue bool      `json:"open_issue,omitempty"`
}

// FlakyTest is one analyzed test case.
type FlakyTest struct {
	TestCaseID      string    `json:"test_case_id"`
	TotalRuns       int       `json:"total_runs"`
	Passed          int       `json:"passed"`
	Failed          int       `json:"failed"`
	Flaky           int       `json:"flaky"`
	FlakeRate       float64   `json:"flake_rate"`
	ConfidenceLower float64   `json:"confidence_lower"`
	ConfidenceUpper float64   `json:"confidence_upper"`
	IsFlaky         bool      `json:"is_flaky"`
	RiskLevel       string    `json:"risk_level"`
	Reason          string    `json:"reason,omitempty"`
	Recommendation  string    `json:"recommendation"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
}

// FlakyTestsResponse is the response body for a project's flaky tests.
type FlakyTestsResponse struct {
	ProjectID string      `json:"project_id"`
	Days      int         `json:"days"`
	Tests     []FlakyTest `json:"tests"`
}

// FlakySummaryResponse buckets a project's flaky tests by risk.
type FlakySummaryResponse struct {
	ProjectID    string  `json:"project_id"`
	TotalFlaky   int     `json:"total_flaky"`
	AvgFlakeRate float64 `json:"avg_flake_rate"`
	HighRisk     int     `json:"high_risk"`
	MediumRisk   int     `json:"medium_risk"`
	LowRisk      int     `json:"low_risk"`
}

// RouteCoverage is one route of a coverage report.
type RouteCoverage struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	Category   string `json:"category"`
	Tested     bool   `json:"tested"`
	TestCount  int    `json:"test_count"`
	Discovered bool   `json:"discovered"`
}

// CoverageSummary aggregates a coverage report.
type CoverageSummary struct {
	TotalRoutes      int     `json:"total_routes"`
	TestedRoutes     int     `json:"tested_routes"`
	UntestedRoutes   int     `json:"untested_routes"`
	DiscoveredRoutes int     `json:"discovered_routes"`
	CoveragePercent  float64 `json:"coverage_percent"`
	RunsAnalyzed     int     `json:"runs_analyzed"`
}

// CategoryCoverage is the coverage of one route category.
type CategoryCoverage struct {
	Total           int     `json:"total"`
	Tested          int     `json:"tested"`
	Untested        int     `json:"untested"`
	CoveragePercent float64 `json:"coverage_percent"`
}

// CoverageTrendPoint is the cumulative route count after one run.
type CoverageTrendPoint struct {
	Date          time.Time `json:"date"`
	RunID         string    `json:"run_id"`
	RoutesCovered int       `json:"routes_covered"`
}

// CoverageResponse is the response body for a project's coverage report.
type CoverageResponse struct {
	ProjectID        string                      `json:"project_id"`
	Summary          CoverageSummary             `json:"summary"`
	ByCategory       map[string]CategoryCoverage `json:"by_category"`
	Routes           []RouteCoverage             `json:"routes"`
	UntestedCritical []RouteCoverage             `json:"untested_critical"`
	Discovered       []RouteCoverage             `json:"discovered"`
	Trends           []CoverageTrendPoint        `json:"trends"`
	GeneratedAt      time.Time                   `json:"generated_at"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
