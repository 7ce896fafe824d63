// Package pipeline implements the plan, generate and run job handlers.
//
// A plan job reads a pull request and asks the model for test scenarios.
// A generate job turns the scenarios of a plan into executable test cases.
// A run job executes test cases, records one execution per case and reports
// the outcome back to the pull request.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"qarunner/internal/blob"
	"qarunner/internal/github"
	"qarunner/internal/logger"
	"qarunner/internal/store"
	"qarunner/internal/worker"
	"qarunner/internal/worker/runtime"
	"qarunner/pkg/api"
)

const (
	DefaultTestTimeout = 5 * time.Minute
	DefaultTestFile    = "qarunner.spec.ts"
	CheckRunName       = "qarunner"
)

// DefaultCommand runs the generated Playwright spec inside the work directory.
var DefaultCommand = []string{"npx", "playwright", "test", DefaultTestFile, "--reporter=list"}

// Completer is the model client used for planning and generation.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	CompleteJSON(ctx context.Context, system, user string, out any) error
}

// PullRequests is the GitHub surface the pipeline reads from and reports to.
type PullRequests interface {
	GetPullRequest(ctx context.Context, repo string, number int) (*github.PullRequest, error)
	GetPullRequestDiff(ctx context.Context, repo string, number int) (string, error)
	CreateCheckRun(ctx context.Context, repo string, run github.CheckRun) error
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*github.Issue, error)
}

// Enqueuer schedules follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind store.JobKind, payload json.RawMessage) (int64, error)
}

// Deps are the collaborators shared by the handlers.
// GitHub and Blobs may be nil; reporting and artifact upload are then skipped.
type Deps struct {
	Store   store.PipelineStore
	Queue   Enqueuer
	LLM     Completer
	GitHub  PullRequests
	Runtime runtime.Runtime
	Blobs   blob.Store
	Log     *logger.Logger

	RunnerImage string
	Command     []string
	TestTimeout time.Duration
	// GenerateConcurrency bounds parallel model calls in a generate job.
	GenerateConcurrency int
}

func (d *Deps) withDefaults() {
	if d.Log == nil {
		d.Log = logger.NewNop()
	}
	if len(d.Command) == 0 {
		d.Command = DefaultCommand
	}
	if d.TestTimeout <= 0 {
		d.TestTimeout = DefaultTestTimeout
	}
	if d.GenerateConcurrency <= 0 {
		d.GenerateConcurrency = 4
	}
}

// NewHandlers wires one handler per job kind.
func NewHandlers(d Deps) worker.Handlers {
	d.withDefaults()
	return worker.Handlers{
		Plan:     &PlanHandler{deps: d, log: d.Log.With("handler", "plan")},
		Generate: &GenerateHandler{deps: d, log: d.Log.With("handler", "generate")},
		Run:      &RunHandler{deps: d, log: d.Log.With("handler", "run")},
	}
}

// Job payloads are shared with the API and the CLI.
type (
	PlanPayload     = api.PlanPayload
	GeneratePayload = api.GeneratePayload
	RunPayload      = api.RunPayload
)

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func enqueue(ctx context.Context, q Enqueuer, kind store.JobKind, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	id, err := q.Enqueue(ctx, kind, raw)
	if err != nil {
		return 0, fmt.Errorf("enqueuing %s job: %w", kind, err)
	}
	return id, nil
}
