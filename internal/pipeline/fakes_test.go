package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"qarunner/internal/github"
	"qarunner/internal/store"
	"qarunner/internal/worker/runtime"
)

type memStore struct {
	mu         sync.Mutex
	plans      map[uuid.UUID]*store.TestPlan
	cases      []store.TestCase
	runs       map[uuid.UUID]*store.TestRun
	executions []store.TestExecution
	started    []uuid.UUID
	recordErr  error
}

func newMemStore() *memStore {
	return &memStore{plans: map[uuid.UUID]*store.TestPlan{}, runs: map[uuid.UUID]*store.TestRun{}}
}

func (m *memStore) CreatePlan(ctx context.Context, plan *store.TestPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *plan
	m.plans[plan.ID] = &cp
	return nil
}

func (m *memStore) GetPlan(ctx context.Context, id uuid.UUID) (*store.TestPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) CreateTestCases(ctx context.Context, cases []store.TestCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases = append(m.cases, cases...)
	return nil
}

func (m *memStore) ListTestCasesByPlan(ctx context.Context, planID uuid.UUID) ([]store.TestCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TestCase
	for _, c := range m.cases {
		if c.PlanID != nil && *c.PlanID == planID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) ListTestCasesByProject(ctx context.Context, projectID uuid.UUID) ([]store.TestCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TestCase
	for _, c := range m.cases {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) CreateRun(ctx context.Context, run *store.TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetRun(ctx context.Context, id uuid.UUID) (*store.TestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) FinishRun(ctx context.Context, id uuid.UUID, status store.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	r.Status = status
	r.FinishedAt = &now
	return nil
}

func (m *memStore) StartRun(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		r.Status = store.RunStatusRunning
	}
	m.started = append(m.started, id)
	return nil
}

func (m *memStore) RecordExecution(ctx context.Context, exec *store.TestExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.executions = append(m.executions, *exec)
	return nil
}

func (m *memStore) ListExecutionsByRuns(ctx context.Context, runIDs []uuid.UUID) ([]store.TestExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TestExecution
	for _, e := range m.executions {
		for _, id := range runIDs {
			if e.RunID == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

type enqueued struct {
	Kind    store.JobKind
	Payload json.RawMessage
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, kind store.JobKind, payload json.RawMessage) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	q.jobs = append(q.jobs, enqueued{Kind: kind, Payload: payload})
	return int64(len(q.jobs)), nil
}

type fakeLLM struct {
	mu       sync.Mutex
	planJSON string
	code     func(user string) (string, error)
	prompts  []string
}

func (f *fakeLLM) Complete(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, user)
	f.mu.Unlock()
	if f.code == nil {
		return "```ts\ntest('ok', async () => {})\n```", nil
	}
	return f.code(user)
}

func (f *fakeLLM) CompleteJSON(ctx context.Context, system, user string, out any) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, user)
	f.mu.Unlock()
	return json.Unmarshal([]byte(f.planJSON), out)
}

type fakeGitHub struct {
	pr       github.PullRequest
	diff     string
	prErr    error
	checks   []github.CheckRun
	issues   []string
	checkErr error
}

func (f *fakeGitHub) GetPullRequest(ctx context.Context, repo string, number int) (*github.PullRequest, error) {
	if f.prErr != nil {
		return nil, f.prErr
	}
	pr := f.pr
	pr.Number = number
	return &pr, nil
}

func (f *fakeGitHub) GetPullRequestDiff(ctx context.Context, repo string, number int) (string, error) {
	return f.diff, nil
}

func (f *fakeGitHub) CreateCheckRun(ctx context.Context, repo string, run github.CheckRun) error {
	f.checks = append(f.checks, run)
	return f.checkErr
}

func (f *fakeGitHub) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*github.Issue, error) {
	f.issues = append(f.issues, title)
	return &github.Issue{Number: len(f.issues)}, nil
}

// fakeOutcome scripts what a fake handle reports.
type fakeOutcome struct {
	exitCode  int
	logs      string
	waitErr   error
	resultDir string
	startErr  error
	block     bool
}

type fakeRuntime struct {
	mu       sync.Mutex
	outcomes map[string]fakeOutcome // keyed by a substring of the test code
	started  []runtime.StartOptions
	handles  []*fakeHandle
}

func (r *fakeRuntime) Start(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, opts)

	var out fakeOutcome
	for marker, o := range r.outcomes {
		if strings.Contains(opts.Files[DefaultTestFile], marker) {
			out = o
		}
	}
	if out.startErr != nil {
		return nil, out.startErr
	}
	h := &fakeHandle{out: out}
	r.handles = append(r.handles, h)
	return h, nil
}

type fakeHandle struct {
	out     fakeOutcome
	stopped bool
	cleaned bool
}

func (h *fakeHandle) Wait(ctx context.Context) (runtime.ExitResult, error) {
	if h.out.block {
		<-ctx.Done()
		return runtime.ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
	if h.out.waitErr != nil {
		return runtime.ExitResult{ExitCode: -1, Error: h.out.waitErr}, h.out.waitErr
	}
	return runtime.ExitResult{ExitCode: h.out.exitCode}, nil
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.stopped = true
	return nil
}

func (h *fakeHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(h.out.logs)), nil
}

func (h *fakeHandle) ResultDir() string { return h.out.resultDir }

func (h *fakeHandle) Cleanup() error {
	h.cleaned = true
	return nil
}

var errBoom = errors.New("boom")
