package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"qarunner/internal/blob"
	"qarunner/internal/github"
	"qarunner/internal/logger"
	"qarunner/internal/store"
	"qarunner/internal/worker/runtime"
)

const (
	maxLogBytes      = 256 * 1024
	maxArtifactBytes = 50 << 20
	stopGrace        = 10 * time.Second
)

// Files the runner may leave in its result directory.
const (
	resultStatusFile = "status"
	networkFileHAR   = "network.har"
	networkFileJSON  = "network.json"
)

// RunHandler executes the test cases of a run.
type RunHandler struct {
	deps Deps
	log  *logger.Logger
}

func (h *RunHandler) Handle(ctx context.Context, job *store.Job) error {
	var p RunPayload
	if err := decode(job.Payload, &p); err != nil {
		return err
	}
	if h.deps.Runtime == nil {
		return fmt.Errorf("no test runtime configured")
	}

	run, err := h.deps.Store.GetRun(ctx, p.RunID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", p.RunID, err)
	}
	if run.FinishedAt != nil {
		h.log.Info("run already finished", "run_id", run.ID, "status", run.Status)
		return nil
	}

	var cases []store.TestCase
	if run.PlanID != nil {
		cases, err = h.deps.Store.ListTestCasesByPlan(ctx, *run.PlanID)
	} else {
		cases, err = h.deps.Store.ListTestCasesByProject(ctx, run.ProjectID)
	}
	if err != nil {
		return fmt.Errorf("listing test cases: %w", err)
	}

	if err := h.deps.Store.StartRun(ctx, run.ID); err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	log := h.log.With("run_id", run.ID)

	// A retried job resumes the run: cases recorded by an earlier attempt
	// keep their execution and are not started again.
	prior, err := h.deps.Store.ListExecutionsByRuns(ctx, []uuid.UUID{run.ID})
	if err != nil {
		return fmt.Errorf("loading recorded executions: %w", err)
	}
	recorded := make(map[uuid.UUID]store.TestExecution, len(prior))
	for _, e := range prior {
		recorded[e.TestCaseID] = e
	}
	log.Info("run started", "test_cases", len(cases), "already_recorded", len(recorded))

	results := make([]store.TestExecution, 0, len(cases))
	for _, tc := range cases {
		if exec, ok := recorded[tc.ID]; ok {
			results = append(results, exec)
			continue
		}
		exec := h.execute(ctx, run, tc)
		if err := h.deps.Store.RecordExecution(ctx, &exec); err != nil {
			return fmt.Errorf("recording execution of %s: %w", tc.ID, err)
		}
		log.Info("test case executed", "test_case_id", tc.ID, "name", tc.Name, "status", exec.Status, "duration_ms", exec.DurationMs)
		results = append(results, exec)
	}

	status := RunOutcome(results)
	if err := h.deps.Store.FinishRun(ctx, run.ID, status); err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	log.Info("run finished", "status", status)

	h.report(ctx, run, cases, results, status, p.OpenIssue)
	return nil
}

// RunOutcome is failed when any execution failed or errored, passed otherwise.
func RunOutcome(results []store.TestExecution) store.RunStatus {
	for _, r := range results {
		if r.Status.IsFailure() || r.Status == store.ExecutionStatusError {
			return store.RunStatusFailed
		}
	}
	return store.RunStatusPassed
}

// execute runs one test case. Infrastructure problems become an error execution
// rather than failing the job, so the remaining cases still run.
func (h *RunHandler) execute(ctx context.Context, run *store.TestRun, tc store.TestCase) (exec store.TestExecution) {
	exec = store.TestExecution{
		ID:         uuid.New(),
		TestCaseID: tc.ID,
		RunID:      run.ID,
	}
	start := time.Now()
	defer func() { exec.DurationMs = time.Since(start).Milliseconds() }()

	env := map[string]string{"CI": "1"}
	if tc.TargetURL != "" {
		env["BASE_URL"] = tc.TargetURL
	}

	handle, err := h.deps.Runtime.Start(ctx, runtime.StartOptions{
		ID:      exec.ID.String(),
		Image:   h.deps.RunnerImage,
		Command: h.deps.Command,
		Env:     env,
		Files:   map[string]string{DefaultTestFile: tc.Code},
		Timeout: h.deps.TestTimeout,
	})
	if err != nil {
		exec.Status = store.ExecutionStatusError
		exec.Logs = fmt.Sprintf("failed to start test: %v", err)
		return exec
	}
	defer func() {
		if err := handle.Cleanup(); err != nil {
			h.log.Warn("runtime cleanup failed", "execution_id", exec.ID, "error", err)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, h.deps.TestTimeout)
	result, waitErr := handle.Wait(waitCtx)
	cancel()
	if waitErr != nil {
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
		if err := handle.Stop(stopCtx); err != nil {
			h.log.Warn("failed to stop test", "execution_id", exec.ID, "error", err)
		}
		stopCancel()
	}

	exec.Logs = h.collectLogs(ctx, handle)
	exec.Status = statusFromExit(result, waitErr)

	if dir := handle.ResultDir(); dir != "" {
		if override, ok := readStatusFile(dir); ok {
			exec.Status = override
		}
		exec.NetworkCapture = readNetworkCapture(dir)
		exec.ArtifactKeys = h.uploadArtifacts(ctx, run.ID, exec.ID, dir)
	}
	if waitErr != nil {
		exec.Logs += fmt.Sprintf("\n[qarunner] test did not finish: %v", waitErr)
	}
	return exec
}

func statusFromExit(res runtime.ExitResult, waitErr error) store.ExecutionStatus {
	switch {
	case waitErr != nil || res.Error != nil:
		return store.ExecutionStatusError
	case res.ExitCode == 0:
		return store.ExecutionStatusPassed
	default:
		return store.ExecutionStatusFailed
	}
}

func (h *RunHandler) collectLogs(ctx context.Context, handle runtime.Handle) string {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
	defer cancel()

	rc, err := handle.StreamLogs(logCtx)
	if err != nil {
		return fmt.Sprintf("[qarunner] logs unavailable: %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(io.LimitReader(rc, maxLogBytes))
	return string(data)
}

// readStatusFile lets the runner report an outcome the exit code cannot carry,
// such as a test that passed only on retry.
func readStatusFile(dir string) (store.ExecutionStatus, bool) {
	data, err := os.ReadFile(filepath.Join(dir, resultStatusFile))
	if err != nil {
		return "", false
	}
	switch s := store.ExecutionStatus(strings.ToLower(strings.TrimSpace(string(data)))); s {
	case store.ExecutionStatusPassed, store.ExecutionStatusFailed, store.ExecutionStatusFlaky,
		store.ExecutionStatusSkipped, store.ExecutionStatusError:
		return s, true
	}
	return "", false
}

func readNetworkCapture(dir string) json.RawMessage {
	for _, name := range []string{networkFileHAR, networkFileJSON} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if json.Valid(data) {
			return json.RawMessage(data)
		}
	}
	return nil
}

// uploadArtifacts stores every regular file of the result directory.
// Upload errors are logged and the file is skipped.
func (h *RunHandler) uploadArtifacts(ctx context.Context, runID, execID uuid.UUID, dir string) []string {
	if h.deps.Blobs == nil {
		return nil
	}
	prefix := path.Join("runs", runID.String(), execID.String())

	var keys []string
	_ = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() == resultStatusFile {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxArtifactBytes {
			h.log.Warn("skipping artifact", "path", p, "error", err)
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			h.log.Warn("reading artifact failed", "path", p, "error", err)
			return nil
		}
		key := blob.NewKey(prefix, d.Name())
		if err := h.deps.Blobs.Put(ctx, key, bytes.NewReader(data)); err != nil {
			h.log.Warn("uploading artifact failed", "key", key, "error", err)
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	return keys
}

// report posts a check run and, when asked, opens an issue for a failed run.
// Reporting failures are logged only: the run itself is already recorded.
func (h *RunHandler) report(ctx context.Context, run *store.TestRun, cases []store.TestCase, results []store.TestExecution, status store.RunStatus, openIssue bool) {
	if h.deps.GitHub == nil || run.PRURL == "" {
		return
	}
	repo, _, err := github.ParsePRURL(run.PRURL)
	if err != nil {
		h.log.Warn("cannot report run", "run_id", run.ID, "error", err)
		return
	}

	title, summary := Summarize(cases, results)
	if run.HeadSHA != "" {
		check := github.CheckRun{Name: CheckRunName, HeadSHA: run.HeadSHA, Conclusion: "success"}
		if status == store.RunStatusFailed {
			check.Conclusion = "failure"
		}
		check.Output.Title = title
		check.Output.Summary = summary
		if err := h.deps.GitHub.CreateCheckRun(ctx, repo, check); err != nil {
			h.log.Warn("creating check run failed", "run_id", run.ID, "error", err)
		}
	}

	if openIssue && status == store.RunStatusFailed {
		body := fmt.Sprintf("Run `%s` for %s failed.\n\n%s", run.ID, run.PRURL, summary)
		issue, err := h.deps.GitHub.CreateIssue(ctx, repo, "qarunner: "+title, body, []string{"qa"})
		if err != nil {
			h.log.Warn("creating issue failed", "run_id", run.ID, "error", err)
			return
		}
		h.log.Info("issue opened", "run_id", run.ID, "issue", issue.Number)
	}
}

// Summarize renders a one-line title and a markdown table of results.
func Summarize(cases []store.TestCase, results []store.TestExecution) (string, string) {
	names := make(map[uuid.UUID]string, len(cases))
	for _, c := range cases {
		names[c.ID] = c.Name
	}

	failed := 0
	var b strings.Builder
	b.WriteString("| Test | Status | Duration |\n|---|---|---|\n")
	for _, r := range results {
		if r.Status.IsFailure() || r.Status == store.ExecutionStatusError {
			failed++
		}
		name := names[r.TestCaseID]
		if name == "" {
			name = r.TestCaseID.String()
		}
		fmt.Fprintf(&b, "| %s | %s | %.1fs |\n", name, r.Status, float64(r.DurationMs)/1000)
	}

	title := fmt.Sprintf("All %d tests passed", len(results))
	if failed > 0 {
		title = fmt.Sprintf("%d of %d tests failed", failed, len(results))
	}
	return title, b.String()
}
