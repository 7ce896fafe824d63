package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"qarunner/internal/github"
	"qarunner/internal/logger"
	"qarunner/internal/store"
)

// PlanHandler turns a pull request into a stored TestPlan.
type PlanHandler struct {
	deps Deps
	log  *logger.Logger
}

func (h *PlanHandler) Handle(ctx context.Context, job *store.Job) error {
	var p PlanPayload
	if err := decode(job.Payload, &p); err != nil {
		return err
	}
	if p.ProjectID == uuid.Nil {
		return fmt.Errorf("plan payload requires project_id")
	}
	if h.deps.GitHub == nil {
		return fmt.Errorf("github client is not configured")
	}

	repo, number, err := github.ParsePRURL(p.PRURL)
	if err != nil {
		return err
	}

	pr, err := h.deps.GitHub.GetPullRequest(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("fetching pull request: %w", err)
	}
	diff, err := h.deps.GitHub.GetPullRequestDiff(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("fetching pull request diff: %w", err)
	}

	var resp planResponse
	if err := h.deps.LLM.CompleteJSON(ctx, planSystemPrompt, planPrompt(pr, diff), &resp); err != nil {
		return fmt.Errorf("planning: %w", err)
	}
	scenarios := cleanScenarios(resp.Scenarios)
	if len(scenarios) == 0 {
		return fmt.Errorf("model returned no usable scenarios")
	}

	raw, err := json.Marshal(scenarios)
	if err != nil {
		return fmt.Errorf("marshaling scenarios: %w", err)
	}
	plan := &store.TestPlan{
		ID:        uuid.New(),
		ProjectID: p.ProjectID,
		PRURL:     p.PRURL,
		HeadSHA:   pr.Head.SHA,
		Summary:   strings.TrimSpace(resp.Summary),
		Scenarios: raw,
	}
	if err := h.deps.Store.CreatePlan(ctx, plan); err != nil {
		return fmt.Errorf("storing plan: %w", err)
	}
	h.log.Info("plan created", "plan_id", plan.ID, "repo", repo, "pr", number, "scenarios", len(scenarios))

	// auto_run implies auto_generate.
	if !p.AutoGenerate && !p.AutoRun {
		return nil
	}
	jobID, err := enqueue(ctx, h.deps.Queue, store.JobKindGenerate, GeneratePayload{
		PlanID:    plan.ID,
		AutoRun:   p.AutoRun,
		OpenIssue: p.OpenIssue,
	})
	if err != nil {
		return err
	}
	h.log.Info("generate job enqueued", "plan_id", plan.ID, "job_id", jobID)
	return nil
}

// cleanScenarios drops unnamed scenarios and makes names unique.
func cleanScenarios(in []Scenario) []Scenario {
	seen := make(map[string]int)
	out := make([]Scenario, 0, len(in))
	for _, sc := range in {
		sc.Name = strings.TrimSpace(sc.Name)
		if sc.Name == "" {
			continue
		}
		seen[sc.Name]++
		if n := seen[sc.Name]; n > 1 {
			sc.Name = fmt.Sprintf("%s (%d)", sc.Name, n)
		}
		out = append(out, sc)
	}
	return out
}
