package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"qarunner/internal/llm"
	"qarunner/internal/logger"
	"qarunner/internal/store"
)

// GenerateHandler writes one test case per plan scenario.
type GenerateHandler struct {
	deps Deps
	log  *logger.Logger
}

func (h *GenerateHandler) Handle(ctx context.Context, job *store.Job) error {
	var p GeneratePayload
	if err := decode(job.Payload, &p); err != nil {
		return err
	}

	plan, err := h.deps.Store.GetPlan(ctx, p.PlanID)
	if err != nil {
		return fmt.Errorf("loading plan %s: %w", p.PlanID, err)
	}

	var scenarios []Scenario
	if err := json.Unmarshal(plan.Scenarios, &scenarios); err != nil {
		return fmt.Errorf("decoding scenarios of plan %s: %w", plan.ID, err)
	}
	if len(scenarios) == 0 {
		return fmt.Errorf("plan %s has no scenarios", plan.ID)
	}

	cases := make([]store.TestCase, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.deps.GenerateConcurrency)
	for i, sc := range scenarios {
		g.Go(func() error {
			text, err := h.deps.LLM.Complete(gctx, generateSystemPrompt, generatePrompt(plan.Summary, sc))
			if err != nil {
				return fmt.Errorf("generating %q: %w", sc.Name, err)
			}
			code := llm.StripCodeFence(text)
			if strings.TrimSpace(code) == "" {
				return fmt.Errorf("model returned empty code for %q", sc.Name)
			}
			cases[i] = store.TestCase{
				ID:        uuid.New(),
				ProjectID: plan.ProjectID,
				PlanID:    &plan.ID,
				Name:      sc.Name,
				TargetURL: sc.TargetURL,
				Code:      code,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := h.deps.Store.CreateTestCases(ctx, cases); err != nil {
		return fmt.Errorf("storing test cases: %w", err)
	}
	h.log.Info("test cases generated", "plan_id", plan.ID, "count", len(cases))

	if !p.AutoRun {
		return nil
	}
	planID := plan.ID
	run := &store.TestRun{
		ID:        uuid.New(),
		ProjectID: plan.ProjectID,
		PlanID:    &planID,
		PRURL:     plan.PRURL,
		HeadSHA:   plan.HeadSHA,
		Status:    store.RunStatusPending,
	}
	if err := h.deps.Store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	jobID, err := enqueue(ctx, h.deps.Queue, store.JobKindRun, RunPayload{RunID: run.ID, OpenIssue: p.OpenIssue})
	if err != nil {
		return err
	}
	h.log.Info("run job enqueued", "run_id", run.ID, "job_id", jobID)
	return nil
}
