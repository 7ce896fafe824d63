package pipeline

import (
	"fmt"
	"strings"

	"qarunner/internal/github"
)

// maxPromptDiff caps how much of a diff goes into the planning prompt.
const maxPromptDiff = 60 * 1024

const planSystemPrompt = `You are a senior QA engineer. Given a pull request, propose end-to-end browser test scenarios that exercise the user-visible behaviour it changes.
Reply with JSON only, shaped as:
{"summary": "...", "scenarios": [{"name": "...", "description": "...", "target_url": "...", "steps": ["..."]}]}
Keep scenario names short and unique. Prefer a few high value scenarios over many shallow ones.`

const generateSystemPrompt = `You write Playwright tests in TypeScript. Produce one self-contained spec file using @playwright/test.
Read the base URL from process.env.BASE_URL when target_url is relative.
Reply with the code only.`

// Scenario is one test idea in a plan.
type Scenario struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	TargetURL   string   `json:"target_url"`
	Steps       []string `json:"steps"`
}

type planResponse struct {
	Summary   string     `json:"summary"`
	Scenarios []Scenario `json:"scenarios"`
}

func planPrompt(pr *github.PullRequest, diff string) string {
	if len(diff) > maxPromptDiff {
		diff = diff[:maxPromptDiff] + "\n... (diff truncated)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Pull request #%d: %s\n\n", pr.Number, pr.Title)
	if body := strings.TrimSpace(pr.Body); body != "" {
		fmt.Fprintf(&b, "Description:\n%s\n\n", body)
	}
	fmt.Fprintf(&b, "Diff:\n%s\n", diff)
	return b.String()
}

func generatePrompt(summary string, sc Scenario) string {
	var b strings.Builder
	if summary != "" {
		fmt.Fprintf(&b, "Change summary: %s\n\n", summary)
	}
	fmt.Fprintf(&b, "Scenario: %s\n", sc.Name)
	if sc.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", sc.Description)
	}
	if sc.TargetURL != "" {
		fmt.Fprintf(&b, "target_url: %s\n", sc.TargetURL)
	}
	if len(sc.Steps) > 0 {
		b.WriteString("Steps:\n")
		for i, s := range sc.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	return b.String()
}
