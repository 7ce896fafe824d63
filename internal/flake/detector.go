// Package flake turns test execution history into flakiness verdicts.
package flake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"qarunner/internal/logger"
	"qarunner/internal/stats"
	"qarunner/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ReasonInsufficientData marks an analysis with no executions in the window.
const ReasonInsufficientData = "insufficient_data"

// DefaultWindowDays is the history window used when Options leaves it unset.
const DefaultWindowDays = 30

// Risk bands, in percent.
const (
	HighRiskThreshold   = 30.0
	MediumRiskThreshold = 15.0
	LowRiskThreshold    = 5.0
)

// Options tunes one analysis.
type Options struct {
	TimeWindowDays int          `json:"time_window_days"`
	Stats          stats.Config `json:"stats"`
}

func (o Options) withDefaults() Options {
	if o.TimeWindowDays <= 0 {
		o.TimeWindowDays = DefaultWindowDays
	}
	o.Stats = o.Stats.WithDefaults()
	return o
}

// Analysis is the flakiness verdict for one test case.
type Analysis struct {
	TestCaseID         uuid.UUID      `json:"test_case_id"`
	TotalRuns          int            `json:"total_runs"`
	Passed             int            `json:"passed"`
	Failed             int            `json:"failed"`
	Flaky              int            `json:"flaky"`
	FlakeRate          float64        `json:"flake_rate"`
	ConfidenceInterval stats.Interval `json:"confidence_interval"`
	IsFlaky            bool           `json:"is_flaky"`
	Reason             string         `json:"reason,omitempty"`
	Patterns           Patterns       `json:"patterns"`
	Recommendation     string         `json:"recommendation"`
	AnalyzedAt         time.Time      `json:"analyzed_at"`
}

// Counts returns the outcome counts the verdict was computed from.
func (a *Analysis) Counts() stats.Counts {
	return stats.Counts{Total: a.TotalRuns, Passed: a.Passed, Failed: a.Failed, Flaky: a.Flaky}
}

// Summary aggregates the precomputed flaky-test view of a project.
type Summary struct {
	TotalFlaky   int     `json:"total_flaky"`
	AvgFlakeRate float64 `json:"avg_flake_rate"`
	HighRisk     int     `json:"high_risk"`
	MediumRisk   int     `json:"medium_risk"`
	LowRisk      int     `json:"low_risk"`
}

// Detector analyzes execution history. It only reads history and only writes
// the flaky-test view, so concurrent analyses are safe.
type Detector struct {
	history     store.ExecutionHistory
	view        store.FlakyTestStore
	log         *logger.Logger
	now         func() time.Time
	concurrency int
}

// NewDetector creates a Detector. view may be nil, in which case project
// analyses are not persisted and Summary is unavailable.
func NewDetector(history store.ExecutionHistory, view store.FlakyTestStore, log *logger.Logger) *Detector {
	if log == nil {
		log = logger.NewNop()
	}
	return &Detector{
		history:     history,
		view:        view,
		log:         log.With("component", "flake"),
		now:         time.Now,
		concurrency: 8,
	}
}

// AnalyzeTest judges one test case over the configured window.
func (d *Detector) AnalyzeTest(ctx context.Context, testCaseID uuid.UUID, opts Options) (*Analysis, error) {
	opts = opts.withDefaults()
	now := d.now()
	since := now.AddDate(0, 0, -opts.TimeWindowDays)

	execs, err := d.history.ListExecutionsByTestCase(ctx, testCaseID, since)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", testCaseID, err)
	}

	a := &Analysis{TestCaseID: testCaseID, AnalyzedAt: now}
	if len(execs) == 0 {
		a.Reason = ReasonInsufficientData
		a.Patterns = Patterns{FailuresByHour: map[int]int{}, PeakFailureHour: -1}
		a.Recommendation = "Not enough executions in the window to judge flakiness."
		return a, nil
	}

	a.TotalRuns = len(execs)
	for _, e := range execs {
		switch e.Status {
		case store.ExecutionStatusPassed:
			a.Passed++
		case store.ExecutionStatusFailed:
			a.Failed++
		case store.ExecutionStatusFlaky:
			a.Flaky++
		}
	}

	counts := a.Counts()
	a.IsFlaky = stats.IsFlaky(counts, opts.Stats)
	a.FlakeRate = stats.FlakeRate(a.Passed, a.Failed, a.Flaky)
	a.ConfidenceInterval = stats.ConfidenceInterval(counts.Failures(), a.TotalRuns, opts.Stats.ConfidenceLevel)
	a.Patterns = AnalyzePatterns(execs)
	a.Recommendation = Recommend(a)
	return a, nil
}

// AnalyzeProject analyzes every test case in a project and returns only the
// flaky ones, highest rate first. A test whose history cannot be analyzed is
// logged and skipped. The result replaces the project's flaky-test view.
func (d *Detector) AnalyzeProject(ctx context.Context, projectID uuid.UUID, opts Options) ([]Analysis, error) {
	ids, err := d.history.ListTestCaseIDs(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing test cases for project %s: %w", projectID, err)
	}

	var (
		mu    sync.Mutex
		flaky []Analysis
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			a, err := d.AnalyzeTest(gctx, id, opts)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				d.log.Warn("skipping test case", "project_id", projectID, "test_case_id", id, "error", err)
				return nil
			}
			if a.IsFlaky {
				mu.Lock()
				flaky = append(flaky, *a)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(flaky, func(i, j int) bool {
		if flaky[i].FlakeRate != flaky[j].FlakeRate {
			return flaky[i].FlakeRate > flaky[j].FlakeRate
		}
		return flaky[i].TestCaseID.String() < flaky[j].TestCaseID.String()
	})

	if d.view != nil {
		rows := make([]store.FlakyTest, len(flaky))
		for i, a := range flaky {
			rows[i] = store.FlakyTest{ProjectID: projectID, TestCaseID: a.TestCaseID, FlakeRate: a.FlakeRate, AnalyzedAt: a.AnalyzedAt}
		}
		if err := d.view.ReplaceFlakyTests(ctx, projectID, rows); err != nil {
			d.log.Warn("failed to persist flaky tests", "project_id", projectID, "error", err)
		}
	}

	d.log.Info("project flake analysis complete", "project_id", projectID, "tests", len(ids), "flaky", len(flaky))
	return flaky, nil
}

// Summary aggregates the project's flaky-test view into risk buckets.
func (d *Detector) Summary(ctx context.Context, projectID uuid.UUID) (*Summary, error) {
	if d.view == nil {
		return nil, fmt.Errorf("flaky-test view is not configured")
	}
	rows, err := d.view.ListFlakyTests(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return Summarize(rows), nil
}

// Summarize buckets flaky-test rows by risk.
func Summarize(rows []store.FlakyTest) *Summary {
	s := &Summary{TotalFlaky: len(rows)}
	if len(rows) == 0 {
		return s
	}

	var sum float64
	for _, r := range rows {
		sum += r.FlakeRate
		switch RiskLevel(r.FlakeRate) {
		case "high":
			s.HighRisk++
		case "moderate":
			s.MediumRisk++
		case "low":
			s.LowRisk++
		}
	}
	s.AvgFlakeRate = sum / float64(len(rows))
	return s
}

// RiskLevel buckets a flake rate: high above 30%, moderate from 15%,
// low from 5%, and "minimal" below that.
func RiskLevel(rate float64) string {
	switch {
	case rate > HighRiskThreshold:
		return "high"
	case rate >= MediumRiskThreshold:
		return "moderate"
	case rate >= LowRiskThreshold:
		return "low"
	default:
		return "minimal"
	}
}

// Recommend writes a human-readable next step for an analysis.
func Recommend(a *Analysis) string {
	if a.Reason == ReasonInsufficientData {
		return "Not enough executions in the window to judge flakiness."
	}
	counts := a.Counts()
	if !a.IsFlaky {
		if a.Passed == 0 && counts.Failures() > 0 {
			return "Test fails consistently. Treat it as a bug, not a flake."
		}
		return "Test is stable within the analysis window."
	}

	var b strings.Builder
	switch {
	case a.FlakeRate > HighRiskThreshold:
		fmt.Fprintf(&b, "High flake rate (%.1f%%). Quarantine this test and investigate immediately.", a.FlakeRate)
	case a.FlakeRate >= MediumRiskThreshold:
		fmt.Fprintf(&b, "Moderate flake rate (%.1f%%). Review waits, selectors and test data setup.", a.FlakeRate)
	default:
		fmt.Fprintf(&b, "Low flake rate (%.1f%%). Keep monitoring.", a.FlakeRate)
	}

	p := a.Patterns
	if p.AlternationRate > 0.5 {
		b.WriteString(" Results alternate between pass and fail, which points at timing or race conditions.")
	}
	if p.MaxConsecutiveFailures > 2 {
		fmt.Fprintf(&b, " Failures come in streaks of up to %d runs, which points at an environment or dependency problem.", p.MaxConsecutiveFailures)
	}
	if p.PeakFailureHour >= 0 {
		fmt.Fprintf(&b, " Most failures happen around %02d:00 UTC.", p.PeakFailureHour)
	}
	return b.String()
}
