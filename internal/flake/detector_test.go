package flake

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"qarunner/internal/logger"
	"qarunner/internal/stats"
	"qarunner/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// mockHistory serves executions from memory and records the flaky view.
type mockHistory struct {
	mu       sync.Mutex
	execs    map[uuid.UUID][]store.TestExecution
	cases    map[uuid.UUID][]uuid.UUID
	failFor  map[uuid.UUID]error
	lastFrom time.Time
	view     map[uuid.UUID][]store.FlakyTest
}

func newMockHistory() *mockHistory {
	return &mockHistory{
		execs:   map[uuid.UUID][]store.TestExecution{},
		cases:   map[uuid.UUID][]uuid.UUID{},
		failFor: map[uuid.UUID]error{},
		view:    map[uuid.UUID][]store.FlakyTest{},
	}
}

// add stores outcomes oldest first; the listing returns them newest first.
func (m *mockHistory) add(projectID, testCaseID uuid.UUID, statuses ...store.ExecutionStatus) {
	m.cases[projectID] = append(m.cases[projectID], testCaseID)
	for i, s := range statuses {
		e := store.TestExecution{
			ID:         uuid.New(),
			TestCaseID: testCaseID,
			Status:     s,
			CreatedAt:  baseTime.Add(-time.Duration(len(statuses)-i) * time.Hour),
		}
		m.execs[testCaseID] = append([]store.TestExecution{e}, m.execs[testCaseID]...)
	}
}

func (m *mockHistory) ListExecutionsByTestCase(ctx context.Context, id uuid.UUID, since time.Time) ([]store.TestExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFrom = since
	if err := m.failFor[id]; err != nil {
		return nil, err
	}
	var out []store.TestExecution
	for _, e := range m.execs[id] {
		if !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockHistory) ListExecutionsByRuns(ctx context.Context, runIDs []uuid.UUID) ([]store.TestExecution, error) {
	return nil, nil
}

func (m *mockHistory) ListTestCaseIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	return m.cases[projectID], nil
}

func (m *mockHistory) ListRecentRuns(ctx context.Context, projectID uuid.UUID, limit int) ([]store.TestRun, error) {
	return nil, nil
}

func (m *mockHistory) ListRunsSince(ctx context.Context, projectID uuid.UUID, since time.Time) ([]store.TestRun, error) {
	return nil, nil
}

func (m *mockHistory) ReplaceFlakyTests(ctx context.Context, projectID uuid.UUID, tests []store.FlakyTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.view[projectID] = tests
	return nil
}

func (m *mockHistory) ListFlakyTests(ctx context.Context, projectID uuid.UUID) ([]store.FlakyTest, error) {
	return m.view[projectID], nil
}

func newTestDetector(h *mockHistory) *Detector {
	d := NewDetector(h, h, logger.NewNop())
	d.now = func() time.Time { return baseTime }
	return d
}

const (
	pass  = store.ExecutionStatusPassed
	fail  = store.ExecutionStatusFailed
	flaky = store.ExecutionStatusFlaky
	skip  = store.ExecutionStatusSkipped
)

func TestAnalyzeTest_AlternatingHistory(t *testing.T) {
	h := newMockHistory()
	project, tc := uuid.New(), uuid.New()
	h.add(project, tc, pass, fail, pass, fail, pass)

	a, err := newTestDetector(h).AnalyzeTest(context.Background(), tc, Options{})
	if err != nil {
		t.Fatalf("AnalyzeTest failed: %v", err)
	}

	if a.TotalRuns != 5 || a.Passed != 3 || a.Failed != 2 {
		t.Errorf("unexpected counts: %+v", a.Counts())
	}
	if a.FlakeRate != 40 {
		t.Errorf("FlakeRate = %v, want 40", a.FlakeRate)
	}
	if !a.IsFlaky {
		t.Error("expected test to be flaky")
	}
	if a.Patterns.AlternationRate != 1.0 {
		t.Errorf("AlternationRate = %v, want 1.0", a.Patterns.AlternationRate)
	}
	if !a.Patterns.HasPattern {
		t.Error("expected HasPattern")
	}
	if !strings.HasPrefix(a.Recommendation, "High") {
		t.Errorf("expected high-risk recommendation, got %q", a.Recommendation)
	}
	if !strings.Contains(a.Recommendation, "alternate") {
		t.Errorf("expected alternation hint, got %q", a.Recommendation)
	}
	ci := a.ConfidenceInterval
	if ci.Lower <= 0 || ci.Upper >= 1 || ci.Lower > ci.Upper {
		t.Errorf("unexpected interval %+v", ci)
	}
}

func TestAnalyzeTest_InsufficientData(t *testing.T) {
	h := newMockHistory()
	a, err := newTestDetector(h).AnalyzeTest(context.Background(), uuid.New(), Options{})
	if err != nil {
		t.Fatalf("AnalyzeTest failed: %v", err)
	}
	if a.IsFlaky {
		t.Error("empty history must not be flaky")
	}
	if a.Reason != ReasonInsufficientData {
		t.Errorf("Reason = %q, want %q", a.Reason, ReasonInsufficientData)
	}
	if a.Patterns.FailuresByHour == nil {
		t.Error("FailuresByHour should be an empty map, not nil")
	}
}

func TestAnalyzeTest_NeverFlakyEdges(t *testing.T) {
	tests := []struct {
		name     string
		statuses []store.ExecutionStatus
		wantRec  string
	}{
		{"only passes", []store.ExecutionStatus{pass, pass, pass, pass, pass, pass}, "stable"},
		{"only failures", []store.ExecutionStatus{fail, fail, flaky, fail, fail, fail}, "consistently"},
		{"too few runs", []store.ExecutionStatus{pass, fail, fail}, "stable"},
		{"one failure", []store.ExecutionStatus{pass, pass, pass, pass, pass, fail}, "stable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMockHistory()
			tc := uuid.New()
			h.add(uuid.New(), tc, tt.statuses...)

			a, err := newTestDetector(h).AnalyzeTest(context.Background(), tc, Options{})
			if err != nil {
				t.Fatalf("AnalyzeTest failed: %v", err)
			}
			if a.IsFlaky {
				t.Errorf("expected not flaky, got %+v", a)
			}
			if !strings.Contains(a.Recommendation, tt.wantRec) {
				t.Errorf("Recommendation = %q, want it to mention %q", a.Recommendation, tt.wantRec)
			}
		})
	}
}

func TestAnalyzeTest_SkippedCountTowardTotal(t *testing.T) {
	h := newMockHistory()
	tc := uuid.New()
	h.add(uuid.New(), tc, pass, skip, fail, skip, fail)

	a, err := newTestDetector(h).AnalyzeTest(context.Background(), tc, Options{})
	if err != nil {
		t.Fatalf("AnalyzeTest failed: %v", err)
	}
	if a.TotalRuns != 5 {
		t.Errorf("TotalRuns = %d, want 5", a.TotalRuns)
	}
	// rate counts only passed/failed/flaky
	if math.Abs(a.FlakeRate-200.0/3.0) > 1e-9 {
		t.Errorf("FlakeRate = %v, want 66.67", a.FlakeRate)
	}
}

func TestAnalyzeTest_WindowAndStoreError(t *testing.T) {
	h := newMockHistory()
	tc := uuid.New()
	d := newTestDetector(h)

	if _, err := d.AnalyzeTest(context.Background(), tc, Options{TimeWindowDays: 7}); err != nil {
		t.Fatalf("AnalyzeTest failed: %v", err)
	}
	if want := baseTime.AddDate(0, 0, -7); !h.lastFrom.Equal(want) {
		t.Errorf("window start = %v, want %v", h.lastFrom, want)
	}

	h.failFor[tc] = errors.New("connection reset")
	if _, err := d.AnalyzeTest(context.Background(), tc, Options{}); err == nil {
		t.Fatal("expected store error")
	}
}

func TestAnalyzeProject(t *testing.T) {
	h := newMockHistory()
	project := uuid.New()
	high, medium, stable, broken := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	h.add(project, high, pass, fail, pass, fail, pass)                          // 40%
	h.add(project, medium, pass, pass, fail, pass, pass, pass, fail, pass, pass) // 22%
	h.add(project, stable, pass, pass, pass, pass, pass)
	h.add(project, broken, pass)
	h.failFor[broken] = errors.New("corrupt history")

	core, logs := observer.New(zap.WarnLevel)
	d := NewDetector(h, h, logger.NewWithCore(core))
	d.now = func() time.Time { return baseTime }

	got, err := d.AnalyzeProject(context.Background(), project, Options{})
	if err != nil {
		t.Fatalf("AnalyzeProject failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 flaky tests, got %d", len(got))
	}
	if got[0].TestCaseID != high || got[1].TestCaseID != medium {
		t.Errorf("results not sorted by flake rate desc: %v, %v", got[0].FlakeRate, got[1].FlakeRate)
	}

	if n := logs.FilterMessage("skipping test case").Len(); n != 1 {
		t.Errorf("expected 1 skip warning, got %d", n)
	}

	view := h.view[project]
	if len(view) != 2 || view[0].TestCaseID != high {
		t.Errorf("flaky view not persisted: %+v", view)
	}
}

func TestAnalyzeProject_Cancelled(t *testing.T) {
	h := newMockHistory()
	project := uuid.New()
	h.add(project, uuid.New(), pass, fail)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDetector(h)
	// The mock ignores ctx, so a cancelled context only surfaces through errgroup.
	if _, err := d.AnalyzeProject(ctx, project, Options{}); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSummary(t *testing.T) {
	h := newMockHistory()
	project := uuid.New()
	h.view[project] = []store.FlakyTest{
		{FlakeRate: 45},
		{FlakeRate: 30},
		{FlakeRate: 15},
		{FlakeRate: 8},
		{FlakeRate: 2},
	}

	s, err := newTestDetector(h).Summary(context.Background(), project)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if s.TotalFlaky != 5 {
		t.Errorf("TotalFlaky = %d, want 5", s.TotalFlaky)
	}
	if s.AvgFlakeRate != 20 {
		t.Errorf("AvgFlakeRate = %v, want 20", s.AvgFlakeRate)
	}
	if s.HighRisk != 1 || s.MediumRisk != 2 || s.LowRisk != 1 {
		t.Errorf("unexpected buckets: %+v", s)
	}
}

func TestSummary_NoView(t *testing.T) {
	d := NewDetector(newMockHistory(), nil, nil)
	if _, err := d.Summary(context.Background(), uuid.New()); err == nil {
		t.Error("expected error without a flaky view")
	}
	if s := Summarize(nil); s.TotalFlaky != 0 || s.AvgFlakeRate != 0 {
		t.Errorf("unexpected empty summary %+v", s)
	}
}

func TestAnalyzePatterns(t *testing.T) {
	at := func(hour int, s store.ExecutionStatus) store.TestExecution {
		return store.TestExecution{Status: s, CreatedAt: time.Date(2026, 1, 1, hour, 0, 0, 0, time.UTC)}
	}

	tests := []struct {
		name        string
		execs       []store.TestExecution
		maxStreak   int
		alternation float64
		peak        int
		hasPattern  bool
	}{
		{"empty", nil, 0, 0, -1, false},
		{"single pass", []store.TestExecution{at(1, pass)}, 0, 0, -1, false},
		{
			"streak",
			[]store.TestExecution{at(2, fail), at(2, flaky), at(3, fail), at(4, pass), at(4, pass)},
			3, 0.25, 2, true,
		},
		{
			"skips break alternation",
			[]store.TestExecution{at(5, pass), at(5, skip), at(6, fail), at(6, pass)},
			1, 1.0 / 3.0, 6, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := AnalyzePatterns(tt.execs)
			if p.MaxConsecutiveFailures != tt.maxStreak {
				t.Errorf("MaxConsecutiveFailures = %d, want %d", p.MaxConsecutiveFailures, tt.maxStreak)
			}
			if math.Abs(p.AlternationRate-tt.alternation) > 1e-9 {
				t.Errorf("AlternationRate = %v, want %v", p.AlternationRate, tt.alternation)
			}
			if p.PeakFailureHour != tt.peak {
				t.Errorf("PeakFailureHour = %d, want %d", p.PeakFailureHour, tt.peak)
			}
			if p.HasPattern != tt.hasPattern {
				t.Errorf("HasPattern = %v, want %v", p.HasPattern, tt.hasPattern)
			}
		})
	}
}

func TestRiskLevel(t *testing.T) {
	tests := map[float64]string{50: "high", 30.5: "high", 30: "moderate", 15: "moderate", 14.9: "low", 5: "low", 4.9: "minimal", 0: "minimal"}
	for rate, want := range tests {
		if got := RiskLevel(rate); got != want {
			t.Errorf("RiskLevel(%v) = %q, want %q", rate, got, want)
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.TimeWindowDays != DefaultWindowDays {
		t.Errorf("TimeWindowDays = %d", o.TimeWindowDays)
	}
	if o.Stats != stats.DefaultConfig() {
		t.Errorf("Stats = %+v", o.Stats)
	}
}
