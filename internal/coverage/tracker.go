package coverage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"qarunner/internal/logger"
	"qarunner/internal/routes"
	"qarunner/internal/store"

	"github.com/google/uuid"
)

// CategoryDiscovered tags routes seen in test traffic but missing from the inventory.
const CategoryDiscovered = "discovered"

const (
	// DefaultRecentRuns is how many of the latest runs feed a coverage report.
	DefaultRecentRuns = 10
	// DefaultTrendDays is the trend window used when the caller passes none.
	DefaultTrendDays = 30
)

// RouteCoverage is one row of a coverage report.
type RouteCoverage struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	Category   string `json:"category"`
	Tested     bool   `json:"tested"`
	TestCount  int    `json:"test_count"`
	Discovered bool   `json:"discovered"`
}

// Label is the "METHOD path" string critical patterns are matched against.
func (r RouteCoverage) Label() string {
	return r.Method + " " + r.Path
}

// Summary holds the headline coverage numbers. Totals count inventory routes only.
type Summary struct {
	TotalRoutes      int     `json:"total_routes"`
	TestedRoutes     int     `json:"tested_routes"`
	UntestedRoutes   int     `json:"untested_routes"`
	DiscoveredRoutes int     `json:"discovered_routes"`
	CoveragePercent  float64 `json:"coverage_percent"`
	RunsAnalyzed     int     `json:"runs_analyzed"`
}

// Report is the route coverage of a project over its recent runs.
// Routes lists every inventory route in inventory order, then discovered routes.
type Report struct {
	ProjectID   uuid.UUID       `json:"project_id"`
	Summary     Summary         `json:"summary"`
	Routes      []RouteCoverage `json:"routes"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// CategorySummary rolls up the routes of one category.
type CategorySummary struct {
	Total           int     `json:"total"`
	Tested          int     `json:"tested"`
	Untested        int     `json:"untested"`
	CoveragePercent float64 `json:"coverage_percent"`
}

// TrendPoint is the cumulative number of distinct routes covered up to a run.
type TrendPoint struct {
	Date          time.Time `json:"date"`
	RunID         uuid.UUID `json:"run_id"`
	RoutesCovered int       `json:"routes_covered"`
}

// ReportOptions selects what GenerateReport measures against.
type ReportOptions struct {
	Routes    []routes.Route `json:"routes"`
	Critical  []string       `json:"critical"`
	TrendDays int            `json:"trend_days"`
}

// FullReport bundles every coverage view of a project.
type FullReport struct {
	ProjectID        uuid.UUID                  `json:"project_id"`
	Summary          Summary                    `json:"summary"`
	ByCategory       map[string]CategorySummary `json:"by_category"`
	Routes           []RouteCoverage            `json:"routes"`
	UntestedCritical []RouteCoverage            `json:"untested_critical"`
	Discovered       []RouteCoverage            `json:"discovered"`
	Trends           []TrendPoint               `json:"trends"`
	GeneratedAt      time.Time                  `json:"generated_at"`
}

// Tracker computes coverage from execution history. It never writes.
type Tracker struct {
	history    store.ExecutionHistory
	log        *logger.Logger
	now        func() time.Time
	recentRuns int
}

// NewTracker creates a Tracker over history.
func NewTracker(history store.ExecutionHistory, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{
		history:    history,
		log:        log.With("component", "coverage"),
		now:        time.Now,
		recentRuns: DefaultRecentRuns,
	}
}

// CalculateRouteCoverage matches the routes hit by the project's latest runs
// against the inventory. With no runs every inventory route is reported untested.
func (t *Tracker) CalculateRouteCoverage(ctx context.Context, projectID uuid.UUID, defined []routes.Route) (*Report, error) {
	runs, err := t.history.ListRecentRuns(ctx, projectID, t.recentRuns)
	if err != nil {
		return nil, fmt.Errorf("listing recent runs: %w", err)
	}

	hits := map[string]int{}
	var firstSeen []routes.Route
	if len(runs) > 0 {
		execs, err := t.history.ListExecutionsByRuns(ctx, runIDs(runs))
		if err != nil {
			return nil, fmt.Errorf("listing executions: %w", err)
		}
		for _, e := range execs {
			for _, r := range t.executionRoutes(e) {
				key := r.Key()
				if hits[key] == 0 {
					firstSeen = append(firstSeen, routes.Route{Method: r.Method, Path: routes.NormalizePath(r.Path)})
				}
				hits[key]++
			}
		}
	}

	report := &Report{ProjectID: projectID, GeneratedAt: t.now()}
	report.Summary.RunsAnalyzed = len(runs)

	known := map[string]bool{}
	for _, r := range defined {
		key := r.Key()
		known[key] = true
		category := r.Category
		if category == "" {
			category = routes.DefaultCategory
		}
		rc := RouteCoverage{
			Method:    r.Method,
			Path:      r.Path,
			Category:  category,
			TestCount: hits[key],
			Tested:    hits[key] > 0,
		}
		report.Routes = append(report.Routes, rc)
		report.Summary.TotalRoutes++
		if rc.Tested {
			report.Summary.TestedRoutes++
		} else {
			report.Summary.UntestedRoutes++
		}
	}

	var discovered []RouteCoverage
	for _, r := range firstSeen {
		key := r.Key()
		if known[key] {
			continue
		}
		discovered = append(discovered, RouteCoverage{
			Method:     r.Method,
			Path:       r.Path,
			Category:   CategoryDiscovered,
			Tested:     true,
			TestCount:  hits[key],
			Discovered: true,
		})
	}
	sort.Slice(discovered, func(i, j int) bool {
		return discovered[i].Label() < discovered[j].Label()
	})
	report.Routes = append(report.Routes, discovered...)
	report.Summary.DiscoveredRoutes = len(discovered)
	report.Summary.CoveragePercent = percent(report.Summary.TestedRoutes, report.Summary.TotalRoutes)

	return report, nil
}

// SummaryByCategory groups routes by category.
func SummaryByCategory(rows []RouteCoverage) map[string]CategorySummary {
	out := map[string]CategorySummary{}
	for _, r := range rows {
		s := out[r.Category]
		s.Total++
		if r.Tested {
			s.Tested++
		} else {
			s.Untested++
		}
		out[r.Category] = s
	}
	for category, s := range out {
		s.CoveragePercent = percent(s.Tested, s.Total)
		out[category] = s
	}
	return out
}

// UntestedCriticalRoutes returns the untested routes whose "METHOD path"
// matches any of the patterns.
func UntestedCriticalRoutes(rows []RouteCoverage, patterns []string) ([]RouteCoverage, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("critical pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	var out []RouteCoverage
	for _, r := range rows {
		if r.Tested {
			continue
		}
		for _, re := range compiled {
			if re.MatchString(r.Label()) {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

// Trends walks the project's runs of the last days oldest first and reports
// the running count of distinct routes covered after each one.
func (t *Tracker) Trends(ctx context.Context, projectID uuid.UUID, days int) ([]TrendPoint, error) {
	if days <= 0 {
		days = DefaultTrendDays
	}
	since := t.now().AddDate(0, 0, -days)

	runs, err := t.history.ListRunsSince(ctx, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		return []TrendPoint{}, nil
	}

	execs, err := t.history.ListExecutionsByRuns(ctx, runIDs(runs))
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	byRun := map[uuid.UUID][]store.TestExecution{}
	for _, e := range execs {
		byRun[e.RunID] = append(byRun[e.RunID], e)
	}

	covered := map[string]bool{}
	points := make([]TrendPoint, 0, len(runs))
	for _, run := range runs {
		for _, e := range byRun[run.ID] {
			for _, r := range t.executionRoutes(e) {
				covered[r.Key()] = true
			}
		}
		points = append(points, TrendPoint{Date: run.CreatedAt, RunID: run.ID, RoutesCovered: len(covered)})
	}
	return points, nil
}

// GenerateReport composes the coverage views of a project into one payload.
func (t *Tracker) GenerateReport(ctx context.Context, projectID uuid.UUID, opts ReportOptions) (*FullReport, error) {
	report, err := t.CalculateRouteCoverage(ctx, projectID, opts.Routes)
	if err != nil {
		return nil, err
	}

	critical, err := UntestedCriticalRoutes(report.Routes, opts.Critical)
	if err != nil {
		return nil, err
	}

	trends, err := t.Trends(ctx, projectID, opts.TrendDays)
	if err != nil {
		return nil, err
	}

	full := &FullReport{
		ProjectID:        projectID,
		Summary:          report.Summary,
		ByCategory:       SummaryByCategory(report.Routes),
		Routes:           report.Routes,
		UntestedCritical: critical,
		Discovered:       []RouteCoverage{},
		Trends:           trends,
		GeneratedAt:      report.GeneratedAt,
	}
	for _, r := range report.Routes {
		if r.Discovered {
			full.Discovered = append(full.Discovered, r)
		}
	}
	return full, nil
}

// executionRoutes returns the distinct routes one execution touched, from its
// logs and its network capture. A capture that cannot be parsed is ignored.
func (t *Tracker) executionRoutes(e store.TestExecution) []routes.Route {
	found := ExtractRoutesFromLogs(e.Logs)

	if len(e.NetworkCapture) > 0 {
		reqs, err := ExtractRoutesFromNetworkCapture(e.NetworkCapture)
		if err != nil {
			t.log.Debug("ignoring unreadable network capture", "execution_id", e.ID, "error", err)
		}
		for _, r := range reqs {
			found = append(found, routes.Route{Method: r.Method, Path: r.Path})
		}
	}

	seen := map[string]bool{}
	out := found[:0]
	for _, r := range found {
		key := r.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func runIDs(runs []store.TestRun) []uuid.UUID {
	ids := make([]uuid.UUID, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
