package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"qarunner/internal/cache"
	"qarunner/internal/flake"
	"qarunner/pkg/api"
)

// ListFlakyTests handles GET /projects/{id}/flaky?days=.
// Served from the cache when warm.
func (h *Handlers) ListFlakyTests(w http.ResponseWriter, r *http.Request) {
	h.flakyTests(w, r, true)
}

// AnalyzeFlakyTests handles POST /projects/{id}/flaky/analyze?days=.
// Always recomputes and refreshes the cache.
func (h *Handlers) AnalyzeFlakyTests(w http.ResponseWriter, r *http.Request) {
	h.flakyTests(w, r, false)
}

func (h *Handlers) flakyTests(w http.ResponseWriter, r *http.Request, useCache bool) {
	projectID, ok := h.uuidParam(w, r, "id", "Invalid project id")
	if !ok {
		return
	}
	days, ok := daysParam(r, flake.DefaultWindowDays)
	if !ok {
		h.httpError(w, "days must be between 1 and 365", http.StatusBadRequest)
		return
	}

	key := cache.Key("flaky", projectID.String(), strconv.Itoa(days))
	var resp api.FlakyTestsResponse
	if useCache && h.cached(w, r, key, &resp) {
		return
	}

	results, err := h.flake.AnalyzeProject(r.Context(), projectID, flake.Options{TimeWindowDays: days})
	if err != nil {
		h.internalError(w, r, "Failed to analyze flaky tests", err)
		return
	}

	resp = api.FlakyTestsResponse{
		ProjectID: projectID.String(),
		Days:      days,
		Tests:     make([]api.FlakyTest, 0, len(results)),
	}
	for i := range results {
		resp.Tests = append(resp.Tests, toAPIFlakyTest(&results[i]))
	}
	h.fillCache(r, key, resp)
	// The summary reads the view the analysis just replaced.
	_ = h.cache.Delete(r.Context(), cache.Key("flaky-summary", projectID.String()))

	h.respondJson(w, http.StatusOK, resp)
}

// FlakySummary handles GET /projects/{id}/flaky/summary.
func (h *Handlers) FlakySummary(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.uuidParam(w, r, "id", "Invalid project id")
	if !ok {
		return
	}

	key := cache.Key("flaky-summary", projectID.String())
	var resp api.FlakySummaryResponse
	if h.cached(w, r, key, &resp) {
		return
	}

	s, err := h.flake.Summary(r.Context(), projectID)
	if err != nil {
		h.internalError(w, r, "Failed to summarize flaky tests", err)
		return
	}
	resp = api.FlakySummaryResponse{
		ProjectID:    projectID.String(),
		TotalFlaky:   s.TotalFlaky,
		AvgFlakeRate: s.AvgFlakeRate,
		HighRisk:     s.HighRisk,
		MediumRisk:   s.MediumRisk,
		LowRisk:      s.LowRisk,
	}
	h.fillCache(r, key, resp)
	h.respondJson(w, http.StatusOK, resp)
}

// TestFlakiness handles GET /tests/{id}/flakiness?days=.
func (h *Handlers) TestFlakiness(w http.ResponseWriter, r *http.Request) {
	testID, ok := h.uuidParam(w, r, "id", "Invalid test id")
	if !ok {
		return
	}
	days, ok := daysParam(r, flake.DefaultWindowDays)
	if !ok {
		h.httpError(w, "days must be between 1 and 365", http.StatusBadRequest)
		return
	}

	a, err := h.flake.AnalyzeTest(r.Context(), testID, flake.Options{TimeWindowDays: days})
	if err != nil {
		h.internalError(w, r, "Failed to analyze test", err)
		return
	}
	h.respondJson(w, http.StatusOK, toAPIFlakyTest(a))
}

func toAPIFlakyTest(a *flake.Analysis) api.FlakyTest {
	return api.FlakyTest{
		TestCaseID:      a.TestCaseID.String(),
		TotalRuns:       a.TotalRuns,
		Passed:          a.Passed,
		Failed:          a.Failed,
		Flaky:           a.Flaky,
		FlakeRate:       a.FlakeRate,
		ConfidenceLower: a.ConfidenceInterval.Lower,
		ConfidenceUpper: a.ConfidenceInterval.Upper,
		IsFlaky:         a.IsFlaky,
		RiskLevel:       flake.RiskLevel(a.FlakeRate),
		Reason:          a.Reason,
		Recommendation:  a.Recommendation,
		AnalyzedAt:      a.AnalyzedAt,
	}
}

func (h *Handlers) uuidParam(w http.ResponseWriter, r *http.Request, name, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.httpError(w, message, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
