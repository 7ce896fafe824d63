package handlers

import (
	"net/http"
	"strconv"

	"qarunner/internal/cache"
	"qarunner/internal/coverage"
	"qarunner/pkg/api"
)

// GetCoverage handles GET /projects/{id}/coverage?days=.
// Served from the cache when warm.
func (h *Handlers) GetCoverage(w http.ResponseWriter, r *http.Request) {
	h.coverageReport(w, r, true)
}

// AnalyzeCoverage handles POST /projects/{id}/coverage/analyze?days=.
func (h *Handlers) AnalyzeCoverage(w http.ResponseWriter, r *http.Request) {
	h.coverageReport(w, r, false)
}

func (h *Handlers) coverageReport(w http.ResponseWriter, r *http.Request, useCache bool) {
	projectID, ok := h.uuidParam(w, r, "id", "Invalid project id")
	if !ok {
		return
	}
	days, ok := daysParam(r, coverage.DefaultTrendDays)
	if !ok {
		h.httpError(w, "days must be between 1 and 365", http.StatusBadRequest)
		return
	}

	key := cache.Key("coverage", projectID.String(), strconv.Itoa(days))
	var resp api.CoverageResponse
	if useCache && h.cached(w, r, key, &resp) {
		return
	}

	report, err := h.coverage.GenerateReport(r.Context(), projectID, coverage.ReportOptions{
		Routes:    h.inventory.Routes,
		Critical:  h.inventory.Critical,
		TrendDays: days,
	})
	if err != nil {
		h.internalError(w, r, "Failed to compute coverage", err)
		return
	}

	resp = toAPICoverage(report)
	h.fillCache(r, key, resp)
	h.respondJson(w, http.StatusOK, resp)
}

func toAPICoverage(rep *coverage.FullReport) api.CoverageResponse {
	resp := api.CoverageResponse{
		ProjectID: rep.ProjectID.String(),
		Summary: api.CoverageSummary{
			TotalRoutes:      rep.Summary.TotalRoutes,
			TestedRoutes:     rep.Summary.TestedRoutes,
			UntestedRoutes:   rep.Summary.UntestedRoutes,
			DiscoveredRoutes: rep.Summary.DiscoveredRoutes,
			CoveragePercent:  rep.Summary.CoveragePercent,
			RunsAnalyzed:     rep.Summary.RunsAnalyzed,
		},
		ByCategory:       make(map[string]api.CategoryCoverage, len(rep.ByCategory)),
		Routes:           toAPIRoutes(rep.Routes),
		UntestedCritical: toAPIRoutes(rep.UntestedCritical),
		Discovered:       toAPIRoutes(rep.Discovered),
		Trends:           make([]api.CoverageTrendPoint, 0, len(rep.Trends)),
		GeneratedAt:      rep.GeneratedAt,
	}
	for name, c := range rep.ByCategory {
		resp.ByCategory[name] = api.CategoryCoverage{
			Total:           c.Total,
			Tested:          c.Tested,
			Untested:        c.Untested,
			CoveragePercent: c.CoveragePercent,
		}
	}
	for _, p := range rep.Trends {
		resp.Trends = append(resp.Trends, api.CoverageTrendPoint{Date: p.Date, RunID: p.RunID.String(), RoutesCovered: p.RoutesCovered})
	}
	return resp
}

func toAPIRoutes(rows []coverage.RouteCoverage) []api.RouteCoverage {
	out := make([]api.RouteCoverage, 0, len(rows))
	for _, r := range rows {
		out = append(out, api.RouteCoverage{
			Method:     r.Method,
			Path:       r.Path,
			Category:   r.Category,
			Tested:     r.Tested,
			TestCount:  r.TestCount,
			Discovered: r.Discovered,
		})
	}
	return out
}
