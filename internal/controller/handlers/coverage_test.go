package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"qarunner/internal/coverage"
	"qarunner/internal/routes"
	"qarunner/pkg/api"
)

func TestGetCoverage(t *testing.T) {
	project := uuid.New()
	runID := uuid.New()
	mc := &mockCoverage{report: &coverage.FullReport{
		ProjectID: project,
		Summary:   coverage.Summary{TotalRoutes: 2, TestedRoutes: 1, UntestedRoutes: 1, CoveragePercent: 50, RunsAnalyzed: 1},
		ByCategory: map[string]coverage.CategorySummary{
			"checkout": {Total: 2, Tested: 1, Untested: 1, CoveragePercent: 50},
		},
		Routes: []coverage.RouteCoverage{
			{Method: "GET", Path: "/cart", Category: "checkout", Tested: true, TestCount: 2},
			{Method: "POST", Path: "/pay", Category: "checkout"},
		},
		UntestedCritical: []coverage.RouteCoverage{{Method: "POST", Path: "/pay", Category: "checkout"}},
		Discovered:       []coverage.RouteCoverage{},
		Trends:           []coverage.TrendPoint{{Date: time.Now(), RunID: runID, RoutesCovered: 1}},
	}}
	inv := &routes.Inventory{
		Routes:   []routes.Route{{Method: "GET", Path: "/cart", Category: "checkout"}, {Method: "POST", Path: "/pay", Category: "checkout"}},
		Critical: []string{"^POST /pay"},
	}
	h := New(Deps{Store: &mockStore{}, Coverage: mc, Inventory: inv, Cache: newMemCache()})

	target := "/projects/" + project.String() + "/coverage?days=7"
	rr := serve(http.MethodGet, "/projects/{id}/coverage", target, "", h.GetCoverage)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", rr.Code, rr.Body.String())
	}

	var resp api.CoverageResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Summary.CoveragePercent != 50 || len(resp.Routes) != 2 || len(resp.UntestedCritical) != 1 {
		t.Errorf("unexpected report %+v", resp)
	}
	if resp.ByCategory["checkout"].Tested != 1 || len(resp.Trends) != 1 || resp.Trends[0].RunID != runID.String() {
		t.Errorf("unexpected categories or trends %+v", resp)
	}
	if mc.lastOpts.TrendDays != 7 || len(mc.lastOpts.Routes) != 2 || mc.lastOpts.Critical[0] != "^POST /pay" {
		t.Errorf("inventory not forwarded: %+v", mc.lastOpts)
	}

	serve(http.MethodGet, "/projects/{id}/coverage", target, "", h.GetCoverage)
	if mc.calls != 1 {
		t.Errorf("expected cached second read, got %d calls", mc.calls)
	}
	serve(http.MethodPost, "/projects/{id}/coverage/analyze", "/projects/"+project.String()+"/coverage/analyze?days=7", "", h.AnalyzeCoverage)
	if mc.calls != 2 {
		t.Errorf("analyze must recompute, got %d calls", mc.calls)
	}
}

func TestGetCoverage_NoInventory(t *testing.T) {
	mc := &mockCoverage{report: &coverage.FullReport{ByCategory: map[string]coverage.CategorySummary{}}}
	h := New(Deps{Store: &mockStore{}, Coverage: mc})

	rr := serve(http.MethodGet, "/projects/{id}/coverage", "/projects/"+uuid.NewString()+"/coverage", "", h.GetCoverage)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d", rr.Code)
	}
	if mc.lastOpts.TrendDays != coverage.DefaultTrendDays || len(mc.lastOpts.Routes) != 0 {
		t.Errorf("unexpected options %+v", mc.lastOpts)
	}

	var raw map[string]json.RawMessage
	json.NewDecoder(rr.Body).Decode(&raw)
	if string(raw["routes"]) != "[]" || string(raw["trends"]) != "[]" {
		t.Errorf("empty lists must encode as arrays: %v", raw)
	}
}

func TestGetCoverage_Error(t *testing.T) {
	h := New(Deps{Store: &mockStore{}, Coverage: &mockCoverage{err: errors.New("db down")}})
	rr := serve(http.MethodGet, "/projects/{id}/coverage", "/projects/"+uuid.NewString()+"/coverage", "", h.GetCoverage)
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rr.Code)
	}
}
