// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"qarunner/internal/cache"
	"qarunner/internal/coverage"
	"qarunner/internal/flake"
	"qarunner/internal/logger"
	"qarunner/internal/routes"
	"qarunner/internal/store"
	"qarunner/pkg/api"
)

// Store combines the store interfaces the controller needs.
type Store interface {
	store.JobQueue
	Ping(ctx context.Context) error
}

// FlakeAnalyzer is implemented by *flake.Detector.
type FlakeAnalyzer interface {
	AnalyzeTest(ctx context.Context, testCaseID uuid.UUID, opts flake.Options) (*flake.Analysis, error)
	AnalyzeProject(ctx context.Context, projectID uuid.UUID, opts flake.Options) ([]flake.Analysis, error)
	Summary(ctx context.Context, projectID uuid.UUID) (*flake.Summary, error)
}

// CoverageReporter is implemented by *coverage.Tracker.
type CoverageReporter interface {
	GenerateReport(ctx context.Context, projectID uuid.UUID, opts coverage.ReportOptions) (*coverage.FullReport, error)
}

// Deps are the handler dependencies. Cache and Inventory may be nil.
type Deps struct {
	Store     Store
	Flake     FlakeAnalyzer
	Coverage  CoverageReporter
	Cache     cache.Cache
	CacheTTL  time.Duration
	Inventory *routes.Inventory
	Log       *logger.Logger
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store     Store
	flake     FlakeAnalyzer
	coverage  CoverageReporter
	cache     cache.Cache
	cacheTTL  time.Duration
	inventory routes.Inventory
	log       *logger.Logger
	started   time.Time
}

// New creates a new Handlers instance.
func New(d Deps) *Handlers {
	h := &Handlers{
		store:    d.Store,
		flake:    d.Flake,
		coverage: d.Coverage,
		cache:    d.Cache,
		cacheTTL: d.CacheTTL,
		log:      d.Log,
		started:  time.Now(),
	}
	if h.cache == nil {
		h.cache = cache.Nop{}
	}
	if h.cacheTTL <= 0 {
		h.cacheTTL = 10 * time.Minute
	}
	if h.log == nil {
		h.log = logger.NewNop()
	}
	if d.Inventory != nil {
		h.inventory = *d.Inventory
	}
	return h
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// internalError logs err with the request id and answers 500 with message.
func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	logger.FromContext(r.Context(), h.log).Error(message, "path", r.URL.Path, "error", err)
	h.httpError(w, message, http.StatusInternalServerError)
}

// cached serves key from the cache when warm. It reports whether it answered.
func (h *Handlers) cached(w http.ResponseWriter, r *http.Request, key string, out any) bool {
	hit, err := h.cache.GetJSON(r.Context(), key, out)
	if err != nil {
		logger.FromContext(r.Context(), h.log).Warn("cache read failed", "key", key, "error", err)
		return false
	}
	if !hit {
		return false
	}
	w.Header().Set("X-Cache", "HIT")
	h.respondJson(w, http.StatusOK, out)
	return true
}

func (h *Handlers) fillCache(r *http.Request, key string, v any) {
	if err := h.cache.SetJSON(r.Context(), key, v, h.cacheTTL); err != nil {
		logger.FromContext(r.Context(), h.log).Warn("cache write failed", "key", key, "error", err)
	}
}

// daysParam reads ?days=, falling back to def. Values must be 1..365.
func daysParam(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 365 {
		return 0, false
	}
	return n, true
}
