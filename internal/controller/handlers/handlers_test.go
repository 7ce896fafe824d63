package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"qarunner/internal/cache"
	"qarunner/internal/coverage"
	"qarunner/internal/flake"
	"qarunner/internal/store"
)

// Mock Store
type mockStore struct {
	pingErr    error
	enqueueErr error
	statsErr   error
	requeueErr error
	stats      store.QueueStats

	// Spies (to verify arguments passed by handlers)
	enqueuedKind    store.JobKind
	enqueuedPayload json.RawMessage
	requeueAfter    time.Duration
	requeueMax      int
	reclaimLease    time.Duration
}

func (m *mockStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockStore) Enqueue(ctx context.Context, kind store.JobKind, payload json.RawMessage) (int64, error) {
	m.enqueuedKind = kind
	m.enqueuedPayload = payload
	return 42, m.enqueueErr
}

func (m *mockStore) AcquireNext(ctx context.Context, workerID string) (*store.Job, error) {
	return nil, nil
}

func (m *mockStore) MarkDone(ctx context.Context, id int64) error { return nil }

func (m *mockStore) MarkError(ctx context.Context, id int64, message string) error { return nil }

func (m *mockStore) Stats(ctx context.Context) (store.QueueStats, error) {
	return m.stats, m.statsErr
}

func (m *mockStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) { return 0, nil }

func (m *mockStore) RequeueErrored(ctx context.Context, olderThan time.Duration, maxAttempts int) (int64, error) {
	m.requeueAfter = olderThan
	m.requeueMax = maxAttempts
	return 3, m.requeueErr
}

func (m *mockStore) ReclaimStale(ctx context.Context, lease time.Duration) (int64, error) {
	m.reclaimLease = lease
	return 1, nil
}

// Mock flake detector
type mockFlake struct {
	results     []flake.Analysis
	analysis    *flake.Analysis
	summary     *flake.Summary
	err         error
	calls       int
	lastOptions flake.Options
}

func (m *mockFlake) AnalyzeTest(ctx context.Context, id uuid.UUID, opts flake.Options) (*flake.Analysis, error) {
	m.calls++
	m.lastOptions = opts
	return m.analysis, m.err
}

func (m *mockFlake) AnalyzeProject(ctx context.Context, id uuid.UUID, opts flake.Options) ([]flake.Analysis, error) {
	m.calls++
	m.lastOptions = opts
	return m.results, m.err
}

func (m *mockFlake) Summary(ctx context.Context, id uuid.UUID) (*flake.Summary, error) {
	m.calls++
	return m.summary, m.err
}

// Mock coverage tracker
type mockCoverage struct {
	report   *coverage.FullReport
	err      error
	calls    int
	lastOpts coverage.ReportOptions
}

func (m *mockCoverage) GenerateReport(ctx context.Context, id uuid.UUID, opts coverage.ReportOptions) (*coverage.FullReport, error) {
	m.calls++
	m.lastOpts = opts
	return m.report, m.err
}

// memCache is an in-process cache.Cache.
type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (c *memCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	c.data[key] = raw
	return err
}

func (c *memCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *memCache) Close() error { return nil }

var _ cache.Cache = (*memCache)(nil)

// serve routes one request through a chi router so URL params resolve.
func serve(method, pattern, target string, body string, handler http.HandlerFunc) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Method(method, pattern, handler)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}
