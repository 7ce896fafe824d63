// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"qarunner/internal/controller/handlers"
	"qarunner/internal/controller/middleware"
	"qarunner/internal/logger"
)

// Options configures the router.
type Options struct {
	TokenHashes    []string
	RateLimitRPS   float64
	RateLimitBurst int
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Log     *logger.Logger
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// NewRouter builds the API routes.
func NewRouter(h *handlers.Handlers, opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(opts.Log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	limiter := middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(opts.TokenHashes))
		r.Use(limiter.Middleware())

		r.Post("/jobs", h.EnqueueJob)
		r.Get("/jobs/stats", h.QueueStats)
		r.Post("/jobs/requeue", h.Requeue)

		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/flaky", h.ListFlakyTests)
			r.Post("/flaky/analyze", h.AnalyzeFlakyTests)
			r.Get("/flaky/summary", h.FlakySummary)
			r.Get("/coverage", h.GetCoverage)
			r.Post("/coverage/analyze", h.AnalyzeCoverage)
		})
		r.Get("/tests/{id}/flakiness", h.TestFlakiness)
	})

	return r
}

// New creates a new controller server.
func New(addr string, h *handlers.Handlers, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(h, opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
