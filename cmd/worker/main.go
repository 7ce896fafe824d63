// Package main is the entry point for the qarunner worker.
// The worker polls the job queue and runs plan, generate and run jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"qarunner/internal/blob"
	"qarunner/internal/config"
	"qarunner/internal/github"
	"qarunner/internal/llm"
	"qarunner/internal/logger"
	"qarunner/internal/maintenance"
	"qarunner/internal/observability"
	"qarunner/internal/pipeline"
	"qarunner/internal/store/backend"
	"qarunner/internal/worker"
	"qarunner/internal/worker/runtime"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	metricsAddr := flag.String("metrics-addr", ":6162", "Address for the worker metrics endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()
	lg = lg.With("service", "qarunner-worker", "worker_id", cfg.WorkerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := backend.Open(ctx, cfg)
	if err != nil {
		lg.Fatal("failed to open store", "driver", cfg.StoreDriver, "error", err)
	}
	defer st.Close()

	shutdownTracer, err := observability.InitTracer(ctx, "qarunner-worker", cfg.OTELEndpoint)
	if err != nil {
		lg.Fatal("failed to init tracing", "error", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			lg.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		lg.Fatal("failed to init metrics", "error", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			lg.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	jobMetrics, err := observability.NewJobMetrics(otel.Meter(observability.TracerName + "/worker"))
	if err != nil {
		lg.Warn("job metrics disabled", "error", err)
	}

	rt, err := runtime.New(cfg.Runtime, runtime.Options{
		WorkDir:    cfg.RuntimeWorkDir,
		Kubernetes: runtime.KubernetesConfig{Namespace: cfg.KubernetesNamespace},
		Logger:     lg,
	})
	if err != nil {
		lg.Fatal("failed to create runtime", "runtime", cfg.Runtime, "error", err)
	}
	lg.Info("using runtime", "runtime", cfg.Runtime)

	blobs, closeBlobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		lg.Fatal("failed to open artifact store", "error", err)
	}
	defer closeBlobs()

	handlers := pipeline.NewHandlers(pipeline.Deps{
		Store: st,
		Queue: st,
		LLM: llm.NewClient(llm.Config{
			BaseURL:           cfg.LLMBaseURL,
			APIKey:            cfg.LLMAPIKey,
			Model:             cfg.LLMModel,
			RequestsPerMinute: int(cfg.LLMRateLimit * 60),
		}),
		GitHub:      github.NewClient(cfg.GitHubAPIURL, cfg.GitHubToken),
		Runtime:     rt,
		Blobs:       blobs,
		Log:         lg,
		RunnerImage: cfg.RunnerImage,
	})

	sched, err := maintenance.New(st, maintenance.Config{
		CleanupSchedule: cfg.CleanupSchedule,
		CleanupDays:     cfg.CleanupDays,
		RequeueAfter:    cfg.RequeueErroredAfter,
		MaxAttempts:     cfg.JobMaxAttempts,
		Lease:           cfg.LeaseDuration,
	}, lg)
	if err != nil {
		lg.Fatal("invalid maintenance config", "error", err)
	}
	sched.Start()

	dispatcher := worker.New(st, handlers, worker.Config{
		ID:            cfg.WorkerID,
		PollInterval:  cfg.WorkerPollInterval,
		MaxBackoff:    cfg.WorkerMaxBackoff,
		StatsInterval: cfg.WorkerStatsInterval,
	}, lg, jobMetrics)

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: metricsMux(metricsHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		lg.Info("worker metrics listening", "addr", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("metrics server error", "error", err)
		}
	}()

	lg.Info("worker started", "poll_interval", cfg.WorkerPollInterval)
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("dispatcher stopped", "error", err)
	}

	lg.Info("shutting down worker")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	sched.Stop(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func metricsMux(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// openBlobStore uses GCS when a bucket is configured, the local directory otherwise.
func openBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, func(), error) {
	if cfg.ArtifactBucket == "" {
		local, err := blob.NewLocalStore(cfg.ArtifactDir)
		return local, func() {}, err
	}
	gcs, err := blob.NewGCSStore(ctx, cfg.ArtifactBucket)
	if err != nil {
		return nil, nil, err
	}
	return gcs, func() { _ = gcs.Close() }, nil
}
