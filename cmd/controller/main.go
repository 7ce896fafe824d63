// Package main is the entry point for the qarunner controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"qarunner/internal/cache"
	"qarunner/internal/config"
	"qarunner/internal/controller"
	"qarunner/internal/controller/handlers"
	"qarunner/internal/coverage"
	"qarunner/internal/flake"
	"qarunner/internal/logger"
	"qarunner/internal/observability"
	"qarunner/internal/routes"
	"qarunner/internal/store/backend"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
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
	lg = lg.With("service", "qarunner-controller")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Opening the store applies pending migrations.
	st, err := backend.Open(ctx, cfg)
	if err != nil {
		lg.Fatal("failed to open store", "driver", cfg.StoreDriver, "error", err)
	}
	defer st.Close()

	shutdownTracer, err := observability.InitTracer(ctx, "qarunner-controller", cfg.OTELEndpoint)
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

	// Queue depth is read from the store only when metrics are scraped.
	if _, err := observability.RegisterQueueGauge(otel.Meter(observability.TracerName+"/controller"), st.Stats); err != nil {
		lg.Warn("failed to register queue gauge", "error", err)
	}

	var inventory *routes.Inventory
	if cfg.RouteInventory != "" {
		inventory, err = routes.LoadInventory(cfg.RouteInventory)
		if err != nil {
			lg.Fatal("failed to load route inventory", "path", cfg.RouteInventory, "error", err)
		}
		lg.Info("route inventory loaded", "routes", len(inventory.Routes), "critical_patterns", len(inventory.Critical))
	}

	var analysisCache cache.Cache = cache.Nop{}
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisAddr, lg)
		if err != nil {
			lg.Warn("redis unavailable, analysis cache disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			analysisCache = rc
			defer rc.Close()
		}
	}

	h := handlers.New(handlers.Deps{
		Store:     st,
		Flake:     flake.NewDetector(st, st, lg),
		Coverage:  coverage.NewTracker(st, lg),
		Cache:     analysisCache,
		CacheTTL:  cfg.AnalysisCacheTTL,
		Inventory: inventory,
		Log:       lg,
	})

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, h, controller.Options{
		TokenHashes:    cfg.APITokenHashes,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Metrics:        metricsHandler,
		Log:            lg,
	})
	if len(cfg.APITokenHashes) == 0 {
		lg.Warn("API_TOKEN_HASHES is empty, API authentication is disabled")
	}

	lg.Info("controller starting", "addr", addr, "store", cfg.StoreDriver)
	// Run shuts the server down gracefully once ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		lg.Error("server stopped", "error", err)
	}
	lg.Info("controller exited")
}
