// Command worker runs the background job processing agents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/tenant-jobqueue/internal/adapter/observability"
	"github.com/fairyhunter13/tenant-jobqueue/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/tenant-jobqueue/internal/config"
	"github.com/fairyhunter13/tenant-jobqueue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose job instrumentation on a dedicated /metrics endpoint so
	// Prometheus can scrape the worker process separately from the API.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.WorkerMetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting workers", slog.String("env", cfg.AppEnv), slog.Int("count", cfg.WorkerCount))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.ConnectWithRetry(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		rt := worker.NewRuntime(jobRepo, worker.SimulatedHandler{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.Run(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Stop polling; jobs already leased finish on a detached context.
	cancel()
	wg.Wait()
	slog.Info("all workers stopped")
}
