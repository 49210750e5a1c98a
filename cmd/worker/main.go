// Package main provides the control-plane worker entry point. The worker
// drains the priority task queue, runs the isolation monitor and supervises
// the reliability router's primary service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/observability"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/app"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/config"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose queue, breaker and router metrics for scraping.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	core, err := app.NewCore(ctx, cfg, logger)
	if err != nil {
		slog.Error("wiring failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := core.Close(); err != nil {
			slog.Error("failed to close core", slog.Any("error", err))
		}
	}()

	dispatcher := app.NewDispatcher()
	core.RegisterBuiltins(dispatcher)

	go core.Isolation.RunMonitor(ctx)
	go core.Monitor.Run(ctx)

	workerID := "worker-" + ulid.Make().String()
	slog.Info("worker started, consuming tasks", slog.String("worker_id", workerID))
	if err := core.Queue.RunConsumer(ctx, workerID, domain.Priorities(), dispatcher.Handle); err != nil && ctx.Err() == nil {
		slog.Error("consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
