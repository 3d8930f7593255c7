package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/engagement/internal/app"
	"example.com/engagement/internal/config"
	"example.com/engagement/internal/observability"
	"example.com/engagement/internal/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := observability.NewLogger("engagement-reconciler", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := app.OpenPool(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	defer pool.Close()

	engine, err := app.NewEngine(cfg, pool, logger)
	if err != nil {
		logger.Fatal("build engine", zap.Error(err))
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("reconciler metrics listening", zap.String("address", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()
	logger.Info("reconciler started", zap.Duration("interval", cfg.ReconcileInterval))

	for {
		runPass(ctx, engine.Reconciler, cfg.ReconcileBatchSize, logger)

		select {
		case <-ctx.Done():
			logger.Info("reconciler received shutdown signal")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown error", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
		}
	}
}

func runPass(ctx context.Context, rec *reconcile.Reconciler, batchSize int, logger *zap.Logger) {
	report, err := rec.Run(ctx, reconcile.Options{BatchSize: batchSize})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("reconcile pass failed", zap.Error(err))
		}
		return
	}
	logger.Info("reconcile pass complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("changed", report.Changed),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
}
