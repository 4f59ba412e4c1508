package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/threeohohnine/service/config"
	"github.com/brojonat/threeohohnine/service/db"
	"github.com/brojonat/threeohohnine/service/evm"
	"github.com/brojonat/threeohohnine/service/metrics"
	natspkg "github.com/brojonat/threeohohnine/service/nats"
	"github.com/brojonat/threeohohnine/service/reconcile"
	"github.com/brojonat/threeohohnine/service/temporal"
)

func main() {
	// A missing .env file is not an error; Load never overrides
	// variables already set in the environment.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting reconciliation worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	m := metrics.NewMetrics(nil)
	stopMetrics := serveMetrics(getEnv("METRICS_ADDR", ":9091"), logger)
	defer stopMetrics()

	// Chain clients for receipt lookups. Chains with no configured endpoint
	// surface their settlements as missing_onchain in sweep reports.
	chains := evm.DialAll(ctx, cfg.ChainRPCURLs, logger, m)
	defer chains.Close()
	if len(chains) == 0 {
		logger.Warn("no chain RPC endpoints configured, sweeps cannot confirm settlements onchain")
	}

	publisher, err := natspkg.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Store:             db.NewStore(pool),
		Chains:            chains,
		Publisher:         publisher,
		Matcher:           reconcile.NewMatcher(cfg.ReconcileTolerance),
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	logger.Info("worker dependencies ready",
		"chains", len(chains),
		"reconcile_tolerance", cfg.ReconcileTolerance.String(),
	)

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- worker.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		worker.Stop()
		logger.Info("shutdown complete")
	}
}

// serveMetrics exposes promhttp on addr and returns a shutdown func.
func serveMetrics(addr string, logger *slog.Logger) func() {
	srv := &http.Server{Addr: addr, Handler: promhttp.Handler()}
	go func() {
		logger.Info("starting metrics HTTP server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}
}

// setupLogger builds the process logger; unknown levels fall back to info.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getEnv reads key from the environment, returning def when unset.
func getEnv(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}
