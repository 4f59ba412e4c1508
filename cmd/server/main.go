package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/brojonat/threeohohnine/service/batch"
	"github.com/brojonat/threeohohnine/service/config"
	"github.com/brojonat/threeohohnine/service/db"
	"github.com/brojonat/threeohohnine/service/eip3009"
	"github.com/brojonat/threeohohnine/service/evm"
	"github.com/brojonat/threeohohnine/service/metrics"
	natspkg "github.com/brojonat/threeohohnine/service/nats"
	"github.com/brojonat/threeohohnine/service/nonce"
	"github.com/brojonat/threeohohnine/service/reconcile"
	"github.com/brojonat/threeohohnine/service/router"
	"github.com/brojonat/threeohohnine/service/server"
	"github.com/brojonat/threeohohnine/service/temporal"
	"github.com/brojonat/threeohohnine/service/webhook"
)

func main() {
	// A missing .env file is not an error; Load never overrides
	// variables already set in the environment.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"submitter_mode", cfg.SubmitterMode,
		"nonce_backend", cfg.NonceBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool)

	// Prometheus metrics, served on /metrics
	m := metrics.NewMetrics(nil) // nil uses default registry

	// Nonce ledger backend
	ledger, err := buildNonceLedger(ctx, cfg, dbPool)
	if err != nil {
		logger.Error("failed to initialize nonce ledger", "error", err)
		os.Exit(1)
	}

	// Token registry, fee router, reconciliation matcher
	registry := eip3009.NewRegistry()
	rtr := router.New(cfg.RelayerFeeRate, cfg.ServiceFeeRate)
	matcher := reconcile.NewMatcher(cfg.ReconcileTolerance)

	// Service signer, used for relay transactions and the demo flows
	signer, err := buildServiceSigner(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize service signer", "error", err)
		os.Exit(1)
	}

	// Settlement submitters. Dry-run mode settles nothing and fabricates
	// deterministic receipts, which is what CI and local development want.
	facilitator, relayer, closeChains, err := buildSubmitters(ctx, cfg, logger, m)
	if err != nil {
		logger.Error("failed to initialize submitters", "error", err)
		os.Exit(1)
	}
	defer closeChains()

	// NATS JetStream publisher and SSE fan-out. Both are optional: without
	// NATS the engine still settles, it just emits no events.
	var publisher natspkg.Publisher
	var ssePublisher *server.SSEPublisher
	jsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("NATS unavailable, settlement events disabled", "url", cfg.NATSURL, "error", err)
	} else {
		publisher = jsPublisher
		defer jsPublisher.Close()

		ssePublisher, err = server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("SSE publisher unavailable, streaming endpoints disabled", "error", err)
			ssePublisher = nil
		}
	}

	// Webhook dispatcher, enabled only when a delivery URL is configured
	var webhooks *webhook.Dispatcher
	if cfg.WebhookURL != "" {
		webhooks = webhook.NewDispatcher(cfg.WebhookURL, cfg.WebhookSecret, logger, m)
		logger.Info("webhook delivery enabled", "url", cfg.WebhookURL)
	}

	// Batch orchestrator
	orchestrator := batch.New(batch.Deps{
		Store:       store,
		Ledger:      ledger,
		Registry:    registry,
		Signer:      signer,
		Router:      rtr,
		Facilitator: facilitator,
		Relayer:     relayer,
		Publisher:   publisher,
		Webhooks:    webhooks,
		Logger:      logger,
		Metrics:     m,
	}, batch.Config{
		GroupSize:      cfg.BatchGroupSize,
		GroupDelay:     cfg.BatchGroupDelay,
		ItemTimeout:    cfg.BatchItemTimeout,
		RetryDelay:     cfg.BatchRetryDelay,
		MaxRetries:     cfg.BatchMaxRetries,
		ValidityWindow: cfg.DefaultValidityWindow,
	})

	// Temporal scheduler for the recurring reconciliation sweep. Optional:
	// without Temporal, on-demand reconciliation still works.
	var scheduler temporal.Scheduler
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Warn("temporal unavailable, scheduled reconciliation sweeps disabled", "error", err)
	} else {
		scheduler = temporalClient
		defer temporalClient.Close()
	}

	httpServer := server.New(cfg.ServerAddr, cfg, store, orchestrator, registry, ledger, rtr, matcher, scheduler, ssePublisher, m, logger)

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
		"signer", signer.Address().Hex(),
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// buildNonceLedger selects the nonce ledger backend. Memory suits a single
// instance; postgres and redis survive restarts and serve multiple replicas.
func buildNonceLedger(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (nonce.Ledger, error) {
	switch cfg.NonceBackend {
	case config.NonceBackendMemory:
		return nonce.NewMemoryLedger(), nil
	case config.NonceBackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.RedisAddr, err)
		}
		return nonce.NewRedisLedger(rdb), nil
	default:
		return nonce.NewPostgresLedger(pool), nil
	}
}

// buildServiceSigner loads the configured signing key, or generates an
// ephemeral one so development works out of the box. Authorizations signed
// by an ephemeral key do not survive a restart.
func buildServiceSigner(cfg *config.Config, logger *slog.Logger) (*eip3009.LocalSigner, error) {
	if cfg.ServiceSignerKey != "" {
		return eip3009.NewLocalSigner(cfg.ServiceSignerKey)
	}

	signer, err := eip3009.GenerateSigner()
	if err != nil {
		return nil, err
	}
	logger.Warn("SERVICE_SIGNER_KEY not set, generated an ephemeral signer",
		"address", signer.Address().Hex(),
	)
	return signer, nil
}

// buildSubmitters wires the facilitator and relayer settlement paths for the
// configured mode. The returned close function releases chain connections.
func buildSubmitters(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (facilitator, relayer batch.Submitter, closeFn func(), err error) {
	if cfg.SubmitterMode != config.SubmitterModeOnchain {
		dry := evm.NewDryRunSubmitter(logger, m)
		logger.Info("dry-run submitter active, no transactions will be sent")
		return dry, dry, func() {}, nil
	}

	chains := evm.DialAll(ctx, cfg.ChainRPCURLs, logger, m)
	onchain, err := evm.NewOnchainSubmitter(chains, cfg.RelayerPrivateKey, logger, m)
	if err != nil {
		chains.Close()
		return nil, nil, nil, err
	}

	// The facilitator path defers gas to an external service when one is
	// configured; otherwise the relayer settles facilitator-routed items too.
	if cfg.FacilitatorURL != "" {
		return evm.NewFacilitatorSubmitter(cfg.FacilitatorURL, logger, m), onchain, chains.Close, nil
	}
	return onchain, onchain, chains.Close, nil
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

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
