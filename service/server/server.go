package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/threeohohnine/service/config"
	"github.com/brojonat/threeohohnine/service/eip3009"
	"github.com/brojonat/threeohohnine/service/metrics"
	"github.com/brojonat/threeohohnine/service/nonce"
	"github.com/brojonat/threeohohnine/service/reconcile"
	"github.com/brojonat/threeohohnine/service/router"
	"github.com/brojonat/threeohohnine/service/temporal"
)

// Server represents the HTTP server for the settlement service.
type Server struct {
	addr         string
	cfg          *config.Config
	store        BatchStore
	runner       BatchRunner
	registry     *eip3009.Registry
	ledger       nonce.Ledger
	router       *router.Router
	matcher      *reconcile.Matcher
	scheduler    temporal.Scheduler
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New wires the HTTP surface over its dependencies. scheduler, ssePublisher,
// and m may each be nil; the corresponding endpoints are simply not mounted.
func New(addr string, cfg *config.Config, store BatchStore, runner BatchRunner, registry *eip3009.Registry, ledger nonce.Ledger, rtr *router.Router, matcher *reconcile.Matcher, scheduler temporal.Scheduler, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		cfg:          cfg,
		store:        store,
		runner:       runner,
		registry:     registry,
		ledger:       ledger,
		router:       rtr,
		matcher:      matcher,
		scheduler:    scheduler,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Start runs startup recovery, mounts the routes, and blocks serving
// until Shutdown or a listener error.
func (s *Server) Start() error {
	// The sweep schedule and interrupted batches are settled before the
	// listener opens, so no request races recovery.
	if err := s.ensureReconcileSchedule(context.Background()); err != nil {
		return fmt.Errorf("failed to ensure reconciliation schedule: %w", err)
	}

	if err := s.recoverInterruptedBatches(context.Background()); err != nil {
		return fmt.Errorf("failed to recover interrupted batches: %w", err)
	}

	mux := http.NewServeMux()

	// api wraps a handler with HTTP request metrics under a stable name.
	api := func(name string, h http.Handler) http.Handler {
		return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
	}

	// Batch routes
	mux.Handle("POST /api/v1/batches", api("submit_batch", handleSubmitBatch(s.store, s.runner, s.registry, s.router, s.metrics, s.logger)))
	mux.Handle("GET /api/v1/batches", api("list_batches", handleListBatches(s.store, s.logger)))
	mux.Handle("GET /api/v1/batches/{id}", api("get_batch", handleGetBatch(s.runner, s.logger)))
	mux.Handle("POST /api/v1/batches/{id}/cancel", api("cancel_batch", handleCancelBatch(s.runner, s.logger)))
	mux.Handle("POST /api/v1/batches/{id}/reconcile", api("reconcile_batch", handleReconcileBatch(s.store, s.matcher, s.logger)))

	// Authorization routes
	mux.Handle("POST /api/v1/authorizations", api("build_authorization", handleBuildAuthorization(s.registry, s.ledger, s.cfg, s.metrics, s.logger)))
	mux.Handle("POST /api/v1/authorizations/verify", api("verify_authorization", handleVerifyAuthorization(s.registry, s.ledger, s.router, s.metrics, s.logger)))

	// Quote and payment request routes
	mux.Handle("POST /api/v1/quotes", api("quote", handleQuote(s.registry, s.router, s.logger)))
	mux.Handle("POST /api/v1/payment-requests", api("create_payment_request", handleCreatePaymentRequest(s.registry, s.cfg, s.logger)))

	// SSE routes bypass the api wrapper: a stream's lifetime would land in
	// the request-duration histogram as one giant sample.
	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/settlements/{id}", handleStreamSettlements(s.ssePublisher, s.metrics, s.logger))
		mux.Handle("GET /api/v1/stream/settlements", handleStreamSettlements(s.ssePublisher, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// ensureReconcileSchedule ensures the recurring reconciliation sweep schedule
// exists, creating or updating it to match the configured interval and lookback.
func (s *Server) ensureReconcileSchedule(ctx context.Context) error {
	if s.scheduler == nil {
		s.logger.Warn("scheduler not configured, skipping reconciliation schedule")
		return nil
	}

	interval := s.cfg.ReconcileInterval
	lookback := s.cfg.ReconcileLookback

	if err := s.scheduler.EnsureReconcileSchedule(ctx, interval, lookback); err != nil {
		return fmt.Errorf("failed to ensure reconciliation schedule: %w", err)
	}

	s.logger.Info("reconciliation schedule ensured",
		"interval", interval,
		"lookback", lookback,
	)
	return nil
}

// recoverInterruptedBatches relaunches batches left in processing by a crash
// or restart. Already-settled items are skipped by the orchestrator.
func (s *Server) recoverInterruptedBatches(ctx context.Context) error {
	if s.runner == nil {
		return nil
	}

	count, err := s.runner.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan for interrupted batches: %w", err)
	}

	if count > 0 {
		s.logger.Info("resumed interrupted batches", "count", count)
	}
	return nil
}

// Shutdown drains the server. SSE clients are disconnected before the
// listener closes; otherwise their open streams would hold Shutdown until
// the context expired.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers and short-circuits OPTIONS preflights.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
