package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every Prometheus collector the engine records. One
// instance is built at startup and handed to each component; a nil
// Metrics anywhere means record nothing.
type Metrics struct {
	// Chain RPC metrics
	rpcCallsTotal   *prometheus.CounterVec
	rpcCallDuration *prometheus.HistogramVec

	// Chain submission metrics
	submitAttemptsTotal *prometheus.CounterVec
	submitDuration      *prometheus.HistogramVec
	submitRetriesTotal  *prometheus.CounterVec

	// Batch execution metrics
	batchesSubmittedTotal *prometheus.CounterVec
	batchDuration         *prometheus.HistogramVec
	batchItemCount        *prometheus.HistogramVec
	itemsSettledTotal     *prometheus.CounterVec

	// Authorization metrics
	verificationFailuresTotal *prometheus.CounterVec
	nonceReservationsTotal    *prometheus.CounterVec

	// Reconciliation metrics
	reconciliationRecordsTotal *prometheus.CounterVec
	reconciliationDuration     *prometheus.HistogramVec
	sweepActivityDuration      *prometheus.HistogramVec

	// HTTP metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec

	// Webhook metrics
	webhookDeliveriesTotal *prometheus.CounterVec
	webhookDeliveryLatency *prometheus.HistogramVec
}

// NewMetrics builds and registers every collector with the given
// registerer. Passing nil registers with the process-default registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Chain RPC metrics
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls by method, chain and status",
			},
			[]string{"method", "chain", "status"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"method", "chain"},
		),

		// Chain submission metrics
		submitAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_submit_attempts_total",
				Help: "Total number of chain submission attempts by route, chain and status",
			},
			[]string{"route", "chain", "status"},
		),
		submitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_submit_duration_seconds",
				Help:    "Duration of chain submission calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"route", "chain"},
		),
		submitRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_submit_retries_total",
				Help: "Total number of submission retry attempts by route and reason",
			},
			[]string{"route", "reason"},
		),

		// Batch execution metrics
		batchesSubmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batches_submitted_total",
				Help: "Total number of batches accepted for execution",
			},
			[]string{"priority"},
		),
		batchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_run_duration_seconds",
				Help:    "Duration of full batch runs in seconds",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		batchItemCount: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_item_count",
				Help:    "Number of items per submitted batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"priority"},
		),
		itemsSettledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_items_settled_total",
				Help: "Total number of item settlements by chain, token, route and terminal status",
			},
			[]string{"chain", "token", "route", "status"},
		),

		// Authorization metrics
		verificationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authorization_verification_failures_total",
				Help: "Total number of authorization verification failures by reason",
			},
			[]string{"reason"},
		),
		nonceReservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nonce_reservations_total",
				Help: "Total number of nonce ledger reservations",
			},
			[]string{"status"},
		),

		// Reconciliation metrics
		reconciliationRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_records_total",
				Help: "Total number of reconciliation records by outcome",
			},
			[]string{"outcome"},
		),
		reconciliationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciliation_sweep_duration_seconds",
				Help:    "Duration of reconciliation sweeps in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		sweepActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciliation_activity_duration_seconds",
				Help:    "Duration of reconciliation workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity"},
		),

		// HTTP metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"scope"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"scope", "event_type"},
		),

		// NATS metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),

		// Webhook metrics
		webhookDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by status",
			},
			[]string{"status"},
		),
		webhookDeliveryLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_delivery_duration_seconds",
				Help:    "Duration of webhook deliveries in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"status"},
		),
	}
}

// Chain RPC metric helpers

// RecordRPCCall records a chain RPC call with duration.
func (m *Metrics) RecordRPCCall(method, chain, status string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, chain, status).Inc()
	m.rpcCallDuration.WithLabelValues(method, chain).Observe(duration)
}

// Chain submission metric helpers

// RecordSubmit records a chain submission attempt with duration.
func (m *Metrics) RecordSubmit(route, chain, status string, duration float64) {
	m.submitAttemptsTotal.WithLabelValues(route, chain, status).Inc()
	m.submitDuration.WithLabelValues(route, chain).Observe(duration)
}

// RecordSubmitRetry records a submission retry attempt.
func (m *Metrics) RecordSubmitRetry(route, reason string) {
	m.submitRetriesTotal.WithLabelValues(route, reason).Inc()
}

// Batch execution metric helpers

// RecordBatchSubmitted records a batch accepted for execution.
func (m *Metrics) RecordBatchSubmitted(priority string, itemCount int) {
	m.batchesSubmittedTotal.WithLabelValues(priority).Inc()
	m.batchItemCount.WithLabelValues(priority).Observe(float64(itemCount))
}

// RecordBatchRun records a finished batch run.
func (m *Metrics) RecordBatchRun(status string, duration float64) {
	m.batchDuration.WithLabelValues(status).Observe(duration)
}

// RecordItemSettled records an item reaching a terminal status.
func (m *Metrics) RecordItemSettled(chain, token, route, status string) {
	m.itemsSettledTotal.WithLabelValues(chain, token, route, status).Inc()
}

// Authorization metric helpers

// RecordVerificationFailure records a failed authorization verification.
func (m *Metrics) RecordVerificationFailure(reason string) {
	m.verificationFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordNonceReservation records a nonce ledger reservation.
func (m *Metrics) RecordNonceReservation(status string) {
	m.nonceReservationsTotal.WithLabelValues(status).Inc()
}

// Reconciliation metric helpers

// RecordReconciliationRecords records sweep outcomes by type.
func (m *Metrics) RecordReconciliationRecords(outcome string, count int) {
	m.reconciliationRecordsTotal.WithLabelValues(outcome).Add(float64(count))
}

// RecordReconciliationSweep records a completed sweep.
func (m *Metrics) RecordReconciliationSweep(status string, duration float64) {
	m.reconciliationDuration.WithLabelValues(status).Observe(duration)
}

// RecordActivityDuration records reconciliation activity duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.sweepActivityDuration.WithLabelValues(activity).Observe(duration)
}

// HTTP helpers

// RecordHTTPRequest counts a served request and observes its duration,
// with the status collapsed to its class.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange moves the connection gauge by delta.
func (m *Metrics) RecordSSEConnectionChange(scope string, delta float64) {
	m.sseActiveConnections.WithLabelValues(scope).Add(delta)
}

// RecordSSEEventSent counts one event pushed to a stream subscriber.
func (m *Metrics) RecordSSEEventSent(scope, eventType string) {
	m.sseEventsSent.WithLabelValues(scope, eventType).Inc()
}

// NATS helpers

// RecordNATSPublish counts a publish attempt and observes its duration.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Webhook helpers

// RecordWebhookDelivery records a webhook delivery attempt.
func (m *Metrics) RecordWebhookDelivery(status string, duration float64) {
	m.webhookDeliveriesTotal.WithLabelValues(status).Inc()
	m.webhookDeliveryLatency.WithLabelValues(status).Observe(duration)
}

// statusCodeToString collapses status codes to their class so the
// request counter keeps a bounded label set.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
