package temporal

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/brojonat/threeohohnine/service/metrics"
	"github.com/brojonat/threeohohnine/service/reconcile"
)

// WorkerConfig wires a reconciliation worker: the Temporal connection plus
// every dependency the sweep activities touch.
type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	Store     StoreInterface
	Chains    ChainReaderInterface
	Publisher PublisherInterface
	Matcher   *reconcile.Matcher
	Metrics   *metrics.Metrics // nil disables recording
	Logger    *slog.Logger
}

// Worker runs the sweep workflow and its activities on one task queue.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker dials Temporal and registers the sweep workflow and activities.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	logger := config.Logger.With("component", "temporal_worker")

	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     10,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	// The schedule and the CLI both start this workflow by name.
	w.RegisterWorkflow(ReconcileSweepWorkflow)

	activities := NewActivities(
		config.Store,
		config.Chains,
		config.Publisher,
		config.Matcher,
		config.Metrics,
		logger,
	)
	w.RegisterActivity(activities.FetchInternalRecords)
	w.RegisterActivity(activities.FetchOnchainRecords)
	w.RegisterActivity(activities.RunReconciliation)
	w.RegisterActivity(activities.PublishReport)

	logger.Info("temporal worker configured",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
	)
	return &Worker{client: c, worker: w, logger: logger}, nil
}

// Start blocks processing the task queue until Stop or a fatal error.
func (w *Worker) Start() error {
	w.logger.Info("starting temporal worker")
	if err := w.worker.Run(worker.InterruptCh()); err != nil {
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop drains in-flight tasks and closes the client.
func (w *Worker) Stop() {
	w.logger.Info("stopping temporal worker")
	w.worker.Stop()
	w.client.Close()
}
