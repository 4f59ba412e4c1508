package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// reconcileScheduleID is the fixed ID of the sweep schedule; there is one
// sweep per deployment, not one per batch.
const reconcileScheduleID = "reconcile-sweep"

// Client is the production Scheduler backed by a Temporal server.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient dials Temporal and returns a schedule-managing client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)
	return &Client{client: c, taskQueue: taskQueue, logger: logger}, nil
}

// EnsureReconcileSchedule creates the recurring sweep schedule, or updates
// the existing one so a redeploy with new settings takes effect.
func (c *Client) EnsureReconcileSchedule(ctx context.Context, interval, lookback time.Duration) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, reconcileScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		return c.createReconcileSchedule(ctx, interval, lookback)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			if action, ok := input.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				action.Args = []interface{}{ReconcileSweepInput{Lookback: lookback}}
			}
			return &client.ScheduleUpdate{Schedule: &input.Description.Schedule}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update schedule %q: %w", reconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule updated",
		"schedule_id", reconcileScheduleID,
		"interval", interval,
		"lookback", lookback,
	)
	return nil
}

func (c *Client) createReconcileSchedule(ctx context.Context, interval, lookback time.Duration) error {
	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: reconcileScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "reconcile-sweep-run",
			Workflow:  "ReconcileSweepWorkflow",
			TaskQueue: c.taskQueue,
			Args:      []interface{}{ReconcileSweepInput{Lookback: lookback}},
		},
		Memo: map[string]interface{}{
			"lookback":   lookback.String(),
			"created_by": "threeohohnine",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create schedule %q: %w", reconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule created",
		"schedule_id", reconcileScheduleID,
		"interval", interval,
		"lookback", lookback,
	)
	return nil
}

// DeleteReconcileSchedule removes the sweep schedule.
func (c *Client) DeleteReconcileSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, reconcileScheduleID)
	if err := handle.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete schedule %q: %w", reconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule deleted", "schedule_id", reconcileScheduleID)
	return nil
}

// SDKClient exposes the underlying SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the queue sweeps are dispatched on.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal connection.
func (c *Client) Close() {
	c.client.Close()
}

// temporalLogger adapts slog.Logger to the SDK's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
