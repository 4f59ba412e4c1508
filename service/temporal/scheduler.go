package temporal

import (
	"context"
	"time"
)

// Scheduler manages the recurring reconciliation sweep schedule.
type Scheduler interface {
	// EnsureReconcileSchedule creates the sweep schedule if it does not
	// exist, or updates its interval if it does. Safe to call on every
	// server start.
	EnsureReconcileSchedule(ctx context.Context, interval, lookback time.Duration) error

	// DeleteReconcileSchedule removes the sweep schedule, stopping future
	// sweeps. Running sweeps are not interrupted.
	DeleteReconcileSchedule(ctx context.Context) error
}
