package temporal

import (
	"context"
	"sync"
	"time"
)

// MockScheduler records schedule operations so tests can assert on server
// startup behavior without a Temporal server.
type MockScheduler struct {
	mu        sync.Mutex
	interval  time.Duration
	lookback  time.Duration
	ensured   bool
	ensureErr error
}

func NewMockScheduler() *MockScheduler {
	return &MockScheduler{}
}

// SetEnsureError makes EnsureReconcileSchedule fail with err.
func (m *MockScheduler) SetEnsureError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureErr = err
}

// EnsureReconcileSchedule records the requested schedule.
func (m *MockScheduler) EnsureReconcileSchedule(ctx context.Context, interval, lookback time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensureErr != nil {
		return m.ensureErr
	}
	m.ensured = true
	m.interval = interval
	m.lookback = lookback
	return nil
}

// DeleteReconcileSchedule removes the recorded schedule.
func (m *MockScheduler) DeleteReconcileSchedule(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured = false
	return nil
}

// ScheduleExists reports whether the sweep schedule is in place.
func (m *MockScheduler) ScheduleExists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensured
}

// ScheduleInterval returns the last ensured interval.
func (m *MockScheduler) ScheduleInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// ScheduleLookback returns the last ensured lookback.
func (m *MockScheduler) ScheduleLookback() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookback
}
