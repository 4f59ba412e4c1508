package nats

import (
	"context"
	"sync"
)

// MockPublisher collects events in memory so tests can assert on what the
// orchestrator and sweep activities emitted.
type MockPublisher struct {
	mu         sync.RWMutex
	events     []*SettlementEvent
	publishErr error
	closed     bool
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// SetPublishError makes every subsequent publish fail with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// PublishSettlement records the event, or fails with the configured error.
func (m *MockPublisher) PublishSettlement(ctx context.Context, event *SettlementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishErr != nil {
		return m.publishErr
	}
	m.events = append(m.events, event)
	return nil
}

// PublishSettlementBatch records every event, or fails with the configured
// error before recording any.
func (m *MockPublisher) PublishSettlementBatch(ctx context.Context, events []*SettlementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishErr != nil {
		return m.publishErr
	}
	m.events = append(m.events, events...)
	return nil
}

// Close marks the publisher closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEventsByType returns the recorded events of one type, in
// publish order.
func (m *MockPublisher) GetPublishedEventsByType(eventType EventType) []*SettlementEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SettlementEvent
	for _, event := range m.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
