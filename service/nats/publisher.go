package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream holding settlement events.
	StreamName = "SETTLEMENTS"

	// StreamSubjects is the subject space the stream captures.
	StreamSubjects = "settlements.*"

	// ReconcileSubject carries sweep reports, which are not tied to a batch.
	ReconcileSubject = "settlements.reconciliation"

	// StreamRetention bounds how long events stay replayable.
	StreamRetention = 30 * 24 * time.Hour
)

// Publisher is the event emission surface handed to the orchestrator and the
// sweep activities.
type Publisher interface {
	// PublishSettlement publishes one event to its subject under the
	// SETTLEMENTS stream.
	PublishSettlement(ctx context.Context, event *SettlementEvent) error

	// PublishSettlementBatch publishes a set of events. One failed event
	// does not stop the rest.
	PublishSettlementBatch(ctx context.Context, events []*SettlementEvent) error

	// Close releases the underlying connection.
	Close() error
}

// JetStreamPublisher is the production Publisher on NATS JetStream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewPublisher connects to NATS and makes sure the settlement stream exists.
func NewPublisher(natsURL string, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("threeohohnine-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, logger: logger}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized", "url", natsURL, "stream", StreamName)
	return p, nil
}

// ensureStream creates or updates the stream so its config matches this
// build. CreateOrUpdateStream is idempotent across concurrent publishers.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Settlement events from batch execution and reconciliation",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// SubjectFor returns the subject an event is published on. Batch-scoped
// events go to their batch subject; reconciliation reports have no batch.
func SubjectFor(event *SettlementEvent) string {
	if event.BatchID == "" {
		return ReconcileSubject
	}
	return fmt.Sprintf("settlements.%s", event.BatchID)
}

// PublishSettlement publishes one event and waits for the stream ack.
func (p *JetStreamPublisher) PublishSettlement(ctx context.Context, event *SettlementEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement event: %w", err)
	}

	subject := SubjectFor(event)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish settlement event: %w", err)
	}

	p.logger.Debug("published settlement event",
		"subject", subject,
		"type", event.Type,
		"batch_id", event.BatchID,
		"item_id", event.ItemID,
	)
	return nil
}

// PublishSettlementBatch publishes events in order, logging and skipping any
// that fail.
func (p *JetStreamPublisher) PublishSettlementBatch(ctx context.Context, events []*SettlementEvent) error {
	for _, event := range events {
		if err := p.PublishSettlement(ctx, event); err != nil {
			p.logger.Error("failed to publish settlement event in batch",
				"type", event.Type,
				"batch_id", event.BatchID,
				"item_id", event.ItemID,
				"error", err,
			)
		}
	}
	return nil
}

// Close drops the NATS connection. Publishes are synchronous, so nothing
// is in flight when it returns.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
