package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/threeohohnine/service/metrics"
	natspkg "github.com/brojonat/threeohohnine/service/nats"
)

// sseKeepaliveInterval spaces the comment lines that keep idle proxies from
// dropping the connection.
const sseKeepaliveInterval = 10 * time.Second

// SSEPublisher bridges the SETTLEMENTS stream to Server-Sent Events clients.
// Each connection gets its own ephemeral JetStream consumer.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher connects to NATS; consumers are created per request.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("threeohohnine-sse-publisher"),
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

	logger.Info("SSE publisher initialized", "nats_url", natsURL)
	return &SSEPublisher{nc: nc, js: js, logger: logger}, nil
}

// Close closes the NATS connection, which also drops every live consumer.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// handleStreamSettlements streams settlement events over SSE. Without an id
// path value the stream covers every batch; with one it filters to that
// batch's subject.
func handleStreamSettlements(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := natspkg.StreamSubjects
		scope := "all"
		batchDesc := "all batches"
		if batchID := r.PathValue("id"); batchID != "" {
			if err := validateBatchID(batchID); err != nil {
				logger.Debug("invalid batch ID for stream", "batch_id", batchID, "error", err)
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			subject = fmt.Sprintf("settlements.%s", batchID)
			scope = "batch"
			batchDesc = batchID
		}

		ctx := r.Context()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		rc := http.NewResponseController(w)

		logger.DebugContext(ctx, "SSE client connected",
			"batch", batchDesc,
			"remote_addr", r.RemoteAddr,
		)
		if m != nil {
			m.RecordSSEConnectionChange(scope, 1)
			defer m.RecordSSEConnectionChange(scope, -1)
		}

		// DeliverNewPolicy: a stream client watches settlements as they
		// happen; history is what the batch status endpoint is for.
		cons, err := publisher.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to create consumer",
				"subject", subject,
				"error", err,
			)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		msgs := make(chan jetstream.Msg, 10)
		consumeDone := make(chan struct{})
		go func() {
			defer close(consumeDone)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgs <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil {
				logger.ErrorContext(ctx, "failed to start consuming messages", "error", err)
				return
			}
			<-ctx.Done()
			cc.Stop()
		}()

		fmt.Fprintf(w, "event: connected\ndata: {\"batch\":%q}\n\n", batchDesc)
		rc.Flush()

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				rc.Flush()

			case msg := <-msgs:
				var event natspkg.SettlementEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(ctx, "failed to unmarshal event", "error", err)
					msg.Ack()
					continue
				}

				// Re-encode so the data field is a single line regardless
				// of how the producer formatted the payload.
				data, err := json.Marshal(event)
				if err != nil {
					msg.Ack()
					continue
				}

				fmt.Fprintf(w, "event: settlement\ndata: %s\n\n", data)
				rc.Flush()
				msg.Ack()

				if m != nil {
					m.RecordSSEEventSent(scope, string(event.Type))
				}

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"batch", batchDesc,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-consumeDone:
				return
			}
		}
	})
}
