package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/threeohohnine/service/metrics"
)

// Dispatcher posts signed event payloads to a configured webhook endpoint.
// A Dispatcher with an empty URL is valid and drops every delivery, so
// callers don't need to branch on whether webhooks are configured.
type Dispatcher struct {
	url     string
	secret  string
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
}

// NewDispatcher creates a dispatcher for the given endpoint and shared
// secret. Deliveries are attempted 3 times with doubling backoff.
func NewDispatcher(url, secret string, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		url:         url,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		metrics:     m,
		maxAttempts: 3,
		retryDelay:  time.Second,
		now:         time.Now,
	}
}

// Enabled reports whether a webhook endpoint is configured.
func (d *Dispatcher) Enabled() bool {
	return d.url != ""
}

// Deliver posts the payload as JSON with an X-Settlement-Signature header.
// Each attempt is signed with a fresh timestamp. Returns the last error
// after all attempts fail; a nil return means the endpoint acknowledged
// the delivery with a 2xx status.
func (d *Dispatcher) Deliver(ctx context.Context, eventType string, payload any) error {
	if !d.Enabled() {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := range d.maxAttempts {
		if attempt > 0 {
			// 1s, 2s between attempts
			backoff := d.retryDelay << uint(attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		err := d.post(ctx, eventType, body)
		duration := time.Since(start).Seconds()

		status := "success"
		if err != nil {
			status = "error"
		}
		if d.metrics != nil {
			d.metrics.RecordWebhookDelivery(status, duration)
		}

		if err == nil {
			d.logger.InfoContext(ctx, "webhook delivered",
				"event_type", eventType,
				"attempt", attempt+1,
			)
			return nil
		}

		lastErr = err
		d.logger.WarnContext(ctx, "webhook delivery failed",
			"event_type", eventType,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return fmt.Errorf("webhook delivery failed after %d attempts: %w", d.maxAttempts, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Settlement-Event", eventType)
	req.Header.Set(SignatureHeader, Sign(d.secret, body, d.now()))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
