package nats

import (
	"time"

	"github.com/brojonat/threeohohnine/service/db"
)

// EventType names what happened to a batch or one of its items.
type EventType string

const (
	EventBatchSubmitted  EventType = "batch_submitted"
	EventItemCompleted   EventType = "item_completed"
	EventItemFailed      EventType = "item_failed"
	EventBatchCompleted  EventType = "batch_completed"
	EventBatchFailed     EventType = "batch_failed"
	EventBatchCancelled  EventType = "batch_cancelled"
	EventReconcileReport EventType = "reconciliation_completed"
)

// ReconciliationSummary carries the outcome counts of one audit sweep.
type ReconciliationSummary struct {
	Matched        int `json:"matched"`
	Mismatched     int `json:"mismatched"`
	MissingOnchain int `json:"missing_onchain"`
}

// SettlementEvent is published to "settlements.{batch_id}" in JetStream.
// Item fields are set for item events, empty otherwise; amounts and fees are
// decimal strings in smallest token units.
type SettlementEvent struct {
	Type    EventType `json:"type"`
	BatchID string    `json:"batch_id"`

	// Item details, present on item_completed / item_failed.
	ItemID       string `json:"item_id,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	Amount       string `json:"amount,omitempty"`
	Token        string `json:"token,omitempty"`
	ChainID      uint64 `json:"chain_id,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty"`
	Route        string `json:"route,omitempty"`
	Fee          string `json:"fee,omitempty"`

	// Batch rollup, present on batch terminal events.
	Status       string `json:"status,omitempty"`
	SuccessCount int    `json:"success_count,omitempty"`
	FailureCount int    `json:"failure_count,omitempty"`

	// Present on reconciliation_completed.
	Reconciliation *ReconciliationSummary `json:"reconciliation,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// FromBatchItem converts a stored item to an item event for publishing.
func FromBatchItem(item *db.BatchItem, eventType EventType) *SettlementEvent {
	event := &SettlementEvent{
		Type:        eventType,
		BatchID:     item.BatchID,
		ItemID:      item.ID,
		Recipient:   item.Recipient,
		Token:       item.Token,
		ChainID:     item.ChainID,
		Status:      string(item.Status),
		RetryCount:  item.RetryCount,
		Route:       item.Route,
		PublishedAt: time.Now().UTC(),
	}
	if item.Amount != nil {
		event.Amount = item.Amount.String()
	}
	if item.Fee != nil {
		event.Fee = item.Fee.String()
	}
	if item.TxHash != nil {
		event.TxHash = *item.TxHash
	}
	if item.ErrorMessage != nil {
		event.ErrorMessage = *item.ErrorMessage
	}
	return event
}

// BatchEvent builds a batch-level rollup event.
func BatchEvent(eventType EventType, batchID string, status string, successCount, failureCount int) *SettlementEvent {
	return &SettlementEvent{
		Type:         eventType,
		BatchID:      batchID,
		Status:       status,
		SuccessCount: successCount,
		FailureCount: failureCount,
		PublishedAt:  time.Now().UTC(),
	}
}
