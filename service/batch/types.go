package batch

import (
	"math/big"

	"github.com/brojonat/threeohohnine/service/db"
)

// ItemResult is the outcome of one item in a batch run. Results are
// index-aligned with the submitted item list.
type ItemResult struct {
	Index      int           `json:"index"`
	ItemID     string        `json:"item_id"`
	Recipient  string        `json:"recipient"`
	Status     db.ItemStatus `json:"status"`
	TxHash     string        `json:"tx_hash,omitempty"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retry_count"`
	Route      string        `json:"route"`
	Fee        *big.Int      `json:"fee,omitempty"`
}

// BatchResult summarizes a batch run. Counts always add up to TotalCount
// so callers can act on partial success without waiting for completion.
type BatchResult struct {
	BatchID      string         `json:"batch_id"`
	Status       db.BatchStatus `json:"status"`
	TotalCount   int            `json:"total_count"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	PendingCount int            `json:"pending_count"`
	Items        []ItemResult   `json:"items"`
}

// summarize derives the batch-level view from per-item results. Any failed
// item marks the batch failed; unprocessed items leave it processing.
func summarize(batchID string, results []ItemResult) *BatchResult {
	res := &BatchResult{
		BatchID:    batchID,
		TotalCount: len(results),
		Items:      results,
	}
	for _, r := range results {
		switch r.Status {
		case db.ItemStatusCompleted:
			res.SuccessCount++
		case db.ItemStatusFailed:
			res.FailureCount++
		default:
			res.PendingCount++
		}
	}
	switch {
	case res.PendingCount > 0:
		res.Status = db.BatchStatusProcessing
	case res.FailureCount > 0:
		res.Status = db.BatchStatusFailed
	default:
		res.Status = db.BatchStatusCompleted
	}
	return res
}
