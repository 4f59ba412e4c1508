package batch

import (
	"strings"

	"github.com/google/uuid"
)

// NewBatchID returns a "batch_"-prefixed opaque identifier.
func NewBatchID() string {
	return "batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewItemID returns a "pay_"-prefixed opaque identifier for a batch item.
func NewItemID() string {
	return "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
