package batch

import "errors"

// ErrBatchAlreadyProcessing is returned when an operation requires a batch
// that is still pending (cancel, re-run) but execution has already claimed
// it. Mid-flight cancellation is not supported.
var ErrBatchAlreadyProcessing = errors.New("batch already processing")
