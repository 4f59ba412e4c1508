package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/brojonat/threeohohnine/service/db"
	"github.com/brojonat/threeohohnine/service/evm"
	"github.com/brojonat/threeohohnine/service/metrics"
	natspkg "github.com/brojonat/threeohohnine/service/nats"
	"github.com/brojonat/threeohohnine/service/reconcile"
)

// SettlementRecord is one settled transfer as it crosses activity
// boundaries. Amounts are decimal strings in smallest token units so
// workflow histories stay exact.
type SettlementRecord struct {
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	ChainID   uint64 `json:"chain_id"`
	BatchID   string `json:"batch_id,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
}

// ReconcileSweepInput contains the parameters for one sweep run.
type ReconcileSweepInput struct {
	Lookback time.Duration `json:"lookback"`
}

// ReconcileSweepResult summarizes one sweep run.
type ReconcileSweepResult struct {
	SweepTime      time.Time `json:"sweep_time"`
	InternalCount  int       `json:"internal_count"`
	OnchainCount   int       `json:"onchain_count"`
	Matched        int       `json:"matched"`
	Mismatched     int       `json:"mismatched"`
	MissingOnchain int       `json:"missing_onchain"`
	Error          *string   `json:"error,omitempty"`
}

// FetchInternalRecordsInput contains parameters for the FetchInternalRecords
// activity.
type FetchInternalRecordsInput struct {
	Since time.Time `json:"since"`
}

// FetchInternalRecordsResult contains the settled items the engine believes
// it executed.
type FetchInternalRecordsResult struct {
	Records []SettlementRecord `json:"records"`
}

// FetchOnchainRecordsInput contains parameters for the FetchOnchainRecords
// activity.
type FetchOnchainRecordsInput struct {
	Records []SettlementRecord `json:"records"`
}

// FetchOnchainRecordsResult contains what the chains actually executed.
// References whose receipt lookup failed transiently are counted in
// FailedLookups and surface as missing_onchain for manual review.
type FetchOnchainRecordsResult struct {
	Records       []SettlementRecord `json:"records"`
	NotFound      int                `json:"not_found"`
	Reverted      int                `json:"reverted"`
	FailedLookups int                `json:"failed_lookups"`
}

// RunReconciliationInput contains both record sets for the matcher.
type RunReconciliationInput struct {
	Internal []SettlementRecord `json:"internal"`
	External []SettlementRecord `json:"external"`
}

// RunReconciliationResult contains the per-record verdicts and their tally.
type RunReconciliationResult struct {
	Records []reconcile.ReconciliationRecord `json:"records"`
	Summary reconcile.Summary                `json:"summary"`
}

// PublishReportInput contains parameters for the PublishReport activity.
// SweepStart is the workflow start time, carried so the activity can record
// the whole-sweep duration.
type PublishReportInput struct {
	Summary    reconcile.Summary `json:"summary"`
	SweepStart time.Time         `json:"sweep_start"`
}

// PublishReportResult reports whether the event went out.
type PublishReportResult struct {
	Published bool `json:"published"`
}

// StoreInterface is the single store lookup the sweep needs; activity
// tests implement it directly.
type StoreInterface interface {
	CompletedItemsSince(ctx context.Context, since time.Time) ([]*db.BatchItem, error)
}

// ChainReaderInterface is the receipt lookup the sweep resolves references
// through.
type ChainReaderInterface interface {
	TransferByHash(ctx context.Context, chainID uint64, txHash string) (*evm.TransferRecord, error)
}

// PublisherInterface carries the sweep report onto the settlement event
// stream.
type PublisherInterface interface {
	PublishSettlement(ctx context.Context, event *natspkg.SettlementEvent) error
}

// Activities bundles everything the sweep activities touch. Workflow code
// never sees these; only the activity implementations do.
type Activities struct {
	store     StoreInterface
	chains    ChainReaderInterface
	publisher PublisherInterface
	matcher   *reconcile.Matcher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit
// dependencies. If metrics is nil, no metrics will be recorded; if matcher
// is nil, the default tolerance applies.
func NewActivities(
	store StoreInterface,
	chains ChainReaderInterface,
	publisher PublisherInterface,
	matcher *reconcile.Matcher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	if matcher == nil {
		matcher = reconcile.DefaultMatcher()
	}
	return &Activities{
		store:     store,
		chains:    chains,
		publisher: publisher,
		matcher:   matcher,
		metrics:   m,
		logger:    logger,
	}
}

// FetchInternalRecords loads items settled since the cutoff from the store.
func (a *Activities) FetchInternalRecords(ctx context.Context, input FetchInternalRecordsInput) (*FetchInternalRecordsResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("FetchInternalRecords", time.Since(start).Seconds())
		}
	}()

	a.logger.DebugContext(ctx, "fetching internal settlement records", "since", input.Since)

	items, err := a.store.CompletedItemsSince(ctx, input.Since)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to fetch completed items",
			"since", input.Since,
			"error", err,
		)
		return nil, fmt.Errorf("failed to fetch completed items: %w", err)
	}

	records := make([]SettlementRecord, 0, len(items))
	for _, item := range items {
		// A completed item without a hash is a persistence bug; flag it
		// rather than silently dropping money from the audit.
		if item.TxHash == nil || *item.TxHash == "" {
			a.logger.WarnContext(ctx, "completed item missing tx hash, skipping",
				"item_id", item.ID,
				"batch_id", item.BatchID,
			)
			continue
		}
		rec := SettlementRecord{
			Reference: *item.TxHash,
			ChainID:   item.ChainID,
			BatchID:   item.BatchID,
			ItemID:    item.ID,
		}
		if item.Amount != nil {
			rec.Amount = item.Amount.String()
		}
		records = append(records, rec)
	}

	a.logger.InfoContext(ctx, "fetched internal settlement records",
		"since", input.Since,
		"count", len(records),
	)
	return &FetchInternalRecordsResult{Records: records}, nil
}

// FetchOnchainRecords resolves each reference against its chain. Receipts
// that are missing or reverted produce no external record; transient lookup
// failures are counted but do not fail the sweep, so one unreachable RPC
// cannot block the whole audit.
func (a *Activities) FetchOnchainRecords(ctx context.Context, input FetchOnchainRecordsInput) (*FetchOnchainRecordsResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("FetchOnchainRecords", time.Since(start).Seconds())
		}
	}()

	a.logger.DebugContext(ctx, "fetching onchain records", "count", len(input.Records))

	result := &FetchOnchainRecordsResult{}
	for _, rec := range input.Records {
		transfer, err := a.chains.TransferByHash(ctx, rec.ChainID, rec.Reference)
		switch {
		case err == nil:
			result.Records = append(result.Records, SettlementRecord{
				Reference: transfer.TxHash,
				Amount:    transfer.Value.String(),
				ChainID:   transfer.ChainID,
			})
		case errors.Is(err, evm.ErrTxNotFound):
			result.NotFound++
			a.logger.DebugContext(ctx, "transaction not found on chain",
				"tx_hash", rec.Reference,
				"chain_id", rec.ChainID,
			)
		case errors.Is(err, evm.ErrTxReverted):
			// A reverted transfer moved no funds, so it must show up as
			// missing in the audit.
			result.Reverted++
			a.logger.WarnContext(ctx, "settled transaction reverted on chain",
				"tx_hash", rec.Reference,
				"chain_id", rec.ChainID,
				"item_id", rec.ItemID,
			)
		default:
			result.FailedLookups++
			a.logger.WarnContext(ctx, "receipt lookup failed",
				"tx_hash", rec.Reference,
				"chain_id", rec.ChainID,
				"error", err,
			)
		}
	}

	a.logger.InfoContext(ctx, "fetched onchain records",
		"found", len(result.Records),
		"not_found", result.NotFound,
		"reverted", result.Reverted,
		"failed_lookups", result.FailedLookups,
	)
	return result, nil
}

// RunReconciliation matches the two record sets and tallies the verdicts.
func (a *Activities) RunReconciliation(ctx context.Context, input RunReconciliationInput) (*RunReconciliationResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("RunReconciliation", time.Since(start).Seconds())
		}
	}()

	internal, err := toMatcherRecords(input.Internal)
	if err != nil {
		return nil, fmt.Errorf("bad internal record: %w", err)
	}
	external, err := toMatcherRecords(input.External)
	if err != nil {
		return nil, fmt.Errorf("bad external record: %w", err)
	}

	records := a.matcher.Match(internal, external)
	summary := reconcile.Summarize(records)

	if a.metrics != nil {
		a.metrics.RecordReconciliationRecords(string(reconcile.OutcomeMatched), summary.Matched)
		a.metrics.RecordReconciliationRecords(string(reconcile.OutcomeMismatch), summary.Mismatched)
		a.metrics.RecordReconciliationRecords(string(reconcile.OutcomeMissingOnchain), summary.MissingOnchain)
	}

	for _, rec := range records {
		if rec.Outcome == reconcile.OutcomeMatched {
			continue
		}
		a.logger.WarnContext(ctx, "reconciliation discrepancy",
			"reference", rec.Reference,
			"outcome", rec.Outcome,
			"internal_amount", rec.InternalAmount,
			"external_amount", rec.ExternalAmount,
		)
	}

	a.logger.InfoContext(ctx, "reconciliation pass complete",
		"matched", summary.Matched,
		"mismatched", summary.Mismatched,
		"missing_onchain", summary.MissingOnchain,
	)
	return &RunReconciliationResult{Records: records, Summary: summary}, nil
}

// PublishReport emits the sweep summary to the settlement event stream.
func (a *Activities) PublishReport(ctx context.Context, input PublishReportInput) (*PublishReportResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("PublishReport", time.Since(start).Seconds())
		}
	}()

	// Publishing is the final step, so the elapsed time since the workflow
	// started is the sweep duration.
	if a.metrics != nil && !input.SweepStart.IsZero() {
		status := "clean"
		if input.Summary.Mismatched > 0 || input.Summary.MissingOnchain > 0 {
			status = "discrepancies"
		}
		a.metrics.RecordReconciliationSweep(status, time.Since(input.SweepStart).Seconds())
	}

	if a.publisher == nil {
		a.logger.DebugContext(ctx, "no publisher configured, skipping report")
		return &PublishReportResult{Published: false}, nil
	}

	event := &natspkg.SettlementEvent{
		Type: natspkg.EventReconcileReport,
		Reconciliation: &natspkg.ReconciliationSummary{
			Matched:        input.Summary.Matched,
			Mismatched:     input.Summary.Mismatched,
			MissingOnchain: input.Summary.MissingOnchain,
		},
		PublishedAt: time.Now().UTC(),
	}
	if err := a.publisher.PublishSettlement(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to publish reconciliation report", "error", err)
		return nil, fmt.Errorf("failed to publish reconciliation report: %w", err)
	}

	a.logger.InfoContext(ctx, "published reconciliation report",
		"matched", input.Summary.Matched,
		"mismatched", input.Summary.Mismatched,
		"missing_onchain", input.Summary.MissingOnchain,
	)
	return &PublishReportResult{Published: true}, nil
}

func toMatcherRecords(records []SettlementRecord) ([]reconcile.Record, error) {
	out := make([]reconcile.Record, 0, len(records))
	for _, rec := range records {
		amount := new(big.Int)
		if rec.Amount != "" {
			parsed, ok := amount.SetString(rec.Amount, 10)
			if !ok {
				return nil, fmt.Errorf("unparseable amount %q for %s", rec.Amount, rec.Reference)
			}
			amount = parsed
		}
		out = append(out, reconcile.Record{Reference: rec.Reference, Amount: amount})
	}
	return out, nil
}
