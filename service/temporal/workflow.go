package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// DefaultLookback bounds how far back a sweep audits when the schedule
// does not say otherwise.
const DefaultLookback = 24 * time.Hour

// ReconcileSweepWorkflow is the Temporal workflow that audits recent
// settlements against on-chain truth. It is triggered by a schedule at a
// configured interval.
//
// Each run chains four activities:
// 1. Load recently completed items from the database (FetchInternalRecords)
// 2. Resolve each settlement reference on its chain (FetchOnchainRecords)
// 3. Match the two sets and tally verdicts (RunReconciliation)
// 4. Publish the summary to the settlement event stream (PublishReport)
//
// Discrepancies are reported, never auto-corrected.
func ReconcileSweepWorkflow(ctx workflow.Context, input ReconcileSweepInput) (*ReconcileSweepResult, error) {
	logger := workflow.GetLogger(ctx)

	lookback := input.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	logger.Info("ReconcileSweepWorkflow started", "lookback", lookback)

	result := &ReconcileSweepResult{
		SweepTime: workflow.Now(ctx),
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 300 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	// Step 1: load what the engine believes it settled.
	since := workflow.Now(ctx).Add(-lookback)
	var internal *FetchInternalRecordsResult
	err := workflow.ExecuteActivity(ctx, a.FetchInternalRecords, FetchInternalRecordsInput{Since: since}).Get(ctx, &internal)
	if err != nil {
		errMsg := fmt.Sprintf("failed to fetch internal records: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to fetch internal records: %w", err)
	}
	result.InternalCount = len(internal.Records)
	logger.Info("fetched internal records", "count", result.InternalCount)

	if len(internal.Records) == 0 {
		// Nothing settled in the window; publish the empty report so
		// subscribers can still observe that the sweep ran.
		logger.Info("no settlements in lookback window", "since", since)
		if err := workflow.ExecuteActivity(ctx, a.PublishReport, PublishReportInput{SweepStart: result.SweepTime}).Get(ctx, nil); err != nil {
			logger.Warn("failed to publish empty reconciliation report", "error", err)
		}
		return result, nil
	}

	// Step 2: resolve each reference against its chain.
	var external *FetchOnchainRecordsResult
	err = workflow.ExecuteActivity(ctx, a.FetchOnchainRecords, FetchOnchainRecordsInput{Records: internal.Records}).Get(ctx, &external)
	if err != nil {
		logger.Error("failed to fetch onchain records", "error", err)
		errMsg := fmt.Sprintf("failed to fetch onchain records: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to fetch onchain records: %w", err)
	}
	result.OnchainCount = len(external.Records)
	logger.Info("fetched onchain records",
		"found", result.OnchainCount,
		"not_found", external.NotFound,
		"reverted", external.Reverted,
		"failed_lookups", external.FailedLookups,
	)

	// Step 3: match the sets.
	var verdicts *RunReconciliationResult
	err = workflow.ExecuteActivity(ctx, a.RunReconciliation, RunReconciliationInput{
		Internal: internal.Records,
		External: external.Records,
	}).Get(ctx, &verdicts)
	if err != nil {
		logger.Error("failed to run reconciliation", "error", err)
		errMsg := fmt.Sprintf("failed to run reconciliation: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to run reconciliation: %w", err)
	}

	result.Matched = verdicts.Summary.Matched
	result.Mismatched = verdicts.Summary.Mismatched
	result.MissingOnchain = verdicts.Summary.MissingOnchain

	// Step 4: publish the summary. The verdicts are already logged and
	// counted, so a publish failure does not fail the sweep.
	err = workflow.ExecuteActivity(ctx, a.PublishReport, PublishReportInput{
		Summary:    verdicts.Summary,
		SweepStart: result.SweepTime,
	}).Get(ctx, nil)
	if err != nil {
		logger.Warn("failed to publish reconciliation report", "error", err)
	}

	logger.Info("ReconcileSweepWorkflow completed",
		"internal", result.InternalCount,
		"onchain", result.OnchainCount,
		"matched", result.Matched,
		"mismatched", result.Mismatched,
		"missing_onchain", result.MissingOnchain,
	)
	return result, nil
}
