package temporal

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.temporal.io/sdk/testsuite"

	"github.com/brojonat/threeohohnine/service/reconcile"
)

func TestReconcileSweepWorkflow(t *testing.T) {
	internalRecords := []SettlementRecord{
		{Reference: "0xaaa", Amount: "1000000", ChainID: 8453, BatchID: "batch_1", ItemID: "pay_1"},
		{Reference: "0xbbb", Amount: "2000000", ChainID: 8453, BatchID: "batch_1", ItemID: "pay_2"},
		{Reference: "0xccc", Amount: "3000000", ChainID: 1, BatchID: "batch_2", ItemID: "pay_3"},
	}

	tests := []struct {
		name           string
		input          ReconcileSweepInput
		mockActivities func(fetchInternal, fetchOnchain, runMatch, publish *testsuite.MockCallWrapper)
		expectedError  bool
		validateResult func(*testing.T, *ReconcileSweepResult)
	}{
		{
			name:  "successful sweep with discrepancies",
			input: ReconcileSweepInput{Lookback: 12 * time.Hour},
			mockActivities: func(fetchInternal, fetchOnchain, runMatch, publish *testsuite.MockCallWrapper) {
				fetchInternal.Return(&FetchInternalRecordsResult{Records: internalRecords}, nil)

				// One reference resolves exactly, one with a different
				// amount, one not at all.
				fetchOnchain.Return(&FetchOnchainRecordsResult{
					Records: []SettlementRecord{
						{Reference: "0xaaa", Amount: "1000000", ChainID: 8453},
						{Reference: "0xbbb", Amount: "2500000", ChainID: 8453},
					},
					NotFound: 1,
				}, nil)

				runMatch.Return(&RunReconciliationResult{
					Records: []reconcile.ReconciliationRecord{
						{Reference: "0xaaa", InternalAmount: big.NewInt(1_000_000), ExternalAmount: big.NewInt(1_000_000), Outcome: reconcile.OutcomeMatched},
						{Reference: "0xbbb", InternalAmount: big.NewInt(2_000_000), ExternalAmount: big.NewInt(2_500_000), Outcome: reconcile.OutcomeMismatch},
						{Reference: "0xccc", InternalAmount: big.NewInt(3_000_000), Outcome: reconcile.OutcomeMissingOnchain},
					},
					Summary: reconcile.Summary{Matched: 1, Mismatched: 1, MissingOnchain: 1},
				}, nil)

				publish.Return(&PublishReportResult{Published: true}, nil)
			},
			expectedError: false,
			validateResult: func(t *testing.T, result *ReconcileSweepResult) {
				assert.Equal(t, 3, result.InternalCount)
				assert.Equal(t, 2, result.OnchainCount)
				assert.Equal(t, 1, result.Matched)
				assert.Equal(t, 1, result.Mismatched)
				assert.Equal(t, 1, result.MissingOnchain)
				assert.Nil(t, result.Error)
			},
		},
		{
			name:  "no settlements in window",
			input: ReconcileSweepInput{Lookback: time.Hour},
			mockActivities: func(fetchInternal, fetchOnchain, runMatch, publish *testsuite.MockCallWrapper) {
				fetchInternal.Return(&FetchInternalRecordsResult{Records: nil}, nil)

				// Only the empty report is published; the onchain fetch
				// and the matcher must not run.
				publish.Return(&PublishReportResult{Published: true}, nil)
			},
			expectedError: false,
			validateResult: func(t *testing.T, result *ReconcileSweepResult) {
				assert.Zero(t, result.InternalCount)
				assert.Zero(t, result.OnchainCount)
				assert.Zero(t, result.Matched)
				assert.Nil(t, result.Error)
			},
		},
		{
			name:  "internal fetch fails",
			input: ReconcileSweepInput{},
			mockActivities: func(fetchInternal, fetchOnchain, runMatch, publish *testsuite.MockCallWrapper) {
				fetchInternal.Return(nil, errors.New("database down"))
			},
			expectedError: true,
			validateResult: func(t *testing.T, result *ReconcileSweepResult) {
				// The workflow failed; the error is checked separately.
			},
		},
		{
			name:  "publish failure does not fail the sweep",
			input: ReconcileSweepInput{Lookback: time.Hour},
			mockActivities: func(fetchInternal, fetchOnchain, runMatch, publish *testsuite.MockCallWrapper) {
				fetchInternal.Return(&FetchInternalRecordsResult{Records: internalRecords[:1]}, nil)
				fetchOnchain.Return(&FetchOnchainRecordsResult{
					Records: []SettlementRecord{{Reference: "0xaaa", Amount: "1000000", ChainID: 8453}},
				}, nil)
				runMatch.Return(&RunReconciliationResult{
					Records: []reconcile.ReconciliationRecord{
						{Reference: "0xaaa", InternalAmount: big.NewInt(1_000_000), ExternalAmount: big.NewInt(1_000_000), Outcome: reconcile.OutcomeMatched},
					},
					Summary: reconcile.Summary{Matched: 1},
				}, nil)
				publish.Return(nil, errors.New("nats unavailable"))
			},
			expectedError: false,
			validateResult: func(t *testing.T, result *ReconcileSweepResult) {
				assert.Equal(t, 1, result.Matched)
				assert.Nil(t, result.Error)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			activities := &Activities{}
			env.RegisterActivity(activities.FetchInternalRecords)
			env.RegisterActivity(activities.FetchOnchainRecords)
			env.RegisterActivity(activities.RunReconciliation)
			env.RegisterActivity(activities.PublishReport)

			fetchInternal := env.OnActivity(activities.FetchInternalRecords, mock.Anything, mock.Anything)
			fetchOnchain := env.OnActivity(activities.FetchOnchainRecords, mock.Anything, mock.Anything)
			runMatch := env.OnActivity(activities.RunReconciliation, mock.Anything, mock.Anything)
			publish := env.OnActivity(activities.PublishReport, mock.Anything, mock.Anything)

			tt.mockActivities(fetchInternal, fetchOnchain, runMatch, publish)

			env.ExecuteWorkflow(ReconcileSweepWorkflow, tt.input)

			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				var result ReconcileSweepResult
				env.GetWorkflowResult(&result)
				tt.validateResult(t, &result)
			} else {
				assert.NoError(t, env.GetWorkflowError())
				var result ReconcileSweepResult
				err := env.GetWorkflowResult(&result)
				assert.NoError(t, err)
				tt.validateResult(t, &result)
			}
		})
	}
}

func TestReconcileSweepWorkflow_ActivityRetries(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.FetchInternalRecords)
	env.RegisterActivity(activities.FetchOnchainRecords)
	env.RegisterActivity(activities.RunReconciliation)
	env.RegisterActivity(activities.PublishReport)

	env.OnActivity(activities.FetchInternalRecords, mock.Anything, mock.Anything).
		Return(&FetchInternalRecordsResult{
			Records: []SettlementRecord{{Reference: "0xaaa", Amount: "1000000", ChainID: 8453}},
		}, nil)

	// The onchain fetch fails twice then succeeds; Temporal retries on
	// panics.
	callCount := 0
	env.OnActivity(activities.FetchOnchainRecords, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		callCount++
		if callCount < 3 {
			panic("transient rpc error")
		}
	}).Return(&FetchOnchainRecordsResult{
		Records: []SettlementRecord{{Reference: "0xaaa", Amount: "1000000", ChainID: 8453}},
	}, nil)

	env.OnActivity(activities.RunReconciliation, mock.Anything, mock.Anything).
		Return(&RunReconciliationResult{
			Records: []reconcile.ReconciliationRecord{
				{Reference: "0xaaa", InternalAmount: big.NewInt(1_000_000), ExternalAmount: big.NewInt(1_000_000), Outcome: reconcile.OutcomeMatched},
			},
			Summary: reconcile.Summary{Matched: 1},
		}, nil)

	env.OnActivity(activities.PublishReport, mock.Anything, mock.Anything).
		Return(&PublishReportResult{Published: true}, nil)

	env.ExecuteWorkflow(ReconcileSweepWorkflow, ReconcileSweepInput{Lookback: time.Hour})

	assert.NoError(t, env.GetWorkflowError())

	var result ReconcileSweepResult
	err := env.GetWorkflowResult(&result)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 3, callCount)
}
