package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brojonat/threeohohnine/service/db"
	"github.com/brojonat/threeohohnine/service/eip3009"
	"github.com/brojonat/threeohohnine/service/metrics"
	"github.com/brojonat/threeohohnine/service/nats"
	"github.com/brojonat/threeohohnine/service/nonce"
	"github.com/brojonat/threeohohnine/service/router"
	"github.com/brojonat/threeohohnine/service/webhook"
)

// Store is the persistence surface the orchestrator depends on.
type Store interface {
	GetBatch(ctx context.Context, id string) (*db.Batch, error)
	GetBatchItems(ctx context.Context, batchID string) ([]*db.BatchItem, error)
	TransitionBatchStatus(ctx context.Context, id string, from, to db.BatchStatus) (bool, error)
	UpdateBatchStatus(ctx context.Context, id string, status db.BatchStatus) error
	UpdateItem(ctx context.Context, params db.UpdateItemParams) error
	ResetProcessingItems(ctx context.Context, batchID string) (int64, error)
	ListBatchesByStatus(ctx context.Context, status db.BatchStatus) ([]*db.Batch, error)
}

// Submitter executes one signed authorization on a settlement path. This is
// the only side-effecting call in per-item execution.
type Submitter interface {
	Submit(ctx context.Context, auth *eip3009.Authorization, signature []byte) (string, error)
}

// Config holds the orchestrator's execution knobs. Zero delays are honored
// as written; a zero ItemTimeout disables the per-submit deadline.
type Config struct {
	GroupSize      int
	GroupDelay     time.Duration
	ItemTimeout    time.Duration
	RetryDelay     time.Duration
	MaxRetries     int
	ValidityWindow time.Duration
}

// DefaultConfig returns production defaults; env parsing overrides these.
func DefaultConfig() Config {
	return Config{
		GroupSize:   5,
		GroupDelay:  100 * time.Millisecond,
		ItemTimeout: 30 * time.Second,
		RetryDelay:  time.Second,
		MaxRetries:  3,
	}
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store       Store
	Ledger      nonce.Ledger
	Registry    *eip3009.Registry
	Signer      eip3009.Signer
	Router      *router.Router
	Facilitator Submitter
	Relayer     Submitter
	Publisher   nats.Publisher
	Webhooks    *webhook.Dispatcher
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Orchestrator executes persisted batches: bounded concurrent groups,
// per-item retries with fixed delay, order-stable results.
type Orchestrator struct {
	store       Store
	ledger      nonce.Ledger
	registry    *eip3009.Registry
	builder     *eip3009.Builder
	verifier    *eip3009.Verifier
	signer      eip3009.Signer
	router      *router.Router
	facilitator Submitter
	relayer     Submitter
	publisher   nats.Publisher
	webhooks    *webhook.Dispatcher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	cfg         Config
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.GroupSize < 1 {
		cfg.GroupSize = 1
	}
	return &Orchestrator{
		store:       deps.Store,
		ledger:      deps.Ledger,
		registry:    deps.Registry,
		builder:     eip3009.NewBuilder(deps.Registry),
		verifier:    eip3009.NewVerifier(deps.Registry),
		signer:      deps.Signer,
		router:      deps.Router,
		facilitator: deps.Facilitator,
		relayer:     deps.Relayer,
		publisher:   deps.Publisher,
		webhooks:    deps.Webhooks,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		cfg:         cfg,
	}
}

// Run claims a pending batch and executes it to completion. A batch that is
// no longer pending returns ErrBatchAlreadyProcessing.
func (o *Orchestrator) Run(ctx context.Context, batchID string) (*BatchResult, error) {
	ok, err := o.store.TransitionBatchStatus(ctx, batchID, db.BatchStatusPending, db.BatchStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch %s: %w", batchID, err)
	}
	if !ok {
		b, err := o.store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("batch %s is %s: %w", batchID, b.Status, ErrBatchAlreadyProcessing)
	}

	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, b)
}

// Status reads a batch's current result shape without touching execution.
func (o *Orchestrator) Status(ctx context.Context, batchID string) (*BatchResult, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	items, err := o.store.GetBatchItems(ctx, batchID)
	if err != nil {
		return nil, err
	}

	results := make([]ItemResult, len(items))
	for i, item := range items {
		results[i] = resultFromStored(item)
	}
	res := summarize(batchID, results)
	// The stored coarse status wins for pre-run and cancelled batches.
	if b.Status == db.BatchStatusPending || b.Status == db.BatchStatusCancelled {
		res.Status = b.Status
	}
	return res, nil
}

// Cancel stops a batch that has not started executing. Anything past
// pending returns ErrBatchAlreadyProcessing.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) error {
	ok, err := o.store.TransitionBatchStatus(ctx, batchID, db.BatchStatusPending, db.BatchStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel batch %s: %w", batchID, err)
	}
	if !ok {
		if _, err := o.store.GetBatch(ctx, batchID); err != nil {
			return err
		}
		return ErrBatchAlreadyProcessing
	}

	event := nats.BatchEvent(nats.EventBatchCancelled, batchID, string(db.BatchStatusCancelled), 0, 0)
	o.publishEvent(ctx, event)
	o.deliverWebhook(ctx, string(nats.EventBatchCancelled), event)
	o.logger.InfoContext(ctx, "batch cancelled", "batch_id", batchID)
	return nil
}

// Recover re-launches batches a previous process left in processing. Their
// in-flight items are reset to pending; completed items are not re-settled.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	batches, err := o.store.ListBatchesByStatus(ctx, db.BatchStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing batches: %w", err)
	}

	for _, b := range batches {
		reset, err := o.store.ResetProcessingItems(ctx, b.ID)
		if err != nil {
			o.logger.ErrorContext(ctx, "failed to reset in-flight items",
				"batch_id", b.ID,
				"error", err,
			)
			continue
		}
		o.logger.InfoContext(ctx, "recovering interrupted batch",
			"batch_id", b.ID,
			"reset_items", reset,
		)
		go func(b *db.Batch) {
			if _, err := o.execute(context.WithoutCancel(ctx), b); err != nil {
				o.logger.Error("recovered batch run failed", "batch_id", b.ID, "error", err)
			}
		}(b)
	}
	return len(batches), nil
}

func (o *Orchestrator) execute(ctx context.Context, b *db.Batch) (*BatchResult, error) {
	start := time.Now()

	items, err := o.store.GetBatchItems(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	o.publishEvent(ctx, nats.BatchEvent(nats.EventBatchSubmitted, b.ID, string(db.BatchStatusProcessing), 0, 0))
	o.logger.InfoContext(ctx, "batch run started",
		"batch_id", b.ID,
		"items", len(items),
		"group_size", o.cfg.GroupSize,
	)

	results := o.runItems(ctx, b, items)
	res := summarize(b.ID, results)

	if res.PendingCount > 0 {
		// Interrupted mid-run; the batch stays processing so Recover can
		// resume it.
		if o.metrics != nil {
			o.metrics.RecordBatchRun("interrupted", time.Since(start).Seconds())
		}
		o.logger.WarnContext(ctx, "batch run interrupted",
			"batch_id", b.ID,
			"pending", res.PendingCount,
		)
		return res, ctx.Err()
	}

	if err := o.store.UpdateBatchStatus(ctx, b.ID, res.Status); err != nil {
		return res, fmt.Errorf("failed to finalize batch %s: %w", b.ID, err)
	}

	eventType := nats.EventBatchCompleted
	if res.Status == db.BatchStatusFailed {
		eventType = nats.EventBatchFailed
	}
	event := nats.BatchEvent(eventType, b.ID, string(res.Status), res.SuccessCount, res.FailureCount)
	o.publishEvent(ctx, event)
	o.deliverWebhook(ctx, string(eventType), event)

	if o.metrics != nil {
		o.metrics.RecordBatchRun(string(res.Status), time.Since(start).Seconds())
	}
	o.logger.InfoContext(ctx, "batch run finished",
		"batch_id", b.ID,
		"status", res.Status,
		"succeeded", res.SuccessCount,
		"failed", res.FailureCount,
		"duration_seconds", time.Since(start).Seconds(),
	)
	return res, nil
}

type groupKey struct {
	chainID uint64
	token   string
}

// runItems executes items in fixed-size concurrent groups with a fixed
// inter-group delay. Results are collected by original index so output
// order always equals input order.
func (o *Orchestrator) runItems(ctx context.Context, b *db.Batch, items []*db.BatchItem) []ItemResult {
	results := make([]ItemResult, len(items))

	// Route and fee-quote once per (chain, token) set; items still execute
	// one by one below.
	routes := o.quoteGroups(ctx, b, items)

	for groupStart := 0; groupStart < len(items); groupStart += o.cfg.GroupSize {
		if groupStart > 0 && o.cfg.GroupDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.GroupDelay):
			}
		}

		end := min(groupStart+o.cfg.GroupSize, len(items))
		var wg sync.WaitGroup
		for i := groupStart; i < end; i++ {
			item := items[i]

			// Resumed runs carry items that already finished; never
			// settle them twice.
			if item.Status == db.ItemStatusCompleted || item.Status == db.ItemStatusFailed {
				results[i] = resultFromStored(item)
				continue
			}
			if ctx.Err() != nil {
				results[i] = pendingResult(item)
				continue
			}

			route := routes[groupKey{item.ChainID, strings.ToUpper(item.Token)}]
			wg.Add(1)
			go func(i int, item *db.BatchItem, route router.Route) {
				defer wg.Done()
				fee := o.router.ComputeFee(route, item.Amount)
				results[i] = o.processItem(ctx, item, route, fee)
			}(i, item, route)
		}
		wg.Wait()
	}
	return results
}

// quoteGroups classifies each (chain, token) set and computes its group fee
// quote once, logging the batch-notional fee the run will charge.
func (o *Orchestrator) quoteGroups(ctx context.Context, b *db.Batch, items []*db.BatchItem) map[groupKey]router.Route {
	amounts := make(map[groupKey][]*big.Int)
	for _, item := range items {
		k := groupKey{item.ChainID, strings.ToUpper(item.Token)}
		amounts[k] = append(amounts[k], item.Amount)
	}

	routes := make(map[groupKey]router.Route, len(amounts))
	for k, groupAmounts := range amounts {
		route := o.router.Classify(k.chainID, k.token)
		quote := o.router.QuoteGroup(route, groupAmounts)
		routes[k] = route
		o.logger.DebugContext(ctx, "token group quoted",
			"batch_id", b.ID,
			"chain_id", k.chainID,
			"token", k.token,
			"route", route,
			"items", len(groupAmounts),
			"total_fee", quote.Total.String(),
		)
	}
	return routes
}

func (o *Orchestrator) processItem(ctx context.Context, item *db.BatchItem, route router.Route, fee *big.Int) ItemResult {
	result := ItemResult{
		Index:     item.Idx,
		ItemID:    item.ID,
		Recipient: item.Recipient,
		Route:     string(route),
		Fee:       fee,
	}

	if err := o.store.UpdateItem(ctx, db.UpdateItemParams{ID: item.ID, Status: db.ItemStatusProcessing}); err != nil {
		return o.failItem(ctx, item, result, fmt.Errorf("failed to mark item processing: %w", err))
	}

	auth, signature, key, err := o.prepare(ctx, item)
	if err != nil {
		// Validation and authorization errors are terminal; retrying
		// cannot fix a bad signature or an unsupported chain.
		return o.failItem(ctx, item, result, err)
	}

	txHash, retries, err := o.submitWithRetry(ctx, route, auth, signature)
	result.RetryCount = retries
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted: leave the item processing for Recover.
			result.Status = db.ItemStatusProcessing
			result.Error = ctx.Err().Error()
			return result
		}
		return o.failItem(ctx, item, result, err)
	}

	if err := o.ledger.MarkUsed(ctx, key, auth.Nonce); err != nil {
		// The transfer landed; a ledger write failure must not fail the
		// item. Replay stays blocked by the on-chain nonce.
		o.logger.WarnContext(ctx, "failed to mark nonce used",
			"item_id", item.ID,
			"nonce", auth.Nonce,
			"error", err,
		)
	}
	return o.completeItem(ctx, item, result, txHash)
}

// prepare reserves a nonce and produces the signed, locally verified
// authorization for one item.
func (o *Orchestrator) prepare(ctx context.Context, item *db.BatchItem) (*eip3009.Authorization, []byte, nonce.Key, error) {
	contract, err := eip3009.ContractAddress(item.ChainID, item.Token)
	if err != nil {
		return nil, nil, nonce.Key{}, err
	}

	payer := o.signer.Address()
	key := nonce.Key{Payer: payer, Token: contract, ChainID: item.ChainID}

	n, err := o.ledger.Reserve(ctx, key)
	if o.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		o.metrics.RecordNonceReservation(status)
	}
	if err != nil {
		return nil, nil, key, fmt.Errorf("failed to reserve nonce: %w", err)
	}

	auth, err := o.builder.Build(eip3009.BuildParams{
		From:           payer,
		To:             common.HexToAddress(item.Recipient),
		Value:          item.Amount,
		ChainID:        item.ChainID,
		Token:          contract,
		ValidityWindow: o.cfg.ValidityWindow,
		Nonce:          n,
	})
	if err != nil {
		return nil, nil, key, err
	}

	domain, err := o.registry.DomainForToken(item.ChainID, item.Token)
	if err != nil {
		return nil, nil, key, err
	}

	signature, err := o.signer.Sign(auth.Digest(domain))
	if err != nil {
		return nil, nil, key, fmt.Errorf("failed to sign authorization: %w", err)
	}

	if err := o.verifier.Verify(auth, signature, payer); err != nil {
		if o.metrics != nil {
			o.metrics.RecordVerificationFailure(verifyFailReason(err))
		}
		return nil, nil, key, err
	}
	if err := o.verifier.CheckValidity(auth, time.Now()); err != nil {
		if o.metrics != nil {
			o.metrics.RecordVerificationFailure(verifyFailReason(err))
		}
		return nil, nil, key, err
	}

	return auth, signature, key, nil
}

// submitWithRetry runs the route's submitter with the per-item timeout,
// retrying transient failures with a fixed delay. A timeout is retryable.
// Returns the retry count actually spent.
func (o *Orchestrator) submitWithRetry(ctx context.Context, route router.Route, auth *eip3009.Authorization, signature []byte) (string, int, error) {
	submitter := o.relayer
	if route == router.RouteFacilitator {
		submitter = o.facilitator
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if o.metrics != nil {
				o.metrics.RecordSubmitRetry(string(route), retryReason(lastErr))
			}
			select {
			case <-ctx.Done():
				return "", attempt, ctx.Err()
			case <-time.After(o.cfg.RetryDelay):
			}
		}

		submitCtx := ctx
		cancel := context.CancelFunc(func() {})
		if o.cfg.ItemTimeout > 0 {
			submitCtx, cancel = context.WithTimeout(ctx, o.cfg.ItemTimeout)
		}
		txHash, err := submitter.Submit(submitCtx, auth, signature)
		cancel()

		if err == nil {
			return txHash, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", attempt, ctx.Err()
		}
	}
	return "", o.cfg.MaxRetries, lastErr
}

func (o *Orchestrator) completeItem(ctx context.Context, item *db.BatchItem, result ItemResult, txHash string) ItemResult {
	result.Status = db.ItemStatusCompleted
	result.TxHash = txHash

	if err := o.store.UpdateItem(ctx, db.UpdateItemParams{
		ID:         item.ID,
		Status:     db.ItemStatusCompleted,
		TxHash:     &txHash,
		RetryCount: result.RetryCount,
	}); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist item completion",
			"item_id", item.ID,
			"tx_hash", txHash,
			"error", err,
		)
	}

	item.Status = db.ItemStatusCompleted
	item.TxHash = &txHash
	item.RetryCount = result.RetryCount
	o.publishEvent(ctx, nats.FromBatchItem(item, nats.EventItemCompleted))

	if o.metrics != nil {
		o.metrics.RecordItemSettled(eip3009.ChainName(item.ChainID), item.Token, result.Route, string(db.ItemStatusCompleted))
	}
	return result
}

func (o *Orchestrator) failItem(ctx context.Context, item *db.BatchItem, result ItemResult, cause error) ItemResult {
	result.Status = db.ItemStatusFailed
	result.Error = cause.Error()

	errMsg := cause.Error()
	if err := o.store.UpdateItem(ctx, db.UpdateItemParams{
		ID:           item.ID,
		Status:       db.ItemStatusFailed,
		ErrorMessage: &errMsg,
		RetryCount:   result.RetryCount,
	}); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist item failure",
			"item_id", item.ID,
			"error", err,
		)
	}

	item.Status = db.ItemStatusFailed
	item.ErrorMessage = &errMsg
	item.RetryCount = result.RetryCount
	o.publishEvent(ctx, nats.FromBatchItem(item, nats.EventItemFailed))

	if o.metrics != nil {
		o.metrics.RecordItemSettled(eip3009.ChainName(item.ChainID), item.Token, result.Route, string(db.ItemStatusFailed))
	}
	o.logger.WarnContext(ctx, "item settlement failed",
		"item_id", item.ID,
		"recipient", item.Recipient,
		"retries", result.RetryCount,
		"error", cause,
	)
	return result
}

func (o *Orchestrator) publishEvent(ctx context.Context, event *nats.SettlementEvent) {
	if o.publisher == nil {
		return
	}
	start := time.Now()
	err := o.publisher.PublishSettlement(ctx, event)
	status := "success"
	if err != nil {
		status = "error"
		o.logger.WarnContext(ctx, "failed to publish settlement event",
			"event_type", event.Type,
			"batch_id", event.BatchID,
			"error", err,
		)
	}
	if o.metrics != nil {
		o.metrics.RecordNATSPublish(nats.SubjectFor(event), status, time.Since(start).Seconds())
	}
}

func (o *Orchestrator) deliverWebhook(ctx context.Context, eventType string, payload any) {
	if o.webhooks == nil || !o.webhooks.Enabled() {
		return
	}
	if err := o.webhooks.Deliver(ctx, eventType, payload); err != nil {
		o.logger.WarnContext(ctx, "webhook delivery failed",
			"event_type", eventType,
			"error", err,
		)
	}
}

func resultFromStored(item *db.BatchItem) ItemResult {
	result := ItemResult{
		Index:      item.Idx,
		ItemID:     item.ID,
		Recipient:  item.Recipient,
		Status:     item.Status,
		RetryCount: item.RetryCount,
		Route:      item.Route,
		Fee:        item.Fee,
	}
	if item.TxHash != nil {
		result.TxHash = *item.TxHash
	}
	if item.ErrorMessage != nil {
		result.Error = *item.ErrorMessage
	}
	return result
}

func pendingResult(item *db.BatchItem) ItemResult {
	return ItemResult{
		Index:     item.Idx,
		ItemID:    item.ID,
		Recipient: item.Recipient,
		Status:    db.ItemStatusPending,
		Route:     item.Route,
		Fee:       item.Fee,
	}
}

func verifyFailReason(err error) string {
	switch {
	case errors.Is(err, eip3009.ErrSignerMismatch):
		return "signer_mismatch"
	case errors.Is(err, eip3009.ErrMalformedSignature):
		return "malformed_signature"
	case errors.Is(err, eip3009.ErrExpired):
		return "expired"
	case errors.Is(err, eip3009.ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, eip3009.ErrNonceUsed):
		return "nonce_used"
	default:
		return "invalid"
	}
}

func retryReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
