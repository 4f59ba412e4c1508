package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brojonat/threeohohnine/service/batch"
	"github.com/brojonat/threeohohnine/service/config"
	"github.com/brojonat/threeohohnine/service/db"
	"github.com/brojonat/threeohohnine/service/eip3009"
	"github.com/brojonat/threeohohnine/service/metrics"
	"github.com/brojonat/threeohohnine/service/nonce"
	"github.com/brojonat/threeohohnine/service/reconcile"
	"github.com/brojonat/threeohohnine/service/router"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a full batch submission
	maxBatchItems      = 500
)

// BatchStore is the subset of the persistence layer the handlers touch.
// Handler tests substitute per-call hooks for it.
type BatchStore interface {
	CreateBatch(ctx context.Context, params db.CreateBatchParams) (*db.Batch, error)
	GetBatch(ctx context.Context, id string) (*db.Batch, error)
	GetBatchItems(ctx context.Context, batchID string) ([]*db.BatchItem, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*db.Batch, error)
}

// BatchRunner executes and reports on settlement batches. The orchestrator
// is the production implementation; handler tests swap in a stub.
type BatchRunner interface {
	Run(ctx context.Context, batchID string) (*batch.BatchResult, error)
	Status(ctx context.Context, batchID string) (*batch.BatchResult, error)
	Cancel(ctx context.Context, batchID string) error
	Recover(ctx context.Context) (int, error)
}

// handleSubmitBatch returns a handler that accepts a settlement batch,
// persists it, and launches execution. The response is returned immediately
// with a status URL; execution continues after the request completes.
// POST /api/v1/batches
func handleSubmitBatch(store BatchStore, runner BatchRunner, registry *eip3009.Registry, rtr *router.Router, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Sender string `json:"sender"`
			Items  []struct {
				Recipient string `json:"recipient"`
				Amount    string `json:"amount"`
				Token     string `json:"token"`
				ChainID   uint64 `json:"chain_id"`
			} `json:"items"`
			Options struct {
				UseMultisig bool   `json:"use_multisig"`
				Priority    string `json:"priority"`
			} `json:"options"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode submit request", "error", err)
			// MaxBytesReader surfaces through the decoder as a plain error.
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		// Validate sender
		if err := validateAddress(req.Sender); err != nil {
			logger.Debug("invalid sender", "sender", req.Sender, "error", err)
			writeError(w, fmt.Sprintf("invalid sender: %v", err), http.StatusBadRequest)
			return
		}

		// Validate batch shape
		if len(req.Items) == 0 {
			writeError(w, "items are required", http.StatusBadRequest)
			return
		}
		if len(req.Items) > maxBatchItems {
			writeError(w, fmt.Sprintf("batch too large: maximum is %d items", maxBatchItems), http.StatusBadRequest)
			return
		}

		priority := req.Options.Priority
		if priority == "" {
			priority = "normal"
		}
		if err := validatePriority(priority); err != nil {
			logger.Debug("invalid priority", "priority", priority, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Validate and price every item before anything is persisted
		items := make([]db.CreateBatchItemParams, len(req.Items))
		recipients := make([]string, len(req.Items))
		for i, item := range req.Items {
			if err := validateAddress(item.Recipient); err != nil {
				logger.Debug("invalid recipient", "index", i, "recipient", item.Recipient, "error", err)
				writeError(w, fmt.Sprintf("item %d: invalid recipient: %v", i, err), http.StatusBadRequest)
				return
			}

			token := strings.ToUpper(strings.TrimSpace(item.Token))
			amount, err := validateAmount(item.Amount, token)
			if err != nil {
				logger.Debug("invalid amount", "index", i, "amount", item.Amount, "error", err)
				writeError(w, fmt.Sprintf("item %d: %v", i, err), http.StatusBadRequest)
				return
			}

			if !registry.Supports(item.ChainID, token) {
				writeError(w, fmt.Sprintf("item %d: token %s is not supported on chain %d", i, token, item.ChainID), http.StatusBadRequest)
				return
			}

			route := rtr.Classify(item.ChainID, token)
			items[i] = db.CreateBatchItemParams{
				ID:        batch.NewItemID(),
				Idx:       i,
				Recipient: item.Recipient,
				Amount:    amount,
				Token:     token,
				ChainID:   item.ChainID,
				Route:     string(route),
				Fee:       rtr.ComputeFee(route, amount),
			}
			recipients[i] = item.Recipient
		}

		warnings := duplicateRecipientWarnings(recipients)

		params := db.CreateBatchParams{
			ID:          batch.NewBatchID(),
			Sender:      req.Sender,
			UseMultisig: req.Options.UseMultisig,
			Priority:    priority,
			Items:       items,
		}

		b, err := store.CreateBatch(r.Context(), params)
		if err != nil {
			logger.Error("failed to create batch", "sender", req.Sender, "items", len(items), "error", err)
			writeError(w, "failed to create batch", http.StatusInternalServerError)
			return
		}

		if m != nil {
			m.RecordBatchSubmitted(priority, len(items))
		}

		// Execution detaches from the request context so a client disconnect
		// does not abort the run.
		runCtx := context.WithoutCancel(r.Context())
		go func() {
			if _, err := runner.Run(runCtx, b.ID); err != nil {
				logger.Error("batch run failed", "batch_id", b.ID, "error", err)
			}
		}()

		logger.Info("batch submitted",
			"batch_id", b.ID,
			"sender", b.Sender,
			"items", b.TotalCount,
			"priority", b.Priority,
		)

		resp := map[string]interface{}{
			"batch_id":    b.ID,
			"status":      string(b.Status),
			"total_count": b.TotalCount,
			"status_url":  fmt.Sprintf("/api/v1/batches/%s", b.ID),
		}
		if len(warnings) > 0 {
			resp["warnings"] = warnings
		}
		writeJSON(w, resp, http.StatusAccepted)
	})
}

// handleGetBatch returns a handler that reports a batch with its per-item ledger.
// GET /api/v1/batches/{id}
func handleGetBatch(runner BatchRunner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		if err := validateBatchID(id); err != nil {
			logger.Debug("invalid batch id", "batch_id", id, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := runner.Status(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "batch not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to read batch status", "batch_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, result, http.StatusOK)
	})
}

// handleListBatches returns a handler that lists batches, most recent first.
// GET /api/v1/batches?limit={limit}&offset={offset}
func handleListBatches(store BatchStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		offset := 0

		if v := r.URL.Query().Get("limit"); v != "" {
			if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 || limit > 1000 {
				writeError(w, "invalid limit: must be an integer between 1 and 1000", http.StatusBadRequest)
				return
			}
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			if _, err := fmt.Sscanf(v, "%d", &offset); err != nil || offset < 0 {
				writeError(w, "invalid offset: must be a non-negative integer", http.StatusBadRequest)
				return
			}
		}

		batches, err := store.ListBatches(r.Context(), limit, offset)
		if err != nil {
			logger.Error("failed to list batches", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("batches listed", "count", len(batches))

		resp := make([]batchResponse, len(batches))
		for i, b := range batches {
			resp[i] = batchToResponse(b)
		}

		writeJSON(w, map[string]interface{}{
			"batches": resp,
			"limit":   limit,
			"offset":  offset,
		}, http.StatusOK)
	})
}

// handleCancelBatch returns a handler that cancels a batch before execution
// claims it. Batches that have started processing cannot be cancelled.
// POST /api/v1/batches/{id}/cancel
func handleCancelBatch(runner BatchRunner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		if err := validateBatchID(id); err != nil {
			logger.Debug("invalid batch id", "batch_id", id, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := runner.Cancel(r.Context(), id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "batch not found", http.StatusNotFound)
				return
			}
			if errors.Is(err, batch.ErrBatchAlreadyProcessing) {
				logger.Debug("cancel rejected", "batch_id", id, "error", err)
				writeError(w, err.Error(), http.StatusConflict)
				return
			}
			logger.Error("failed to cancel batch", "batch_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Info("batch cancelled", "batch_id", id)
		writeJSON(w, map[string]string{
			"batch_id": id,
			"status":   string(db.BatchStatusCancelled),
		}, http.StatusOK)
	})
}

// handleReconcileBatch returns a handler that compares a batch's recorded
// settlements against caller-supplied external records. Discrepancies are
// reported, never corrected.
// POST /api/v1/batches/{id}/reconcile
func handleReconcileBatch(store BatchStore, matcher *reconcile.Matcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		id := r.PathValue("id")
		if err := validateBatchID(id); err != nil {
			logger.Debug("invalid batch id", "batch_id", id, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req struct {
			ExternalRecords []struct {
				TxHash string `json:"tx_hash"`
				Amount string `json:"amount"`
			} `json:"external_records"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode reconcile request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		external := make([]reconcile.Record, len(req.ExternalRecords))
		for i, rec := range req.ExternalRecords {
			if rec.TxHash == "" {
				writeError(w, fmt.Sprintf("external record %d: tx_hash is required", i), http.StatusBadRequest)
				return
			}
			amount, ok := new(big.Int).SetString(rec.Amount, 10)
			if !ok {
				writeError(w, fmt.Sprintf("external record %d: invalid amount %q", i, rec.Amount), http.StatusBadRequest)
				return
			}
			external[i] = reconcile.Record{Reference: rec.TxHash, Amount: amount}
		}

		if _, err := store.GetBatch(r.Context(), id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "batch not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to read batch", "batch_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		items, err := store.GetBatchItems(r.Context(), id)
		if err != nil {
			logger.Error("failed to read batch items", "batch_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		// Only settled items carry a transaction hash to compare against.
		internal := make([]reconcile.Record, 0, len(items))
		for _, item := range items {
			if item.Status != db.ItemStatusCompleted || item.TxHash == nil || *item.TxHash == "" {
				continue
			}
			internal = append(internal, reconcile.Record{Reference: *item.TxHash, Amount: item.Amount})
		}

		records := matcher.Match(internal, external)
		summary := reconcile.Summarize(records)

		logger.Info("batch reconciled",
			"batch_id", id,
			"matched", summary.Matched,
			"mismatched", summary.Mismatched,
			"missing_onchain", summary.MissingOnchain,
		)

		writeJSON(w, map[string]interface{}{
			"batch_id": id,
			"records":  records,
			"summary":  summary,
		}, http.StatusOK)
	})
}

// authorizationPayload is the wire form of a transfer authorization. Token is
// a registered symbol; the contract address is resolved server-side.
type authorizationPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"valid_after"`
	ValidBefore int64  `json:"valid_before"`
	Nonce       uint64 `json:"nonce"`
	ChainID     uint64 `json:"chain_id"`
	Token       string `json:"token"`
}

// toAuthorization validates the payload and resolves it into a domain
// authorization. Returns a validation error suitable for a 400 response.
func toAuthorization(p authorizationPayload) (*eip3009.Authorization, error) {
	if err := validateAddress(p.From); err != nil {
		return nil, errorf("invalid from: %v", err)
	}
	if err := validateAddress(p.To); err != nil {
		return nil, errorf("invalid to: %v", err)
	}

	token := strings.ToUpper(strings.TrimSpace(p.Token))
	value, err := validateAmount(p.Value, token)
	if err != nil {
		return nil, err
	}

	contract, err := eip3009.ContractAddress(p.ChainID, token)
	if err != nil {
		return nil, errorf("token %s is not supported on chain %d", token, p.ChainID)
	}

	return &eip3009.Authorization{
		From:        common.HexToAddress(p.From),
		To:          common.HexToAddress(p.To),
		Value:       value,
		ValidAfter:  p.ValidAfter,
		ValidBefore: p.ValidBefore,
		Nonce:       p.Nonce,
		ChainID:     p.ChainID,
		Token:       contract,
	}, nil
}

// handleBuildAuthorization returns a handler that reserves a nonce and builds
// a transfer authorization plus the typed-data digest the payer must sign.
// POST /api/v1/authorizations
func handleBuildAuthorization(registry *eip3009.Registry, ledger nonce.Ledger, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	builder := eip3009.NewBuilder(registry)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			From           string `json:"from"`
			To             string `json:"to"`
			Amount         string `json:"amount"`
			Token          string `json:"token"`
			ChainID        uint64 `json:"chain_id"`
			ValidityWindow string `json:"validity_window"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode authorization request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := validateAddress(req.From); err != nil {
			logger.Debug("invalid from", "from", req.From, "error", err)
			writeError(w, fmt.Sprintf("invalid from: %v", err), http.StatusBadRequest)
			return
		}
		if err := validateAddress(req.To); err != nil {
			logger.Debug("invalid to", "to", req.To, "error", err)
			writeError(w, fmt.Sprintf("invalid to: %v", err), http.StatusBadRequest)
			return
		}

		token := strings.ToUpper(strings.TrimSpace(req.Token))
		amount, err := validateAmount(req.Amount, token)
		if err != nil {
			logger.Debug("invalid amount", "amount", req.Amount, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if !registry.Supports(req.ChainID, token) {
			writeError(w, fmt.Sprintf("token %s is not supported on chain %d", token, req.ChainID), http.StatusBadRequest)
			return
		}

		// Validate the window before reserving so bad requests do not burn nonces
		window := cfg.DefaultValidityWindow
		if req.ValidityWindow != "" {
			window, err = time.ParseDuration(req.ValidityWindow)
			if err != nil {
				writeError(w, "invalid validity_window: must be a valid duration (e.g. '15m', '1h')", http.StatusBadRequest)
				return
			}
		}
		if window <= 0 {
			writeError(w, "validity_window must be positive", http.StatusBadRequest)
			return
		}
		if window > cfg.MaxValidityWindow {
			writeError(w, fmt.Sprintf("validity_window cannot exceed %v", cfg.MaxValidityWindow), http.StatusBadRequest)
			return
		}

		contract, err := eip3009.ContractAddress(req.ChainID, token)
		if err != nil {
			writeError(w, fmt.Sprintf("token %s is not supported on chain %d", token, req.ChainID), http.StatusBadRequest)
			return
		}

		key := nonce.Key{
			Payer:   common.HexToAddress(req.From),
			Token:   contract,
			ChainID: req.ChainID,
		}
		n, err := ledger.Reserve(r.Context(), key)
		if m != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			m.RecordNonceReservation(status)
		}
		if err != nil {
			logger.Error("failed to reserve nonce", "key", key.String(), "error", err)
			writeError(w, "failed to reserve nonce", http.StatusInternalServerError)
			return
		}

		auth, err := builder.Build(eip3009.BuildParams{
			From:           common.HexToAddress(req.From),
			To:             common.HexToAddress(req.To),
			Value:          amount,
			ChainID:        req.ChainID,
			Token:          contract,
			ValidityWindow: window,
			Nonce:          n,
		})
		if err != nil {
			logger.Debug("failed to build authorization", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		domain, err := registry.DomainForToken(auth.ChainID, token)
		if err != nil {
			logger.Error("failed to resolve signing domain", "chain_id", auth.ChainID, "token", token, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		digest := auth.Digest(domain)

		logger.Info("authorization built",
			"from", auth.From.Hex(),
			"to", auth.To.Hex(),
			"chain_id", auth.ChainID,
			"token", token,
			"nonce", auth.Nonce,
		)

		writeJSON(w, map[string]interface{}{
			"authorization": authorizationResponse{
				authorizationPayload: authorizationPayload{
					From:        auth.From.Hex(),
					To:          auth.To.Hex(),
					Value:       auth.Value.String(),
					ValidAfter:  auth.ValidAfter,
					ValidBefore: auth.ValidBefore,
					Nonce:       auth.Nonce,
					ChainID:     auth.ChainID,
					Token:       token,
				},
				NonceBytes32:  common.Hash(eip3009.NonceBytes32(auth.Nonce)).Hex(),
				TokenContract: auth.Token.Hex(),
			},
			"typed_data_hash": digest.Hex(),
		}, http.StatusCreated)
	})
}

// authorizationResponse extends the wire payload with fields derived by the
// server: the bytes32 nonce encoding and the resolved token contract.
type authorizationResponse struct {
	authorizationPayload
	NonceBytes32  string `json:"nonce_bytes32"`
	TokenContract string `json:"token_contract"`
}

// handleVerifyAuthorization returns a handler that checks a signed
// authorization: signature recovery, validity window, and nonce freshness.
// Check failures respond 401 (signature or window) or 409 (nonce reuse)
// with a reason; a passing check responds 200 with the settlement route
// and fee.
// POST /api/v1/authorizations/verify
func handleVerifyAuthorization(registry *eip3009.Registry, ledger nonce.Ledger, rtr *router.Router, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	verifier := eip3009.NewVerifier(registry)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Authorization authorizationPayload `json:"authorization"`
			Signature     string               `json:"signature"`
			Signer        string               `json:"signer"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode verify request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		auth, err := toAuthorization(req.Authorization)
		if err != nil {
			logger.Debug("invalid authorization payload", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := validateAddress(req.Signer); err != nil {
			logger.Debug("invalid signer", "signer", req.Signer, "error", err)
			writeError(w, fmt.Sprintf("invalid signer: %v", err), http.StatusBadRequest)
			return
		}

		signature, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
		if err != nil {
			logger.Debug("invalid signature encoding", "error", err)
			writeError(w, "invalid signature: must be hex encoded", http.StatusBadRequest)
			return
		}

		// Signature, then window, then nonce. The first failing check decides
		// the response.
		checkErr := verifier.Verify(auth, signature, common.HexToAddress(req.Signer))
		if checkErr == nil {
			checkErr = verifier.CheckValidity(auth, time.Now())
		}
		if checkErr == nil {
			key := nonce.Key{Payer: auth.From, Token: auth.Token, ChainID: auth.ChainID}
			used, err := ledger.IsUsed(r.Context(), key, auth.Nonce)
			if err != nil {
				logger.Error("failed to check nonce", "key", key.String(), "nonce", auth.Nonce, "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			if used {
				checkErr = eip3009.ErrNonceUsed
			}
		}

		if checkErr != nil {
			reason := checkFailReason(checkErr)
			if m != nil {
				m.RecordVerificationFailure(reason)
			}
			statusCode := http.StatusUnauthorized
			if errors.Is(checkErr, eip3009.ErrNonceUsed) {
				statusCode = http.StatusConflict
			}
			logger.Debug("authorization rejected",
				"signer", req.Signer,
				"chain_id", auth.ChainID,
				"reason", reason,
			)
			writeJSON(w, map[string]interface{}{
				"valid":  false,
				"reason": checkErr.Error(),
			}, statusCode)
			return
		}

		token := strings.ToUpper(strings.TrimSpace(req.Authorization.Token))
		route := rtr.Classify(auth.ChainID, token)
		fee := rtr.ComputeFee(route, auth.Value)

		logger.Debug("authorization verified",
			"signer", req.Signer,
			"chain_id", auth.ChainID,
			"token", token,
			"route", string(route),
		)

		writeJSON(w, map[string]interface{}{
			"valid": true,
			"route": string(route),
			"fee":   fee.String(),
		}, http.StatusOK)
	})
}

// handleQuote returns a handler that prices a settlement without executing it.
// POST /api/v1/quotes
func handleQuote(registry *eip3009.Registry, rtr *router.Router, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			ChainID uint64 `json:"chain_id"`
			Token   string `json:"token"`
			Amount  string `json:"amount"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode quote request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		token := strings.ToUpper(strings.TrimSpace(req.Token))
		amount, err := validateAmount(req.Amount, token)
		if err != nil {
			logger.Debug("invalid amount", "amount", req.Amount, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if !registry.Supports(req.ChainID, token) {
			writeError(w, fmt.Sprintf("token %s is not supported on chain %d", token, req.ChainID), http.StatusBadRequest)
			return
		}

		route := rtr.Classify(req.ChainID, token)
		fee := rtr.ComputeFee(route, amount)
		total := new(big.Int).Add(amount, fee)

		logger.Debug("quote issued",
			"chain_id", req.ChainID,
			"token", token,
			"route", string(route),
		)

		writeJSON(w, map[string]interface{}{
			"chain_id": req.ChainID,
			"token":    token,
			"amount":   amount.String(),
			"route":    string(route),
			"fee":      fee.String(),
			"total":    total.String(),
		}, http.StatusOK)
	})
}

// batchResponse is the JSON response format for a batch summary.
type batchResponse struct {
	BatchID     string    `json:"batch_id"`
	Sender      string    `json:"sender"`
	Status      string    `json:"status"`
	UseMultisig bool      `json:"use_multisig"`
	Priority    string    `json:"priority"`
	TotalCount  int       `json:"total_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// batchToResponse converts a stored batch to a response format.
func batchToResponse(b *db.Batch) batchResponse {
	return batchResponse{
		BatchID:     b.ID,
		Sender:      b.Sender,
		Status:      string(b.Status),
		UseMultisig: b.UseMultisig,
		Priority:    b.Priority,
		TotalCount:  b.TotalCount,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

// checkFailReason maps a verification failure to a stable metric label.
func checkFailReason(err error) string {
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

// writeJSON encodes data with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError sends message in the {"error": ...} shape every endpoint uses.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// errorf builds a validation error with a formatted, trimmed message.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
