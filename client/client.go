package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BatchItem is one transfer in a batch submission. Amount is a decimal
// string in smallest token units.
type BatchItem struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	ChainID   uint64 `json:"chain_id"`
}

// BatchOptions tune how a submitted batch executes.
type BatchOptions struct {
	UseMultisig bool   `json:"use_multisig"`
	Priority    string `json:"priority,omitempty"`
}

// BatchSubmission is the server's acknowledgement of a submitted batch.
// Execution continues after the response; poll StatusURL or Await for the
// outcome.
type BatchSubmission struct {
	BatchID    string   `json:"batch_id"`
	Status     string   `json:"status"`
	TotalCount int      `json:"total_count"`
	StatusURL  string   `json:"status_url"`
	Warnings   []string `json:"warnings,omitempty"`
}

// ItemResult is the outcome of one item in a batch.
type ItemResult struct {
	Index      int      `json:"index"`
	ItemID     string   `json:"item_id"`
	Recipient  string   `json:"recipient"`
	Status     string   `json:"status"`
	TxHash     string   `json:"tx_hash,omitempty"`
	Error      string   `json:"error,omitempty"`
	RetryCount int      `json:"retry_count"`
	Route      string   `json:"route"`
	Fee        *big.Int `json:"fee,omitempty"`
}

// BatchStatus is a batch with its per-item settlement ledger.
type BatchStatus struct {
	BatchID      string       `json:"batch_id"`
	Status       string       `json:"status"`
	TotalCount   int          `json:"total_count"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	PendingCount int          `json:"pending_count"`
	Items        []ItemResult `json:"items"`
}

// Terminal reports whether the batch has finished executing.
func (s *BatchStatus) Terminal() bool {
	switch s.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// BatchSummary is a batch without its items, as returned by ListBatches.
type BatchSummary struct {
	BatchID     string    `json:"batch_id"`
	Sender      string    `json:"sender"`
	Status      string    `json:"status"`
	UseMultisig bool      `json:"use_multisig"`
	Priority    string    `json:"priority"`
	TotalCount  int       `json:"total_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Authorization is a transfer authorization built by the server. The payer
// signs the typed-data hash that accompanies it and submits the signature
// through VerifyAuthorization or a batch.
type Authorization struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Value         string `json:"value"`
	ValidAfter    int64  `json:"valid_after"`
	ValidBefore   int64  `json:"valid_before"`
	Nonce         uint64 `json:"nonce"`
	ChainID       uint64 `json:"chain_id"`
	Token         string `json:"token"`
	NonceBytes32  string `json:"nonce_bytes32,omitempty"`
	TokenContract string `json:"token_contract,omitempty"`
}

// BuiltAuthorization pairs an authorization with the EIP-712 digest the
// payer must sign.
type BuiltAuthorization struct {
	Authorization Authorization `json:"authorization"`
	TypedDataHash string        `json:"typed_data_hash"`
}

// BuildAuthorizationParams are the inputs to BuildAuthorization. A zero
// ValidityWindow uses the server's default window.
type BuildAuthorizationParams struct {
	From           string
	To             string
	Amount         string
	Token          string
	ChainID        uint64
	ValidityWindow time.Duration
}

// VerifyResult is the server's verdict on a signed authorization. When Valid
// is false, Reason names the failing check.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Route  string `json:"route,omitempty"`
	Fee    string `json:"fee,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Quote prices a transfer without executing it.
type Quote struct {
	ChainID uint64 `json:"chain_id"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	Route   string `json:"route"`
	Fee     string `json:"fee"`
	Total   string `json:"total"`
}

// ExternalRecord is one externally observed settlement for reconciliation.
type ExternalRecord struct {
	TxHash string `json:"tx_hash"`
	Amount string `json:"amount"`
}

// ReconciliationRecord is the audit verdict for one settled transfer.
type ReconciliationRecord struct {
	Reference      string   `json:"reference"`
	InternalAmount *big.Int `json:"internal_amount"`
	ExternalAmount *big.Int `json:"external_amount,omitempty"`
	Status         string   `json:"status"`
}

// ReconcileSummary counts reconciliation outcomes.
type ReconcileSummary struct {
	Matched        int `json:"matched"`
	Mismatched     int `json:"mismatched"`
	MissingOnchain int `json:"missing_onchain"`
}

// ReconcileReport is the result of auditing a batch against external records.
type ReconcileReport struct {
	BatchID string                 `json:"batch_id"`
	Records []ReconciliationRecord `json:"records"`
	Summary ReconcileSummary       `json:"summary"`
}

// PaymentRequest is an inbound payment request: an EIP-681 URL plus QR code.
type PaymentRequest struct {
	ID            string        `json:"id"`
	Recipient     string        `json:"recipient"`
	Token         string        `json:"token"`
	TokenContract string        `json:"token_contract"`
	ChainID       uint64        `json:"chain_id"`
	Amount        string        `json:"amount"`
	AmountDisplay string        `json:"amount_display"`
	Memo          string        `json:"memo,omitempty"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Timeout       time.Duration `json:"timeout"`
	PaymentURL    string        `json:"payment_url"`
	QRCodeData    string        `json:"qr_code_data"`
	CreatedAt     time.Time     `json:"created_at"`
}

// SettlementEvent is one event from the settlement stream. Item fields are
// set on item events, the rollup fields on batch terminal events; amounts
// and fees are decimal strings in smallest token units.
type SettlementEvent struct {
	Type    string `json:"type"`
	BatchID string `json:"batch_id"`

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

	Status       string `json:"status,omitempty"`
	SuccessCount int    `json:"success_count,omitempty"`
	FailureCount int    `json:"failure_count,omitempty"`

	Reconciliation *ReconcileSummary `json:"reconciliation,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// Client is the HTTP client for the threeohohnine settlement service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new settlement service client. The default HTTP client
// carries a 30 second timeout; pass an http.Client without one for
// long-lived settlement streams.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SubmitBatch submits a settlement batch. The server acknowledges before
// execution completes.
func (c *Client) SubmitBatch(ctx context.Context, sender string, items []BatchItem, opts *BatchOptions) (*BatchSubmission, error) {
	reqBody := map[string]interface{}{
		"sender": sender,
		"items":  items,
	}
	if opts != nil {
		reqBody["options"] = opts
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/batches", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, c.parseErrorResponse(resp)
	}

	var submission BatchSubmission
	if err := json.NewDecoder(resp.Body).Decode(&submission); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("batch submitted", "batch_id", submission.BatchID, "items", submission.TotalCount)
	return &submission, nil
}

// GetBatch retrieves a batch and its per-item results.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*BatchStatus, error) {
	u := fmt.Sprintf("%s/api/v1/batches/%s", c.baseURL, url.PathEscape(batchID))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var status BatchStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &status, nil
}

// ListBatches retrieves batch summaries, most recent first. Zero limit and
// offset use the server defaults.
func (c *Client) ListBatches(ctx context.Context, limit, offset int) ([]*BatchSummary, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	u := c.baseURL + "/api/v1/batches"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Batches []BatchSummary `json:"batches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	batches := make([]*BatchSummary, len(response.Batches))
	for i := range response.Batches {
		batches[i] = &response.Batches[i]
	}
	return batches, nil
}

// CancelBatch cancels a batch that has not started executing. Batches that
// are already processing cannot be cancelled.
func (c *Client) CancelBatch(ctx context.Context, batchID string) error {
	u := fmt.Sprintf("%s/api/v1/batches/%s/cancel", c.baseURL, url.PathEscape(batchID))
	req, err := http.NewRequestWithContext(ctx, "POST", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("batch cancelled", "batch_id", batchID)
	return nil
}

// ReconcileBatch audits a batch's settled items against externally observed
// records.
func (c *Client) ReconcileBatch(ctx context.Context, batchID string, external []ExternalRecord) (*ReconcileReport, error) {
	body, err := json.Marshal(map[string]interface{}{
		"external_records": external,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/batches/%s/reconcile", c.baseURL, url.PathEscape(batchID))
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var report ReconcileReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &report, nil
}

// BuildAuthorization asks the server to reserve a nonce and build a transfer
// authorization plus the typed-data hash to sign.
func (c *Client) BuildAuthorization(ctx context.Context, params BuildAuthorizationParams) (*BuiltAuthorization, error) {
	reqBody := map[string]interface{}{
		"from":     params.From,
		"to":       params.To,
		"amount":   params.Amount,
		"token":    params.Token,
		"chain_id": params.ChainID,
	}
	if params.ValidityWindow > 0 {
		reqBody["validity_window"] = params.ValidityWindow.String()
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/authorizations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseErrorResponse(resp)
	}

	var built BuiltAuthorization
	if err := json.NewDecoder(resp.Body).Decode(&built); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("authorization built",
		"from", built.Authorization.From,
		"chain_id", built.Authorization.ChainID,
		"nonce", built.Authorization.Nonce,
	)
	return &built, nil
}

// VerifyAuthorization submits a signed authorization for verification. A
// definitive rejection (bad signature, expired window, reused nonce) is a
// successful call with Valid false, not an error.
func (c *Client) VerifyAuthorization(ctx context.Context, auth Authorization, signature, signer string) (*VerifyResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"authorization": auth,
		"signature":     signature,
		"signer":        signer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/authorizations/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized, http.StatusConflict:
	default:
		return nil, c.parseErrorResponse(resp)
	}

	var result VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &result, nil
}

// GetQuote prices a transfer without executing it.
func (c *Client) GetQuote(ctx context.Context, chainID uint64, token, amount string) (*Quote, error) {
	body, err := json.Marshal(map[string]interface{}{
		"chain_id": chainID,
		"token":    token,
		"amount":   amount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/quotes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var quote Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &quote, nil
}

// CreatePaymentRequest asks the server to issue a payment request: an
// EIP-681 URL plus QR code a payer's wallet can scan.
func (c *Client) CreatePaymentRequest(ctx context.Context, recipient, amount, token string, chainID uint64, memo string) (*PaymentRequest, error) {
	body, err := json.Marshal(map[string]interface{}{
		"recipient": recipient,
		"amount":    amount,
		"token":     token,
		"chain_id":  chainID,
		"memo":      memo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/payment-requests", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseErrorResponse(resp)
	}

	var request PaymentRequest
	if err := json.NewDecoder(resp.Body).Decode(&request); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &request, nil
}

// Await blocks until the batch reaches a terminal status, polling the status
// endpoint at the given interval. A non-positive interval polls every second.
func (c *Client) Await(ctx context.Context, batchID string, interval time.Duration) (*BatchStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.GetBatch(ctx, batchID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StreamSettlements subscribes to the settlement event stream and invokes fn
// for each event until fn returns false, the stream ends, or the context is
// cancelled. An empty batchID streams events for all batches.
func (c *Client) StreamSettlements(ctx context.Context, batchID string, fn func(*SettlementEvent) bool) error {
	u := c.baseURL + "/api/v1/stream/settlements"
	if batchID != "" {
		u += "/" + url.PathEscape(batchID)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			// event names, keepalive comments, blank separators
			continue
		}

		var event SettlementEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			c.logger.Debug("skipping unparseable event", "error", err)
			continue
		}
		if event.Type == "" {
			// The initial connected payload carries no event type.
			continue
		}

		if !fn(&event) {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}

// parseErrorResponse turns a non-2xx response into an error, using the
// server's {"error": ...} body when it has one.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
