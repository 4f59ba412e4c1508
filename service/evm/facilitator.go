package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/brojonat/threeohohnine/service/eip3009"
	"github.com/brojonat/threeohohnine/service/metrics"
)

// FacilitatorSubmitter delegates settlement to an external x402
// facilitator service: verify first, then settle. The facilitator pays
// gas, which is why this route carries no fee.
type FacilitatorSubmitter struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewFacilitatorSubmitter(baseURL string, logger *slog.Logger, m *metrics.Metrics) *FacilitatorSubmitter {
	return &FacilitatorSubmitter{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		metrics: m,
	}
}

type facilitatorAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type facilitatorRequest struct {
	ChainID       uint64                   `json:"chainId"`
	Token         string                   `json:"token"`
	Signature     string                   `json:"signature"`
	Authorization facilitatorAuthorization `json:"authorization"`
}

type facilitatorVerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type facilitatorSettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
}

// Submit verifies the authorization with the facilitator and, if valid,
// asks it to settle on-chain. Returns the settlement transaction hash.
func (s *FacilitatorSubmitter) Submit(ctx context.Context, auth *eip3009.Authorization, signature []byte) (string, error) {
	start := time.Now()
	txHash, err := s.submit(ctx, auth, signature)

	status := "success"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordSubmit("facilitator", eip3009.ChainName(auth.ChainID), status, time.Since(start).Seconds())
	}
	return txHash, err
}

func (s *FacilitatorSubmitter) submit(ctx context.Context, auth *eip3009.Authorization, signature []byte) (string, error) {
	nonce := eip3009.NonceBytes32(auth.Nonce)
	req := facilitatorRequest{
		ChainID:   auth.ChainID,
		Token:     auth.Token.Hex(),
		Signature: hexutil.Encode(signature),
		Authorization: facilitatorAuthorization{
			From:        auth.From.Hex(),
			To:          auth.To.Hex(),
			Value:       auth.Value.String(),
			ValidAfter:  auth.ValidAfter,
			ValidBefore: auth.ValidBefore,
			Nonce:       hexutil.Encode(nonce[:]),
		},
	}

	var verifyResp facilitatorVerifyResponse
	if err := s.post(ctx, "/verify", req, &verifyResp); err != nil {
		return "", err
	}
	if !verifyResp.IsValid {
		return "", fmt.Errorf("%w: %s", ErrFacilitatorRejected, verifyResp.InvalidReason)
	}

	var settleResp facilitatorSettleResponse
	if err := s.post(ctx, "/settle", req, &settleResp); err != nil {
		return "", err
	}
	if !settleResp.Success {
		return "", fmt.Errorf("%w: %s", ErrFacilitatorRejected, settleResp.ErrorReason)
	}

	s.logger.InfoContext(ctx, "facilitator settled authorization",
		"tx_hash", settleResp.Transaction,
		"chain_id", auth.ChainID,
		"payer", auth.From.Hex(),
	)
	return settleResp.Transaction, nil
}

func (s *FacilitatorSubmitter) post(ctx context.Context, path string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal facilitator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create facilitator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("facilitator %s returned status %d: %s", path, resp.StatusCode, string(respBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to decode facilitator %s response: %w", path, err)
	}
	return nil
}
