package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/brojonat/threeohohnine/service/config"
	"github.com/brojonat/threeohohnine/service/eip3009"
)

// PaymentRequest represents a request for an inbound stablecoin payment.
type PaymentRequest struct {
	ID            string        `json:"id"`             // Unique request ID (preq_ prefix)
	Recipient     string        `json:"recipient"`      // Where funds should land
	Token         string        `json:"token"`          // Token symbol
	TokenContract string        `json:"token_contract"` // Resolved contract address
	ChainID       uint64        `json:"chain_id"`
	Amount        string        `json:"amount"`         // Smallest token units
	AmountDisplay string        `json:"amount_display"` // Whole tokens for display
	Memo          string        `json:"memo,omitempty"`
	ExpiresAt     time.Time     `json:"expires_at"` // Payment deadline
	Timeout       time.Duration `json:"timeout"`    // Duration until expiry
	PaymentURL    string        `json:"payment_url"`  // EIP-681 URL for wallet apps
	QRCodeData    string        `json:"qr_code_data"` // Base64 encoded QR code image
	CreatedAt     time.Time     `json:"created_at"`
}

// handleCreatePaymentRequest returns a handler that issues a payment request:
// an EIP-681 URL plus QR code a payer's wallet can scan.
// POST /api/v1/payment-requests
func handleCreatePaymentRequest(registry *eip3009.Registry, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Recipient string `json:"recipient"`
			Amount    string `json:"amount"`
			Token     string `json:"token"`
			ChainID   uint64 `json:"chain_id"`
			Memo      string `json:"memo"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode payment request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := validateAddress(req.Recipient); err != nil {
			logger.Debug("invalid recipient", "recipient", req.Recipient, "error", err)
			writeError(w, fmt.Sprintf("invalid recipient: %v", err), http.StatusBadRequest)
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

		if err := validateMemo(req.Memo); err != nil {
			logger.Debug("invalid memo", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		contract, err := eip3009.ContractAddress(req.ChainID, token)
		if err != nil {
			writeError(w, fmt.Sprintf("token %s is not supported on chain %d", token, req.ChainID), http.StatusBadRequest)
			return
		}

		decimals, err := eip3009.TokenDecimals(token)
		if err != nil {
			writeError(w, fmt.Sprintf("unknown token %q", token), http.StatusBadRequest)
			return
		}

		request := generatePaymentRequest(cfg.PaymentRequestTTL, req.Recipient, token, contract.Hex(), req.ChainID, amount, decimals, req.Memo)

		logger.Info("payment request created",
			"request_id", request.ID,
			"recipient", request.Recipient,
			"chain_id", request.ChainID,
			"token", request.Token,
		)

		writeJSON(w, request, http.StatusCreated)
	})
}

// generatePaymentRequest creates a new payment request with an EIP-681 URL
// and QR code.
func generatePaymentRequest(ttl time.Duration, recipient, token, contract string, chainID uint64, amount *big.Int, decimals int32, memo string) PaymentRequest {
	requestID := "preq_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	now := time.Now()

	paymentURL := buildEIP681URL(contract, chainID, recipient, amount)

	// A request without a QR code is still payable via the URL.
	qrCodeData, err := generateQRCode(paymentURL)
	if err != nil {
		qrCodeData = ""
	}

	return PaymentRequest{
		ID:            requestID,
		Recipient:     recipient,
		Token:         token,
		TokenContract: contract,
		ChainID:       chainID,
		Amount:        amount.String(),
		AmountDisplay: decimal.NewFromBigInt(amount, -decimals).String(),
		Memo:          memo,
		ExpiresAt:     now.Add(ttl),
		Timeout:       ttl,
		PaymentURL:    paymentURL,
		QRCodeData:    qrCodeData,
		CreatedAt:     now,
	}
}

// buildEIP681URL creates an EIP-681 payment URL for an ERC-20 transfer.
// Format: ethereum:{token}@{chainId}/transfer?address={recipient}&uint256={amount}
func buildEIP681URL(tokenContract string, chainID uint64, recipient string, amount *big.Int) string {
	params := url.Values{}
	params.Set("address", recipient)
	params.Set("uint256", amount.String())

	return fmt.Sprintf("ethereum:%s@%d/transfer?%s", tokenContract, chainID, params.Encode())
}

// generateQRCode renders data as a 256px PNG, base64-encoded so it can sit
// inline in a JSON response or an img tag.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}
