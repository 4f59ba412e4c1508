package server

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/threeohohnine/service/config"
	"github.com/brojonat/threeohohnine/service/eip3009"
)

func TestCreatePaymentRequest_Validation(t *testing.T) {
	logger := testLogger()
	cfg := &config.Config{PaymentRequestTTL: 15 * time.Minute}
	handler := handleCreatePaymentRequest(eip3009.DefaultRegistry(), cfg, logger)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		checkError     func(t *testing.T, body string)
	}{
		{
			name:           "malformed JSON",
			body:           `{"recipient":`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "invalid request body")
			},
		},
		{
			name:           "missing recipient",
			body:           `{"amount":"1000000","token":"USDC","chain_id":8453}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "invalid recipient")
			},
		},
		{
			name:           "bad amount",
			body:           `{"recipient":"` + testRecipient + `","amount":"ten bucks","token":"USDC","chain_id":8453}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "invalid amount")
			},
		},
		{
			name:           "unknown token",
			body:           `{"recipient":"` + testRecipient + `","amount":"1000000","token":"DOGE","chain_id":8453}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "unknown token")
			},
		},
		{
			name:           "token without a deployment on the chain",
			body:           `{"recipient":"` + testRecipient + `","amount":"1000000","token":"DAI","chain_id":8453}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "not supported on chain")
			},
		},
		{
			name:           "memo too long",
			body:           `{"recipient":"` + testRecipient + `","amount":"1000000","token":"USDC","chain_id":8453,"memo":"` + strings.Repeat("a", 300) + `"}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "memo too long")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/payment-requests", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.checkError != nil {
				tt.checkError(t, w.Body.String())
			}
		})
	}
}

func TestCreatePaymentRequest_Success(t *testing.T) {
	logger := testLogger()
	cfg := &config.Config{PaymentRequestTTL: 15 * time.Minute}
	handler := handleCreatePaymentRequest(eip3009.DefaultRegistry(), cfg, logger)

	body := `{"recipient":"` + testRecipient + `","amount":"2500000","token":"usdc","chain_id":8453,"memo":"invoice 42"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payment-requests", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var pr PaymentRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pr))

	assert.True(t, strings.HasPrefix(pr.ID, "preq_"))
	assert.Len(t, pr.ID, len("preq_")+32)
	assert.Equal(t, testRecipient, pr.Recipient)
	assert.Equal(t, "USDC", pr.Token)
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", pr.TokenContract)
	assert.Equal(t, uint64(8453), pr.ChainID)
	assert.Equal(t, "2500000", pr.Amount)
	assert.Equal(t, "2.5", pr.AmountDisplay)
	assert.Equal(t, "invoice 42", pr.Memo)

	expectedURL := "ethereum:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913@8453/transfer?address=" + testRecipient + "&uint256=2500000"
	assert.Equal(t, expectedURL, pr.PaymentURL)

	// The QR code is a base64-encoded PNG of the payment URL.
	require.NotEmpty(t, pr.QRCodeData)
	png, err := base64.StdEncoding.DecodeString(pr.QRCodeData)
	require.NoError(t, err)
	assert.True(t, len(png) > 4 && string(png[1:4]) == "PNG")

	assert.Equal(t, 15*time.Minute, pr.Timeout)
	assert.WithinDuration(t, pr.CreatedAt.Add(15*time.Minute), pr.ExpiresAt, time.Second)
}

func TestBuildEIP681URL(t *testing.T) {
	url := buildEIP681URL("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", 8453, testRecipient, big.NewInt(1000000))
	assert.Equal(t, "ethereum:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913@8453/transfer?address="+testRecipient+"&uint256=1000000", url)
}

func TestGenerateQRCode(t *testing.T) {
	data, err := generateQRCode("ethereum:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913@8453/transfer?address=0xabc&uint256=1")
	require.NoError(t, err)
	require.NotEmpty(t, data)

	png, err := base64.StdEncoding.DecodeString(data)
	require.NoError(t, err)
	assert.True(t, len(png) > 4 && string(png[1:4]) == "PNG")

	// Different payloads encode to different images.
	other, err := generateQRCode("ethereum:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913@8453/transfer?address=0xdef&uint256=2")
	require.NoError(t, err)
	assert.NotEqual(t, data, other)
}

func TestGeneratePaymentRequest_UniqueIDs(t *testing.T) {
	a := generatePaymentRequest(time.Minute, testRecipient, "USDC", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", 8453, big.NewInt(1000000), 6, "")
	b := generatePaymentRequest(time.Minute, testRecipient, "USDC", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", 8453, big.NewInt(1000000), 6, "")
	assert.NotEqual(t, a.ID, b.ID)
}
