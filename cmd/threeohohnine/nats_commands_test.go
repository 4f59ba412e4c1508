package main

import (
	"encoding/json"
	"testing"
	"time"

	natspkg "github.com/brojonat/threeohohnine/service/nats"
	"github.com/itchyny/gojq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileFilters(t *testing.T, exprs ...string) []*gojq.Code {
	t.Helper()

	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		require.NoError(t, err)
		codes[i], err = gojq.Compile(query)
		require.NoError(t, err)
	}
	return codes
}

func TestEventMatchesFilters(t *testing.T) {
	event := natspkg.SettlementEvent{
		Type:         natspkg.EventItemFailed,
		BatchID:      testBatchID,
		ItemID:       "pay_0123456789abcdef0123456789abcdef",
		Recipient:    "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Amount:       "1000000",
		Token:        "USDC",
		ChainID:      8453,
		ErrorMessage: "submitter timeout",
		RetryCount:   3,
		Route:        "relayer",
		PublishedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	tests := []struct {
		name    string
		filters []string
		want    bool
	}{
		{"matching type", []string{`.type == "item_failed"`}, true},
		{"non-matching type", []string{`.type == "item_completed"`}, false},
		{"all filters must match", []string{`.type == "item_failed"`, `.chain_id == 8453`}, true},
		{"one failing filter rejects", []string{`.type == "item_failed"`, `.chain_id == 1`}, false},
		{"present field is truthy", []string{`.error`}, true},
		{"absent field is falsy", []string{`.tx_hash`}, false},
		{"numeric comparison", []string{`.retry_count >= 3`}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes := compileFilters(t, tt.filters...)
			assert.Equal(t, tt.want, eventMatchesFilters(data, codes))
		})
	}
}

func TestEventMatchesFilters_MalformedEvent(t *testing.T) {
	codes := compileFilters(t, `.type == "item_failed"`)
	assert.False(t, eventMatchesFilters([]byte("not json"), codes))
}
