package reconcile

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchOutcomes(t *testing.T) {
	m := DefaultMatcher()

	internal := []Record{
		{Reference: "0xaaa", Amount: big.NewInt(1_000_000)},
		{Reference: "0xbbb", Amount: big.NewInt(2_000_000)},
		{Reference: "0xccc", Amount: big.NewInt(3_000_000)},
	}
	external := []Record{
		{Reference: "0xaaa", Amount: big.NewInt(1_000_000)},
		{Reference: "0xbbb", Amount: big.NewInt(2_500_000)},
	}

	records := m.Match(internal, external)
	require.Len(t, records, 3)

	assert.Equal(t, OutcomeMatched, records[0].Outcome)
	assert.Equal(t, "0xaaa", records[0].Reference)
	assert.Equal(t, big.NewInt(1_000_000), records[0].ExternalAmount)

	assert.Equal(t, OutcomeMismatch, records[1].Outcome)
	assert.Equal(t, big.NewInt(2_500_000), records[1].ExternalAmount)

	assert.Equal(t, OutcomeMissingOnchain, records[2].Outcome)
	assert.Nil(t, records[2].ExternalAmount)
}

func TestMatchToleranceBoundary(t *testing.T) {
	// 0.01% of 1,000,000 is exactly 100 units.
	m := DefaultMatcher()
	internal := []Record{{Reference: "0x1", Amount: big.NewInt(1_000_000)}}

	tests := []struct {
		name     string
		external int64
		want     Outcome
	}{
		{"exact", 1_000_000, OutcomeMatched},
		{"at tolerance above", 1_000_100, OutcomeMatched},
		{"just beyond above", 1_000_101, OutcomeMismatch},
		{"at tolerance below", 999_900, OutcomeMatched},
		{"just beyond below", 999_899, OutcomeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := m.Match(internal, []Record{{Reference: "0x1", Amount: big.NewInt(tt.external)}})
			require.Len(t, records, 1)
			assert.Equal(t, tt.want, records[0].Outcome)
		})
	}
}

func TestMatchZeroToleranceRequiresExact(t *testing.T) {
	m := NewMatcher(decimal.Zero)

	records := m.Match(
		[]Record{{Reference: "0x1", Amount: big.NewInt(500)}},
		[]Record{{Reference: "0x1", Amount: big.NewInt(501)}},
	)
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeMismatch, records[0].Outcome)

	records = m.Match(
		[]Record{{Reference: "0x1", Amount: big.NewInt(500)}},
		[]Record{{Reference: "0x1", Amount: big.NewInt(500)}},
	)
	assert.Equal(t, OutcomeMatched, records[0].Outcome)
}

func TestMatchZeroInternalAmount(t *testing.T) {
	m := DefaultMatcher()

	records := m.Match(
		[]Record{{Reference: "0x1", Amount: big.NewInt(0)}},
		[]Record{{Reference: "0x1", Amount: big.NewInt(1)}},
	)
	assert.Equal(t, OutcomeMismatch, records[0].Outcome)

	records = m.Match(
		[]Record{{Reference: "0x1", Amount: big.NewInt(0)}},
		[]Record{{Reference: "0x1", Amount: big.NewInt(0)}},
	)
	assert.Equal(t, OutcomeMatched, records[0].Outcome)
}

func TestMatchReferenceCaseInsensitive(t *testing.T) {
	m := DefaultMatcher()

	records := m.Match(
		[]Record{{Reference: "0xABCDEF", Amount: big.NewInt(100)}},
		[]Record{{Reference: "0xabcdef", Amount: big.NewInt(100)}},
	)
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeMatched, records[0].Outcome)
	// The reported reference keeps the caller's casing.
	assert.Equal(t, "0xABCDEF", records[0].Reference)
}

func TestMatchDuplicateExternalKeepsFirst(t *testing.T) {
	m := DefaultMatcher()

	records := m.Match(
		[]Record{{Reference: "0x1", Amount: big.NewInt(100)}},
		[]Record{
			{Reference: "0x1", Amount: big.NewInt(100)},
			{Reference: "0x1", Amount: big.NewInt(999)},
		},
	)
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeMatched, records[0].Outcome)
	assert.Equal(t, big.NewInt(100), records[0].ExternalAmount)
}

func TestMatchPreservesInternalOrder(t *testing.T) {
	m := DefaultMatcher()

	internal := []Record{
		{Reference: "0xccc", Amount: big.NewInt(3)},
		{Reference: "0xaaa", Amount: big.NewInt(1)},
		{Reference: "0xbbb", Amount: big.NewInt(2)},
	}
	records := m.Match(internal, nil)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, internal[i].Reference, r.Reference)
		assert.Equal(t, OutcomeMissingOnchain, r.Outcome)
	}
}

func TestMatchDeterministic(t *testing.T) {
	m := DefaultMatcher()
	internal := []Record{
		{Reference: "0x1", Amount: big.NewInt(1_000_000)},
		{Reference: "0x2", Amount: big.NewInt(2_000_000)},
	}
	external := []Record{
		{Reference: "0x2", Amount: big.NewInt(2_000_000)},
	}

	first := m.Match(internal, external)
	second := m.Match(internal, external)
	assert.Equal(t, first, second)
}

func TestMatchEmptyInternal(t *testing.T) {
	m := DefaultMatcher()
	records := m.Match(nil, []Record{{Reference: "0x1", Amount: big.NewInt(1)}})
	assert.Empty(t, records)
}

func TestSummarize(t *testing.T) {
	records := []ReconciliationRecord{
		{Outcome: OutcomeMatched},
		{Outcome: OutcomeMatched},
		{Outcome: OutcomeMismatch},
		{Outcome: OutcomeMissingOnchain},
	}
	s := Summarize(records)
	assert.Equal(t, 2, s.Matched)
	assert.Equal(t, 1, s.Mismatched)
	assert.Equal(t, 1, s.MissingOnchain)
}
