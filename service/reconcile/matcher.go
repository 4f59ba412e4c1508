package reconcile

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Outcome classifies one internal record after an audit pass.
type Outcome string

const (
	OutcomeMatched        Outcome = "matched"
	OutcomeMismatch       Outcome = "mismatch"
	OutcomeMissingOnchain Outcome = "missing_onchain"
)

// Record is one side of a reconciliation: a settlement reference (tx hash)
// and the amount that side believes moved, in smallest token units.
type Record struct {
	Reference string
	Amount    *big.Int
}

// ReconciliationRecord is the audit verdict for one internal record.
// ExternalAmount is nil when no on-chain record shares the reference.
type ReconciliationRecord struct {
	Reference      string   `json:"reference"`
	InternalAmount *big.Int `json:"internal_amount"`
	ExternalAmount *big.Int `json:"external_amount,omitempty"`
	Outcome        Outcome  `json:"status"`
}

// Summary counts the outcomes of one audit pass.
type Summary struct {
	Matched        int `json:"matched"`
	Mismatched     int `json:"mismatched"`
	MissingOnchain int `json:"missing_onchain"`
}

// Matcher compares internal settlement intent against externally observed
// execution. Amounts within the relative tolerance of the internal amount
// count as matched.
type Matcher struct {
	tolerance decimal.Decimal
}

func NewMatcher(tolerance decimal.Decimal) *Matcher {
	return &Matcher{tolerance: tolerance}
}

// DefaultMatcher tolerates a 0.01% relative difference.
func DefaultMatcher() *Matcher {
	return NewMatcher(decimal.NewFromFloat(0.0001))
}

// Match audits each internal record against the external set. The external
// records are indexed once by reference, so the pass is linear in the
// combined record count; reconciliation cycles cover tens of thousands of
// records. Output order follows the internal input order, and the same
// inputs always produce the same verdicts.
func (m *Matcher) Match(internal, external []Record) []ReconciliationRecord {
	index := make(map[string]*big.Int, len(external))
	for _, r := range external {
		key := referenceKey(r.Reference)
		// A duplicate external reference keeps the first observation.
		if _, ok := index[key]; !ok {
			index[key] = r.Amount
		}
	}

	out := make([]ReconciliationRecord, 0, len(internal))
	for _, r := range internal {
		rec := ReconciliationRecord{
			Reference:      r.Reference,
			InternalAmount: r.Amount,
		}
		externalAmount, ok := index[referenceKey(r.Reference)]
		switch {
		case !ok:
			rec.Outcome = OutcomeMissingOnchain
		case m.withinTolerance(r.Amount, externalAmount):
			rec.ExternalAmount = externalAmount
			rec.Outcome = OutcomeMatched
		default:
			rec.ExternalAmount = externalAmount
			rec.Outcome = OutcomeMismatch
		}
		out = append(out, rec)
	}
	return out
}

// withinTolerance reports whether the absolute difference stays at or under
// tolerance × internal amount. A zero internal amount therefore requires an
// exact match.
func (m *Matcher) withinTolerance(internal, external *big.Int) bool {
	di := decimal.NewFromBigInt(internal, 0)
	de := decimal.NewFromBigInt(external, 0)
	diff := di.Sub(de).Abs()
	limit := di.Abs().Mul(m.tolerance)
	return diff.LessThanOrEqual(limit)
}

// Summarize tallies outcomes for reporting and metrics.
func Summarize(records []ReconciliationRecord) Summary {
	var s Summary
	for _, r := range records {
		switch r.Outcome {
		case OutcomeMatched:
			s.Matched++
		case OutcomeMismatch:
			s.Mismatched++
		case OutcomeMissingOnchain:
			s.MissingOnchain++
		}
	}
	return s
}

// Tx hashes arrive in mixed case depending on the source.
func referenceKey(reference string) string {
	return strings.ToLower(reference)
}
