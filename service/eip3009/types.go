package eip3009

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SigningDomain identifies the EIP-712 domain an authorization is bound to.
// One domain per chain: the separator commits to the chain id and the token
// contract, so a signature for one chain can never validate on another.
type SigningDomain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// Authorization is a time-boxed, replay-protected instruction to move Value
// (smallest token units) from From to To. It is immutable once signed.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  int64 // unix seconds
	ValidBefore int64 // unix seconds, exclusive upper bound
	Nonce       uint64
	ChainID     uint64
	Token       common.Address
}

// Validity window bounds and the skew allowance applied to validAfter so a
// submitter with a slightly fast clock does not reject a fresh authorization.
const (
	DefaultValidityWindow = time.Hour
	MaxValidityWindow     = 24 * time.Hour
	ClockSkew             = 60 * time.Second
)

// Status is the lifecycle state of an authorization.
type Status string

const (
	StatusUnsigned  Status = "unsigned"
	StatusSigned    Status = "signed"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Cancellation is only possible before submission; once submitted the
// outcome is whatever the chain decides.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusUnsigned:
		return next == StatusSigned || next == StatusExpired || next == StatusCancelled
	case StatusSigned:
		return next == StatusSubmitted || next == StatusExpired || next == StatusCancelled
	case StatusSubmitted:
		return next == StatusConfirmed || next == StatusFailed
	}
	return false
}
