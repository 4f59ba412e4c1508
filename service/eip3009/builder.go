package eip3009

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Builder constructs unsigned authorizations. It is a pure constructor: the
// nonce comes from the caller (reserved through the nonce ledger) and the
// builder never mutates shared state, so one instance serves all goroutines.
type Builder struct {
	registry *Registry
	now      func() time.Time
}

// NewBuilder returns a builder over the given registry.
func NewBuilder(registry *Registry) *Builder {
	return &Builder{registry: registry, now: time.Now}
}

// WithClock overrides the time source. Tests use this to pin the validity
// window to known instants.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// BuildParams are the inputs to Build. A zero Token means the chain's
// registered settlement token; a zero ValidityWindow means the default.
type BuildParams struct {
	From           common.Address
	To             common.Address
	Value          *big.Int
	ChainID        uint64
	Token          common.Address
	ValidityWindow time.Duration
	Nonce          uint64
}

// Build constructs an unsigned authorization valid from now minus the skew
// allowance until now plus the validity window.
func (b *Builder) Build(p BuildParams) (*Authorization, error) {
	if p.Value == nil || p.Value.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	window := p.ValidityWindow
	if window == 0 {
		window = DefaultValidityWindow
	}
	if window < 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %s", ErrInvalidWindow, window)
	}
	if window > MaxValidityWindow {
		return nil, fmt.Errorf("%w: window %s exceeds maximum %s", ErrInvalidWindow, window, MaxValidityWindow)
	}

	domain, err := b.registry.DomainFor(p.ChainID)
	if err != nil {
		return nil, err
	}
	token := p.Token
	if token == (common.Address{}) {
		token = domain.VerifyingContract
	}

	now := b.now()
	return &Authorization{
		From:        p.From,
		To:          p.To,
		Value:       new(big.Int).Set(p.Value),
		ValidAfter:  now.Add(-ClockSkew).Unix(),
		ValidBefore: now.Add(window).Unix(),
		Nonce:       p.Nonce,
		ChainID:     p.ChainID,
		Token:       token,
	}, nil
}
