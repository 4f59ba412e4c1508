package nonce

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key scopes a nonce sequence. Every (payer, token, chain) triple has its
// own counter starting at zero and its own used-set.
type Key struct {
	Payer   common.Address
	Token   common.Address
	ChainID uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Payer.Hex(), k.Token.Hex(), k.ChainID)
}

// Ledger issues and tracks authorization nonces. Reserve must be
// linearizable per key: two concurrent callers never receive the same
// value. MarkUsed is idempotent.
type Ledger interface {
	// Reserve atomically allocates the next nonce for the key. The first
	// reservation returns 0.
	Reserve(ctx context.Context, key Key) (uint64, error)

	// MarkUsed records that a nonce was consumed by a settled
	// authorization. Marking an already-used nonce is a no-op.
	MarkUsed(ctx context.Context, key Key, nonce uint64) error

	// IsUsed reports whether the nonce was consumed for the key.
	IsUsed(ctx context.Context, key Key, nonce uint64) (bool, error)
}
