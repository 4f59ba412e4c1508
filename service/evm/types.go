package evm

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoClient indicates no RPC client is configured for a chain.
	ErrNoClient = errors.New("no rpc client for chain")

	// ErrTxNotFound indicates the transaction is unknown to the node.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxReverted indicates the transaction was mined but reverted.
	ErrTxReverted = errors.New("transaction reverted")

	// ErrNoTransferLog indicates a receipt contained no ERC-20 Transfer event.
	ErrNoTransferLog = errors.New("no transfer log in receipt")

	// ErrFacilitatorRejected indicates the facilitator refused to settle
	// an authorization.
	ErrFacilitatorRejected = errors.New("facilitator rejected authorization")
)

// TransferRecord is an observed ERC-20 transfer extracted from a mined
// transaction receipt. Reconciliation compares these against the store's
// view of what was settled.
type TransferRecord struct {
	TxHash    string
	Token     common.Address
	From      common.Address
	To        common.Address
	Value     *big.Int
	ChainID   uint64
	BlockTime time.Time
}
