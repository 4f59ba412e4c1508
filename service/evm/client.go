package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/brojonat/threeohohnine/service/eip3009"
	"github.com/brojonat/threeohohnine/service/metrics"
)

// transferEventTopic is keccak256("Transfer(address,address,uint256)"),
// the topic0 of every ERC-20 Transfer log.
var transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthClient defines the interface for Ethereum JSON-RPC operations needed
// by the engine. *ethclient.Client satisfies this; tests use a fake.
type EthClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// Client wraps JSON-RPC operations for a single chain with structured
// logging and metrics.
type Client struct {
	eth     EthClient
	chainID uint64
	logger  *slog.Logger
	metrics *metrics.Metrics
	closeFn func()
}

// NewClient creates a chain client around an existing EthClient.
// Useful for testing with a fake RPC implementation.
func NewClient(eth EthClient, chainID uint64, logger *slog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		eth:     eth,
		chainID: chainID,
		logger:  logger,
		metrics: m,
	}
}

// Dial connects to an RPC endpoint for the given chain.
func Dial(ctx context.Context, chainID uint64, rpcURL string, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain %d rpc: %w", chainID, err)
	}
	c := NewClient(eth, chainID, logger, m)
	c.closeFn = eth.Close
	return c, nil
}

// ChainID returns the chain this client is connected to.
func (c *Client) ChainID() uint64 {
	return c.chainID
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

func (c *Client) recordRPC(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, eip3009.ChainName(c.chainID), status, time.Since(start).Seconds())
	}
}

// TransferByHash fetches the receipt for a transaction and extracts the
// first ERC-20 Transfer it emitted. Returns ErrTxNotFound for unknown
// hashes, ErrTxReverted for mined-but-failed transactions, and
// ErrNoTransferLog when the receipt carries no Transfer event.
func (c *Client) TransferByHash(ctx context.Context, txHash string) (*TransferRecord, error) {
	hash := common.HexToHash(txHash)

	start := time.Now()
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	c.recordRPC("TransactionReceipt", start, err)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txHash)
		}
		return nil, fmt.Errorf("failed to fetch receipt for %s: %w", txHash, err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrTxReverted, txHash)
	}

	record, ok := firstTransfer(receipt)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTransferLog, txHash)
	}
	record.TxHash = hash.Hex()
	record.ChainID = c.chainID

	// Block time is informational; a failed header lookup doesn't fail
	// the record.
	headerStart := time.Now()
	header, err := c.eth.HeaderByNumber(ctx, receipt.BlockNumber)
	c.recordRPC("HeaderByNumber", headerStart, err)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to fetch block header",
			"tx_hash", txHash,
			"block", receipt.BlockNumber,
			"error", err,
		)
	} else {
		record.BlockTime = time.Unix(int64(header.Time), 0).UTC()
	}

	return record, nil
}

// firstTransfer scans receipt logs for the first ERC-20 Transfer event.
// Transfer logs have three topics (signature, indexed from, indexed to)
// and a 32-byte value in the data segment.
func firstTransfer(receipt *types.Receipt) (*TransferRecord, bool) {
	for _, lg := range receipt.Logs {
		if len(lg.Topics) != 3 || lg.Topics[0] != transferEventTopic {
			continue
		}
		if len(lg.Data) != 32 {
			continue
		}
		return &TransferRecord{
			Token: lg.Address,
			From:  common.BytesToAddress(lg.Topics[1].Bytes()[12:]),
			To:    common.BytesToAddress(lg.Topics[2].Bytes()[12:]),
			Value: new(big.Int).SetBytes(lg.Data),
		}, true
	}
	return nil, false
}

// Clients indexes connected chain clients by chain id.
type Clients map[uint64]*Client

// DialAll connects to every endpoint in rpcURLs. Chains that fail to
// connect are logged and skipped so one bad endpoint doesn't block the
// rest; lookups for them return ErrNoClient.
func DialAll(ctx context.Context, rpcURLs map[uint64]string, logger *slog.Logger, m *metrics.Metrics) Clients {
	clients := make(Clients, len(rpcURLs))
	for chainID, rpcURL := range rpcURLs {
		client, err := Dial(ctx, chainID, rpcURL, logger, m)
		if err != nil {
			logger.WarnContext(ctx, "failed to connect to chain, skipping",
				"chain_id", chainID,
				"error", err,
			)
			continue
		}
		clients[chainID] = client
		logger.InfoContext(ctx, "connected to chain",
			"chain_id", chainID,
			"chain", eip3009.ChainName(chainID),
		)
	}
	return clients
}

// ForChain returns the client for a chain id.
func (cs Clients) ForChain(chainID uint64) (*Client, error) {
	client, ok := cs[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoClient, chainID)
	}
	return client, nil
}

// TransferByHash dispatches a receipt lookup to the right chain client.
func (cs Clients) TransferByHash(ctx context.Context, chainID uint64, txHash string) (*TransferRecord, error) {
	client, err := cs.ForChain(chainID)
	if err != nil {
		return nil, err
	}
	return client.TransferByHash(ctx, txHash)
}

// Close releases all underlying connections.
func (cs Clients) Close() {
	for _, client := range cs {
		client.Close()
	}
}
