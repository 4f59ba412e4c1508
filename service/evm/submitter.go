package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/brojonat/threeohohnine/service/eip3009"
	"github.com/brojonat/threeohohnine/service/metrics"
)

// transferWithAuthorizationABI is the single EIP-3009 entry point the
// relayer calls on token contracts.
const transferWithAuthorizationABI = `[{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"transferWithAuthorization","outputs":[],"type":"function"}]`

// defaultSubmitGasLimit covers transferWithAuthorization when estimation
// fails; the call is a signature recovery plus two balance writes.
const defaultSubmitGasLimit = 120_000

// OnchainSubmitter broadcasts signed authorizations from the relayer's
// own account, paying gas on the payer's behalf.
type OnchainSubmitter struct {
	clients Clients
	key     *ecdsa.PrivateKey
	from    common.Address
	abi     abi.ABI
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewOnchainSubmitter creates a submitter signing with the given hex
// private key (with or without 0x prefix).
func NewOnchainSubmitter(clients Clients, relayerKeyHex string, logger *slog.Logger, m *metrics.Metrics) (*OnchainSubmitter, error) {
	parsedABI, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse transferWithAuthorization ABI: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(relayerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid relayer private key: %w", err)
	}

	return &OnchainSubmitter{
		clients: clients,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		abi:     parsedABI,
		logger:  logger,
		metrics: m,
	}, nil
}

// RelayerAddress returns the account that pays gas for submissions.
func (s *OnchainSubmitter) RelayerAddress() common.Address {
	return s.from
}

// Submit packs the authorization into transferWithAuthorization calldata,
// builds a dynamic-fee transaction against the token contract, signs with
// the relayer key, and broadcasts it. Returns the transaction hash.
func (s *OnchainSubmitter) Submit(ctx context.Context, auth *eip3009.Authorization, signature []byte) (string, error) {
	start := time.Now()
	txHash, err := s.submit(ctx, auth, signature)

	status := "success"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordSubmit("relayer", eip3009.ChainName(auth.ChainID), status, time.Since(start).Seconds())
	}
	return txHash, err
}

func (s *OnchainSubmitter) submit(ctx context.Context, auth *eip3009.Authorization, signature []byte) (string, error) {
	client, err := s.clients.ForChain(auth.ChainID)
	if err != nil {
		return "", err
	}

	calldata, err := s.packCalldata(auth, signature)
	if err != nil {
		return "", err
	}

	nonceStart := time.Now()
	txNonce, err := client.eth.PendingNonceAt(ctx, s.from)
	client.recordRPC("PendingNonceAt", nonceStart, err)
	if err != nil {
		return "", fmt.Errorf("failed to get relayer account nonce: %w", err)
	}

	priceStart := time.Now()
	gasPrice, err := client.eth.SuggestGasPrice(ctx)
	client.recordRPC("SuggestGasPrice", priceStart, err)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}
	// Bump 20% to keep submissions from stalling behind fee spikes
	gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(120)), big.NewInt(100))

	msg := ethereum.CallMsg{
		From: s.from,
		To:   &auth.Token,
		Data: calldata,
	}
	estStart := time.Now()
	gasLimit, err := client.eth.EstimateGas(ctx, msg)
	client.recordRPC("EstimateGas", estStart, err)
	if err != nil {
		gasLimit = defaultSubmitGasLimit
	}
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(auth.ChainID),
		Nonce:     txNonce,
		GasTipCap: gasPrice,
		GasFeeCap: new(big.Int).Mul(gasPrice, big.NewInt(2)),
		Gas:       gasLimit,
		To:        &auth.Token,
		Value:     big.NewInt(0),
		Data:      calldata,
	})

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(auth.ChainID))
	signedTx, err := types.SignTx(tx, signer, s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sendStart := time.Now()
	err = client.eth.SendTransaction(ctx, signedTx)
	client.recordRPC("SendTransaction", sendStart, err)
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	txHash := signedTx.Hash().Hex()
	s.logger.InfoContext(ctx, "submitted authorization on-chain",
		"tx_hash", txHash,
		"chain_id", auth.ChainID,
		"token", auth.Token.Hex(),
		"payer", auth.From.Hex(),
	)
	return txHash, nil
}

func (s *OnchainSubmitter) packCalldata(auth *eip3009.Authorization, signature []byte) ([]byte, error) {
	v, r, sv, err := splitSignature(signature)
	if err != nil {
		return nil, err
	}

	nonce := eip3009.NonceBytes32(auth.Nonce)
	calldata, err := s.abi.Pack("transferWithAuthorization",
		auth.From,
		auth.To,
		auth.Value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		nonce,
		v,
		r,
		sv,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack calldata: %w", err)
	}
	return calldata, nil
}

// splitSignature breaks a 65-byte [R || S || V] signature into contract
// arguments, normalizing V to {27, 28}.
func splitSignature(signature []byte) (v uint8, r, s [32]byte, err error) {
	if len(signature) != 65 {
		return 0, r, s, fmt.Errorf("%w: got %d bytes", eip3009.ErrMalformedSignature, len(signature))
	}
	copy(r[:], signature[:32])
	copy(s[:], signature[32:64])
	v = signature[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, r, s, fmt.Errorf("%w: recovery id %d", eip3009.ErrMalformedSignature, signature[64])
	}
	return v, r, s, nil
}

// DryRunSubmitter simulates submission without touching a chain. Hashes
// are deterministic per authorization so repeated runs and tests see
// stable values.
type DryRunSubmitter struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewDryRunSubmitter(logger *slog.Logger, m *metrics.Metrics) *DryRunSubmitter {
	return &DryRunSubmitter{logger: logger, metrics: m}
}

// Submit returns a synthetic transaction hash derived from the
// authorization contents.
func (s *DryRunSubmitter) Submit(ctx context.Context, auth *eip3009.Authorization, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("%w: got %d bytes", eip3009.ErrMalformedSignature, len(signature))
	}

	var chainID [8]byte
	binary.BigEndian.PutUint64(chainID[:], auth.ChainID)
	structHash := auth.StructHash()
	txHash := crypto.Keccak256Hash([]byte("dryrun"), chainID[:], auth.Token.Bytes(), structHash.Bytes())

	if s.metrics != nil {
		s.metrics.RecordSubmit("dryrun", eip3009.ChainName(auth.ChainID), "success", 0)
	}
	s.logger.DebugContext(ctx, "dry-run submission",
		"tx_hash", txHash.Hex(),
		"chain_id", auth.ChainID,
		"payer", auth.From.Hex(),
	)
	return txHash.Hex(), nil
}
