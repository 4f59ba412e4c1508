package evm

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/threeohohnine/service/eip3009"
)

func testAuth(t *testing.T) *eip3009.Authorization {
	t.Helper()
	domain, err := eip3009.DefaultRegistry().DomainFor(8453)
	require.NoError(t, err)
	return &eip3009.Authorization{
		From:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:          common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:       big.NewInt(1_000_000),
		ValidAfter:  1700000000,
		ValidBefore: 1700003600,
		Nonce:       7,
		ChainID:     8453,
		Token:       domain.VerifyingContract,
	}
}

func testSignature(v byte) []byte {
	sig := make([]byte, 65)
	for i := range 64 {
		sig[i] = byte(i + 1)
	}
	sig[64] = v
	return sig
}

func newTestOnchainSubmitter(t *testing.T, fake *fakeEthClient) *OnchainSubmitter {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := hex.EncodeToString(crypto.FromECDSA(key))

	clients := Clients{8453: NewClient(fake, 8453, testLogger(), nil)}
	submitter, err := NewOnchainSubmitter(clients, keyHex, testLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), submitter.RelayerAddress())
	return submitter
}

func TestOnchainSubmit(t *testing.T) {
	auth := testAuth(t)
	var captured *types.Transaction
	var nonceAccount common.Address

	fake := &fakeEthClient{
		pendingNonceAt: func(ctx context.Context, account common.Address) (uint64, error) {
			nonceAccount = account
			return 42, nil
		},
		suggestGasPrice: func(ctx context.Context) (*big.Int, error) {
			return big.NewInt(1_000_000_000), nil
		},
		estimateGas: func(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
			assert.Equal(t, &auth.Token, msg.To)
			return 80_000, nil
		},
		sendTransaction: func(ctx context.Context, tx *types.Transaction) error {
			captured = tx
			return nil
		},
	}
	submitter := newTestOnchainSubmitter(t, fake)

	txHash, err := submitter.Submit(context.Background(), auth, testSignature(27))
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, captured.Hash().Hex(), txHash)
	assert.Equal(t, submitter.RelayerAddress(), nonceAccount)
	assert.Equal(t, uint64(42), captured.Nonce())
	assert.Equal(t, uint64(96_000), captured.Gas()) // 80k estimate + 20%
	assert.Equal(t, big.NewInt(1_200_000_000), captured.GasTipCap())
	assert.Equal(t, big.NewInt(2_400_000_000), captured.GasFeeCap())
	assert.Equal(t, auth.Token, *captured.To())
	assert.Equal(t, uint64(8453), captured.ChainId().Uint64())
	assert.Zero(t, captured.Value().Sign())
}

func TestOnchainSubmitCalldata(t *testing.T) {
	auth := testAuth(t)
	var captured *types.Transaction

	fake := &fakeEthClient{
		pendingNonceAt:  func(ctx context.Context, account common.Address) (uint64, error) { return 0, nil },
		suggestGasPrice: func(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil },
		estimateGas: func(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
			return 100_000, nil
		},
		sendTransaction: func(ctx context.Context, tx *types.Transaction) error {
			captured = tx
			return nil
		},
	}
	submitter := newTestOnchainSubmitter(t, fake)

	_, err := submitter.Submit(context.Background(), auth, testSignature(28))
	require.NoError(t, err)

	data := captured.Data()
	selector := crypto.Keccak256([]byte("transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)"))[:4]
	require.True(t, len(data) > 4)
	assert.Equal(t, selector, data[:4])

	parsed, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	require.NoError(t, err)
	args, err := parsed.Methods["transferWithAuthorization"].Inputs.Unpack(data[4:])
	require.NoError(t, err)

	assert.Equal(t, auth.From, args[0].(common.Address))
	assert.Equal(t, auth.To, args[1].(common.Address))
	assert.Zero(t, auth.Value.Cmp(args[2].(*big.Int)))
	assert.Equal(t, auth.ValidAfter, args[3].(*big.Int).Int64())
	assert.Equal(t, auth.ValidBefore, args[4].(*big.Int).Int64())
	assert.Equal(t, eip3009.NonceBytes32(auth.Nonce), args[5].([32]byte))
	assert.Equal(t, uint8(28), args[6].(uint8))
}

func TestOnchainSubmitGasEstimateFallback(t *testing.T) {
	auth := testAuth(t)
	var captured *types.Transaction

	fake := &fakeEthClient{
		pendingNonceAt:  func(ctx context.Context, account common.Address) (uint64, error) { return 0, nil },
		suggestGasPrice: func(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil },
		estimateGas: func(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
			return 0, context.DeadlineExceeded
		},
		sendTransaction: func(ctx context.Context, tx *types.Transaction) error {
			captured = tx
			return nil
		},
	}
	submitter := newTestOnchainSubmitter(t, fake)

	_, err := submitter.Submit(context.Background(), auth, testSignature(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(defaultSubmitGasLimit*120/100), captured.Gas())
}

func TestOnchainSubmitNoClient(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	submitter, err := NewOnchainSubmitter(Clients{}, hex.EncodeToString(crypto.FromECDSA(key)), testLogger(), nil)
	require.NoError(t, err)

	_, err = submitter.Submit(context.Background(), testAuth(t), testSignature(27))
	assert.ErrorIs(t, err, ErrNoClient)
}

func TestNewOnchainSubmitterBadKey(t *testing.T) {
	_, err := NewOnchainSubmitter(Clients{}, "not-a-key", testLogger(), nil)
	assert.Error(t, err)
}

func TestSplitSignature(t *testing.T) {
	tests := []struct {
		name    string
		sig     []byte
		wantV   uint8
		wantErr bool
	}{
		{"recovery id 0", testSignature(0), 27, false},
		{"recovery id 1", testSignature(1), 28, false},
		{"legacy v 27", testSignature(27), 27, false},
		{"legacy v 28", testSignature(28), 28, false},
		{"invalid v", testSignature(5), 0, true},
		{"too short", make([]byte, 64), 0, true},
		{"too long", make([]byte, 66), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, r, s, err := splitSignature(tt.sig)
			if tt.wantErr {
				assert.ErrorIs(t, err, eip3009.ErrMalformedSignature)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantV, v)
			assert.Equal(t, tt.sig[:32], r[:])
			assert.Equal(t, tt.sig[32:64], s[:])
		})
	}
}

func TestDryRunSubmitDeterministic(t *testing.T) {
	submitter := NewDryRunSubmitter(testLogger(), nil)
	auth := testAuth(t)

	first, err := submitter.Submit(context.Background(), auth, testSignature(27))
	require.NoError(t, err)
	second, err := submitter.Submit(context.Background(), auth, testSignature(27))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "0x"))
	assert.Len(t, first, 66)

	// A different nonce is a different authorization, so a different hash.
	other := *auth
	other.Nonce = 8
	third, err := submitter.Submit(context.Background(), &other, testSignature(27))
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestDryRunSubmitRejectsMalformedSignature(t *testing.T) {
	submitter := NewDryRunSubmitter(testLogger(), nil)
	_, err := submitter.Submit(context.Background(), testAuth(t), []byte{0x01})
	assert.ErrorIs(t, err, eip3009.ErrMalformedSignature)
}
