package eip3009

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	t.Run("covers the supported chains", func(t *testing.T) {
		assert.Equal(t, []uint64{1, 10, 56, 137, 8453, 42161}, r.Chains())
	})

	t.Run("binds canonical USDC on base", func(t *testing.T) {
		d, err := r.DomainFor(8453)
		require.NoError(t, err)
		assert.Equal(t, "USD Coin", d.Name)
		assert.Equal(t, "2", d.Version)
		assert.Equal(t, uint64(8453), d.ChainID)
		assert.Equal(t, common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), d.VerifyingContract)
	})

	t.Run("unknown chain", func(t *testing.T) {
		_, err := r.DomainFor(999)
		assert.ErrorIs(t, err, ErrUnsupportedChain)
	})
}

func TestDomainSeparatorsDistinct(t *testing.T) {
	// Cross-chain replay protection rests on every chain hashing to a
	// different separator.
	r := DefaultRegistry()
	seen := make(map[common.Hash]uint64)
	for _, chainID := range r.Chains() {
		d, err := r.DomainFor(chainID)
		require.NoError(t, err)
		sep := d.Separator()
		if prev, dup := seen[sep]; dup {
			t.Fatalf("chains %d and %d share a domain separator", prev, chainID)
		}
		seen[sep] = chainID
	}
	assert.Len(t, seen, 6)
}

func TestDomainSeparatorSensitivity(t *testing.T) {
	base := SigningDomain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           8453,
		VerifyingContract: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	}

	tests := []struct {
		name   string
		mutate func(d SigningDomain) SigningDomain
	}{
		{"different name", func(d SigningDomain) SigningDomain { d.Name = "USD  Coin"; return d }},
		{"different version", func(d SigningDomain) SigningDomain { d.Version = "1"; return d }},
		{"different chain", func(d SigningDomain) SigningDomain { d.ChainID = 1; return d }},
		{"different contract", func(d SigningDomain) SigningDomain {
			d.VerifyingContract = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
			return d
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base.Separator(), tt.mutate(base).Separator())
		})
	}
}

func TestDomainForToken(t *testing.T) {
	r := DefaultRegistry()

	t.Run("USDC matches DomainFor", func(t *testing.T) {
		viaToken, err := r.DomainForToken(8453, "USDC")
		require.NoError(t, err)
		viaChain, err := r.DomainFor(8453)
		require.NoError(t, err)
		assert.Equal(t, viaChain, viaToken)
	})

	t.Run("DAI on mainnet", func(t *testing.T) {
		d, err := r.DomainForToken(1, "DAI")
		require.NoError(t, err)
		assert.Equal(t, "Dai Stablecoin", d.Name)
		assert.Equal(t, "1", d.Version)
		assert.Equal(t, common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), d.VerifyingContract)
	})

	t.Run("USDT off mainnet", func(t *testing.T) {
		_, err := r.DomainForToken(137, "USDT")
		assert.ErrorIs(t, err, ErrUnsupportedToken)
	})

	t.Run("unknown symbol", func(t *testing.T) {
		_, err := r.DomainForToken(1, "DOGE")
		assert.ErrorIs(t, err, ErrUnsupportedToken)
	})

	t.Run("unregistered chain", func(t *testing.T) {
		_, err := r.DomainForToken(31337, "USDC")
		assert.ErrorIs(t, err, ErrUnsupportedChain)
	})
}

func TestRegistrySupports(t *testing.T) {
	r := DefaultRegistry()
	assert.True(t, r.Supports(8453, "USDC"))
	assert.True(t, r.Supports(8453, "usdc"))
	assert.True(t, r.Supports(1, "DAI"))
	assert.False(t, r.Supports(8453, "DAI"))
	assert.False(t, r.Supports(2, "USDC"))
}
