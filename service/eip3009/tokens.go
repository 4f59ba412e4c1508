package eip3009

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenInfo describes a settlement token: display symbol, decimal places,
// and the EIP-712 domain name/version its contract signs under.
type TokenInfo struct {
	Symbol        string
	Decimals      int32
	DomainName    string
	DomainVersion string
}

var tokenInfos = map[string]TokenInfo{
	"USDC": {Symbol: "USDC", Decimals: 6, DomainName: "USD Coin", DomainVersion: "2"},
	"USDT": {Symbol: "USDT", Decimals: 6, DomainName: "Tether USD", DomainVersion: "1"},
	"DAI":  {Symbol: "DAI", Decimals: 18, DomainName: "Dai Stablecoin", DomainVersion: "1"},
}

// Token looks up metadata for a symbol, case-insensitively.
func Token(symbol string) (TokenInfo, bool) {
	info, ok := tokenInfos[strings.ToUpper(symbol)]
	return info, ok
}

// TokenDecimals returns the decimal places for a symbol.
func TokenDecimals(symbol string) (int32, error) {
	info, ok := Token(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedToken, symbol)
	}
	return info.Decimals, nil
}

// Canonical USDC deployments. These are the verifying contracts the default
// registry binds, so getting one wrong silently invalidates every signature
// on that chain.
var usdcContracts = map[uint64]common.Address{
	1:     common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), // Ethereum
	10:    common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"), // Optimism
	56:    common.HexToAddress("0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"), // BSC
	137:   common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"), // Polygon
	8453:  common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), // Base
	42161: common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"), // Arbitrum
}

var mainnetContracts = map[string]common.Address{
	"USDT": common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"),
	"DAI":  common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
}

var chainNames = map[uint64]string{
	1:     "ethereum",
	10:    "optimism",
	56:    "bsc",
	137:   "polygon",
	8453:  "base",
	42161: "arbitrum",
}

// ChainName returns a lowercase human name for a chain id, falling back
// to the decimal id for unknown chains.
func ChainName(chainID uint64) string {
	if name, ok := chainNames[chainID]; ok {
		return name
	}
	return strconv.FormatUint(chainID, 10)
}

// ContractAddress resolves a (chain, symbol) pair to the token contract.
// USDC resolves on every registered chain; other symbols only where a
// deployment is known.
func ContractAddress(chainID uint64, symbol string) (common.Address, error) {
	switch strings.ToUpper(symbol) {
	case "USDC":
		addr, ok := usdcContracts[chainID]
		if !ok {
			return common.Address{}, fmt.Errorf("%w: chain %d", ErrUnsupportedChain, chainID)
		}
		return addr, nil
	case "USDT", "DAI":
		if chainID != 1 {
			return common.Address{}, fmt.Errorf("%w: %s on chain %d", ErrUnsupportedToken, strings.ToUpper(symbol), chainID)
		}
		return mainnetContracts[strings.ToUpper(symbol)], nil
	default:
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnsupportedToken, symbol)
	}
}
