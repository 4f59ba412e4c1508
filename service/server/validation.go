package server

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"

	"github.com/brojonat/threeohohnine/service/eip3009"
)

const (
	maxAddressLength = 64  // EVM addresses are 42 chars, give buffer
	maxMemoLength    = 256 // memo is carried verbatim into payment URLs
	maxWholeTokens   = 1_000_000_000
)

var (
	// Batch ids are "batch_" followed by a 32-hex-digit uuid.
	validBatchIDRegex = regexp.MustCompile(`^batch_[0-9a-f]{32}$`)
)

// validateAddress validates an EVM address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	// Addresses land in SQL queries and log lines verbatim.
	lowerAddr := strings.ToLower(address)
	sqlPatterns := []string{"drop ", "delete ", "insert ", "update ", "select ", "--", "/*", "*/", ";"}
	for _, pattern := range sqlPatterns {
		if strings.Contains(lowerAddr, pattern) {
			return errorf("invalid characters in address: suspicious pattern detected")
		}
	}

	// Reject homoglyph spoofing: Cyrillic lookalikes survive a visual check
	// but hash to a different address
	for _, r := range address {
		if unicode.Is(unicode.Cyrillic, r) {
			return errorf("invalid characters in address: Cyrillic homoglyphs not allowed")
		}
		if r > unicode.MaxASCII {
			return errorf("invalid characters in address: non-ASCII characters not allowed")
		}
	}

	if !strings.HasPrefix(lowerAddr, "0x") {
		// A 32-byte base58 payload is almost certainly a Solana address
		// pasted into the wrong field; say so instead of a generic error
		if decoded, err := base58.Decode(address); err == nil && len(decoded) == 32 {
			return errorf("address looks like a Solana address: an EVM 0x address is required")
		}
		return errorf("invalid address format: must be a 0x-prefixed hex address")
	}

	if !common.IsHexAddress(address) {
		return errorf("invalid address format: must be 20 bytes of hex")
	}

	// Mixed-case addresses must carry a valid EIP-55 checksum
	hexPart := address[2:]
	if hexPart != strings.ToLower(hexPart) && hexPart != strings.ToUpper(hexPart) {
		if common.HexToAddress(address).Hex() != address {
			return errorf("invalid address checksum")
		}
	}

	return nil
}

// validateAmount parses and validates a transfer amount in smallest token
// units. The ceiling guards against unit confusion: nobody settles a billion
// whole tokens in one item.
func validateAmount(value, token string) (*big.Int, error) {
	if value == "" {
		return nil, errorf("amount is required")
	}

	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, errorf("invalid amount %q: must be a base-10 integer in smallest token units", value)
	}

	if amount.Sign() <= 0 {
		return nil, errorf("amount must be positive")
	}

	decimals, err := eip3009.TokenDecimals(token)
	if err != nil {
		return nil, errorf("unknown token %q", token)
	}

	limit := new(big.Int).Mul(
		big.NewInt(maxWholeTokens),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil),
	)
	if amount.Cmp(limit) > 0 {
		return nil, errorf("amount exceeds maximum of %d whole tokens", maxWholeTokens)
	}

	return amount, nil
}

// validatePriority validates a batch priority value.
func validatePriority(priority string) error {
	switch priority {
	case "low", "normal", "high":
		return nil
	default:
		return errorf("invalid priority: must be 'low', 'normal', or 'high'")
	}
}

// validateBatchID validates a batch identifier from a URL path.
func validateBatchID(id string) error {
	if id == "" {
		return errorf("batch id is required")
	}

	if !validBatchIDRegex.MatchString(id) {
		return errorf("invalid batch id format")
	}

	return nil
}

// validateMemo validates an optional payment request memo.
func validateMemo(memo string) error {
	if len(memo) > maxMemoLength {
		return errorf("memo too long: maximum length is %d characters", maxMemoLength)
	}

	for _, r := range memo {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in memo: control characters not allowed")
		}
	}

	return nil
}

// duplicateRecipientWarnings reports recipients that appear more than once in
// a batch. Duplicates are legal (two payouts to one address) but usually a
// caller bug, so they are surfaced as warnings rather than rejected.
func duplicateRecipientWarnings(recipients []string) []string {
	counts := make(map[string]int, len(recipients))
	first := make(map[string]string, len(recipients))
	var order []string

	for _, r := range recipients {
		key := strings.ToLower(r)
		if counts[key] == 0 {
			first[key] = r
			order = append(order, key)
		}
		counts[key]++
	}

	var warnings []string
	for _, key := range order {
		if counts[key] > 1 {
			warnings = append(warnings, fmt.Sprintf("recipient %s appears %d times", first[key], counts[key]))
		}
	}
	return warnings
}
