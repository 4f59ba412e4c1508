package eip3009

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces 65-byte [R || S || V] signatures over typed-data digests.
// Key custody is out of scope here; implementations may hold a local key or
// proxy to external signing infrastructure.
type Signer interface {
	Sign(digest common.Hash) ([]byte, error)
	Address() common.Address
}

// LocalSigner signs with an in-process secp256k1 key. Used by the CLI, the
// demo service signer, and tests.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewLocalSigner parses a hex-encoded private key, with or without the 0x
// prefix.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &LocalSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*LocalSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &LocalSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Sign signs the digest. The recovery id in the result is 0 or 1.
func (s *LocalSigner) Sign(digest common.Hash) ([]byte, error) {
	return crypto.Sign(digest.Bytes(), s.key)
}

// Address returns the signer's address.
func (s *LocalSigner) Address() common.Address {
	return s.addr
}

// PrivateKey exposes the underlying key for the on-chain submitter, which
// needs it to sign relay transactions.
func (s *LocalSigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}
