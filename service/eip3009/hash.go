package eip3009

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Type hashes fixed by EIP-712 and by the TransferWithAuthorization ABI.
// The struct string must match the token contract byte for byte.
var (
	eip712DomainTypeHash = crypto.Keccak256Hash(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	transferWithAuthorizationTypeHash = crypto.Keccak256Hash(
		[]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
	)
)

// Separator returns the EIP-712 domain separator for d.
func (d SigningDomain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		common.BigToHash(new(big.Int).SetUint64(d.ChainID)).Bytes(),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// NonceBytes32 encodes a ledger nonce as the bytes32 the token contract
// expects: big-endian in the low 8 bytes of a zero-padded word.
func NonceBytes32(nonce uint64) [32]byte {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], nonce)
	return b
}

// StructHash returns the EIP-712 hash of the authorization struct fields.
func (a *Authorization) StructHash() common.Hash {
	value := a.Value
	if value == nil {
		value = new(big.Int)
	}
	nonce := NonceBytes32(a.Nonce)
	return crypto.Keccak256Hash(
		transferWithAuthorizationTypeHash.Bytes(),
		common.LeftPadBytes(a.From.Bytes(), 32),
		common.LeftPadBytes(a.To.Bytes(), 32),
		common.BigToHash(value).Bytes(),
		common.BigToHash(big.NewInt(a.ValidAfter)).Bytes(),
		common.BigToHash(big.NewInt(a.ValidBefore)).Bytes(),
		nonce[:],
	)
}

// Digest returns the 32-byte message that gets signed: the EIP-191 v4
// envelope over the domain separator and the struct hash. Signer and
// verifier must agree on this exact value.
func (a *Authorization) Digest(domain SigningDomain) common.Hash {
	structHash := a.StructHash()
	separator := domain.Separator()
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, separator.Bytes(), structHash.Bytes())
}
