package eip3009

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier checks signatures and validity windows against a registry. It
// holds no mutable state.
type Verifier struct {
	registry *Registry
}

// NewVerifier returns a verifier over the given registry.
func NewVerifier(registry *Registry) *Verifier {
	return &Verifier{registry: registry}
}

// Verify recovers the signer from a 65-byte [R || S || V] signature over the
// authorization's typed-data digest and compares it to the claimed signer.
// V may be 0/1 or the legacy 27/28. Window validity is a separate concern;
// see CheckValidity.
func (v *Verifier) Verify(auth *Authorization, signature []byte, claimedSigner common.Address) error {
	if auth == nil || auth.Value == nil || auth.Value.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if len(signature) != 65 {
		return fmt.Errorf("%w: expected 65 bytes, got %d", ErrMalformedSignature, len(signature))
	}
	switch signature[64] {
	case 0, 1:
	case 27, 28:
	default:
		return fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, signature[64])
	}

	domain, err := v.registry.DomainFor(auth.ChainID)
	if err != nil {
		return err
	}
	if auth.Token != (common.Address{}) && auth.Token != domain.VerifyingContract {
		// Non-default token: rebind the domain to the token contract the
		// authorization names. Name/version still come from the token table.
		rebound, err := v.domainForContract(auth.ChainID, auth.Token)
		if err != nil {
			return err
		}
		domain = rebound
	}

	// SigToPub wants the recovery id in {0, 1}.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := auth.Digest(domain)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != claimedSigner {
		return fmt.Errorf("%w: recovered %s", ErrSignerMismatch, recovered.Hex())
	}
	return nil
}

// CheckValidity checks the time window only. The boundary is asymmetric:
// now == validAfter is valid, now == validBefore is expired.
func (v *Verifier) CheckValidity(auth *Authorization, now time.Time) error {
	ts := now.Unix()
	if ts < auth.ValidAfter {
		return fmt.Errorf("%w: valid after %d, now %d", ErrNotYetValid, auth.ValidAfter, ts)
	}
	if ts >= auth.ValidBefore {
		return fmt.Errorf("%w: valid before %d, now %d", ErrExpired, auth.ValidBefore, ts)
	}
	return nil
}

func (v *Verifier) domainForContract(chainID uint64, contract common.Address) (SigningDomain, error) {
	for symbol := range tokenInfos {
		addr, err := ContractAddress(chainID, symbol)
		if err != nil {
			continue
		}
		if addr == contract {
			return v.registry.DomainForToken(chainID, symbol)
		}
	}
	return SigningDomain{}, fmt.Errorf("%w: contract %s on chain %d", ErrUnsupportedToken, contract.Hex(), chainID)
}
