package eip3009

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedAuth(t *testing.T) (*Authorization, []byte, *LocalSigner, *Verifier) {
	t.Helper()
	registry := DefaultRegistry()
	signer, err := GenerateSigner()
	require.NoError(t, err)

	auth, err := NewBuilder(registry).Build(BuildParams{
		From:    signer.Address(),
		To:      testTo,
		Value:   big.NewInt(25_000_000),
		ChainID: 8453,
		Nonce:   3,
	})
	require.NoError(t, err)

	domain, err := registry.DomainFor(auth.ChainID)
	require.NoError(t, err)
	sig, err := signer.Sign(auth.Digest(domain))
	require.NoError(t, err)
	return auth, sig, signer, NewVerifier(registry)
}

func TestVerifyRoundTrip(t *testing.T) {
	auth, sig, signer, verifier := signedAuth(t)

	t.Run("valid signature recovers the signer", func(t *testing.T) {
		assert.NoError(t, verifier.Verify(auth, sig, signer.Address()))
	})

	t.Run("legacy 27/28 recovery id", func(t *testing.T) {
		legacy := make([]byte, 65)
		copy(legacy, sig)
		legacy[64] += 27
		assert.NoError(t, verifier.Verify(auth, legacy, signer.Address()))
	})

	t.Run("wrong claimed signer", func(t *testing.T) {
		err := verifier.Verify(auth, sig, testFrom)
		assert.ErrorIs(t, err, ErrSignerMismatch)
	})

	t.Run("tampered value breaks recovery", func(t *testing.T) {
		tampered := *auth
		tampered.Value = big.NewInt(25_000_001)
		err := verifier.Verify(&tampered, sig, signer.Address())
		assert.ErrorIs(t, err, ErrSignerMismatch)
	})

	t.Run("signature does not transfer across chains", func(t *testing.T) {
		replayed := *auth
		replayed.ChainID = 1
		replayed.Token = common.Address{}
		err := verifier.Verify(&replayed, sig, signer.Address())
		assert.ErrorIs(t, err, ErrSignerMismatch)
	})
}

func TestVerifyMalformedSignatures(t *testing.T) {
	auth, sig, signer, verifier := signedAuth(t)

	tests := []struct {
		name string
		sig  []byte
	}{
		{"empty", nil},
		{"too short", sig[:64]},
		{"too long", append(append([]byte{}, sig...), 0x00)},
		{"bad recovery id", func() []byte {
			bad := make([]byte, 65)
			copy(bad, sig)
			bad[64] = 5
			return bad
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifier.Verify(auth, tt.sig, signer.Address())
			assert.ErrorIs(t, err, ErrMalformedSignature)
		})
	}
}

func TestCheckValidity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	verifier := NewVerifier(DefaultRegistry())

	// Window of 900s issued at now, with the standard 60s skew on validAfter.
	auth := &Authorization{
		ValidAfter:  now.Unix() - 60,
		ValidBefore: now.Unix() + 900,
	}

	tests := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{"at issue time", now, nil},
		{"last valid second", now.Add(899 * time.Second), nil},
		{"expires exactly at validBefore", now.Add(900 * time.Second), ErrExpired},
		{"well past expiry", now.Add(2 * time.Hour), ErrExpired},
		{"exactly at validAfter", now.Add(-60 * time.Second), nil},
		{"before validAfter", now.Add(-61 * time.Second), ErrNotYetValid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifier.CheckValidity(auth, tt.at)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	t.Run("future validAfter", func(t *testing.T) {
		future := &Authorization{
			ValidAfter:  now.Unix() + 10,
			ValidBefore: now.Unix() + 900,
		}
		assert.ErrorIs(t, verifier.CheckValidity(future, now.Add(5*time.Second)), ErrNotYetValid)
		assert.NoError(t, verifier.CheckValidity(future, now.Add(10*time.Second)))
	})
}

func TestVerifyRejectsUnbuildableAuth(t *testing.T) {
	_, sig, signer, verifier := signedAuth(t)

	t.Run("nil authorization", func(t *testing.T) {
		assert.ErrorIs(t, verifier.Verify(nil, sig, signer.Address()), ErrInvalidAmount)
	})

	t.Run("zero value", func(t *testing.T) {
		auth := &Authorization{Value: big.NewInt(0), ChainID: 8453}
		assert.ErrorIs(t, verifier.Verify(auth, sig, signer.Address()), ErrInvalidAmount)
	})
}
