package eip3009

import "errors"

var (
	ErrUnsupportedChain   = errors.New("unsupported chain")
	ErrUnsupportedToken   = errors.New("unsupported token")
	ErrInvalidAmount      = errors.New("authorization value must be positive")
	ErrInvalidWindow      = errors.New("invalid validity window")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrSignerMismatch     = errors.New("recovered signer does not match claimed signer")
	ErrExpired            = errors.New("authorization expired")
	ErrNotYetValid        = errors.New("authorization not yet valid")
	ErrNonceUsed          = errors.New("authorization nonce already used")
)
