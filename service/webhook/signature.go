package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the signed timestamp and digest for outbound
// webhook deliveries.
const SignatureHeader = "X-Settlement-Signature"

// DefaultTolerance is how far a delivery timestamp may drift from the
// receiver's clock before verification rejects it.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMalformedHeader   = errors.New("malformed signature header")
	ErrStaleTimestamp    = errors.New("signature timestamp outside tolerance")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Sign produces the signature header value for a payload:
// "t=<unix>,v1=<hex hmac-sha256(secret, "<unix>.<payload>")>".
func Sign(secret string, payload []byte, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), computeMAC(secret, payload, ts.Unix()))
}

// Verify checks a signature header against a payload. The timestamp must be
// within tolerance of now, and the digest must match under the shared secret.
// A zero tolerance means DefaultTolerance.
func Verify(secret string, payload []byte, header string, tolerance time.Duration, now time.Time) error {
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}

	ts, sig, err := ParseHeader(header)
	if err != nil {
		return err
	}

	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(tolerance/time.Second) {
		return ErrStaleTimestamp
	}

	expected := computeMAC(secret, payload, ts)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// ParseHeader splits a "t=...,v1=..." header into its timestamp and digest.
func ParseHeader(header string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err = strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: bad timestamp %q", ErrMalformedHeader, kv[1])
			}
		case "v1":
			sig = kv[1]
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", ErrMalformedHeader
	}
	return ts, sig, nil
}

// The signed message is "<unix>.<payload>" so the timestamp cannot be
// swapped without invalidating the digest.
func computeMAC(secret string, payload []byte, unix int64) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", unix)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
