// Package auth guards the API. Clients present a shared bearer token; the
// host activity monitor signs its callbacks with the same HMAC scheme the
// service uses for outbound webhooks.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/quietguard/internal/webhooks"
)

var (
	ErrMissingToken     = errors.New("auth: bearer token required")
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrMissingSignature = errors.New("auth: signature required")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrStaleSignature   = errors.New("auth: signature timestamp outside tolerance")
)

// SignatureTolerance is how far a callback timestamp may drift from now.
const SignatureTolerance = 5 * time.Minute

// CheckToken compares a raw Authorization header against token.
func CheckToken(header, token string) error {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return ErrMissingToken
	}
	// Hash both sides so the comparison does not leak the token length.
	got, want := sha256.Sum256([]byte(raw)), sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// CheckSignature verifies a signed callback body. timestamp is the unix
// seconds header value.
func CheckSignature(body []byte, secret, signature, timestamp string, now time.Time) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if d := now.Sub(time.Unix(ts, 0)); d > SignatureTolerance || d < -SignatureTolerance {
		return ErrStaleSignature
	}
	if !webhooks.Verify(body, secret, signature) {
		return ErrInvalidSignature
	}
	return nil
}
