// Package idgen provides random identifiers for events, assessments and
// requests.
package idgen

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New generates a random (version 4) UUID string.
// Format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "ub_", "risk_", "req_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	var b strings.Builder
	for b.Len() < numBytes*2 {
		u := uuid.New()
		b.WriteString(hex.EncodeToString(u[:]))
	}
	return b.String()[:numBytes*2]
}
