// Package idgen generates record and request identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUID rendered as 32 hex characters without dashes.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithPrefix returns prefix followed by 24 random hex characters
// (e.g. "req_", "batch_").
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
