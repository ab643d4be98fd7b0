// Package idgen provides random ID generation for ledger entities.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New generates a bare UUID string, used for request IDs and audit rows.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with an entity prefix (e.g. "bill_",
// "pay_", "ppy_", "alc_", "dsp_", "rfd_", "so_", "inv_", "tcy_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
