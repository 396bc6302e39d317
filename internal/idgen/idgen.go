// Package idgen mints identifiers for accounts, escrows, and ledger entries.
//
// Prefixed IDs are built from UUIDv7, so within one process they sort in
// creation order. That keeps "ORDER BY id" and "ORDER BY created_at" in
// agreement for rows written by the same instance.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 in canonical form. Used for idempotency
// records and delivery IDs where ordering does not matter.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 32 hex digits of a UUIDv7, e.g. "esc_0190f3...".
func WithPrefix(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	var buf [32]byte
	hex.Encode(buf[:], u[:])
	return prefix + string(buf[:])
}

// Hex returns n random bytes hex-encoded. It panics if the system RNG fails.
func Hex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: " + err.Error())
	}
	return hex.EncodeToString(b)
}
