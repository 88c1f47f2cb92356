package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the hex-encoded SHA-256 hash of a plaintext token or
// authorization code. Stores index tokens exclusively by this hash; the
// plaintext is returned to the caller once at issuance and never persisted.
//
// A slow password hash is unnecessary here: the input carries 256 bits of
// entropy, unlike a human-chosen secret, so preimage search is infeasible.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
