package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// SecretHashCost is the bcrypt work factor for client secret hashing.
	// 12 keeps a single verification in the tens of milliseconds, slow enough
	// to make offline guessing impractical.
	SecretHashCost = 12

	// secretSaltBytes is the per-record salt length (256 bits)
	secretSaltBytes = 32
)

// HashSecret hashes a client secret with a freshly generated per-record salt.
// Returns the bcrypt hash and the URL-safe encoded salt; both are persisted,
// the plaintext secret is not.
//
// bcrypt already embeds its own salt, but the explicit per-record salt is
// mixed into the input so a leaked hash cannot be cross-checked against
// another record even under a bcrypt weakness.
func HashSecret(secret string) (hash, salt string, err error) {
	raw := make([]byte, secretSaltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate secret salt: %w", err)
	}
	salt = base64.RawURLEncoding.EncodeToString(raw)

	h, err := bcrypt.GenerateFromPassword(saltedSecret(secret, salt), SecretHashCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(h), salt, nil
}

// VerifySecret reports whether secret matches the stored hash and salt.
// bcrypt's comparison is constant-time with respect to the hash contents;
// no partial-match information is returned.
//
// The error return is reserved for backend failures (malformed stored hash).
// A plain mismatch returns (false, nil).
func VerifySecret(secret, hash, salt string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), saltedSecret(secret, salt))
	if err == nil {
		return true, nil
	}
	if err == bcrypt.ErrMismatchedHashAndPassword {
		return false, nil
	}
	// Corrupt or truncated hash. Surface as an infrastructure error rather
	// than reporting "invalid secret".
	return false, fmt.Errorf("secret verification failed: %w", err)
}

// saltedSecret folds the secret and salt through SHA-256 before bcrypt.
// bcrypt truncates input at 72 bytes; a 43-char secret plus a 43-char salt
// would silently lose the salt's tail (and GenerateFromPassword rejects the
// oversized input outright), so the digest keeps the full entropy of both
// inside bcrypt's limit.
func saltedSecret(secret, salt string) []byte {
	sum := sha256.Sum256([]byte(secret + salt))
	return sum[:]
}
