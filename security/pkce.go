package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE code challenge methods (RFC 7636). Only S256 is accepted for
// verification; "plain" is rejected everywhere.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// GeneratePKCEVerifier generates a new code_verifier: 256 bits of randomness
// encoded as a 43-character URL-safe base64 string without padding.
// Provided for client-side use and tests; the server only verifies.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// PKCEChallenge computes the S256 code_challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks a code_verifier against the stored challenge per RFC 7636.
// Only the S256 method is accepted; any other method fails closed.
// The comparison is constant-time to prevent side-channel leaks.
func VerifyPKCE(challenge, method, verifier string) error {
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %q (only S256 is accepted)", method)
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	computed := PKCEChallenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
