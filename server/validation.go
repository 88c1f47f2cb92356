package server

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	// MaxRedirectURILength bounds redirect URIs to prevent storage abuse
	MaxRedirectURILength = 2048

	// MaxStateLength bounds the client state parameter
	MaxStateLength = 512

	// MinCodeVerifierLength per RFC 7636 Section 4.1
	MinCodeVerifierLength = 43
	// MaxCodeVerifierLength per RFC 7636 Section 4.1
	MaxCodeVerifierLength = 128

	// PKCEMethodS256 is the only accepted code_challenge_method
	PKCEMethodS256 = "S256"
)

// ValidateRedirectURIFormat checks the structural rules for a redirect URI:
// absolute http/https URL, no fragment, bounded length. In production mode
// plain HTTP is only accepted for loopback addresses (RFC 8252 Section 8.3).
func ValidateRedirectURIFormat(uri string, productionMode bool) error {
	if uri == "" {
		return fmt.Errorf("redirect URI is required")
	}
	if len(uri) > MaxRedirectURILength {
		return fmt.Errorf("redirect URI exceeds maximum length of %d characters", MaxRedirectURILength)
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("redirect URI scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("redirect URI must be an absolute URL with a host")
	}
	// Fragments are forbidden by RFC 6749 Section 3.1.2
	if parsed.Fragment != "" || strings.Contains(uri, "#") {
		return fmt.Errorf("redirect URI must not contain a fragment")
	}

	if productionMode && parsed.Scheme == "http" && !isLoopbackHost(parsed.Hostname()) {
		return fmt.Errorf("redirect URI must use HTTPS outside loopback addresses")
	}

	return nil
}

// isLoopbackHost reports whether the host is localhost or a loopback IP
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateRedirectURIRegistered checks the URI against the client's active
// registered URIs. Matching is exact string comparison: no prefix, wildcard,
// or normalization tricks (open-redirect prevention).
func (s *Server) validateRedirectURIRegistered(ctx context.Context, clientID, uri string) error {
	registered, err := s.clientStore.ListActiveRedirectURIs(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to load registered redirect URIs: %w", err)
	}

	for _, r := range registered {
		if r.URI == uri {
			return nil
		}
	}
	return fmt.Errorf("redirect URI is not registered for this client")
}

// validateScopes checks that every requested scope token is supported.
// An empty SupportedScopes list allows any scope.
func (s *Server) validateScopes(requested string) error {
	if requested == "" || len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	supported := make(map[string]bool, len(s.Config.SupportedScopes))
	for _, sc := range s.Config.SupportedScopes {
		supported[sc] = true
	}

	for _, sc := range strings.Fields(requested) {
		if !supported[sc] {
			return fmt.Errorf("unsupported scope requested")
		}
	}
	return nil
}

// isScopeSubset reports whether every scope token in requested was granted.
// Used to enforce that refreshed tokens can only narrow scope, never widen it.
func isScopeSubset(requested, granted string) bool {
	grantedSet := make(map[string]bool)
	for _, sc := range strings.Fields(granted) {
		grantedSet[sc] = true
	}
	for _, sc := range strings.Fields(requested) {
		if !grantedSet[sc] {
			return false
		}
	}
	return true
}

// HasScope reports whether a space-delimited scope string contains the
// required scope token.
func HasScope(scope, required string) bool {
	for _, sc := range strings.Fields(scope) {
		if sc == required {
			return true
		}
	}
	return false
}

// validateStateParameter enforces presence and a length bound on the client
// state used for CSRF protection.
func validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required for CSRF protection")
	}
	if len(state) > MaxStateLength {
		return fmt.Errorf("state parameter exceeds maximum length of %d characters", MaxStateLength)
	}
	return nil
}

// validatePKCEParams validates a code challenge and method at authorization
// time. Only S256 is accepted; the challenge must be a valid base64url string
// of SHA-256 length (RFC 7636 Section 4.2).
func validatePKCEParams(codeChallenge, codeChallengeMethod string) error {
	if codeChallengeMethod != PKCEMethodS256 {
		return fmt.Errorf("code_challenge_method must be S256")
	}
	// base64url(SHA-256) without padding is exactly 43 characters
	if len(codeChallenge) != 43 {
		return fmt.Errorf("code_challenge must be 43 characters (base64url-encoded SHA-256)")
	}
	if !isBase64URLString(codeChallenge) {
		return fmt.Errorf("code_challenge contains invalid characters")
	}
	return nil
}

// validateCodeVerifierFormat checks the verifier's length and charset per
// RFC 7636 Section 4.1 before any hashing work is done.
func validateCodeVerifierFormat(verifier string) error {
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for _, c := range verifier {
		// unreserved characters: ALPHA / DIGIT / "-" / "." / "_" / "~"
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~') {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}
	return nil
}

func isBase64URLString(s string) bool {
	for _, c := range s {
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_') {
			return false
		}
	}
	return true
}
