// Package storage defines interfaces for persisting OAuth clients, authorization
// codes, tokens, rate-limit counters, and the audit log.
// It supports various backend implementations including in-memory, SQL, and Valkey.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations.
// Callers use errors.Is to branch on these; the HTTP layer maps them all
// to generic OAuth error responses so the distinction is never leaked.
var (
	// ErrClientNotFound indicates no client is registered under the given client_id
	ErrClientNotFound = errors.New("client not found")

	// ErrRedirectURINotFound indicates the redirect URI does not exist for the client
	ErrRedirectURINotFound = errors.New("redirect URI not found")

	// ErrRedirectURILimit indicates the client already has the maximum number of active redirect URIs
	ErrRedirectURILimit = errors.New("redirect URI limit reached")

	// ErrAuthorizationCodeNotFound indicates the authorization code does not exist
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed indicates the authorization code was already consumed.
	// ConsumeAuthorizationCode returns the original code record alongside this
	// error so reuse attempts can be audited with forensic context.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrAuthorizationCodeExpired indicates the authorization code is past its TTL
	ErrAuthorizationCodeExpired = errors.New("authorization code expired")

	// ErrTokenNotFound indicates no token exists for the presented hash
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates the token was explicitly revoked
	ErrTokenRevoked = errors.New("token revoked")

	// ErrAuditChainConflict indicates a concurrent writer appended an audit
	// entry between reading the latest hash and writing the new entry.
	// The auditor retries the append with a fresh previous hash.
	ErrAuditChainConflict = errors.New("audit chain conflict")

	// ErrRegistrationLimitExceeded indicates an IP has registered too many clients
	ErrRegistrationLimitExceeded = errors.New("client registration limit exceeded for IP")
)

// ClientStore manages registered client applications and their redirect URIs.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a registered client application
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by its public client_id
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClientsByOwner lists all clients owned by a user
	ListClientsByOwner(ctx context.Context, ownerUserID string) ([]*Client, error)

	// UpdateClientSecret replaces the stored secret hash and salt for a client.
	// Token revocation on rotation is the caller's responsibility.
	UpdateClientSecret(ctx context.Context, clientID, secretHash, secretSalt string) error

	// DeleteClient removes a client and cascades to its redirect URIs.
	// Token and code revocation is the caller's responsibility.
	DeleteClient(ctx context.Context, clientID string) error

	// SaveRedirectURI adds a redirect URI for a client.
	// Implementations enforce the active-URI cap and return ErrRedirectURILimit.
	SaveRedirectURI(ctx context.Context, uri *RedirectURI) error

	// ListActiveRedirectURIs lists the active redirect URIs for a client
	ListActiveRedirectURIs(ctx context.Context, clientID string) ([]*RedirectURI, error)

	// DeactivateRedirectURI marks a redirect URI inactive
	DeactivateRedirectURI(ctx context.Context, clientID, uriID string) error

	// CheckRegistrationIPLimit checks if an IP has reached the client registration limit
	CheckRegistrationIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error

	// TrackRegistrationIP records a successful registration from an IP
	TrackRegistrationIP(ctx context.Context, ip string) error
}

// FlowStore manages issued authorization codes.
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SaveAuthorizationCode persists an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically marks an unused code as used and
	// returns it. The implementation MUST perform a single conditional write
	// ("mark used where unused"), never a read-then-write pair, so that of N
	// concurrent consumers exactly one succeeds.
	// Errors:
	//   - ErrAuthorizationCodeNotFound: no such code
	//   - ErrAuthorizationCodeExpired: code past its TTL (not claimed)
	//   - ErrAuthorizationCodeUsed: already consumed; the original record is
	//     returned alongside the error for reuse forensics
	// SECURITY: This operation MUST be atomic to prevent concurrent code exchange attacks.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error

	// DeleteCodesForClient removes all codes bound to a client (rotation/deletion
	// cascade). Returns the number of codes removed.
	DeleteCodesForClient(ctx context.Context, clientID string) (int, error)
}

// TokenStore manages access and refresh tokens. Tokens are persisted only as
// SHA-256 hashes; the plaintext never reaches the store.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken persists a token record
	SaveToken(ctx context.Context, token *Token) error

	// GetTokenByHash retrieves a token record by the hash of the presented token
	GetTokenByHash(ctx context.Context, tokenHash string) (*Token, error)

	// TouchToken updates last_used_at for a token. Best effort.
	TouchToken(ctx context.Context, tokenHash string, usedAt time.Time) error

	// RevokeToken marks a single token revoked
	RevokeToken(ctx context.Context, tokenHash string) error

	// RevokeTokensForClient revokes every live token bound to a client.
	// Called on secret rotation and client deletion. Returns the count revoked.
	RevokeTokensForClient(ctx context.Context, clientID string) (int, error)

	// RevokeTokensForUserClient revokes every live token for a user+client pair.
	// Called when authorization code reuse is detected. Returns the count revoked.
	RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// RateLimitStore persists fixed-window request counters.
// One record exists per (identifier, endpoint, window). A lost increment under
// contention degrades the limit to approximate, which is acceptable.
type RateLimitStore interface {
	// GetWindowCount reads the request count for the given window without incrementing
	GetWindowCount(ctx context.Context, identifier, endpoint string, windowStart time.Time) (int64, error)

	// IncrementWindow upserts the window record and increments its count,
	// returning the new count. ttl bounds how long the record is retained.
	IncrementWindow(ctx context.Context, identifier, endpoint string, windowStart time.Time, ttl time.Duration) (int64, error)
}

// AuditLogStore persists the hash-chained security event log.
type AuditLogStore interface {
	// LatestAuditEntry returns the most recently appended entry, or nil if the
	// log is empty.
	LatestAuditEntry(ctx context.Context) (*AuditEntry, error)

	// AppendAuditEntry appends an entry whose PrevLogHash must equal the
	// current latest entry's LogHash (empty for the first entry ever written).
	// Returns ErrAuditChainConflict when a concurrent append won the race.
	AppendAuditEntry(ctx context.Context, entry *AuditEntry) error

	// ListAuditEntries returns entries in append order, oldest first.
	// limit <= 0 returns the full log.
	ListAuditEntries(ctx context.Context, limit int) ([]*AuditEntry, error)
}

// Client represents a registered client application
type Client struct {
	ID               string // row identity (UUID)
	OwnerUserID      string
	Name             string
	Description      string
	ClientID         string // public identifier, URL-safe, 128-bit entropy
	ClientSecretHash string // bcrypt hash, confidential clients only
	ClientSecretSalt string // per-record salt, confidential clients only
	ClientType       string // "public" or "confidential"
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MaxActiveRedirectURIs caps the number of active redirect URIs per client.
const MaxActiveRedirectURIs = 10

// RedirectURI represents a registered callback URL for a client
type RedirectURI struct {
	ID        string // row identity (UUID)
	ClientID  string // owning client's public client_id
	URI       string // absolute URL, exact-match at exchange time
	Active    bool
	CreatedAt time.Time
}

// AuthorizationCode represents an issued one-time authorization code
type AuthorizationCode struct {
	ID                  string // row identity (UUID)
	Code                string // 256-bit entropy, URL-safe
	ClientID            string
	UserID              string
	RedirectURI         string // snapshot at issuance
	Scope               string
	CodeChallenge       string // empty when issued without PKCE
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
	UsedAt              time.Time // zero until consumed
}

// Token type constants
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Token represents a persisted access or refresh token. Only the SHA-256
// hash of the plaintext is stored.
type Token struct {
	ID         string // row identity (UUID)
	TokenHash  string
	TokenType  string // "access" or "refresh"
	ClientID   string
	UserID     string
	Scope      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  time.Time // zero while live
	LastUsedAt time.Time
}

// Revoked reports whether the token has been explicitly revoked.
func (t *Token) Revoked() bool {
	return !t.RevokedAt.IsZero()
}

// RateLimitWindow represents one fixed-window counter record
type RateLimitWindow struct {
	Identifier  string // e.g. "ip:1.2.3.4" or "client:<id>"
	Endpoint    string
	WindowStart time.Time
	Count       int64
}

// AuditEntry represents one entry of the hash-chained security event log.
// LogHash covers the entry's own fields plus PrevLogHash, so recomputing the
// chain from the first entry detects any tampering.
type AuditEntry struct {
	ID            string // row identity (UUID)
	ClientID      string // empty when not attributable
	UserID        string // empty when not attributable
	Action        string
	IPAddress     string
	UserAgentHash string // SHA-256 of the user agent, never the raw value
	Success       bool
	ErrorMessage  string
	LogHash       string
	PrevLogHash   string // empty only for the first entry ever written
	CreatedAt     time.Time
}
