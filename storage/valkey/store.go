package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/habitflow/oauthd/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauthd:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// usedCodeRetention keeps consumed codes around after expiry so a late
	// duplicate exchange is still classified as reuse rather than not-found
	usedCodeRetention = 10 * time.Minute

	// registrationIPTrackingTTL is how long per-IP registration counters live
	registrationIPTrackingTTL = 24 * time.Hour

	// MaxIDLength is the maximum allowed length for identifiers (userID, clientID, hashes)
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauthd:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It implements ClientStore, FlowStore, TokenStore, RateLimitStore, and
// AuditLogStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore    = (*Store)(nil)
	_ storage.FlowStore      = (*Store)(nil)
	_ storage.TokenStore     = (*Store)(nil)
	_ storage.RateLimitStore = (*Store)(nil)
	_ storage.AuditLogStore  = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// ownerKey returns the set of client IDs owned by a user: {prefix}owner:{userID}
func (s *Store) ownerKey(ownerUserID string) string {
	return fmt.Sprintf("%sowner:%s", s.prefix, ownerUserID)
}

// redirectURIKey returns the hash of redirect URIs for a client: {prefix}redirect:{clientID}
func (s *Store) redirectURIKey(clientID string) string {
	return fmt.Sprintf("%sredirect:%s", s.prefix, clientID)
}

// registrationIPKey returns the key for registration IP tracking: {prefix}regip:{ip}
func (s *Store) registrationIPKey(ip string) string {
	return fmt.Sprintf("%sregip:%s", s.prefix, ip)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// clientCodesKey returns the set of codes issued to a client: {prefix}codes:client:{clientID}
func (s *Store) clientCodesKey(clientID string) string {
	return fmt.Sprintf("%scodes:client:%s", s.prefix, clientID)
}

// tokenKey returns the key for a token record: {prefix}token:{tokenHash}
func (s *Store) tokenKey(tokenHash string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, tokenHash)
}

// clientTokensKey returns the set of token hashes for a client: {prefix}tokens:client:{clientID}
func (s *Store) clientTokensKey(clientID string) string {
	return fmt.Sprintf("%stokens:client:%s", s.prefix, clientID)
}

// userClientTokensKey returns the set of token hashes for a user+client pair
func (s *Store) userClientTokensKey(userID, clientID string) string {
	return fmt.Sprintf("%stokens:userclient:%s:%s", s.prefix, userID, clientID)
}

// rateLimitKey returns the key for a fixed-window counter
func (s *Store) rateLimitKey(identifier, endpoint string, windowStart time.Time) string {
	return fmt.Sprintf("%sratelimit:%s:%s:%d", s.prefix, identifier, endpoint, windowStart.Unix())
}

// auditLogKey returns the key of the audit log list
func (s *Store) auditLogKey() string {
	return s.prefix + "audit:log"
}

// auditHeadKey returns the key holding the hash of the latest audit entry
func (s *Store) auditHeadKey() string {
	return s.prefix + "audit:head"
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These Lua scripts provide atomic operations for security-critical flows.
// Using Lua ensures atomicity in Valkey/Redis, preventing race conditions
// that could lead to code replay or a forked audit chain.

// luaConsumeAuthorizationCode atomically checks that an authorization code is
// unused and marks it as used. Only ONE concurrent request can succeed; any
// concurrent attempt to use the same code receives "ALREADY_USED".
//
// KEYS[1] = code key (e.g., "oauthd:code:abc123")
// ARGV[1] = current Unix timestamp in seconds (for expiry check)
// ARGV[2] = used_at Unix timestamp in seconds
//
// Returns:
//   - Original JSON data if the code was unused and successfully marked
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if the code has expired (ARGV[1] > code.expires_at)
//   - "ALREADY_USED:<json>" if the code was already used (data returned for forensics)
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt and not code.used then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
code.used_at = tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaAppendAuditEntry appends an audit entry only when the caller's view of
// the chain head is still current, keeping the hash chain linear under
// concurrent writers.
//
// KEYS[1] = audit head key (hash of the latest entry, '' when the log is empty)
// KEYS[2] = audit log list key
// ARGV[1] = expected previous log hash
// ARGV[2] = new entry's log hash
// ARGV[3] = serialized entry JSON
//
// Returns "OK" on success, "CONFLICT" when a concurrent append won the race.
const luaAppendAuditEntry = `
local head = redis.call('GET', KEYS[1])
if not head then
    head = ''
end

if head ~= ARGV[1] then
    return 'CONFLICT'
end

redis.call('SET', KEYS[1], ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[3])

return 'OK'
`

// luaRevokeTokenSet marks every live token hash in a set as revoked.
// Expired or deleted token keys are skipped.
//
// KEYS[1] = set of token hashes (without key prefix applied to members)
// ARGV[1] = key prefix for token records
// ARGV[2] = revoked_at Unix timestamp in seconds
//
// Returns the number of tokens newly revoked.
const luaRevokeTokenSet = `
local hashes = redis.call('SMEMBERS', KEYS[1])
local revoked = 0

for _, hash in ipairs(hashes) do
    local key = ARGV[1] .. 'token:' .. hash
    local data = redis.call('GET', key)
    if data then
        local token = cjson.decode(data)
        if not token.revoked_at or token.revoked_at == 0 then
            token.revoked_at = tonumber(ARGV[2])
            redis.call('SET', key, cjson.encode(token), 'KEEPTTL')
            revoked = revoked + 1
        end
    else
        redis.call('SREM', KEYS[1], hash)
    end
end

return revoked
`

// ============================================================
// JSON Serialization Helpers
// ============================================================

// clientJSON is the JSON representation of a registered client
type clientJSON struct {
	ID               string `json:"id"`
	OwnerUserID      string `json:"owner_user_id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	ClientID         string `json:"client_id"`
	ClientSecretHash string `json:"client_secret_hash,omitempty"`
	ClientSecretSalt string `json:"client_secret_salt,omitempty"`
	ClientType       string `json:"client_type"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ID:               client.ID,
		OwnerUserID:      client.OwnerUserID,
		Name:             client.Name,
		Description:      client.Description,
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientSecretSalt: client.ClientSecretSalt,
		ClientType:       client.ClientType,
		CreatedAt:        client.CreatedAt.Unix(),
		UpdatedAt:        client.UpdatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ID:               j.ID,
		OwnerUserID:      j.OwnerUserID,
		Name:             j.Name,
		Description:      j.Description,
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientSecretSalt: j.ClientSecretSalt,
		ClientType:       j.ClientType,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
		UpdatedAt:        time.Unix(j.UpdatedAt, 0),
	}
}

// redirectURIJSON is the JSON representation of a registered redirect URI
type redirectURIJSON struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	URI       string `json:"uri"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
}

func toRedirectURIJSON(uri *storage.RedirectURI) *redirectURIJSON {
	return &redirectURIJSON{
		ID:        uri.ID,
		ClientID:  uri.ClientID,
		URI:       uri.URI,
		Active:    uri.Active,
		CreatedAt: uri.CreatedAt.Unix(),
	}
}

func fromRedirectURIJSON(j *redirectURIJSON) *storage.RedirectURI {
	if j == nil {
		return nil
	}
	return &storage.RedirectURI{
		ID:        j.ID,
		ClientID:  j.ClientID,
		URI:       j.URI,
		Active:    j.Active,
		CreatedAt: time.Unix(j.CreatedAt, 0),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	ID                  string `json:"id"`
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
	UsedAt              int64  `json:"used_at,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	j := &authorizationCodeJSON{
		ID:                  code.ID,
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
	if !code.UsedAt.IsZero() {
		j.UsedAt = code.UsedAt.Unix()
	}
	return j
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	code := &storage.AuthorizationCode{
		ID:                  j.ID,
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
	if j.UsedAt > 0 {
		code.UsedAt = time.Unix(j.UsedAt, 0)
	}
	return code
}

// tokenJSON is the JSON representation of a persisted token record
type tokenJSON struct {
	ID         string `json:"id"`
	TokenHash  string `json:"token_hash"`
	TokenType  string `json:"token_type"`
	ClientID   string `json:"client_id"`
	UserID     string `json:"user_id"`
	Scope      string `json:"scope,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
	RevokedAt  int64  `json:"revoked_at,omitempty"`
	LastUsedAt int64  `json:"last_used_at,omitempty"`
}

func toTokenJSON(token *storage.Token) *tokenJSON {
	j := &tokenJSON{
		ID:        token.ID,
		TokenHash: token.TokenHash,
		TokenType: token.TokenType,
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scope:     token.Scope,
		CreatedAt: token.CreatedAt.Unix(),
		ExpiresAt: token.ExpiresAt.Unix(),
	}
	if !token.RevokedAt.IsZero() {
		j.RevokedAt = token.RevokedAt.Unix()
	}
	if !token.LastUsedAt.IsZero() {
		j.LastUsedAt = token.LastUsedAt.Unix()
	}
	return j
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	if j == nil {
		return nil
	}
	token := &storage.Token{
		ID:        j.ID,
		TokenHash: j.TokenHash,
		TokenType: j.TokenType,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scope:     j.Scope,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
	if j.RevokedAt > 0 {
		token.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	if j.LastUsedAt > 0 {
		token.LastUsedAt = time.Unix(j.LastUsedAt, 0)
	}
	return token
}

// auditEntryJSON is the JSON representation of an audit log entry
type auditEntryJSON struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Action        string `json:"action"`
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgentHash string `json:"user_agent_hash,omitempty"`
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"error_message,omitempty"`
	LogHash       string `json:"log_hash"`
	PrevLogHash   string `json:"prev_log_hash,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

func toAuditEntryJSON(entry *storage.AuditEntry) *auditEntryJSON {
	return &auditEntryJSON{
		ID:            entry.ID,
		ClientID:      entry.ClientID,
		UserID:        entry.UserID,
		Action:        entry.Action,
		IPAddress:     entry.IPAddress,
		UserAgentHash: entry.UserAgentHash,
		Success:       entry.Success,
		ErrorMessage:  entry.ErrorMessage,
		LogHash:       entry.LogHash,
		PrevLogHash:   entry.PrevLogHash,
		CreatedAt:     entry.CreatedAt.UnixNano(),
	}
}

func fromAuditEntryJSON(j *auditEntryJSON) *storage.AuditEntry {
	if j == nil {
		return nil
	}
	return &storage.AuditEntry{
		ID:            j.ID,
		ClientID:      j.ClientID,
		UserID:        j.UserID,
		Action:        j.Action,
		IPAddress:     j.IPAddress,
		UserAgentHash: j.UserAgentHash,
		Success:       j.Success,
		ErrorMessage:  j.ErrorMessage,
		LogHash:       j.LogHash,
		PrevLogHash:   j.PrevLogHash,
		CreatedAt:     time.Unix(0, j.CreatedAt),
	}
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
