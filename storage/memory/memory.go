// Package memory provides an in-memory implementation of all storage
// interfaces. It is the reference implementation used in development and
// tests; production deployments use storage/postgres or storage/valkey.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/habitflow/oauthd/instrumentation"
	"github.com/habitflow/oauthd/internal/util"
	"github.com/habitflow/oauthd/storage"
)

const (
	// defaultCleanupInterval is how often the background sweep runs
	defaultCleanupInterval = 1 * time.Minute

	// usedCodeRetention keeps consumed codes around after expiry so a late
	// replay is still recognized as reuse rather than "not found"
	usedCodeRetention = 10 * time.Minute

	// tokenIDLogLength is the number of characters logged for codes and hashes
	tokenIDLogLength = 8
)

type windowEntry struct {
	count     int64
	expiresAt time.Time
}

// Store is an in-memory implementation of ClientStore, FlowStore, TokenStore,
// RateLimitStore, and AuditLogStore.
type Store struct {
	mu sync.RWMutex

	clients         map[string]*storage.Client        // client_id -> client
	redirectURIs    map[string][]*storage.RedirectURI // client_id -> URIs
	codes           map[string]*storage.AuthorizationCode
	tokens          map[string]*storage.Token // token_hash -> token
	windows         map[string]*windowEntry   // identifier|endpoint|window -> count
	auditLog        []*storage.AuditEntry
	registrationIPs map[string]int // ip -> clients registered

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Compile-time interface checks
var (
	_ storage.ClientStore    = (*Store)(nil)
	_ storage.FlowStore      = (*Store)(nil)
	_ storage.TokenStore     = (*Store)(nil)
	_ storage.RateLimitStore = (*Store)(nil)
	_ storage.AuditLogStore  = (*Store)(nil)
)

// New creates a new in-memory store with a background cleanup goroutine.
// Call Close when done to release the goroutine.
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a store with a custom cleanup interval.
// An interval <= 0 disables background cleanup (useful in tests).
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		redirectURIs:    make(map[string][]*storage.RedirectURI),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.Token),
		windows:         make(map[string]*windowEntry),
		registrationIPs: make(map[string]int),
		logger:          slog.Default(),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// SetLogger sets the structured logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables metrics and tracing for storage operations
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage/memory")
	}
}

// Close stops the background cleanup goroutine
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ==================== ClientStore ====================

// SaveClient persists a registered client application
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startSpan(ctx, "save_client")
	start := time.Now()

	s.mu.Lock()
	c := *client
	s.clients[client.ClientID] = &c
	s.mu.Unlock()

	s.record(ctx, span, "save_client", nil, start)
	return nil
}

// GetClient retrieves a client by its public client_id
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "get_client")
	start := time.Now()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, util.SafeTruncate(clientID, tokenIDLogLength))
		s.record(ctx, span, "get_client", err, start)
		return nil, err
	}

	c := *client
	s.record(ctx, span, "get_client", nil, start)
	return &c, nil
}

// ListClientsByOwner lists all clients owned by a user
func (s *Store) ListClientsByOwner(ctx context.Context, ownerUserID string) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Client
	for _, client := range s.clients {
		if client.OwnerUserID == ownerUserID {
			c := *client
			out = append(out, &c)
		}
	}
	return out, nil
}

// UpdateClientSecret replaces the stored secret hash and salt
func (s *Store) UpdateClientSecret(ctx context.Context, clientID, secretHash, secretSalt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, util.SafeTruncate(clientID, tokenIDLogLength))
	}
	client.ClientSecretHash = secretHash
	client.ClientSecretSalt = secretSalt
	client.UpdatedAt = time.Now()
	return nil
}

// DeleteClient removes a client and its redirect URIs
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, util.SafeTruncate(clientID, tokenIDLogLength))
	}
	delete(s.clients, clientID)
	delete(s.redirectURIs, clientID)
	return nil
}

// SaveRedirectURI adds a redirect URI for a client, enforcing the active cap
func (s *Store) SaveRedirectURI(ctx context.Context, uri *storage.RedirectURI) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[uri.ClientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, util.SafeTruncate(uri.ClientID, tokenIDLogLength))
	}

	active := 0
	for _, existing := range s.redirectURIs[uri.ClientID] {
		if existing.Active {
			active++
		}
	}
	if uri.Active && active >= storage.MaxActiveRedirectURIs {
		return fmt.Errorf("%w: client %s", storage.ErrRedirectURILimit, util.SafeTruncate(uri.ClientID, tokenIDLogLength))
	}

	u := *uri
	s.redirectURIs[uri.ClientID] = append(s.redirectURIs[uri.ClientID], &u)
	return nil
}

// ListActiveRedirectURIs lists the active redirect URIs for a client
func (s *Store) ListActiveRedirectURIs(ctx context.Context, clientID string) ([]*storage.RedirectURI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.RedirectURI
	for _, uri := range s.redirectURIs[clientID] {
		if uri.Active {
			u := *uri
			out = append(out, &u)
		}
	}
	return out, nil
}

// DeactivateRedirectURI marks a redirect URI inactive
func (s *Store) DeactivateRedirectURI(ctx context.Context, clientID, uriID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, uri := range s.redirectURIs[clientID] {
		if uri.ID == uriID {
			uri.Active = false
			return nil
		}
	}
	return fmt.Errorf("%w: %s", storage.ErrRedirectURINotFound, uriID)
}

// CheckRegistrationIPLimit checks if an IP has reached the registration limit
func (s *Store) CheckRegistrationIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	s.mu.RLock()
	count := s.registrationIPs[ip]
	s.mu.RUnlock()

	if count >= maxClientsPerIP {
		return fmt.Errorf("%w: %s", storage.ErrRegistrationLimitExceeded, ip)
	}
	return nil
}

// TrackRegistrationIP records a successful registration from an IP
func (s *Store) TrackRegistrationIP(ctx context.Context, ip string) error {
	s.mu.Lock()
	s.registrationIPs[ip]++
	s.mu.Unlock()
	return nil
}

// ==================== FlowStore ====================

// SaveAuthorizationCode persists an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startSpan(ctx, "save_authorization_code")
	start := time.Now()

	s.mu.Lock()
	c := *code
	s.codes[code.Code] = &c
	s.mu.Unlock()

	s.record(ctx, span, "save_authorization_code", nil, start)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	c := *authCode
	return &c, nil
}

// ConsumeAuthorizationCode atomically marks an unused code as used.
// The write lock makes check-and-set a single step: of N concurrent callers
// exactly one observes Used=false.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "consume_authorization_code")
	start := time.Now()

	s.mu.Lock()
	authCode, ok := s.codes[code]
	if !ok {
		s.mu.Unlock()
		err := storage.ErrAuthorizationCodeNotFound
		s.record(ctx, span, "consume_authorization_code", err, start)
		return nil, err
	}

	// Codes expire at the exact deadline; clock-skew grace applies to token
	// validation, not to single-use codes.
	if time.Now().After(authCode.ExpiresAt) {
		s.mu.Unlock()
		err := storage.ErrAuthorizationCodeExpired
		s.record(ctx, span, "consume_authorization_code", err, start)
		return nil, err
	}

	if authCode.Used {
		// Return the original record so the caller can audit the reuse
		// attempt with the first consumption's timestamp and identity.
		c := *authCode
		s.mu.Unlock()
		err := storage.ErrAuthorizationCodeUsed
		s.record(ctx, span, "consume_authorization_code", err, start)
		return &c, err
	}

	authCode.Used = true
	authCode.UsedAt = time.Now()
	c := *authCode
	s.mu.Unlock()

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	s.record(ctx, span, "consume_authorization_code", nil, start)
	return &c, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	delete(s.codes, code)
	s.mu.Unlock()
	return nil
}

// DeleteCodesForClient removes all codes bound to a client
func (s *Store) DeleteCodesForClient(ctx context.Context, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, authCode := range s.codes {
		if authCode.ClientID == clientID {
			delete(s.codes, code)
			removed++
		}
	}
	return removed, nil
}

// ==================== TokenStore ====================

// SaveToken persists a token record
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startSpan(ctx, "save_token")
	start := time.Now()

	s.mu.Lock()
	t := *token
	s.tokens[token.TokenHash] = &t
	s.mu.Unlock()

	s.record(ctx, span, "save_token", nil, start)
	return nil
}

// GetTokenByHash retrieves a token record by hash
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, "get_token")
	start := time.Now()

	s.mu.RLock()
	token, ok := s.tokens[tokenHash]
	s.mu.RUnlock()

	var err error
	if !ok {
		err = storage.ErrTokenNotFound
		s.record(ctx, span, "get_token", err, start)
		return nil, err
	}

	t := *token
	s.record(ctx, span, "get_token", nil, start)
	return &t, nil
}

// TouchToken updates last_used_at for a token
func (s *Store) TouchToken(ctx context.Context, tokenHash string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenHash]
	if !ok {
		return storage.ErrTokenNotFound
	}
	token.LastUsedAt = usedAt
	return nil
}

// RevokeToken marks a single token revoked
func (s *Store) RevokeToken(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenHash]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if token.RevokedAt.IsZero() {
		token.RevokedAt = time.Now()
	}
	return nil
}

// RevokeTokensForClient revokes every live token bound to a client
func (s *Store) RevokeTokensForClient(ctx context.Context, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	revoked := 0
	for _, token := range s.tokens {
		if token.ClientID == clientID && token.RevokedAt.IsZero() {
			token.RevokedAt = now
			revoked++
		}
	}
	return revoked, nil
}

// RevokeTokensForUserClient revokes every live token for a user+client pair
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	revoked := 0
	for _, token := range s.tokens {
		if token.UserID == userID && token.ClientID == clientID && token.RevokedAt.IsZero() {
			token.RevokedAt = now
			revoked++
		}
	}
	return revoked, nil
}

// ==================== RateLimitStore ====================

func windowKey(identifier, endpoint string, windowStart time.Time) string {
	return fmt.Sprintf("%s|%s|%d", identifier, endpoint, windowStart.Unix())
}

// GetWindowCount reads the request count for a window without incrementing
func (s *Store) GetWindowCount(ctx context.Context, identifier, endpoint string, windowStart time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.windows[windowKey(identifier, endpoint, windowStart)]
	if !ok {
		return 0, nil
	}
	return entry.count, nil
}

// IncrementWindow upserts the window record and increments its count
func (s *Store) IncrementWindow(ctx context.Context, identifier, endpoint string, windowStart time.Time, ttl time.Duration) (int64, error) {
	key := windowKey(identifier, endpoint, windowStart)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.windows[key]
	if !ok {
		entry = &windowEntry{expiresAt: time.Now().Add(ttl)}
		s.windows[key] = entry
	}
	entry.count++
	return entry.count, nil
}

// ==================== AuditLogStore ====================

// LatestAuditEntry returns the most recently appended entry, or nil when empty
func (s *Store) LatestAuditEntry(ctx context.Context) (*storage.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.auditLog) == 0 {
		return nil, nil
	}
	e := *s.auditLog[len(s.auditLog)-1]
	return &e, nil
}

// AppendAuditEntry appends an entry, enforcing chain continuity
func (s *Store) AppendAuditEntry(ctx context.Context, entry *storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentHash := ""
	if len(s.auditLog) > 0 {
		currentHash = s.auditLog[len(s.auditLog)-1].LogHash
	}
	if entry.PrevLogHash != currentHash {
		return storage.ErrAuditChainConflict
	}

	e := *entry
	s.auditLog = append(s.auditLog, &e)
	return nil
}

// ListAuditEntries returns entries in append order, oldest first
func (s *Store) ListAuditEntries(ctx context.Context, limit int) ([]*storage.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.auditLog)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]*storage.AuditEntry, 0, n)
	for _, entry := range s.auditLog[:n] {
		e := *entry
		out = append(out, &e)
	}
	return out, nil
}

// ==================== Cleanup ====================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired codes (after the reuse-detection retention), dead
// tokens, and stale rate-limit windows.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removedCodes := 0
	for code, authCode := range s.codes {
		if now.After(authCode.ExpiresAt.Add(usedCodeRetention)) {
			delete(s.codes, code)
			removedCodes++
		}
	}

	removedTokens := 0
	for hash, token := range s.tokens {
		if !token.ExpiresAt.IsZero() && now.After(token.ExpiresAt) {
			delete(s.tokens, hash)
			removedTokens++
		}
	}

	removedWindows := 0
	for key, entry := range s.windows {
		if now.After(entry.expiresAt) {
			delete(s.windows, key)
			removedWindows++
		}
	}

	if removedCodes > 0 || removedTokens > 0 || removedWindows > 0 {
		s.logger.Debug("Storage cleanup completed",
			"codes", removedCodes,
			"tokens", removedTokens,
			"rate_windows", removedWindows)
	}
}

// ==================== Instrumentation helpers ====================

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation)
}

func (s *Store) record(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		if s.tracer != nil {
			span.End()
		}
	}
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
}
