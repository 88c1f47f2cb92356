package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/habitflow/oauthd/security"
	"github.com/habitflow/oauthd/storage"
)

// OAuth 2.0 error codes from RFC 6749.
// Note: These are intentionally duplicated from the root package to avoid
// circular imports (the root package imports server; server cannot import
// the root). Keep these in sync with the root errors.go.
const (
	ErrorCodeInvalidClient      = "invalid_client"
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeInvalidRedirectURI = "invalid_redirect_uri"
	ErrorCodeInvalidScope       = "invalid_scope"
	ErrorCodeInvalidGrant       = "invalid_grant"
	ErrorCodeInvalidToken       = "invalid_token"
	ErrorCodeInsufficientScope  = "insufficient_scope"
)

// AuthorizationRequest carries the validated-at-the-edge parameters of a
// GET /authorize request plus the authenticated resource owner.
type AuthorizationRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	IPAddress string
	UserAgent string
}

// ExchangeRequest carries the parameters of an authorization_code token
// request. The client itself is authenticated separately and passed in.
type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string

	IPAddress string
	UserAgent string
}

// TokenGrant is a minted access/refresh token pair
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string // always "Bearer"
	ExpiresIn    int64  // access token lifetime in seconds
	Scope        string
}

// IssueAuthorizationCode validates an authorization request and issues a
// short-lived single-use code bound to the client, user, redirect URI, scope,
// and PKCE challenge. Called after the resource owner has approved consent.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req AuthorizationRequest) (string, error) {
	if err := validateStateParameter(req.State); err != nil {
		s.auditFlowFailure(ctx, req, "missing_state_parameter")
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.auditFlowFailure(ctx, req, "unknown_client")
			return "", errInvalidClient()
		}
		return "", fmt.Errorf("failed to load client: %w", err)
	}

	if err := ValidateRedirectURIFormat(req.RedirectURI, s.Config.ProductionMode); err != nil {
		s.auditInvalidRedirectURI(ctx, req, err)
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidRedirectURI, err)
	}
	if err := s.validateRedirectURIRegistered(ctx, req.ClientID, req.RedirectURI); err != nil {
		s.auditInvalidRedirectURI(ctx, req, err)
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidRedirectURI, err)
	}

	if err := s.validateScopes(req.Scope); err != nil {
		s.auditFlowFailure(ctx, req, "unsupported_scope")
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
	}

	// PKCE: mandatory for public clients, verified-when-present for
	// confidential clients.
	hasPKCE := req.CodeChallenge != "" || req.CodeChallengeMethod != ""
	if client.ClientType == ClientTypePublic && !hasPKCE {
		s.auditFlowFailure(ctx, req, "missing_pkce_parameters")
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		}
		return "", fmt.Errorf("%s: PKCE is required for public clients: code_challenge and code_challenge_method are mandatory", ErrorCodeInvalidRequest)
	}
	if hasPKCE {
		if err := validatePKCEParams(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
			s.auditFlowFailure(ctx, req, "invalid_pkce_parameters")
			if m := s.metrics(); m != nil {
				m.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
			}
			return "", fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
		}
	}

	if m := s.metrics(); m != nil {
		m.RecordAuthorizationRequested(ctx, req.ClientID)
	}

	now := time.Now().UTC()
	code := &storage.AuthorizationCode{
		ID:                  uuid.NewString(),
		Code:                generateRandomToken(),
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.CodeTTL()),
	}

	if err := s.flowStore.SaveAuthorizationCode(ctx, code); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Logger.Debug("Authorization code issued",
		"client_id", safeTruncate(req.ClientID),
		"code", safeTruncate(code.Code),
		"with_pkce", hasPKCE,
		"expires_at", code.ExpiresAt)

	s.audit(ctx, security.Event{
		Action:    security.ActionCodeIssued,
		ClientID:  req.ClientID,
		UserID:    req.UserID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Success:   true,
	})
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, req.ClientID, hasPKCE)
	}

	return code.Code, nil
}

// RecordAuthorizationDenied audits a resource owner denying consent.
// No code is issued; the HTTP layer redirects with error=access_denied.
func (s *Server) RecordAuthorizationDenied(ctx context.Context, clientID, userID, ipAddress, userAgent string) {
	s.audit(ctx, security.Event{
		Action:       security.ActionAuthorizationDenied,
		ClientID:     clientID,
		UserID:       userID,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		Success:      false,
		ErrorMessage: "access_denied",
	})
}

// ExchangeAuthorizationCode redeems a code for an access/refresh token pair.
// The code is burned on claim: it is atomically marked used before any of the
// post-claim checks run, so a failed exchange still consumes it.
//
// Every failure surfaces to the caller as the same generic invalid_grant;
// the specific reason is audited and logged only.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, req ExchangeRequest) (*TokenGrant, error) {
	if client == nil {
		return nil, fmt.Errorf("authenticated client is required")
	}
	if req.Code == "" {
		return nil, fmt.Errorf("%s: code is required", ErrorCodeInvalidRequest)
	}

	code, err := s.flowStore.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAuthorizationCodeUsed):
			// code holds the original consumption record for forensics
			s.handleCodeReuse(ctx, code, client, req)
			return nil, errInvalidGrant()

		case errors.Is(err, storage.ErrAuthorizationCodeExpired):
			s.Logger.Debug("Exchange failed: code expired",
				"client_id", safeTruncate(client.ClientID),
				"code", safeTruncate(req.Code))
			s.auditExchangeFailure(ctx, client.ClientID, "", req, "code_expired")
			return nil, errInvalidGrant()

		case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
			s.Logger.Debug("Exchange failed: unknown code",
				"client_id", safeTruncate(client.ClientID),
				"code", safeTruncate(req.Code))
			s.auditExchangeFailure(ctx, client.ClientID, "", req, "code_not_found")
			return nil, errInvalidGrant()

		default:
			return nil, fmt.Errorf("failed to consume authorization code: %w", err)
		}
	}

	// Post-claim validation. The code is already burned; on any mismatch it
	// can never be retried.
	if code.ClientID != client.ClientID {
		s.Logger.Warn("Exchange failed: code issued to a different client",
			"presenting_client", safeTruncate(client.ClientID),
			"code_client", safeTruncate(code.ClientID))
		s.auditExchangeFailure(ctx, client.ClientID, code.UserID, req, "client_id_mismatch")
		return nil, errInvalidGrant()
	}

	if code.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Exchange failed: redirect URI mismatch",
			"client_id", safeTruncate(client.ClientID))
		s.auditExchangeFailure(ctx, client.ClientID, code.UserID, req, "redirect_uri_mismatch")
		return nil, errInvalidGrant()
	}

	if code.CodeChallenge != "" {
		pkceErr := validateCodeVerifierFormat(req.CodeVerifier)
		if pkceErr == nil {
			pkceErr = security.VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier)
		}
		if pkceErr != nil {
			s.Logger.Debug("Exchange failed: PKCE verification failed",
				"client_id", safeTruncate(client.ClientID),
				"reason", pkceErr)
			s.audit(ctx, security.Event{
				Action:       security.ActionPKCEFailed,
				ClientID:     client.ClientID,
				UserID:       code.UserID,
				IPAddress:    req.IPAddress,
				UserAgent:    req.UserAgent,
				Success:      false,
				ErrorMessage: "pkce_verification_failed",
			})
			if m := s.metrics(); m != nil {
				m.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			}
			return nil, errInvalidGrant()
		}
	} else if req.CodeVerifier != "" {
		// Verifier presented for a code issued without a challenge: either a
		// confused client or a downgrade probe. Reject.
		s.auditExchangeFailure(ctx, client.ClientID, code.UserID, req, "unexpected_code_verifier")
		return nil, errInvalidGrant()
	}

	grant, err := s.issueTokenPair(ctx, client.ClientID, code.UserID, code.Scope)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Authorization code exchanged",
		"client_id", safeTruncate(client.ClientID),
		"user_id", safeTruncate(code.UserID),
		"scope", code.Scope)

	s.audit(ctx, security.Event{
		Action:    security.ActionCodeExchanged,
		ClientID:  client.ClientID,
		UserID:    code.UserID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Success:   true,
	})
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID, code.CodeChallengeMethod)
		m.RecordTokenIssued(ctx, client.ClientID)
	}

	return grant, nil
}

// handleCodeReuse responds to a replayed authorization code: audit the replay
// with the original consumption details and revoke every outstanding token
// for the (user, client) pair of the original grant (OAuth 2.1 Section 7.2.2,
// the code may have been stolen before the legitimate exchange).
func (s *Server) handleCodeReuse(ctx context.Context, original *storage.AuthorizationCode, presenter *storage.Client, req ExchangeRequest) {
	if original == nil {
		// Store could not return the original record; still audited, just
		// without forensics.
		s.auditExchangeFailure(ctx, presenter.ClientID, "", req, "code_reuse_detected")
		return
	}

	// Throttle per (user, client): a replay storm must not flood the log
	if s.EventLimiter == nil || s.EventLimiter.Allow(original.UserID+":"+original.ClientID) {
		s.Logger.Warn("Authorization code reuse detected",
			"code_client", safeTruncate(original.ClientID),
			"presenting_client", safeTruncate(presenter.ClientID),
			"user_id", safeTruncate(original.UserID),
			"originally_used_at", original.UsedAt,
			"same_client", original.ClientID == presenter.ClientID)
	}

	presenterDesc := "a different client"
	if original.ClientID == presenter.ClientID {
		presenterDesc = "the same client"
	}
	forensics := fmt.Sprintf("code originally consumed at %s; replayed by %s",
		original.UsedAt.UTC().Format(time.RFC3339), presenterDesc)

	s.audit(ctx, security.Event{
		Action:       security.ActionCodeReuseDetected,
		ClientID:     original.ClientID,
		UserID:       original.UserID,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Success:      false,
		ErrorMessage: forensics,
	})
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}

	revoked, err := s.tokenStore.RevokeTokensForUserClient(ctx, original.UserID, original.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse",
			"client_id", safeTruncate(original.ClientID),
			"user_id", safeTruncate(original.UserID),
			"error", err)
		return
	}
	if revoked > 0 {
		s.Logger.Warn("Revoked tokens after code reuse",
			"client_id", safeTruncate(original.ClientID),
			"user_id", safeTruncate(original.UserID),
			"tokens_revoked", revoked)
		s.audit(ctx, security.Event{
			Action:       security.ActionTokensRevoked,
			ClientID:     original.ClientID,
			UserID:       original.UserID,
			IPAddress:    req.IPAddress,
			Success:      true,
			ErrorMessage: fmt.Sprintf("revoked %d tokens after authorization code reuse", revoked),
		})
		if m := s.metrics(); m != nil {
			m.RecordTokenRevocation(ctx, original.ClientID, revoked)
		}
	}
}

// RefreshAccessToken rotates a refresh token into a fresh access/refresh
// pair. A revoked or unknown refresh token is treated as a reuse event:
// the token family for the (user, client) pair is revoked.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken, requestedScope, ipAddress, userAgent string) (*TokenGrant, error) {
	if client == nil {
		return nil, fmt.Errorf("authenticated client is required")
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%s: refresh_token is required", ErrorCodeInvalidRequest)
	}

	tokenHash := storage.HashToken(refreshToken)
	token, err := s.tokenStore.GetTokenByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Debug("Refresh failed: unknown refresh token",
				"client_id", safeTruncate(client.ClientID))
			s.audit(ctx, security.Event{
				Action:       security.ActionAuthFailure,
				ClientID:     client.ClientID,
				IPAddress:    ipAddress,
				UserAgent:    userAgent,
				Success:      false,
				ErrorMessage: "refresh_token_not_found",
			})
			return nil, errInvalidGrant()
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	if token.TokenType != storage.TokenTypeRefresh {
		s.Logger.Debug("Refresh failed: presented token is not a refresh token",
			"client_id", safeTruncate(client.ClientID),
			"token_type", token.TokenType)
		s.auditRefreshFailure(ctx, client.ClientID, token.UserID, ipAddress, userAgent, "wrong_token_type")
		return nil, errInvalidGrant()
	}

	if token.ClientID != client.ClientID {
		s.Logger.Warn("Refresh failed: token issued to a different client",
			"presenting_client", safeTruncate(client.ClientID),
			"token_client", safeTruncate(token.ClientID))
		s.auditRefreshFailure(ctx, client.ClientID, token.UserID, ipAddress, userAgent, "client_id_mismatch")
		return nil, errInvalidGrant()
	}

	if token.Revoked() {
		// A rotated-then-replayed refresh token. Same treatment as code
		// reuse: revoke the whole family.
		s.handleRefreshReuse(ctx, token, ipAddress, userAgent)
		return nil, errInvalidGrant()
	}

	if security.IsExpiredWithGracePeriod(token.ExpiresAt, s.Config.SkewGrace()) {
		s.Logger.Debug("Refresh failed: refresh token expired",
			"client_id", safeTruncate(client.ClientID),
			"expired_at", token.ExpiresAt)
		s.auditRefreshFailure(ctx, client.ClientID, token.UserID, ipAddress, userAgent, "refresh_token_expired")
		return nil, errInvalidGrant()
	}

	// Scope may only narrow on refresh (RFC 6749 Section 6)
	scope := token.Scope
	if requestedScope != "" {
		if !isScopeSubset(requestedScope, token.Scope) {
			s.auditRefreshFailure(ctx, client.ClientID, token.UserID, ipAddress, userAgent, "scope_widening_attempt")
			return nil, fmt.Errorf("%s: requested scope exceeds the originally granted scope", ErrorCodeInvalidScope)
		}
		scope = requestedScope
	}

	if s.Config.AllowRefreshTokenRotation {
		if err := s.tokenStore.RevokeToken(ctx, tokenHash); err != nil {
			// Never mint while the old token might still be live
			return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
		}
	}

	grant, err := s.issueTokenPair(ctx, client.ClientID, token.UserID, scope)
	if err != nil {
		return nil, err
	}
	if !s.Config.AllowRefreshTokenRotation {
		// Rotation disabled: keep returning the original refresh token
		grant.RefreshToken = refreshToken
	}

	s.Logger.Info("Refresh token rotated",
		"client_id", safeTruncate(client.ClientID),
		"user_id", safeTruncate(token.UserID),
		"rotation", s.Config.AllowRefreshTokenRotation)

	s.audit(ctx, security.Event{
		Action:    security.ActionTokenRefreshed,
		ClientID:  client.ClientID,
		UserID:    token.UserID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Success:   true,
	})
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID)
	}

	return grant, nil
}

// handleRefreshReuse responds to a replayed (already rotated or revoked)
// refresh token by revoking all tokens of the (user, client) pair.
func (s *Server) handleRefreshReuse(ctx context.Context, token *storage.Token, ipAddress, userAgent string) {
	if s.EventLimiter == nil || s.EventLimiter.Allow(token.UserID+":"+token.ClientID) {
		s.Logger.Warn("Refresh token reuse detected",
			"client_id", safeTruncate(token.ClientID),
			"user_id", safeTruncate(token.UserID),
			"revoked_at", token.RevokedAt)
	}

	s.audit(ctx, security.Event{
		Action:       security.ActionRefreshReuseDetected,
		ClientID:     token.ClientID,
		UserID:       token.UserID,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		Success:      false,
		ErrorMessage: fmt.Sprintf("refresh token revoked at %s presented again", token.RevokedAt.UTC().Format(time.RFC3339)),
	})
	if m := s.metrics(); m != nil {
		m.RecordRefreshReuseDetected(ctx)
	}

	revoked, err := s.tokenStore.RevokeTokensForUserClient(ctx, token.UserID, token.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke token family after refresh reuse",
			"client_id", safeTruncate(token.ClientID),
			"user_id", safeTruncate(token.UserID),
			"error", err)
		return
	}
	if revoked > 0 {
		s.Logger.Warn("Revoked token family after refresh reuse",
			"client_id", safeTruncate(token.ClientID),
			"user_id", safeTruncate(token.UserID),
			"tokens_revoked", revoked)
		if m := s.metrics(); m != nil {
			m.RecordTokenRevocation(ctx, token.ClientID, revoked)
		}
	}
}

// ValidateAccessToken validates a bearer token and returns its record.
// Touches last_used_at on success (best effort).
func (s *Server) ValidateAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("%s: access token is required", ErrorCodeInvalidToken)
	}

	tokenHash := storage.HashToken(accessToken)
	token, err := s.tokenStore.GetTokenByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, fmt.Errorf("%s: token is invalid", ErrorCodeInvalidToken)
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	if token.TokenType != storage.TokenTypeAccess {
		return nil, fmt.Errorf("%s: token is invalid", ErrorCodeInvalidToken)
	}
	if token.Revoked() {
		s.Logger.Debug("Token validation failed: token revoked",
			"client_id", safeTruncate(token.ClientID),
			"revoked_at", token.RevokedAt)
		return nil, fmt.Errorf("%s: token has been revoked", ErrorCodeInvalidToken)
	}
	if security.IsExpiredWithGracePeriod(token.ExpiresAt, s.Config.SkewGrace()) {
		return nil, fmt.Errorf("%s: token has expired", ErrorCodeInvalidToken)
	}

	if err := s.tokenStore.TouchToken(ctx, tokenHash, time.Now().UTC()); err != nil {
		s.Logger.Debug("Failed to touch token", "error", err)
	}

	return token, nil
}

// CheckScope verifies a validated token carries a required scope. Returns an
// insufficient_scope error (HTTP 403 at the edge) when it does not; this is
// deliberately distinct from invalid_token (401).
func (s *Server) CheckScope(ctx context.Context, token *storage.Token, required string) error {
	if required == "" || HasScope(token.Scope, required) {
		return nil
	}

	s.audit(ctx, security.Event{
		Action:       security.ActionInsufficientScope,
		ClientID:     token.ClientID,
		UserID:       token.UserID,
		Success:      false,
		ErrorMessage: fmt.Sprintf("required scope %q not granted", required),
	})
	return fmt.Errorf("%s: token does not carry the %q scope", ErrorCodeInsufficientScope, required)
}

// RevokeAccessToken revokes a single token presented by its bearer
// (RFC 7009 style revocation).
func (s *Server) RevokeAccessToken(ctx context.Context, client *storage.Client, presentedToken string) error {
	if presentedToken == "" {
		return nil
	}

	tokenHash := storage.HashToken(presentedToken)
	token, err := s.tokenStore.GetTokenByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			// RFC 7009: revoking an unknown token is a success
			return nil
		}
		return fmt.Errorf("failed to load token: %w", err)
	}
	if client != nil && token.ClientID != client.ClientID {
		// Clients may only revoke their own tokens; report success anyway
		// so revocation cannot be used as a token oracle.
		return nil
	}

	if err := s.tokenStore.RevokeToken(ctx, tokenHash); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.audit(ctx, security.Event{
		Action:   security.ActionTokensRevoked,
		ClientID: token.ClientID,
		UserID:   token.UserID,
		Success:  true,
	})
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, token.ClientID, 1)
	}
	return nil
}

// issueTokenPair mints and stores an access/refresh token pair. Plaintext
// token values exist only in the returned grant; stores see SHA-256 hashes.
func (s *Server) issueTokenPair(ctx context.Context, clientID, userID, scope string) (*TokenGrant, error) {
	now := time.Now().UTC()

	accessToken := generateRandomToken()
	access := &storage.Token{
		ID:        uuid.NewString(),
		TokenHash: storage.HashToken(accessToken),
		TokenType: storage.TokenTypeAccess,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Config.AccessTTL()),
	}
	if err := s.tokenStore.SaveToken(ctx, access); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	refreshToken := generateRandomToken()
	refresh := &storage.Token{
		ID:        uuid.NewString(),
		TokenHash: storage.HashToken(refreshToken),
		TokenType: storage.TokenTypeRefresh,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Config.RefreshTTL()),
	}
	if err := s.tokenStore.SaveToken(ctx, refresh); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.audit(ctx, security.Event{
		Action:   security.ActionTokenIssued,
		ClientID: clientID,
		UserID:   userID,
		Success:  true,
	})

	return &TokenGrant{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		Scope:        scope,
	}, nil
}

// auditFlowFailure records a failed authorization request
func (s *Server) auditFlowFailure(ctx context.Context, req AuthorizationRequest, reason string) {
	s.audit(ctx, security.Event{
		Action:       security.ActionAuthFailure,
		ClientID:     req.ClientID,
		UserID:       req.UserID,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Success:      false,
		ErrorMessage: reason,
	})
}

// auditInvalidRedirectURI records a redirect URI validation failure
func (s *Server) auditInvalidRedirectURI(ctx context.Context, req AuthorizationRequest, err error) {
	s.Logger.Debug("Redirect URI rejected",
		"client_id", safeTruncate(req.ClientID),
		"reason", err)
	s.audit(ctx, security.Event{
		Action:       security.ActionInvalidRedirectURI,
		ClientID:     req.ClientID,
		UserID:       req.UserID,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Success:      false,
		ErrorMessage: "redirect_uri_rejected",
	})
}

// auditExchangeFailure records a failed token exchange
func (s *Server) auditExchangeFailure(ctx context.Context, clientID, userID string, req ExchangeRequest, reason string) {
	s.audit(ctx, security.Event{
		Action:       security.ActionAuthFailure,
		ClientID:     clientID,
		UserID:       userID,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Success:      false,
		ErrorMessage: reason,
	})
}

// auditRefreshFailure records a failed refresh grant
func (s *Server) auditRefreshFailure(ctx context.Context, clientID, userID, ipAddress, userAgent, reason string) {
	s.audit(ctx, security.Event{
		Action:       security.ActionAuthFailure,
		ClientID:     clientID,
		UserID:       userID,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		Success:      false,
		ErrorMessage: reason,
	})
}

// errInvalidGrant is the single generic grant failure returned to clients.
// RFC 6749 deliberately keeps this uninformative.
func errInvalidGrant() error {
	return fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
}
