package security

// Action constants for audit log entries. These ensure consistency across the
// codebase and prevent typos when logging security-relevant events.
const (
	// Authorization flow actions

	// ActionAuthorizationRequested is logged when an /authorize request passes validation
	ActionAuthorizationRequested = "authorization_requested"

	// ActionAuthorizationDenied is logged when the user denies consent
	ActionAuthorizationDenied = "authorization_denied"

	// ActionCodeIssued is logged when an authorization code is issued
	ActionCodeIssued = "authorization_code_issued"

	// ActionCodeExchanged is logged when an authorization code is exchanged for tokens
	ActionCodeExchanged = "authorization_code_exchanged"

	// ActionCodeReuseDetected is logged when an already-consumed code is presented
	// again. This is a distinguished security event, not an ordinary invalid code.
	ActionCodeReuseDetected = "authorization_code_reuse_detected"

	// Token lifecycle actions

	// ActionTokenIssued is logged when an access/refresh token pair is minted
	ActionTokenIssued = "token_issued"

	// ActionTokenRefreshed is logged when a refresh token is rotated for a new pair
	ActionTokenRefreshed = "token_refreshed"

	// ActionTokenValidationFailed is logged when a presented bearer token is rejected
	ActionTokenValidationFailed = "token_validation_failed"

	// ActionRefreshReuseDetected is logged when a rotated or revoked refresh
	// token is presented again
	ActionRefreshReuseDetected = "refresh_token_reuse_detected"

	// ActionTokensRevoked is logged when tokens are revoked in bulk
	// (secret rotation, client deletion, reuse response)
	ActionTokensRevoked = "tokens_revoked"

	// Client registry actions

	// ActionClientRegistered is logged when a new client application is registered
	ActionClientRegistered = "client_registered"

	// ActionClientSecretRotated is logged when a client secret is rotated
	ActionClientSecretRotated = "client_secret_rotated"

	// ActionClientDeleted is logged when a client application is deleted
	ActionClientDeleted = "client_deleted"

	// Security violation actions

	// ActionAuthFailure is logged when client authentication fails
	ActionAuthFailure = "auth_failure"

	// ActionPKCEFailed is logged when PKCE verification fails at exchange
	ActionPKCEFailed = "pkce_validation_failed"

	// ActionInvalidRedirectURI is logged when a redirect URI fails validation
	ActionInvalidRedirectURI = "invalid_redirect_uri"

	// ActionInsufficientScope is logged when a valid token lacks a required scope
	ActionInsufficientScope = "insufficient_scope"

	// ActionRateLimitExceeded is logged when a fixed-window limit is exceeded
	ActionRateLimitExceeded = "rate_limit_exceeded"
)
