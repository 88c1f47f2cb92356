package server

import (
	"log/slog"
	"time"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// ProductionMode enforces HTTPS redirect URIs outside loopback addresses.
	// When false (development), plain HTTP redirect URIs are accepted.
	// Default: false
	ProductionMode bool

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 60

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 900 (15 minutes)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// AllowRefreshTokenRotation enables refresh token rotation (OAuth 2.1)
	// Default: true (secure by default)
	AllowRefreshTokenRotation bool // default: true

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Default: 1
	TrustedProxyCount int // default: 1

	// MaxClientsPerIP limits client registrations per IP address
	// Prevents DoS via mass client registration
	// Default: 10
	MaxClientsPerIP int // default: 10

	// ClockSkewGracePeriod is the grace period for token expiration checks (in seconds)
	// This prevents false expiration errors due to time synchronization issues
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5

	// SupportedScopes lists the scopes that are allowed for clients
	// If empty, all scopes are allowed
	SupportedScopes []string
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 60 // 1 minute
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 900 // 15 minutes
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration.
// Heuristic: when every security bool is still false the config is treated as
// fresh and gets the secure defaults; an explicitly configured insecure
// setting gets a logged warning instead.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.AllowRefreshTokenRotation &&
		!config.TrustProxy &&
		!config.ProductionMode

	if isDefaultConfig {
		config.AllowRefreshTokenRotation = true
		config.TrustProxy = false
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.AllowRefreshTokenRotation {
		logger.Warn("SECURITY WARNING: refresh token rotation is DISABLED",
			"risk", "A leaked refresh token stays valid until expiry",
			"recommendation", "Set AllowRefreshTokenRotation=true for OAuth 2.1 compliance")
	}

	if config.TrustProxy {
		logger.Warn("TrustProxy is enabled: X-Forwarded-For headers will be trusted",
			"risk", "IP spoofing if not actually behind a trusted reverse proxy",
			"trusted_proxy_count", config.TrustedProxyCount)
	}

	if !config.ProductionMode {
		logger.Info("Running in development mode: HTTP redirect URIs are accepted outside loopback")
	}
}

// CodeTTL returns the authorization code lifetime as a duration.
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// AccessTTL returns the access token lifetime as a duration.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// RefreshTTL returns the refresh token lifetime as a duration.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// SkewGrace returns the clock-skew grace period as a duration.
func (c *Config) SkewGrace() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}
