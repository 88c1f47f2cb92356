package oauth

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Storage backend names accepted in OAUTH_STORAGE_BACKEND
const (
	StorageBackendMemory   = "memory"
	StorageBackendPostgres = "postgres"
	StorageBackendValkey   = "valkey"
)

// Config holds the deployment configuration of the authorization server.
// Protocol-level settings (TTLs, PKCE, scopes) live in server.Config; this
// struct covers the outer surface: listen address, issuer, storage backend.
type Config struct {
	// ListenAddr is the address the HTTP server binds to
	ListenAddr string

	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// StorageBackend selects the persistence layer: memory, postgres, valkey
	StorageBackend string

	// DatabaseURL is the postgres connection string (postgres backend)
	DatabaseURL string

	// ValkeyAddr is the host:port of the valkey server (valkey backend)
	ValkeyAddr string

	// ValkeyPassword authenticates to valkey; empty disables AUTH
	ValkeyPassword string

	// ValkeyDB selects the valkey logical database
	ValkeyDB int

	// ProductionMode enforces HTTPS redirect URIs outside loopback
	ProductionMode bool

	// SupportedScopes restricts the scopes clients may request; empty allows all
	SupportedScopes []string

	// TrustProxy enables X-Forwarded-For handling behind a reverse proxy
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server
	TrustedProxyCount int

	// MaxClientsPerIP caps dynamic client registrations per address
	MaxClientsPerIP int

	// InstrumentationEnabled turns on OpenTelemetry metrics and tracing
	InstrumentationEnabled bool
}

// ConfigFromEnv loads configuration from the environment. A .env file in the
// working directory is merged in first when present (development convenience);
// real environment variables win.
func ConfigFromEnv() (*Config, error) {
	// Missing .env is the normal production case
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:             envString("OAUTH_LISTEN_ADDR", ":8080"),
		Issuer:                 envString("OAUTH_ISSUER", "http://localhost:8080"),
		StorageBackend:         envString("OAUTH_STORAGE_BACKEND", StorageBackendMemory),
		DatabaseURL:            os.Getenv("OAUTH_DATABASE_URL"),
		ValkeyAddr:             envString("OAUTH_VALKEY_ADDR", "localhost:6379"),
		ValkeyPassword:         os.Getenv("OAUTH_VALKEY_PASSWORD"),
		ValkeyDB:               envInt("OAUTH_VALKEY_DB", 0),
		ProductionMode:         envBool("OAUTH_PRODUCTION_MODE", false),
		SupportedScopes:        envList("OAUTH_SUPPORTED_SCOPES"),
		TrustProxy:             envBool("OAUTH_TRUST_PROXY", false),
		TrustedProxyCount:      envInt("OAUTH_TRUSTED_PROXY_COUNT", 1),
		MaxClientsPerIP:        envInt("OAUTH_MAX_CLIENTS_PER_IP", 10),
		InstrumentationEnabled: envBool("OAUTH_INSTRUMENTATION_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageBackendMemory, StorageBackendValkey:
	case StorageBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("OAUTH_DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want %s, %s, or %s)",
			c.StorageBackend, StorageBackendMemory, StorageBackendPostgres, StorageBackendValkey)
	}

	if c.Issuer == "" {
		return fmt.Errorf("issuer must not be empty")
	}
	if strings.HasSuffix(c.Issuer, "/") {
		return fmt.Errorf("issuer must not end with a slash")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return strings.Fields(v)
}
