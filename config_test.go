package oauth

import (
	"testing"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.StorageBackend != StorageBackendMemory {
		t.Errorf("StorageBackend = %q, want memory", cfg.StorageBackend)
	}
	if cfg.ProductionMode {
		t.Error("ProductionMode should default to false")
	}
	if cfg.MaxClientsPerIP != 10 {
		t.Errorf("MaxClientsPerIP = %d", cfg.MaxClientsPerIP)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("OAUTH_LISTEN_ADDR", ":9443")
	t.Setenv("OAUTH_ISSUER", "https://auth.example.com")
	t.Setenv("OAUTH_STORAGE_BACKEND", "valkey")
	t.Setenv("OAUTH_VALKEY_ADDR", "valkey.internal:6379")
	t.Setenv("OAUTH_VALKEY_DB", "3")
	t.Setenv("OAUTH_PRODUCTION_MODE", "true")
	t.Setenv("OAUTH_SUPPORTED_SCOPES", "habits:read habits:write")
	t.Setenv("OAUTH_TRUST_PROXY", "true")
	t.Setenv("OAUTH_TRUSTED_PROXY_COUNT", "2")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() error = %v", err)
	}
	if cfg.ListenAddr != ":9443" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q", cfg.Issuer)
	}
	if cfg.StorageBackend != StorageBackendValkey {
		t.Errorf("StorageBackend = %q", cfg.StorageBackend)
	}
	if cfg.ValkeyAddr != "valkey.internal:6379" || cfg.ValkeyDB != 3 {
		t.Errorf("valkey config = %q/%d", cfg.ValkeyAddr, cfg.ValkeyDB)
	}
	if !cfg.ProductionMode || !cfg.TrustProxy || cfg.TrustedProxyCount != 2 {
		t.Error("security overrides not applied")
	}
	if len(cfg.SupportedScopes) != 2 || cfg.SupportedScopes[1] != "habits:write" {
		t.Errorf("SupportedScopes = %v", cfg.SupportedScopes)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory ok", Config{StorageBackend: "memory", Issuer: "http://localhost:8080"}, false},
		{"postgres without url", Config{StorageBackend: "postgres", Issuer: "http://localhost:8080"}, true},
		{"postgres with url", Config{StorageBackend: "postgres", DatabaseURL: "postgres://x", Issuer: "http://localhost:8080"}, false},
		{"unknown backend", Config{StorageBackend: "etcd", Issuer: "http://localhost:8080"}, true},
		{"empty issuer", Config{StorageBackend: "memory"}, true},
		{"trailing slash issuer", Config{StorageBackend: "memory", Issuer: "http://localhost:8080/"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
