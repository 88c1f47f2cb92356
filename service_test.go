package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewServiceMemoryBackend(t *testing.T) {
	svc, err := NewService(context.Background(), &Config{
		Issuer:         "http://localhost:8080",
		StorageBackend: StorageBackendMemory,
	}, &staticAuthenticator{userID: "user-1"}, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	if svc.Server == nil || svc.Handler == nil || svc.Auditor == nil || svc.Limiter == nil {
		t.Fatal("service components not wired")
	}

	// Routed endpoints answer through the middleware stack
	mux := http.NewServeMux()
	svc.Routes(mux)

	r := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("metadata status = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("request-ID middleware not applied")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers not applied")
	}

	var md AuthorizationServerMetadata
	if err := json.Unmarshal(w.Body.Bytes(), &md); err != nil {
		t.Fatalf("bad metadata: %v", err)
	}
	if md.Issuer != "http://localhost:8080" {
		t.Errorf("issuer = %q", md.Issuer)
	}

	// Registration works end to end through the mux
	body := `{"client_name":"Wired App","client_type":"public","redirect_uris":["http://localhost:7000/cb"]}`
	r = httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	_, err := NewService(context.Background(), &Config{
		Issuer:         "http://localhost:8080",
		StorageBackend: "etcd",
	}, nil, nil)
	if err == nil {
		t.Error("expected error for unknown backend")
	}

	_, err = NewService(context.Background(), nil, nil, nil)
	if err == nil {
		t.Error("expected error for nil config")
	}
}
