package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/habitflow/oauthd/security"
	"github.com/habitflow/oauthd/server"
	"github.com/habitflow/oauthd/storage/memory"
)

// staticAuthenticator resolves every request to a fixed user, or fails when
// userID is empty.
type staticAuthenticator struct {
	userID string
}

func (a *staticAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a.userID == "" {
		return "", fmt.Errorf("no session")
	}
	return a.userID, nil
}

// newTestHandler wires a handler over an in-memory store with a registered
// public client and an authenticated test user.
func newTestHandler(t *testing.T) (*Handler, *server.RegisteredClient) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Close)

	srv, err := server.New(store, store, store, &server.Config{
		Issuer: "http://localhost:8080",
	}, slog.Default())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	srv.SetAuditor(security.NewAuditor(store, slog.Default()))

	reg, err := srv.RegisterClient(context.Background(), server.ClientRegistration{
		OwnerUserID:  "owner-1",
		Name:         "Habit Tracker",
		ClientType:   server.ClientTypePublic,
		RedirectURIs: []string{"http://localhost:9000/callback"},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	return NewHandler(srv, &staticAuthenticator{userID: "user-42"}, slog.Default()), reg
}

// runAuthorizeApprove drives GET+POST /authorize and returns the issued code.
func runAuthorizeApprove(t *testing.T, h *Handler, clientID, verifier string) string {
	t.Helper()

	form := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {"http://localhost:9000/callback"},
		"response_type":         {"code"},
		"scope":                 {"habits:read"},
		"state":                 {"st-123"},
		"code_challenge":        {security.PKCEChallenge(verifier)},
		"code_challenge_method": {server.PKCEMethodS256},
		"decision":              {"approve"},
	}
	r := httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("POST /authorize status = %d, body = %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	if got := loc.Query().Get("state"); got != "st-123" {
		t.Fatalf("state = %q, want st-123", got)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect: %s", w.Header().Get("Location"))
	}
	return code
}

func postToken(h *Handler, form url.Values) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeToken(w, r)
	return w
}

func TestAuthorizeConsentPage(t *testing.T) {
	h, reg := newTestHandler(t)

	verifier := security.GeneratePKCEVerifier()
	q := url.Values{
		"client_id":             {reg.Client.ClientID},
		"redirect_uri":          {"http://localhost:9000/callback"},
		"response_type":         {"code"},
		"scope":                 {"habits:read habits:write"},
		"state":                 {"st-1"},
		"code_challenge":        {security.PKCEChallenge(verifier)},
		"code_challenge_method": {server.PKCEMethodS256},
	}
	r := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "Habit Tracker") {
		t.Error("consent page should show the client name")
	}
	if !strings.Contains(body, "habits:write") {
		t.Error("consent page should list requested scopes")
	}
	if !strings.Contains(body, `name="decision"`) {
		t.Error("consent page should carry the decision form")
	}
	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "style-src 'unsafe-inline'") {
		t.Errorf("CSP = %q, want the page policy allowing inline styles", csp)
	}
}

func TestAuthorizeLocalErrorPage(t *testing.T) {
	h, reg := newTestHandler(t)

	tests := []struct {
		name  string
		query url.Values
	}{
		{
			name:  "unknown client",
			query: url.Values{"client_id": {"nope"}, "redirect_uri": {"http://localhost:9000/callback"}},
		},
		{
			name:  "unregistered redirect URI",
			query: url.Values{"client_id": {reg.Client.ClientID}, "redirect_uri": {"http://evil.example.com/cb"}},
		},
		{
			name:  "missing client_id",
			query: url.Values{"redirect_uri": {"http://localhost:9000/callback"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/authorize?"+tt.query.Encode(), nil)
			w := httptest.NewRecorder()
			h.ServeAuthorization(w, r)

			// Must never redirect to an unvalidated target
			if w.Code == http.StatusFound {
				t.Fatalf("got a redirect to %q, want a local error page", w.Header().Get("Location"))
			}
			if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
				t.Errorf("Content-Type = %q, want html error page", ct)
			}
		})
	}
}

func TestAuthorizeDenied(t *testing.T) {
	h, reg := newTestHandler(t)

	form := url.Values{
		"client_id":     {reg.Client.ClientID},
		"redirect_uri":  {"http://localhost:9000/callback"},
		"response_type": {"code"},
		"state":         {"st-d"},
		"decision":      {"deny"},
	}
	r := httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if got := loc.Query().Get("error"); got != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", got)
	}
	if got := loc.Query().Get("state"); got != "st-d" {
		t.Errorf("state = %q, want st-d", got)
	}
	if loc.Query().Get("code") != "" {
		t.Error("denial must not issue a code")
	}
}

func TestAuthorizeRequiresAuthentication(t *testing.T) {
	h, reg := newTestHandler(t)
	h.authenticator = &staticAuthenticator{} // no session

	r := httptest.NewRequest(http.MethodGet, "/authorize?client_id="+reg.Client.ClientID, nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestTokenEndpointFullFlow(t *testing.T) {
	h, reg := newTestHandler(t)

	verifier := security.GeneratePKCEVerifier()
	code := runAuthorizeApprove(t, h, reg.Client.ClientID, verifier)

	w := postToken(h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {reg.Client.ClientID},
		"redirect_uri":  {"http://localhost:9000/callback"},
		"code_verifier": {verifier},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", w.Code, w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	var resp TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad token response: %v", err)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q", resp.TokenType)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if resp.ExpiresIn != 900 {
		t.Errorf("expires_in = %d, want 900", resp.ExpiresIn)
	}

	t.Run("replayed code is rejected generically", func(t *testing.T) {
		w := postToken(h, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {reg.Client.ClientID},
			"redirect_uri":  {"http://localhost:9000/callback"},
			"code_verifier": {verifier},
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
		var errResp ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
			t.Fatalf("bad error response: %v", err)
		}
		if errResp.Error != ErrorCodeInvalidGrant {
			t.Errorf("error = %q, want invalid_grant", errResp.Error)
		}
	})

	t.Run("refresh grant rotates", func(t *testing.T) {
		// The replayed code above triggered the reuse cascade and revoked the
		// first grant's tokens, so mint a fresh grant for the rotation check.
		verifier := security.GeneratePKCEVerifier()
		code := runAuthorizeApprove(t, h, reg.Client.ClientID, verifier)
		w := postToken(h, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {reg.Client.ClientID},
			"redirect_uri":  {"http://localhost:9000/callback"},
			"code_verifier": {verifier},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("exchange status = %d, body = %s", w.Code, w.Body.String())
		}
		var grant TokenResponse
		if err := json.Unmarshal(w.Body.Bytes(), &grant); err != nil {
			t.Fatalf("bad token response: %v", err)
		}

		w = postToken(h, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {grant.RefreshToken},
			"client_id":     {reg.Client.ClientID},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("refresh status = %d, body = %s", w.Code, w.Body.String())
		}
		var next TokenResponse
		if err := json.Unmarshal(w.Body.Bytes(), &next); err != nil {
			t.Fatalf("bad refresh response: %v", err)
		}
		if next.RefreshToken == grant.RefreshToken {
			t.Error("refresh token should rotate")
		}
	})

	t.Run("unsupported grant type", func(t *testing.T) {
		w := postToken(h, url.Values{
			"grant_type": {"password"},
			"client_id":  {reg.Client.ClientID},
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
		var errResp ErrorResponse
		_ = json.Unmarshal(w.Body.Bytes(), &errResp)
		if errResp.Error != ErrorCodeUnsupportedGrantType {
			t.Errorf("error = %q, want unsupported_grant_type", errResp.Error)
		}
	})
}

func TestTokenEndpointBasicAuth(t *testing.T) {
	h, _ := newTestHandler(t)

	conf, err := h.server.RegisterClient(context.Background(), server.ClientRegistration{
		OwnerUserID:  "owner-1",
		Name:         "Server App",
		ClientType:   server.ClientTypeConfidential,
		RedirectURIs: []string{"http://localhost:9000/callback"},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	verifier := security.GeneratePKCEVerifier()
	code := runAuthorizeApprove(t, h, conf.Client.ClientID, verifier)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://localhost:9000/callback"},
		"code_verifier": {verifier},
	}
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth(url.QueryEscape(conf.Client.ClientID), url.QueryEscape(conf.ClientSecret))
	w := httptest.NewRecorder()
	h.ServeToken(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	t.Run("wrong secret is 401", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.SetBasicAuth(url.QueryEscape(conf.Client.ClientID), "wrong")
		w := httptest.NewRecorder()
		h.ServeToken(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
}

func TestClientRegistrationEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{"client_name":"New App","client_type":"confidential","redirect_uris":["https://new.example.com/cb"]}`
	r := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeClientRegistration(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ClientRegistrationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad registration response: %v", err)
	}
	if resp.ClientID == "" {
		t.Error("client_id missing")
	}
	if resp.ClientSecret == "" {
		t.Error("confidential registration should return the secret once")
	}
	if len(resp.RedirectURIs) != 1 {
		t.Errorf("redirect_uris = %v", resp.RedirectURIs)
	}

	t.Run("invalid body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("{"))
		w := httptest.NewRecorder()
		h.ServeClientRegistration(w, r)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestBearerMiddleware(t *testing.T) {
	h, reg := newTestHandler(t)

	verifier := security.GeneratePKCEVerifier()
	code := runAuthorizeApprove(t, h, reg.Client.ClientID, verifier)
	w := postToken(h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {reg.Client.ClientID},
		"redirect_uri":  {"http://localhost:9000/callback"},
		"code_verifier": {verifier},
	})
	var grant TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &grant); err != nil {
		t.Fatalf("bad token response: %v", err)
	}

	protected := h.ValidateToken(h.RequireScope("habits:read", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := TokenFromContext(r.Context())
		if !ok {
			t.Error("token missing from context")
		} else if token.UserID != "user-42" {
			t.Errorf("UserID = %q", token.UserID)
		}
		w.WriteHeader(http.StatusOK)
	})))

	admin := h.ValidateToken(h.RequireScope("admin", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	t.Run("valid token passes", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/habits", nil)
		r.Header.Set("Authorization", "Bearer "+grant.AccessToken)
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("missing header is 401", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/habits", nil)
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if !strings.Contains(w.Header().Get("WWW-Authenticate"), "invalid_token") {
			t.Error("expected WWW-Authenticate challenge")
		}
	})

	t.Run("garbage token is 401", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/habits", nil)
		r.Header.Set("Authorization", "Bearer garbage")
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("missing scope is 403", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/admin", nil)
		r.Header.Set("Authorization", "Bearer "+grant.AccessToken)
		w := httptest.NewRecorder()
		admin.ServeHTTP(w, r)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
		var errResp ErrorResponse
		_ = json.Unmarshal(w.Body.Bytes(), &errResp)
		if errResp.Error != ErrorCodeInsufficientScope {
			t.Errorf("error = %q, want insufficient_scope", errResp.Error)
		}
	})
}

func TestRevocationEndpoint(t *testing.T) {
	h, reg := newTestHandler(t)

	verifier := security.GeneratePKCEVerifier()
	code := runAuthorizeApprove(t, h, reg.Client.ClientID, verifier)
	w := postToken(h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {reg.Client.ClientID},
		"redirect_uri":  {"http://localhost:9000/callback"},
		"code_verifier": {verifier},
	})
	var grant TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &grant); err != nil {
		t.Fatalf("bad token response: %v", err)
	}

	form := url.Values{
		"token":     {grant.AccessToken},
		"client_id": {reg.Client.ClientID},
	}
	r := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeTokenRevocation(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rec.Code)
	}

	// Revoked token no longer passes the middleware
	protected := h.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	r2 := httptest.NewRequest(http.MethodGet, "/api/habits", nil)
	r2.Header.Set("Authorization", "Bearer "+grant.AccessToken)
	rec2 := httptest.NewRecorder()
	protected.ServeHTTP(rec2, r2)
	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 after revocation", rec2.Code)
	}
}

func TestRateLimitedEndpoint(t *testing.T) {
	h, reg := newTestHandler(t)

	store := memory.New()
	t.Cleanup(store.Close)
	h.SetRateLimiter(security.NewFixedWindowLimiter(store, map[string]security.EndpointLimit{
		security.EndpointAuthorize: {Limit: 2, Window: time.Minute},
	}, slog.Default()))

	get := func() *httptest.ResponseRecorder {
		verifier := security.GeneratePKCEVerifier()
		q := url.Values{
			"client_id":             {reg.Client.ClientID},
			"redirect_uri":          {"http://localhost:9000/callback"},
			"response_type":         {"code"},
			"state":                 {"st"},
			"code_challenge":        {security.PKCEChallenge(verifier)},
			"code_challenge_method": {server.PKCEMethodS256},
		}
		r := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
		r.RemoteAddr = "198.51.100.1:4444"
		w := httptest.NewRecorder()
		h.ServeAuthorization(w, r)
		return w
	}

	if w := get(); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	if w := get(); w.Code != http.StatusOK {
		t.Fatalf("second request status = %d", w.Code)
	}

	w := get()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	var errResp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &errResp)
	if errResp.Error != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want rate_limit_exceeded", errResp.Error)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	w := httptest.NewRecorder()
	h.ServeMetadata(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var md AuthorizationServerMetadata
	if err := json.Unmarshal(w.Body.Bytes(), &md); err != nil {
		t.Fatalf("bad metadata: %v", err)
	}
	if md.Issuer != "http://localhost:8080" {
		t.Errorf("issuer = %q", md.Issuer)
	}
	if md.TokenEndpoint != "http://localhost:8080/token" {
		t.Errorf("token_endpoint = %q", md.TokenEndpoint)
	}
	if len(md.CodeChallengeMethodsSupported) != 1 || md.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v", md.CodeChallengeMethodsSupported)
	}
}
