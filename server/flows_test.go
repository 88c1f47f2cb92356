package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/habitflow/oauthd/security"
	"github.com/habitflow/oauthd/storage"
)

// issueCode runs a complete authorization request for the registered client
// and returns the code together with the PKCE verifier used.
func issueCode(t *testing.T, srv *Server, reg *RegisteredClient, scope string) (code, verifier string) {
	t.Helper()

	verifier = security.GeneratePKCEVerifier()
	code, err := srv.IssueAuthorizationCode(context.Background(), AuthorizationRequest{
		ClientID:            reg.Client.ClientID,
		UserID:              "user-1",
		RedirectURI:         "http://localhost:8080/callback",
		Scope:               scope,
		State:               "xyz-state",
		CodeChallenge:       security.PKCEChallenge(verifier),
		CodeChallengeMethod: PKCEMethodS256,
		IPAddress:           "192.0.2.10",
	})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}
	return code, verifier
}

func TestAuthorizationCodeFlow(t *testing.T) {
	srv, reg, _ := newTestServer(t, ClientTypePublic, nil)
	ctx := context.Background()

	code, verifier := issueCode(t, srv, reg, "habits:read habits:write")

	grant, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, ExchangeRequest{
		Code:         code,
		RedirectURI:  "http://localhost:8080/callback",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if grant.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", grant.TokenType)
	}
	if grant.ExpiresIn != 900 {
		t.Errorf("ExpiresIn = %d, want 900", grant.ExpiresIn)
	}
	if grant.Scope != "habits:read habits:write" {
		t.Errorf("Scope = %q", grant.Scope)
	}
	if grant.AccessToken == "" || grant.RefreshToken == "" {
		t.Fatal("expected non-empty token pair")
	}
	if grant.AccessToken == grant.RefreshToken {
		t.Error("access and refresh tokens must differ")
	}

	// The minted access token validates and carries the granted scope
	token, err := srv.ValidateAccessToken(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if token.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", token.UserID)
	}
	if err := srv.CheckScope(ctx, token, "habits:write"); err != nil {
		t.Errorf("CheckScope(habits:write) error = %v", err)
	}
	if err := srv.CheckScope(ctx, token, "admin"); err == nil {
		t.Error("CheckScope(admin) should fail")
	} else if !strings.Contains(err.Error(), ErrorCodeInsufficientScope) {
		t.Errorf("CheckScope(admin) error = %v, want insufficient_scope", err)
	}
}

func TestIssueAuthorizationCodeValidation(t *testing.T) {
	srv, reg, _ := newTestServer(t, ClientTypePublic, nil)
	ctx := context.Background()

	verifier := security.GeneratePKCEVerifier()
	valid := AuthorizationRequest{
		ClientID:            reg.Client.ClientID,
		UserID:              "user-1",
		RedirectURI:         "http://localhost:8080/callback",
		State:               "state-1",
		CodeChallenge:       security.PKCEChallenge(verifier),
		CodeChallengeMethod: PKCEMethodS256,
	}

	tests := []struct {
		name     string
		mutate   func(r *AuthorizationRequest)
		wantCode string
	}{
		{
			name:     "missing state",
			mutate:   func(r *AuthorizationRequest) { r.State = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown client",
			mutate:   func(r *AuthorizationRequest) { r.ClientID = "nope" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect URI",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = "http://localhost:8080/other" },
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "redirect URI with fragment",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = "http://localhost:8080/callback#frag" },
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "missing PKCE for public client",
			mutate: func(r *AuthorizationRequest) {
				r.CodeChallenge = ""
				r.CodeChallengeMethod = ""
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain challenge method",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" },
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := srv.IssueAuthorizationCode(ctx, req)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantCode) {
				t.Errorf("error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestScopeValidation(t *testing.T) {
	srv, reg, _ := newTestServer(t, ClientTypePublic, &Config{
		SupportedScopes: []string{"habits:read", "habits:write"},
	})

	verifier := security.GeneratePKCEVerifier()
	_, err := srv.IssueAuthorizationCode(context.Background(), AuthorizationRequest{
		ClientID:            reg.Client.ClientID,
		UserID:              "user-1",
		RedirectURI:         "http://localhost:8080/callback",
		Scope:               "habits:read admin",
		State:               "state-1",
		CodeChallenge:       security.PKCEChallenge(verifier),
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidScope) {
		t.Errorf("unsupported scope: error = %v, want invalid_scope", err)
	}
}

func TestExchangePostClaimValidation(t *testing.T) {
	srv, reg, _ := newTestServer(t, ClientTypePublic, nil)
	ctx := context.Background()

	t.Run("wrong verifier burns the code", func(t *testing.T) {
		code, _ := issueCode(t, srv, reg, "habits:read")

		wrongVerifier := security.GeneratePKCEVerifier()
		_, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, ExchangeRequest{
			Code:         code,
			RedirectURI:  "http://localhost:8080/callback",
			CodeVerifier: wrongVerifier,
		})
		if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
			t.Fatalf("wrong verifier: error = %v, want invalid_grant", err)
		}

		// Burned on claim: the code can no longer be redeemed at all
		_, err = srv.ExchangeAuthorizationCode(ctx, reg.Client, ExchangeRequest{
			Code:        code,
			RedirectURI: "http://localhost:8080/callback",
		})
		if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
			t.Fatalf("replay after failed exchange: error = %v, want invalid_grant", err)
		}
	})

	t.Run("malformed verifier", func(t *testing.T) {
		code, _ := issueCode(t, srv, reg, "habits:read")
		_, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, ExchangeRequest{
			Code:         code,
			RedirectURI:  "http://localhost:8080/callback",
			CodeVerifier: "too-short",
		})
		if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
			t.Errorf("malformed verifier: error = %v, want invalid_grant", err)
		}
	})

	t.Run("redirect URI mismatch", func(t *testing.T) {
		code, verifier := issueCode(t, srv, reg, "habits:read")
		_, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, ExchangeRequest{
			Code:         code,
			RedirectURI:  "http://localhost:8080/evil",
			CodeVerifier: verifier,
		})
		if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
			t.Errorf("error = %v, want invalid_grant", err)
		}
	})

	t.Run("different client", func(t *testing.T) {
		code, verifier := issueCode(t, srv, reg, "habits:read")

		other, err := srv.RegisterClient(ctx, ClientRegistration{
			OwnerUserID:  "owner-2",
			Name:         "Other App",
			ClientType:   ClientTypePublic,
			RedirectURIs: []string{"http://localhost:8080/callback"},
		})
		if err != nil {
			t.Fatalf("RegisterClient() error = %v", err)
		}

		_, err = srv.ExchangeAuthorizationCode(ctx, other.Client, ExchangeRequest{
			Code:         code,
			RedirectURI:  "http://localhost:8080/callback",
			CodeVerifier: verifier,
		})
		if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
			t.Errorf("error = %v, want invalid_grant", err)
		}
	})
}

func TestExpiredCodeRejected(t *testing.T) {
	srv, reg, store := newTestServer(t, ClientTypePublic, nil)
	ctx := context.Background()

	verifier := security.GeneratePKCEVerifier()
	now := time.Now().UTC()
	expired := &storage.AuthorizationCode{
		ID:                  uuid.NewString(),
		Code:                generateRandomToken(),
		ClientID:            reg.Client.ClientID,
		UserID:              "user-1",
		RedirectURI:         "http://localhost:8080/callback",
		CodeChallenge:       security.PKCEChallenge(verifier),
		CodeChallengeMethod: PKCEMethodS256,
		CreatedAt:           now.Add(-2 * time.Minute),
		ExpiresAt:           now.Add(-time.Minute),
	}
	if err := store.SaveAuthorizationCode(ctx, expired); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	_, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, ExchangeRequest{
		Code:         expired.Code,
		RedirectURI:  "http://localhost:8080/callback",
		CodeVerifier: verifier,
	})
	if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Errorf("expired code: error = %v, want invalid_grant", err)
	}
}

func TestCodeReuseRevokesTokens(t *testing.T) {
	srv, reg, _ := newTestServer(t, ClientTypePublic, nil)
	ctx := context.Background()

	code, verifier := issueCode(t, srv, reg, "habits:read")
	req := ExchangeRequest{
		Code:         code,
		RedirectURI:  "http://localhost:8080/callback",
		CodeVerifier: verifier,
	}

	grant, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, req)
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	if _, err := srv.ValidateAccessToken(ctx, grant.AccessToken); err != nil {
		t.Fatalf("ValidateAccessToken() before reuse error = %v", err)
	}

	// Replay the code
	_, err = srv.ExchangeAuthorizationCode(ctx, reg.Client, req)
	if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Fatalf("replay: error = %v, want invalid_grant", err)
	}

	// Cascade: the previously issued tokens are dead
	if _, err := srv.ValidateAccessToken(ctx, grant.AccessToken); err == nil {
		t.Error("access token should be revoked after code reuse")
	}
	if _, err := srv.RefreshAccessToken(ctx, reg.Client, grant.RefreshToken, "", "", ""); err == nil {
		t.Error("refresh token should be revoked after code reuse")
	}
}

func TestConcurrentExchangeSingleWinner(t *testing.T) {
	srv, reg, _ := newTestServer(t, ClientTypePublic, nil)
	ctx := context.Background()

	code, verifier := issueCode(t, srv, reg, "habits:read")
	req := ExchangeRequest{
		Code:         code,
		RedirectURI:  "http://localhost:8080/callback",
		CodeVerifier: verifier,
	}

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, req)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		if err == nil {
			successes++
		} else if !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	srv, reg, _ := newTestServer(t, ClientTypeConfidential, nil)
	ctx := context.Background()

	code, verifier := issueCode(t, srv, reg, "habits:read habits:write")
	grant, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, ExchangeRequest{
		Code:         code,
		RedirectURI:  "http://localhost:8080/callback",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	next, err := srv.RefreshAccessToken(ctx, reg.Client, grant.RefreshToken, "", "", "")
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if next.RefreshToken == grant.RefreshToken {
		t.Error("refresh token should rotate")
	}
	if next.Scope != "habits:read habits:write" {
		t.Errorf("Scope = %q, want inherited scope", next.Scope)
	}

	// The rotated-out token is now a reuse event and kills the family
	_, err = srv.RefreshAccessToken(ctx, reg.Client, grant.RefreshToken, "", "", "")
	if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Fatalf("replayed refresh token: error = %v, want invalid_grant", err)
	}
	if _, err := srv.RefreshAccessToken(ctx, reg.Client, next.RefreshToken, "", "", ""); err == nil {
		t.Error("whole family should be revoked after refresh reuse")
	}
	if _, err := srv.ValidateAccessToken(ctx, next.AccessToken); err == nil {
		t.Error("access tokens should be revoked after refresh reuse")
	}
}

func TestRefreshScopeNarrowing(t *testing.T) {
	srv, reg, _ := newTestServer(t, ClientTypePublic, nil)
	ctx := context.Background()

	code, verifier := issueCode(t, srv, reg, "habits:read habits:write")
	grant, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, ExchangeRequest{
		Code:         code,
		RedirectURI:  "http://localhost:8080/callback",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	narrowed, err := srv.RefreshAccessToken(ctx, reg.Client, grant.RefreshToken, "habits:read", "", "")
	if err != nil {
		t.Fatalf("narrowing refresh error = %v", err)
	}
	if narrowed.Scope != "habits:read" {
		t.Errorf("Scope = %q, want habits:read", narrowed.Scope)
	}

	// Widening is refused even with a valid token
	_, err = srv.RefreshAccessToken(ctx, reg.Client, narrowed.RefreshToken, "habits:read habits:write admin", "", "")
	if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidScope) {
		t.Errorf("widening refresh: error = %v, want invalid_scope", err)
	}
}

func TestValidateAccessToken(t *testing.T) {
	srv, reg, store := newTestServer(t, ClientTypePublic, nil)
	ctx := context.Background()

	code, verifier := issueCode(t, srv, reg, "habits:read")
	grant, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, ExchangeRequest{
		Code:         code,
		RedirectURI:  "http://localhost:8080/callback",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	t.Run("unknown token", func(t *testing.T) {
		if _, err := srv.ValidateAccessToken(ctx, "no-such-token"); err == nil {
			t.Error("expected error for unknown token")
		}
	})

	t.Run("refresh token is not a bearer token", func(t *testing.T) {
		if _, err := srv.ValidateAccessToken(ctx, grant.RefreshToken); err == nil {
			t.Error("refresh token must not validate as access token")
		}
	})

	t.Run("revoked token", func(t *testing.T) {
		if err := store.RevokeToken(ctx, storage.HashToken(grant.AccessToken)); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		if _, err := srv.ValidateAccessToken(ctx, grant.AccessToken); err == nil {
			t.Error("revoked token must not validate")
		}
	})

	t.Run("expired token", func(t *testing.T) {
		raw := generateRandomToken()
		expired := &storage.Token{
			ID:        uuid.NewString(),
			TokenHash: storage.HashToken(raw),
			TokenType: storage.TokenTypeAccess,
			ClientID:  reg.Client.ClientID,
			UserID:    "user-1",
			CreatedAt: time.Now().UTC().Add(-time.Hour),
			ExpiresAt: time.Now().UTC().Add(-time.Minute),
		}
		if err := store.SaveToken(ctx, expired); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
		if _, err := srv.ValidateAccessToken(ctx, raw); err == nil {
			t.Error("expired token must not validate")
		}
	})
}

func TestRevokeAccessToken(t *testing.T) {
	srv, reg, _ := newTestServer(t, ClientTypePublic, nil)
	ctx := context.Background()

	code, verifier := issueCode(t, srv, reg, "habits:read")
	grant, err := srv.ExchangeAuthorizationCode(ctx, reg.Client, ExchangeRequest{
		Code:         code,
		RedirectURI:  "http://localhost:8080/callback",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	// Unknown tokens revoke "successfully" (no token oracle)
	if err := srv.RevokeAccessToken(ctx, reg.Client, "not-a-token"); err != nil {
		t.Errorf("revoking unknown token: error = %v", err)
	}

	if err := srv.RevokeAccessToken(ctx, reg.Client, grant.AccessToken); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	if _, err := srv.ValidateAccessToken(ctx, grant.AccessToken); err == nil {
		t.Error("token should be revoked")
	}
}
