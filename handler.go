// Package oauth exposes the HTTP surface of the authorization server: the
// /authorize, /token, /register, and /revoke endpoints, bearer-token
// middleware for protected resources, and the RFC 8414 metadata document.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/habitflow/oauthd/instrumentation"
	"github.com/habitflow/oauthd/security"
	"github.com/habitflow/oauthd/server"
	"github.com/habitflow/oauthd/storage"
)

// UserAuthenticator resolves the authenticated resource owner of a request.
// The host application supplies it: this server issues tokens but does not
// manage user sessions.
type UserAuthenticator interface {
	// Authenticate returns the user ID for the request's session, or an
	// error when there is no authenticated user.
	Authenticate(r *http.Request) (userID string, err error)
}

// Handler serves the OAuth endpoints over a server.Server
type Handler struct {
	server        *server.Server
	authenticator UserAuthenticator
	limiter       *security.FixedWindowLimiter
	logger        *slog.Logger

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// NewHandler creates an HTTP handler for the OAuth endpoints
func NewHandler(srv *server.Server, authenticator UserAuthenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:        srv,
		authenticator: authenticator,
		logger:        logger,
	}
}

// SetRateLimiter enables per-endpoint fixed-window rate limiting
func (h *Handler) SetRateLimiter(limiter *security.FixedWindowLimiter) {
	h.limiter = limiter
}

// SetInstrumentation sets the instrumentation for metrics and tracing
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// Routes registers the OAuth endpoints on a mux. Every route carries the
// request-ID and security-header middleware.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("/authorize", h.wrap(http.HandlerFunc(h.ServeAuthorization)))
	mux.Handle("/token", h.wrap(http.HandlerFunc(h.ServeToken)))
	mux.Handle("/register", h.wrap(http.HandlerFunc(h.ServeClientRegistration)))
	mux.Handle("/revoke", h.wrap(http.HandlerFunc(h.ServeTokenRevocation)))
	mux.Handle("/.well-known/oauth-authorization-server", h.wrap(http.HandlerFunc(h.ServeMetadata)))
}

// wrap applies the ambient middleware stack to an endpoint
func (h *Handler) wrap(next http.Handler) http.Handler {
	return security.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		next.ServeHTTP(w, r)
	}))
}

// clientIP extracts the caller's address honoring the proxy configuration
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkRateLimit enforces the fixed-window limit for an endpoint. Returns
// false after writing the 429 response. The counter is incremented here so
// rejected requests never consume budget twice.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, endpoint, identifier string) bool {
	if h.limiter == nil {
		return true
	}

	decision := h.limiter.Check(r.Context(), identifier, endpoint)
	if !decision.Allowed {
		h.logger.Warn("Rate limit exceeded",
			"endpoint", endpoint,
			"identifier", identifier,
			"retry_after", decision.RetryAfter)
		if h.server.Auditor != nil {
			h.server.Auditor.Record(r.Context(), security.Event{
				Action:       security.ActionRateLimitExceeded,
				IPAddress:    h.clientIP(r),
				Success:      false,
				ErrorMessage: fmt.Sprintf("endpoint=%s identifier=%s", endpoint, identifier),
			})
		}
		if m := h.metrics(); m != nil {
			m.RecordRateLimitExceeded(r.Context(), endpoint)
		}

		retryAfter := int(decision.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, ErrRateLimitExceeded("Too many requests, slow down"))
		return false
	}

	h.limiter.Record(r.Context(), identifier, endpoint)
	return true
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.inst == nil {
		return nil
	}
	return h.inst.Metrics()
}

// startSpan opens a span when tracing is enabled; span may be nil
func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, nil
	}
	return h.tracer.Start(ctx, name)
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, start time.Time) {
	if m := h.metrics(); m != nil {
		m.RecordHTTPRequest(ctx, method, endpoint, status, float64(time.Since(start).Milliseconds()))
	}
}

// ==================== /authorize ====================

// ServeAuthorization handles the authorization endpoint. GET renders the
// consent page for the authenticated user; POST processes the decision and
// redirects back to the client with a code or an access_denied error.
//
// Validation failures in the client identity or redirect URI never redirect:
// they are answered with a local error page (open-redirect prevention).
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.authorize")
	if span != nil {
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, security.EndpointAuthorize, security.IPIdentifier(clientIP)) {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusTooManyRequests, start)
		return
	}

	userID, err := h.authenticateUser(r)
	if err != nil {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusUnauthorized, start)
		instrumentation.SetSpanError(span, "user not authenticated")
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.serveConsentPage(w, r, ctx, span, userID, clientIP, start)
	case http.MethodPost:
		h.serveAuthorizationDecision(w, r, ctx, span, userID, clientIP, start)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) authenticateUser(r *http.Request) (string, error) {
	if h.authenticator == nil {
		return "", fmt.Errorf("no user authenticator configured")
	}
	return h.authenticator.Authenticate(r)
}

// authorizeParams are the /authorize request parameters, read from the query
// string on GET and the form body on POST.
type authorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func readAuthorizeParams(r *http.Request) authorizeParams {
	get := r.URL.Query().Get
	if r.Method == http.MethodPost {
		get = r.FormValue
	}
	return authorizeParams{
		ClientID:            get("client_id"),
		RedirectURI:         get("redirect_uri"),
		ResponseType:        get("response_type"),
		Scope:               get("scope"),
		State:               get("state"),
		CodeChallenge:       get("code_challenge"),
		CodeChallengeMethod: get("code_challenge_method"),
	}
}

// validateAuthorizeTarget checks the parts that decide whether redirecting
// back to the client is safe at all. Failures here always render locally.
func (h *Handler) validateAuthorizeTarget(ctx context.Context, p authorizeParams) (*storage.Client, *Error) {
	if p.ClientID == "" {
		return nil, ErrInvalidRequest("Required parameter 'client_id' missing")
	}
	client, err := h.server.GetClient(ctx, p.ClientID)
	if err != nil {
		return nil, ErrInvalidClient("Unknown client")
	}
	if err := h.server.ValidateRedirectURI(ctx, p.ClientID, p.RedirectURI); err != nil {
		return nil, ErrInvalidRedirectURI("Redirect URI is not valid for this client")
	}
	return client, nil
}

func (h *Handler) serveConsentPage(w http.ResponseWriter, r *http.Request, ctx context.Context, span trace.Span, userID, clientIP string, start time.Time) {
	p := readAuthorizeParams(r)

	client, oauthErr := h.validateAuthorizeTarget(ctx, p)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, oauthErr.Status, start)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.renderErrorPage(w, oauthErr)
		return
	}

	if p.ResponseType != "code" {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusFound, start)
		h.redirectError(w, r, p, "unsupported_response_type", "Only the code response type is supported")
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrResponseType, p.ResponseType),
	)
	if m := h.metrics(); m != nil {
		m.RecordAuthorizationRequested(ctx, client.ClientID)
	}

	data := consentPageData{
		ClientName:          client.Name,
		ClientDescription:   client.Description,
		Scopes:              strings.Fields(p.Scope),
		ClientID:            p.ClientID,
		RedirectURI:         p.RedirectURI,
		ResponseType:        p.ResponseType,
		Scope:               p.Scope,
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
	}

	security.SetPageSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentTmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
	}
	h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
}

func (h *Handler) serveAuthorizationDecision(w http.ResponseWriter, r *http.Request, ctx context.Context, span trace.Span, userID, clientIP string, start time.Time) {
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusBadRequest, start)
		h.renderErrorPage(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	p := readAuthorizeParams(r)

	if _, oauthErr := h.validateAuthorizeTarget(ctx, p); oauthErr != nil {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, oauthErr.Status, start)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.renderErrorPage(w, oauthErr)
		return
	}

	if r.FormValue("decision") != "approve" {
		h.server.RecordAuthorizationDenied(ctx, p.ClientID, userID, clientIP, r.UserAgent())
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusFound, start)
		h.redirectError(w, r, p, ErrorCodeAccessDenied, "The resource owner denied the request")
		return
	}

	code, err := h.server.IssueAuthorizationCode(ctx, server.AuthorizationRequest{
		ClientID:            p.ClientID,
		UserID:              userID,
		RedirectURI:         p.RedirectURI,
		Scope:               p.Scope,
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		IPAddress:           clientIP,
		UserAgent:           r.UserAgent(),
	})
	if err != nil {
		oauthErr := translateServerError(err)
		h.logger.Debug("Authorization request rejected",
			"client_id", p.ClientID,
			"error", err)
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusFound, start)
		instrumentation.RecordError(span, err)
		// The redirect target was already validated; parameter errors are
		// safe to report to the client application.
		h.redirectError(w, r, p, oauthErr.Code, oauthErr.Description)
		return
	}

	redirect, _ := url.Parse(p.RedirectURI)
	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", p.State)
	redirect.RawQuery = q.Encode()

	h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusFound, start)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// redirectError sends an RFC 6749 error redirect to a validated redirect URI
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, p authorizeParams, code, description string) {
	redirect, err := url.Parse(p.RedirectURI)
	if err != nil {
		h.renderErrorPage(w, ErrInvalidRedirectURI("Redirect URI is not valid"))
		return
	}
	q := redirect.Query()
	q.Set("error", code)
	q.Set("error_description", description)
	if p.State != "" {
		q.Set("state", p.State)
	}
	redirect.RawQuery = q.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ==================== /token ====================

// ServeToken handles the token endpoint: authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.token")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	clientIP := h.clientIP(r)

	// The token endpoint is limited per client, not per IP: the legitimate
	// client's backend often sits behind a single NAT address.
	identifier := security.ClientIdentifier(clientID)
	if clientID == "" {
		identifier = security.IPIdentifier(clientIP)
	}
	if !h.checkRateLimit(w, r, security.EndpointToken, identifier) {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusTooManyRequests, start)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusUnauthorized, start)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, ErrInvalidClient("Client authentication failed"))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, r.FormValue("grant_type")),
	)

	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r, ctx, span, client, clientIP, start)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r, ctx, span, client, clientIP, start)
	default:
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q not supported", grantType)))
	}
}

// clientCredentials extracts client authentication from HTTP Basic auth or,
// failing that, the form body (RFC 6749 Section 2.3.1 allows both).
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// Basic auth credentials are form-urlencoded per the RFC
		if decodedID, err := url.QueryUnescape(id); err == nil {
			id = decodedID
		}
		if decodedSecret, err := url.QueryUnescape(secret); err == nil {
			secret = decodedSecret
		}
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, ctx context.Context, span trace.Span, client *storage.Client, clientIP string, start time.Time) {
	code := r.FormValue("code")
	if code == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}

	grant, err := h.server.ExchangeAuthorizationCode(ctx, client, server.ExchangeRequest{
		Code:         code,
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		IPAddress:    clientIP,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, start)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		// Details are audited inside the server; the client gets the
		// bare RFC error.
		h.writeError(w, translateServerError(err))
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)
	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, grant)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, ctx context.Context, span trace.Span, client *storage.Client, clientIP string, start time.Time) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Required parameter 'refresh_token' missing"))
		return
	}

	grant, err := h.server.RefreshAccessToken(ctx, client, refreshToken, r.FormValue("scope"), clientIP, r.UserAgent())
	if err != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, start)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token refresh failed")
		h.writeError(w, translateServerError(err))
		return
	}

	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, grant)
}

// ==================== /register ====================

// ServeClientRegistration handles dynamic client registration. The request
// must carry an authenticated user session; the new client is owned by that
// user.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.register")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, security.EndpointRegister, security.IPIdentifier(clientIP)) {
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusTooManyRequests, start)
		return
	}

	userID, err := h.authenticateUser(r)
	if err != nil {
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusUnauthorized, start)
		h.writeError(w, ErrInvalidRequest("Authentication required for client registration"))
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Invalid JSON body"))
		return
	}

	clientType := req.ClientType
	if clientType == "" {
		clientType = server.ClientTypePublic
	}

	reg, err := h.server.RegisterClient(ctx, server.ClientRegistration{
		OwnerUserID:  userID,
		Name:         req.ClientName,
		Description:  req.ClientDescription,
		ClientType:   clientType,
		RedirectURIs: req.RedirectURIs,
		IPAddress:    clientIP,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusBadRequest, start)
		instrumentation.RecordError(span, err)
		h.writeError(w, translateServerError(err))
		return
	}

	uris := make([]string, 0, len(reg.RedirectURIs))
	for _, u := range reg.RedirectURIs {
		uris = append(uris, u.URI)
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, reg.Client.ClientID),
		attribute.String(instrumentation.AttrClientType, reg.Client.ClientType),
	)
	h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusCreated, start)
	instrumentation.SetSpanSuccess(span)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(ClientRegistrationResponse{
		ClientID:         reg.Client.ClientID,
		ClientSecret:     reg.ClientSecret,
		ClientIDIssuedAt: reg.Client.CreatedAt.Unix(),
		ClientName:       reg.Client.Name,
		ClientType:       reg.Client.ClientType,
		RedirectURIs:     uris,
	}); err != nil {
		h.logger.Error("Failed to encode registration response", "error", err)
	}
}

// ==================== /revoke ====================

// ServeTokenRevocation handles RFC 7009 token revocation. Always answers
// 200 for well-formed requests, even for unknown tokens.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.revoke")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	clientIP := h.clientIP(r)

	client, err := h.server.AuthenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusUnauthorized, start)
		h.writeError(w, ErrInvalidClient("Client authentication failed"))
		return
	}

	if err := h.server.RevokeAccessToken(ctx, client, r.FormValue("token")); err != nil {
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusInternalServerError, start)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrServerError("Revocation failed"))
		return
	}

	h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusOK)
}

// ==================== metadata ====================

// ServeMetadata serves the RFC 8414 authorization server metadata document
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.server.Config.Issuer
	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		RegistrationEndpoint:              issuer + "/register",
		RevocationEndpoint:                issuer + "/revoke",
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(metadata); err != nil {
		h.logger.Error("Failed to encode metadata", "error", err)
	}
}

// ==================== bearer middleware ====================

type contextKey string

const tokenContextKey contextKey = "oauth_token"

// TokenFromContext returns the validated token record attached by the
// ValidateToken middleware.
func TokenFromContext(ctx context.Context) (*storage.Token, bool) {
	token, ok := ctx.Value(tokenContextKey).(*storage.Token)
	return token, ok
}

// ValidateToken is middleware that authenticates requests with a bearer
// access token. 401 with a WWW-Authenticate challenge on failure; the token
// record lands in the request context on success.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		token, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			h.writeUnauthorized(w, "Token is invalid or expired")
			return
		}

		// Protected API calls are limited per client
		if !h.checkRateLimit(w, r, security.EndpointAPI, security.ClientIdentifier(token.ClientID)) {
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenContextKey, token)))
	})
}

// RequireScope is middleware (applied inside ValidateToken) that rejects
// tokens lacking a scope with 403 insufficient_scope.
func (h *Handler) RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := TokenFromContext(r.Context())
		if !ok {
			h.writeUnauthorized(w, "No validated token on request")
			return
		}
		if err := h.server.CheckScope(r.Context(), token, scope); err != nil {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Bearer error="insufficient_scope", scope=%q`, scope))
			h.writeError(w, ErrInsufficientScope(fmt.Sprintf("The %q scope is required", scope)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		h.writeUnauthorized(w, "Authorization header missing")
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		h.writeUnauthorized(w, "Authorization header must use the Bearer scheme")
		return "", false
	}
	return strings.TrimPrefix(auth, prefix), true
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	h.writeError(w, ErrInvalidToken(description))
}

// ==================== responses ====================

func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	// RFC 6749 Section 5.1: token responses must not be cached
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	}); err != nil {
		h.logger.Error("Failed to encode token response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(oauthErr.Status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}

// translateServerError maps an engine error to the wire error model. Engine
// errors are prefixed with their RFC code; anything else is an internal
// error and stays opaque.
func translateServerError(err error) *Error {
	msg := err.Error()
	codes := []struct {
		code   string
		status int
	}{
		{ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrorCodeInvalidScope, http.StatusBadRequest},
		{ErrorCodeInvalidRedirectURI, http.StatusBadRequest},
		{ErrorCodeInvalidToken, http.StatusUnauthorized},
		{ErrorCodeInsufficientScope, http.StatusForbidden},
	}
	for _, c := range codes {
		if strings.HasPrefix(msg, c.code+":") {
			return NewError(c.code, strings.TrimSpace(strings.TrimPrefix(msg, c.code+":")), c.status)
		}
	}
	return ErrServerError("Internal server error")
}

// ==================== consent page ====================

type consentPageData struct {
	ClientName        string
	ClientDescription string
	Scopes            []string

	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

const consentTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8">
	<meta name="viewport" content="width=device-width, initial-scale=1">
	<title>Authorize {{.ClientName}}</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif;
		       background: #f5f6f8; margin: 0; display: flex; align-items: center;
		       justify-content: center; min-height: 100vh; }
		.card { background: #fff; border-radius: 8px; box-shadow: 0 2px 12px rgba(0,0,0,.08);
		        max-width: 420px; width: 100%; padding: 32px; }
		h1 { font-size: 20px; margin: 0 0 8px; }
		p { color: #555; margin: 0 0 16px; }
		ul { background: #f8f9fa; border-radius: 6px; padding: 12px 12px 12px 32px;
		     margin: 0 0 24px; }
		li { color: #333; padding: 2px 0; font-family: monospace; }
		.actions { display: flex; gap: 12px; }
		button { flex: 1; padding: 10px 0; border-radius: 6px; border: none;
		         font-size: 15px; cursor: pointer; }
		.approve { background: #2563eb; color: #fff; }
		.deny { background: #e5e7eb; color: #333; }
	</style>
</head>
<body>
	<div class="card">
		<h1>{{.ClientName}} wants access</h1>
		{{if .ClientDescription}}<p>{{.ClientDescription}}</p>{{end}}
		{{if .Scopes}}
		<p>This application is requesting:</p>
		<ul>
			{{range .Scopes}}<li>{{.}}</li>{{end}}
		</ul>
		{{else}}
		<p>This application is requesting basic access.</p>
		{{end}}
		<form method="POST" action="/authorize">
			<input type="hidden" name="client_id" value="{{.ClientID}}">
			<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
			<input type="hidden" name="response_type" value="{{.ResponseType}}">
			<input type="hidden" name="scope" value="{{.Scope}}">
			<input type="hidden" name="state" value="{{.State}}">
			<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
			<input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
			<div class="actions">
				<button class="deny" type="submit" name="decision" value="deny">Deny</button>
				<button class="approve" type="submit" name="decision" value="approve">Approve</button>
			</div>
		</form>
	</div>
</body>
</html>`

var consentTmpl = template.Must(template.New("consent").Parse(consentTemplate))

const errorPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8">
	<title>Authorization Error</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif;
		       background: #f5f6f8; margin: 0; display: flex; align-items: center;
		       justify-content: center; min-height: 100vh; }
		.card { background: #fff; border-radius: 8px; box-shadow: 0 2px 12px rgba(0,0,0,.08);
		        max-width: 420px; width: 100%; padding: 32px; }
		h1 { font-size: 20px; margin: 0 0 8px; color: #b91c1c; }
		p { color: #555; margin: 0; }
		code { background: #f8f9fa; padding: 2px 6px; border-radius: 4px; }
	</style>
</head>
<body>
	<div class="card">
		<h1>Authorization failed</h1>
		<p>{{.Description}} (<code>{{.Code}}</code>)</p>
	</div>
</body>
</html>`

var errorPageTmpl = template.Must(template.New("error").Parse(errorPageTemplate))

// renderErrorPage answers locally instead of redirecting. Used whenever the
// redirect target itself cannot be trusted.
func (h *Handler) renderErrorPage(w http.ResponseWriter, oauthErr *Error) {
	security.SetPageSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(oauthErr.Status)
	if err := errorPageTmpl.Execute(w, oauthErr); err != nil {
		h.logger.Error("Failed to render error page", "error", err)
	}
}
