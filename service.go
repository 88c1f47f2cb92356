package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/habitflow/oauthd/instrumentation"
	"github.com/habitflow/oauthd/security"
	"github.com/habitflow/oauthd/server"
	"github.com/habitflow/oauthd/storage"
	"github.com/habitflow/oauthd/storage/memory"
	"github.com/habitflow/oauthd/storage/postgres"
	"github.com/habitflow/oauthd/storage/valkey"
)

// Service bundles a fully wired authorization server: storage, engine,
// auditor, rate limiter, instrumentation, and the HTTP handler.
type Service struct {
	Server  *server.Server
	Handler *Handler
	Auditor *security.Auditor
	Limiter *security.FixedWindowLimiter

	inst    *instrumentation.Instrumentation
	logger  *slog.Logger
	closers []func() error
}

const (
	// postgresCleanupInterval is how often expired rows are swept
	postgresCleanupInterval = 5 * time.Minute

	// postgresUsedCodeRetention keeps consumed codes around after expiry so a
	// late duplicate exchange is still classified as reuse
	postgresUsedCodeRetention = 10 * time.Minute
)

// stores collects the interface views of whichever backend was selected
type stores struct {
	clients storage.ClientStore
	flows   storage.FlowStore
	tokens  storage.TokenStore
	rates   storage.RateLimitStore
	audit   storage.AuditLogStore
}

// NewService wires a complete authorization server from deployment config.
// The authenticator resolves user sessions for /authorize and /register and
// is supplied by the host application.
func NewService(ctx context.Context, cfg *Config, authenticator UserAuthenticator, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "oauthd",
		Enabled:     cfg.InstrumentationEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	svc := &Service{inst: inst, logger: logger}
	svc.closers = append(svc.closers, func() error { return inst.Shutdown(context.Background()) })

	st, err := svc.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	srv, err := server.New(st.clients, st.flows, st.tokens, &server.Config{
		Issuer:            cfg.Issuer,
		ProductionMode:    cfg.ProductionMode,
		SupportedScopes:   cfg.SupportedScopes,
		TrustProxy:        cfg.TrustProxy,
		TrustedProxyCount: cfg.TrustedProxyCount,
		MaxClientsPerIP:   cfg.MaxClientsPerIP,
	}, logger)
	if err != nil {
		return nil, err
	}
	srv.SetInstrumentation(inst)

	auditor := security.NewAuditor(st.audit, logger)
	srv.SetAuditor(auditor)

	limiter := security.NewFixedWindowLimiter(st.rates, security.DefaultEndpointLimits(), logger)

	handler := NewHandler(srv, authenticator, logger)
	handler.SetRateLimiter(limiter)
	handler.SetInstrumentation(inst)

	svc.Server = srv
	svc.Handler = handler
	svc.Auditor = auditor
	svc.Limiter = limiter
	return svc, nil
}

// openStores builds the configured storage backend
func (s *Service) openStores(ctx context.Context, cfg *Config) (*stores, error) {
	switch cfg.StorageBackend {
	case StorageBackendMemory:
		store := memory.New()
		store.SetInstrumentation(s.inst)
		s.closers = append(s.closers, func() error { store.Close(); return nil })
		return &stores{clients: store, flows: store, tokens: store, rates: store, audit: store}, nil

	case StorageBackendPostgres:
		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		store.SetInstrumentation(s.inst)

		// Relational rows don't expire on their own; sweep them periodically.
		cleanupCtx, stopCleanup := context.WithCancel(context.Background())
		go store.RunCleanup(cleanupCtx, postgresCleanupInterval, postgresUsedCodeRetention)

		s.closers = append(s.closers, func() error {
			stopCleanup()
			return store.Close()
		})
		return &stores{clients: store, flows: store, tokens: store, rates: store, audit: store}, nil

	case StorageBackendValkey:
		store, err := valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Logger:   s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open valkey store: %w", err)
		}
		s.closers = append(s.closers, func() error { store.Close(); return nil })
		return &stores{clients: store, flows: store, tokens: store, rates: store, audit: store}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// Routes registers the OAuth endpoints on a mux
func (s *Service) Routes(mux *http.ServeMux) {
	s.Handler.Routes(mux)
}

// Close releases the service's resources in reverse acquisition order
func (s *Service) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
