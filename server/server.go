package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/habitflow/oauthd/instrumentation"
	"github.com/habitflow/oauthd/internal/util"
	"github.com/habitflow/oauthd/security"
	"github.com/habitflow/oauthd/storage"
)

// Length of identifier prefixes emitted in logs
const idLogLength = 8

// Server implements the OAuth 2.0 authorization code grant with PKCE
type Server struct {
	clientStore storage.ClientStore
	flowStore   storage.FlowStore
	tokenStore  storage.TokenStore

	// Auditor records security events onto the hash-chained audit log.
	// Optional; nil disables auditing.
	Auditor *security.Auditor

	// EventLimiter throttles security-event logging during attack storms
	// (for example a flood of authorization code replays).
	EventLimiter *security.EventLimiter

	Logger *slog.Logger
	Config *Config

	instrumentation *instrumentation.Instrumentation
}

// New creates a new OAuth server
func New(clients storage.ClientStore, flows storage.FlowStore, tokens storage.TokenStore, config *Config, logger *slog.Logger) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flows == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	return &Server{
		clientStore: clients,
		flowStore:   flows,
		tokenStore:  tokens,
		// 10 events/sec with a burst of 20 per (user, client) pair keeps
		// reuse-attack logging bounded without hiding the first detections.
		EventLimiter: security.NewEventLimiter(10, 20),
		Logger:       logger,
		Config:       config,
	}, nil
}

// SetAuditor sets the security auditor for the server
func (s *Server) SetAuditor(auditor *security.Auditor) {
	s.Auditor = auditor
}

// SetInstrumentation sets the instrumentation for metrics and tracing
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// metrics returns the metrics recorder, or nil when instrumentation is unset
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// audit records a security event when an auditor is configured
func (s *Server) audit(ctx context.Context, event security.Event) {
	if s.Auditor == nil {
		return
	}
	s.Auditor.Record(ctx, event)
}

// generateRandomToken returns a 256-bit URL-safe random string. Used for
// client IDs, client secrets, authorization codes, and tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// safeTruncate shortens an identifier for logging
func safeTruncate(s string) string {
	return util.SafeTruncate(s, idLogLength)
}
