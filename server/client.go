package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/habitflow/oauthd/security"
	"github.com/habitflow/oauthd/storage"
)

// Client types per RFC 6749 Section 2.1
const (
	// ClientTypePublic is a client that cannot keep a secret (SPA, mobile,
	// CLI). Public clients authenticate by identity only and MUST use PKCE.
	ClientTypePublic = "public"

	// ClientTypeConfidential is a client that can keep a secret (server-side
	// web app). Confidential clients authenticate with their client secret.
	ClientTypeConfidential = "confidential"
)

// MaxClientNameLength bounds registered client names
const MaxClientNameLength = 128

// ClientRegistration describes a client registration request
type ClientRegistration struct {
	OwnerUserID  string
	Name         string
	Description  string
	ClientType   string
	RedirectURIs []string

	// IPAddress and UserAgent of the registration request, for the per-IP
	// cap and the audit trail
	IPAddress string
	UserAgent string
}

// RegisteredClient is the result of a successful registration. ClientSecret
// holds the plaintext secret for confidential clients and is returned exactly
// once; only its bcrypt hash is stored.
type RegisteredClient struct {
	Client       *storage.Client
	RedirectURIs []*storage.RedirectURI
	ClientSecret string
}

// RegisterClient registers a new client application and returns its
// credentials. The plaintext secret appears only in the return value.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*RegisteredClient, error) {
	if err := s.validateRegistration(&reg); err != nil {
		s.audit(ctx, security.Event{
			Action:       security.ActionClientRegistered,
			UserID:       reg.OwnerUserID,
			IPAddress:    reg.IPAddress,
			UserAgent:    reg.UserAgent,
			Success:      false,
			ErrorMessage: err.Error(),
		})
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	// Per-IP registration cap (DoS prevention)
	if reg.IPAddress != "" {
		if err := s.clientStore.CheckRegistrationIPLimit(ctx, reg.IPAddress, s.Config.MaxClientsPerIP); err != nil {
			if errors.Is(err, storage.ErrRegistrationLimitExceeded) {
				s.Logger.Warn("Client registration rejected: IP limit reached",
					"ip", reg.IPAddress,
					"max_clients_per_ip", s.Config.MaxClientsPerIP)
				s.audit(ctx, security.Event{
					Action:       security.ActionClientRegistered,
					UserID:       reg.OwnerUserID,
					IPAddress:    reg.IPAddress,
					UserAgent:    reg.UserAgent,
					Success:      false,
					ErrorMessage: "registration_ip_limit_exceeded",
				})
				return nil, fmt.Errorf("%s: too many client registrations from this address", ErrorCodeInvalidRequest)
			}
			return nil, fmt.Errorf("failed to check registration limit: %w", err)
		}
	}

	now := time.Now().UTC()
	client := &storage.Client{
		ID:          uuid.NewString(),
		OwnerUserID: reg.OwnerUserID,
		Name:        reg.Name,
		Description: reg.Description,
		ClientID:    generateRandomToken(),
		ClientType:  reg.ClientType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var plaintextSecret string
	if reg.ClientType == ClientTypeConfidential {
		plaintextSecret = generateRandomToken()
		hash, salt, err := security.HashSecret(plaintextSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = hash
		client.ClientSecretSalt = salt
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	uris := make([]*storage.RedirectURI, 0, len(reg.RedirectURIs))
	for _, uri := range reg.RedirectURIs {
		record := &storage.RedirectURI{
			ID:        uuid.NewString(),
			ClientID:  client.ClientID,
			URI:       uri,
			Active:    true,
			CreatedAt: now,
		}
		if err := s.clientStore.SaveRedirectURI(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to save redirect URI: %w", err)
		}
		uris = append(uris, record)
	}

	if reg.IPAddress != "" {
		if err := s.clientStore.TrackRegistrationIP(ctx, reg.IPAddress); err != nil {
			s.Logger.Warn("Failed to track registration IP", "error", err)
		}
	}

	s.Logger.Info("Client registered",
		"client_id", safeTruncate(client.ClientID),
		"client_type", client.ClientType,
		"redirect_uris", len(uris))

	s.audit(ctx, security.Event{
		Action:    security.ActionClientRegistered,
		ClientID:  client.ClientID,
		UserID:    reg.OwnerUserID,
		IPAddress: reg.IPAddress,
		UserAgent: reg.UserAgent,
		Success:   true,
	})
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, client.ClientType)
	}

	return &RegisteredClient{
		Client:       client,
		RedirectURIs: uris,
		ClientSecret: plaintextSecret,
	}, nil
}

// validateRegistration checks the registration request fields
func (s *Server) validateRegistration(reg *ClientRegistration) error {
	if reg.OwnerUserID == "" {
		return fmt.Errorf("owner user ID is required")
	}
	if reg.Name == "" {
		return fmt.Errorf("client name is required")
	}
	if len(reg.Name) > MaxClientNameLength {
		return fmt.Errorf("client name exceeds maximum length of %d characters", MaxClientNameLength)
	}
	if reg.ClientType != ClientTypePublic && reg.ClientType != ClientTypeConfidential {
		return fmt.Errorf("client type must be %q or %q", ClientTypePublic, ClientTypeConfidential)
	}
	if len(reg.RedirectURIs) == 0 {
		return fmt.Errorf("at least one redirect URI is required")
	}
	if len(reg.RedirectURIs) > storage.MaxActiveRedirectURIs {
		return fmt.Errorf("at most %d redirect URIs may be registered", storage.MaxActiveRedirectURIs)
	}
	for _, uri := range reg.RedirectURIs {
		if err := ValidateRedirectURIFormat(uri, s.Config.ProductionMode); err != nil {
			return err
		}
	}
	return nil
}

// AuthenticateClient authenticates a client by ID and, for confidential
// clients, secret. The returned error is deliberately generic: it never
// reveals whether the client ID exists or which credential was wrong
// (client enumeration prevention).
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, ipAddress string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Debug("Client authentication failed: unknown client",
				"client_id", safeTruncate(clientID))
			s.audit(ctx, security.Event{
				Action:       security.ActionAuthFailure,
				ClientID:     clientID,
				IPAddress:    ipAddress,
				Success:      false,
				ErrorMessage: "unknown_client",
			})
			return nil, errInvalidClient()
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	switch client.ClientType {
	case ClientTypePublic:
		// Public clients carry no secret; presenting one is a client bug
		// but not an authentication factor, so it is ignored.
		return client, nil

	case ClientTypeConfidential:
		if clientSecret == "" {
			s.Logger.Debug("Client authentication failed: missing secret",
				"client_id", safeTruncate(clientID))
			s.audit(ctx, security.Event{
				Action:       security.ActionAuthFailure,
				ClientID:     clientID,
				IPAddress:    ipAddress,
				Success:      false,
				ErrorMessage: "missing_client_secret",
			})
			return nil, errInvalidClient()
		}

		ok, err := security.VerifySecret(clientSecret, client.ClientSecretHash, client.ClientSecretSalt)
		if err != nil {
			return nil, fmt.Errorf("failed to verify client secret: %w", err)
		}
		if !ok {
			s.Logger.Debug("Client authentication failed: secret mismatch",
				"client_id", safeTruncate(clientID))
			s.audit(ctx, security.Event{
				Action:       security.ActionAuthFailure,
				ClientID:     clientID,
				IPAddress:    ipAddress,
				Success:      false,
				ErrorMessage: "client_secret_mismatch",
			})
			return nil, errInvalidClient()
		}
		return client, nil

	default:
		return nil, fmt.Errorf("client has unknown type %q", client.ClientType)
	}
}

// RotateClientSecret generates a new secret for a confidential client,
// revokes all outstanding tokens and pending codes, and returns the new
// plaintext secret once.
func (s *Server) RotateClientSecret(ctx context.Context, clientID, requesterUserID, ipAddress string) (string, error) {
	client, err := s.requireOwnedClient(ctx, clientID, requesterUserID)
	if err != nil {
		return "", err
	}
	if client.ClientType != ClientTypeConfidential {
		return "", fmt.Errorf("%s: public clients have no secret to rotate", ErrorCodeInvalidRequest)
	}

	newSecret := generateRandomToken()
	hash, salt, err := security.HashSecret(newSecret)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	if err := s.clientStore.UpdateClientSecret(ctx, clientID, hash, salt); err != nil {
		return "", fmt.Errorf("failed to update client secret: %w", err)
	}

	// Credentials changed: everything issued under the old secret dies
	s.revokeClientGrants(ctx, clientID)

	s.audit(ctx, security.Event{
		Action:    security.ActionClientSecretRotated,
		ClientID:  clientID,
		UserID:    requesterUserID,
		IPAddress: ipAddress,
		Success:   true,
	})
	return newSecret, nil
}

// DeleteClient removes a client application, revoking all of its tokens and
// pending authorization codes first.
func (s *Server) DeleteClient(ctx context.Context, clientID, requesterUserID, ipAddress string) error {
	if _, err := s.requireOwnedClient(ctx, clientID, requesterUserID); err != nil {
		return err
	}

	s.revokeClientGrants(ctx, clientID)

	if err := s.clientStore.DeleteClient(ctx, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	s.audit(ctx, security.Event{
		Action:    security.ActionClientDeleted,
		ClientID:  clientID,
		UserID:    requesterUserID,
		IPAddress: ipAddress,
		Success:   true,
	})
	return nil
}

// AddRedirectURI registers an additional redirect URI for an existing client.
// The active URI cap is enforced by the store.
func (s *Server) AddRedirectURI(ctx context.Context, clientID, requesterUserID, uri string) (*storage.RedirectURI, error) {
	if _, err := s.requireOwnedClient(ctx, clientID, requesterUserID); err != nil {
		return nil, err
	}
	if err := ValidateRedirectURIFormat(uri, s.Config.ProductionMode); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidRedirectURI, err)
	}

	record := &storage.RedirectURI{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		URI:       uri,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.clientStore.SaveRedirectURI(ctx, record); err != nil {
		if errors.Is(err, storage.ErrRedirectURILimit) {
			return nil, fmt.Errorf("%s: at most %d active redirect URIs per client", ErrorCodeInvalidRequest, storage.MaxActiveRedirectURIs)
		}
		return nil, fmt.Errorf("failed to save redirect URI: %w", err)
	}
	return record, nil
}

// ListRedirectURIs returns the client's active redirect URIs.
func (s *Server) ListRedirectURIs(ctx context.Context, clientID, requesterUserID string) ([]*storage.RedirectURI, error) {
	if _, err := s.requireOwnedClient(ctx, clientID, requesterUserID); err != nil {
		return nil, err
	}
	return s.clientStore.ListActiveRedirectURIs(ctx, clientID)
}

// DeactivateRedirectURI retires a redirect URI without deleting its record.
func (s *Server) DeactivateRedirectURI(ctx context.Context, clientID, requesterUserID, uriID string) error {
	if _, err := s.requireOwnedClient(ctx, clientID, requesterUserID); err != nil {
		return err
	}
	if err := s.clientStore.DeactivateRedirectURI(ctx, clientID, uriID); err != nil {
		if errors.Is(err, storage.ErrRedirectURINotFound) {
			return fmt.Errorf("%s: redirect URI not found", ErrorCodeInvalidRequest)
		}
		return fmt.Errorf("failed to deactivate redirect URI: %w", err)
	}
	return nil
}

// GetClient looks up a client by its client_id. Unknown clients yield the
// generic invalid_client error.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, errInvalidClient()
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return client, nil
}

// ValidateRedirectURI checks a redirect URI's format and its registration
// for the client. Used by the HTTP layer before rendering consent, so a
// forged authorization link dies on a local error page instead of ever
// redirecting.
func (s *Server) ValidateRedirectURI(ctx context.Context, clientID, uri string) error {
	if err := ValidateRedirectURIFormat(uri, s.Config.ProductionMode); err != nil {
		return fmt.Errorf("%s: %w", ErrorCodeInvalidRedirectURI, err)
	}
	if err := s.validateRedirectURIRegistered(ctx, clientID, uri); err != nil {
		return fmt.Errorf("%s: %w", ErrorCodeInvalidRedirectURI, err)
	}
	return nil
}

// ListClientsByOwner returns all clients registered by a user.
func (s *Server) ListClientsByOwner(ctx context.Context, ownerUserID string) ([]*storage.Client, error) {
	return s.clientStore.ListClientsByOwner(ctx, ownerUserID)
}

// requireOwnedClient loads a client and checks the requester owns it. The
// not-found and not-owner cases return the same generic error.
func (s *Server) requireOwnedClient(ctx context.Context, clientID, requesterUserID string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, errInvalidClient()
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	if client.OwnerUserID != requesterUserID {
		s.Logger.Debug("Client management denied: requester is not the owner",
			"client_id", safeTruncate(clientID),
			"requester", safeTruncate(requesterUserID))
		return nil, errInvalidClient()
	}
	return client, nil
}

// revokeClientGrants revokes all tokens and deletes all pending codes for a
// client. Failures are logged; the caller's operation proceeds.
func (s *Server) revokeClientGrants(ctx context.Context, clientID string) {
	revoked, err := s.tokenStore.RevokeTokensForClient(ctx, clientID)
	if err != nil {
		s.Logger.Warn("Failed to revoke tokens for client",
			"client_id", safeTruncate(clientID),
			"error", err)
	}
	deleted, err := s.flowStore.DeleteCodesForClient(ctx, clientID)
	if err != nil {
		s.Logger.Warn("Failed to delete codes for client",
			"client_id", safeTruncate(clientID),
			"error", err)
	}
	if revoked > 0 || deleted > 0 {
		s.Logger.Info("Revoked client grants",
			"client_id", safeTruncate(clientID),
			"tokens_revoked", revoked,
			"codes_deleted", deleted)
	}
	if m := s.metrics(); m != nil && revoked > 0 {
		m.RecordTokenRevocation(ctx, clientID, revoked)
	}
}

// errInvalidClient is the single generic client-authentication failure
func errInvalidClient() error {
	return fmt.Errorf("%s: client authentication failed", ErrorCodeInvalidClient)
}
