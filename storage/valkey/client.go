package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/habitflow/oauthd/storage"
)

// luaSaveRedirectURI adds a redirect URI to a client's hash only when the
// number of active URIs is below the cap. Counting and inserting happen in
// one script so concurrent registrations cannot blow past the limit.
//
// KEYS[1] = redirect URI hash key
// ARGV[1] = URI record ID (hash field)
// ARGV[2] = serialized redirect URI JSON
// ARGV[3] = maximum number of active URIs
//
// Returns "OK" on success, "LIMIT" when the cap is reached.
const luaSaveRedirectURI = `
local active = 0
local values = redis.call('HVALS', KEYS[1])
for _, v in ipairs(values) do
    local uri = cjson.decode(v)
    if uri.active then
        active = active + 1
    end
end

if active >= tonumber(ARGV[3]) then
    return 'LIMIT'
end

redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 'OK'
`

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient persists a registered client application
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if err := validateStringLength(client.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	if client.OwnerUserID != "" {
		if err := s.client.Do(ctx,
			s.client.B().Sadd().Key(s.ownerKey(client.OwnerUserID)).Member(client.ClientID).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to index client by owner",
				"client_id", safeTruncate(client.ClientID, tokenIDLogLength),
				"error", err)
		}
	}

	s.logger.Debug("Saved client",
		"client_id", safeTruncate(client.ClientID, tokenIDLogLength),
		"client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by its public client_id
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID),
		storage.ErrClientNotFound, fromClientJSON)
}

// ListClientsByOwner lists all clients owned by a user
func (s *Store) ListClientsByOwner(ctx context.Context, ownerUserID string) ([]*storage.Client, error) {
	clientIDs, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.ownerKey(ownerUserID)).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list owner's clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(clientIDs))
	for _, clientID := range clientIDs {
		client, err := s.GetClient(ctx, clientID)
		if err != nil {
			// Client may have been deleted; drop the stale index entry.
			if err := s.client.Do(ctx,
				s.client.B().Srem().Key(s.ownerKey(ownerUserID)).Member(clientID).Build(),
			).Error(); err != nil {
				s.logger.Warn("Failed to prune stale owner index entry", "error", err)
			}
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// UpdateClientSecret replaces the stored secret hash and salt for a client
func (s *Store) UpdateClientSecret(ctx context.Context, clientID, secretHash, secretSalt string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	client.ClientSecretHash = secretHash
	client.ClientSecretSalt = secretSalt
	client.UpdatedAt = time.Now().UTC()
	return s.SaveClient(ctx, client)
}

// DeleteClient removes a client, its owner index entry, and its redirect URIs.
// Token and code revocation is the caller's responsibility.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	if client.OwnerUserID != "" {
		if err := s.client.Do(ctx,
			s.client.B().Srem().Key(s.ownerKey(client.OwnerUserID)).Member(clientID).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to remove client from owner index", "error", err)
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.redirectURIKey(clientID)).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete redirect URIs",
			"client_id", safeTruncate(clientID, tokenIDLogLength),
			"error", err)
	}

	s.logger.Debug("Deleted client", "client_id", safeTruncate(clientID, tokenIDLogLength))
	return nil
}

// SaveRedirectURI adds a redirect URI for a client, enforcing the active cap
func (s *Store) SaveRedirectURI(ctx context.Context, uri *storage.RedirectURI) error {
	data, err := json.Marshal(toRedirectURIJSON(uri))
	if err != nil {
		return fmt.Errorf("failed to marshal redirect URI: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveRedirectURI).
			Numkeys(1).
			Key(s.redirectURIKey(uri.ClientID)).
			Arg(uri.ID).
			Arg(string(data)).
			Arg(strconv.Itoa(storage.MaxActiveRedirectURIs)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save redirect URI: %w", err)
	}

	if result == "LIMIT" {
		return fmt.Errorf("%w: client %s", storage.ErrRedirectURILimit,
			safeTruncate(uri.ClientID, tokenIDLogLength))
	}
	return nil
}

// ListActiveRedirectURIs lists the active redirect URIs for a client
func (s *Store) ListActiveRedirectURIs(ctx context.Context, clientID string) ([]*storage.RedirectURI, error) {
	values, err := s.client.Do(ctx,
		s.client.B().Hvals().Key(s.redirectURIKey(clientID)).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list redirect URIs: %w", err)
	}

	uris := make([]*storage.RedirectURI, 0, len(values))
	for _, value := range values {
		var j redirectURIJSON
		if err := json.Unmarshal([]byte(value), &j); err != nil {
			s.logger.Warn("Failed to unmarshal redirect URI, skipping", "error", err)
			continue
		}
		if j.Active {
			uris = append(uris, fromRedirectURIJSON(&j))
		}
	}
	return uris, nil
}

// DeactivateRedirectURI marks a redirect URI inactive
func (s *Store) DeactivateRedirectURI(ctx context.Context, clientID, uriID string) error {
	key := s.redirectURIKey(clientID)

	data, err := s.client.Do(ctx,
		s.client.B().Hget().Key(key).Field(uriID).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrRedirectURINotFound
		}
		return fmt.Errorf("failed to get redirect URI: %w", err)
	}

	var j redirectURIJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return fmt.Errorf("failed to unmarshal redirect URI: %w", err)
	}
	if !j.Active {
		return storage.ErrRedirectURINotFound
	}
	j.Active = false

	updated, err := json.Marshal(&j)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect URI: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Hset().Key(key).FieldValue().FieldValue(uriID, string(updated)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to deactivate redirect URI: %w", err)
	}
	return nil
}

// CheckRegistrationIPLimit checks if an IP has reached the client registration limit
func (s *Store) CheckRegistrationIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil // No limit
	}

	countStr, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.registrationIPKey(ip)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			// No registrations yet for this IP
			return nil
		}
		return fmt.Errorf("failed to check registration IP limit: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil
	}

	if count >= maxClientsPerIP {
		s.logger.Warn("Client registration limit reached",
			"ip", ip,
			"current_count", count,
			"max_allowed", maxClientsPerIP)
		return fmt.Errorf("%w: %s", storage.ErrRegistrationLimitExceeded, ip)
	}
	return nil
}

// TrackRegistrationIP increments the registration count for an IP address
func (s *Store) TrackRegistrationIP(ctx context.Context, ip string) error {
	key := s.registrationIPKey(ip)

	if _, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64(); err != nil {
		return fmt.Errorf("failed to track registration IP: %w", err)
	}

	// Counters reset daily.
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(key).Seconds(int64(registrationIPTrackingTTL.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on registration IP key",
			"ip", ip,
			"error", err)
	}
	return nil
}
