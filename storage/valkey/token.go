package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/habitflow/oauthd/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken persists a token record keyed by the token's SHA-256 hash. The key
// expires with the token, so expired records vanish without a cleanup pass.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if err := validateStringLength(token.TokenHash, MaxIDLength, "tokenHash"); err != nil {
		return err
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token already expired")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := s.tokenKey(token.TokenHash)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	// Track per client and per user+client for revocation cascades.
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.clientTokensKey(token.ClientID)).Member(token.TokenHash).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to index token by client",
			"client_id", safeTruncate(token.ClientID, tokenIDLogLength),
			"error", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.userClientTokensKey(token.UserID, token.ClientID)).Member(token.TokenHash).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to index token by user+client",
			"client_id", safeTruncate(token.ClientID, tokenIDLogLength),
			"error", err)
	}

	s.logger.Debug("Saved token",
		"token_type", token.TokenType,
		"hash_prefix", safeTruncate(token.TokenHash, tokenIDLogLength),
		"expires_at", token.ExpiresAt)
	return nil
}

// GetTokenByHash retrieves a token record by the hash of the presented token
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*storage.Token, error) {
	return getAndUnmarshal(ctx, s, s.tokenKey(tokenHash),
		storage.ErrTokenNotFound, fromTokenJSON)
}

// TouchToken updates last_used_at for a token. Best effort; a lost update
// under concurrency only leaves the timestamp slightly stale.
func (s *Store) TouchToken(ctx context.Context, tokenHash string, usedAt time.Time) error {
	token, err := s.GetTokenByHash(ctx, tokenHash)
	if err != nil {
		return err
	}

	token.LastUsedAt = usedAt
	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.tokenKey(tokenHash)).Value(string(data)).Keepttl().Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to touch token: %w", err)
	}
	return nil
}

// RevokeToken marks a single token revoked
func (s *Store) RevokeToken(ctx context.Context, tokenHash string) error {
	token, err := s.GetTokenByHash(ctx, tokenHash)
	if err != nil {
		return err
	}
	if token.Revoked() {
		return nil
	}

	token.RevokedAt = time.Now().UTC()
	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.tokenKey(tokenHash)).Value(string(data)).Keepttl().Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.logger.Debug("Revoked token",
		"hash_prefix", safeTruncate(tokenHash, tokenIDLogLength))
	return nil
}

// RevokeTokensForClient revokes every live token bound to a client.
// The Lua script walks the client's token set so the whole cascade is one
// round trip.
func (s *Store) RevokeTokensForClient(ctx context.Context, clientID string) (int, error) {
	return s.revokeTokenSet(ctx, s.clientTokensKey(clientID))
}

// RevokeTokensForUserClient revokes every live token for a user+client pair.
// Called when authorization code reuse is detected.
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	return s.revokeTokenSet(ctx, s.userClientTokensKey(userID, clientID))
}

func (s *Store) revokeTokenSet(ctx context.Context, setKey string) (int, error) {
	revoked, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeTokenSet).
			Numkeys(1).
			Key(setKey).
			Arg(s.prefix).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token set: %w", err)
	}

	s.logger.Debug("Revoked token set", "count", revoked)
	return int(revoked), nil
}
