package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/habitflow/oauthd/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode persists an issued authorization code.
// The key lives past the code's expiry by the reuse-detection retention
// window; the Lua consume script enforces the real TTL.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt.Add(usedCodeRetention))
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	// Track per client for deletion cascades.
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.clientCodesKey(code.ClientID)).Member(code.Code).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to index authorization code by client",
			"client_id", safeTruncate(code.ClientID, tokenIDLogLength),
			"error", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength),
		"client_id", safeTruncate(code.ClientID, tokenIDLogLength),
		"expires_at", code.ExpiresAt)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return getAndUnmarshal(ctx, s, s.codeKey(code),
		storage.ErrAuthorizationCodeNotFound, fromAuthorizationCodeJSON)
}

// ConsumeAuthorizationCode atomically checks that a code is unused and marks
// it as used, returning the record from before the claim.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent
// request can succeed. On reuse the original record is returned alongside
// ErrAuthorizationCodeUsed so the caller can audit with forensic context.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	now := time.Now()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", now.Unix())).
			Arg(fmt.Sprintf("%d", now.Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeNotFound,
			safeTruncate(code, tokenIDLogLength))
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeExpired,
			safeTruncate(code, tokenIDLogLength))
	case strings.HasPrefix(result, "ALREADY_USED:"):
		// Parse the stored record so the caller can identify who the code
		// was issued to.
		codeData := strings.TrimPrefix(result, "ALREADY_USED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(codeData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrAuthorizationCodeUsed)
		}
		return fromAuthorizationCodeJSON(&j), fmt.Errorf("%w: %s",
			storage.ErrAuthorizationCodeUsed, safeTruncate(code, tokenIDLogLength))
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	consumed := fromAuthorizationCodeJSON(&j)
	consumed.Used = true
	consumed.UsedAt = now

	s.logger.Debug("Consumed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength))
	return consumed, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	record, err := s.GetAuthorizationCode(ctx, code)
	if err == nil && record != nil {
		if err := s.client.Do(ctx,
			s.client.B().Srem().Key(s.clientCodesKey(record.ClientID)).Member(code).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to remove code from client index", "error", err)
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}

// DeleteCodesForClient removes all codes bound to a client
func (s *Store) DeleteCodesForClient(ctx context.Context, clientID string) (int, error) {
	setKey := s.clientCodesKey(clientID)

	codes, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to list client codes: %w", err)
	}

	deleted := 0
	for _, code := range codes {
		n, err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).AsInt64()
		if err != nil {
			return deleted, fmt.Errorf("failed to delete authorization code: %w", err)
		}
		deleted += int(n)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(setKey).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete client code index",
			"client_id", safeTruncate(clientID, tokenIDLogLength),
			"error", err)
	}

	s.logger.Debug("Deleted authorization codes for client",
		"client_id", safeTruncate(clientID, tokenIDLogLength),
		"count", deleted)
	return deleted, nil
}
