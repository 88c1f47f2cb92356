package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/habitflow/oauthd/storage"
)

// ============================================================
// RateLimitStore Implementation
// ============================================================

// GetWindowCount reads the request count for the given window without incrementing
func (s *Store) GetWindowCount(ctx context.Context, identifier, endpoint string, windowStart time.Time) (int64, error) {
	countStr, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.rateLimitKey(identifier, endpoint, windowStart)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get window count: %w", err)
	}

	count, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid window count: %w", err)
	}
	return count, nil
}

// IncrementWindow atomically increments the window counter and returns the new
// count. INCR creates the key on first use; the TTL lets stale windows expire
// on their own.
func (s *Store) IncrementWindow(ctx context.Context, identifier, endpoint string, windowStart time.Time, ttl time.Duration) (int64, error) {
	key := s.rateLimitKey(identifier, endpoint, windowStart)

	count, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment window: %w", err)
	}

	// Only the creating increment needs to set the TTL.
	if count == 1 && ttl > 0 {
		if err := s.client.Do(ctx,
			s.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to set TTL on rate limit window",
				"endpoint", endpoint,
				"error", err)
		}
	}
	return count, nil
}

// ============================================================
// AuditLogStore Implementation
// ============================================================

// LatestAuditEntry returns the most recently appended entry, or nil if the
// log is empty.
func (s *Store) LatestAuditEntry(ctx context.Context) (*storage.AuditEntry, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Lindex().Key(s.auditLogKey()).Index(-1).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest audit entry: %w", err)
	}

	var j auditEntryJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
	}
	return fromAuditEntryJSON(&j), nil
}

// AppendAuditEntry appends an entry to the hash chain. The Lua script compares
// the caller's previous hash against the stored head, so of two concurrent
// appends naming the same predecessor exactly one commits and the other gets
// ErrAuditChainConflict.
func (s *Store) AppendAuditEntry(ctx context.Context, entry *storage.AuditEntry) error {
	data, err := json.Marshal(toAuditEntryJSON(entry))
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAppendAuditEntry).
			Numkeys(2).
			Key(s.auditHeadKey()).
			Key(s.auditLogKey()).
			Arg(entry.PrevLogHash).
			Arg(entry.LogHash).
			Arg(string(data)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if result == "CONFLICT" {
		return storage.ErrAuditChainConflict
	}

	s.logger.Debug("Appended audit entry",
		"action", entry.Action,
		"hash_prefix", safeTruncate(entry.LogHash, tokenIDLogLength))
	return nil
}

// ListAuditEntries returns entries in append order, oldest first.
// limit <= 0 returns the full log.
func (s *Store) ListAuditEntries(ctx context.Context, limit int) ([]*storage.AuditEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	values, err := s.client.Do(ctx,
		s.client.B().Lrange().Key(s.auditLogKey()).Start(0).Stop(stop).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	entries := make([]*storage.AuditEntry, 0, len(values))
	for _, value := range values {
		var j auditEntryJSON
		if err := json.Unmarshal([]byte(value), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		entries = append(entries, fromAuditEntryJSON(&j))
	}
	return entries, nil
}
