package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/habitflow/oauthd/storage"
)

// auditAppendRetries bounds how often an append is retried after losing the
// chain race to a concurrent writer.
const auditAppendRetries = 3

// Auditor writes security events to the hash-chained audit log and mirrors
// them to structured logging. Appends are best-effort: a storage failure is
// logged but never aborts the request that triggered the event.
type Auditor struct {
	store   storage.AuditLogStore
	logger  *slog.Logger
	enabled bool

	// mu serializes appends within this process so local writers don't race
	// each other for the chain head. Cross-process races are handled by the
	// store's conditional append.
	mu sync.Mutex
}

// NewAuditor creates a new security auditor. A nil store disables persistence;
// events are still logged via slog.
func NewAuditor(store storage.AuditLogStore, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		store:   store,
		logger:  logger,
		enabled: true,
	}
}

// SetEnabled toggles audit logging at runtime.
func (a *Auditor) SetEnabled(enabled bool) {
	a.enabled = enabled
}

// Event represents a security event to be recorded.
type Event struct {
	Action       string
	ClientID     string
	UserID       string
	IPAddress    string
	UserAgent    string // hashed before storage, never persisted raw
	Success      bool
	ErrorMessage string
}

// Record appends an event to the audit chain and logs it. Best effort:
// failures are logged, the caller's request proceeds regardless.
func (a *Auditor) Record(ctx context.Context, event Event) {
	if !a.enabled {
		return
	}

	a.logger.Info("security_audit",
		"action", event.Action,
		"client_id", event.ClientID,
		"user_id_hash", hashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"success", event.Success,
		"error", event.ErrorMessage,
	)

	if a.store == nil {
		return
	}

	entry := &storage.AuditEntry{
		ID:            uuid.NewString(),
		ClientID:      event.ClientID,
		UserID:        event.UserID,
		Action:        event.Action,
		IPAddress:     event.IPAddress,
		UserAgentHash: HashUserAgent(event.UserAgent),
		Success:       event.Success,
		ErrorMessage:  event.ErrorMessage,
		CreatedAt:     time.Now().UTC(),
	}

	if err := a.append(ctx, entry); err != nil {
		a.logger.Warn("Failed to append audit entry",
			"action", event.Action,
			"error", err)
	}
}

// append chains the entry onto the current log head. When a concurrent writer
// (another process) wins the race, the store reports a chain conflict and the
// append is retried against the new head.
func (a *Auditor) append(ctx context.Context, entry *storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < auditAppendRetries; attempt++ {
		latest, err := a.store.LatestAuditEntry(ctx)
		if err != nil {
			return fmt.Errorf("failed to read audit log head: %w", err)
		}

		entry.PrevLogHash = ""
		if latest != nil {
			entry.PrevLogHash = latest.LogHash
		}
		entry.LogHash = ComputeEntryHash(entry)

		err = a.store.AppendAuditEntry(ctx, entry)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrAuditChainConflict) {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
		// Lost the race, re-read the head and try again.
	}
	return fmt.Errorf("audit append abandoned after %d chain conflicts", auditAppendRetries)
}

// ComputeEntryHash computes an entry's log_hash over its identifying fields
// plus the previous entry's hash. Any byte of any covered field changing
// changes the hash, which is what makes the chain tamper-evident.
func ComputeEntryHash(e *storage.AuditEntry) string {
	h := sha256.New()
	// Field separator prevents ambiguity between adjacent fields.
	for _, field := range []string{
		e.ClientID,
		e.UserID,
		e.Action,
		strconv.FormatBool(e.Success),
		e.PrevLogHash,
		strconv.FormatInt(e.CreatedAt.UnixNano(), 10),
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks entries in append order (starting at the first entry ever
// written) and recomputes every hash. A mismatch means an entry was mutated,
// inserted, or removed at or before the reported position.
func VerifyChain(entries []*storage.AuditEntry) error {
	prevHash := ""
	for i, e := range entries {
		if e.PrevLogHash != prevHash {
			return fmt.Errorf("audit chain broken at entry %d: previous hash mismatch", i)
		}
		if computed := ComputeEntryHash(e); computed != e.LogHash {
			return fmt.Errorf("audit chain broken at entry %d: entry hash mismatch", i)
		}
		prevHash = e.LogHash
	}
	return nil
}

// HashUserAgent returns the hex SHA-256 of a user agent string, or empty for
// an empty input. The raw user agent is never persisted.
func HashUserAgent(ua string) string {
	if ua == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])
}

// hashForLogging creates a short SHA-256 prefix of sensitive data for slog output
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}
