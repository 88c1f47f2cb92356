package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/habitflow/oauthd/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if the connection fails.
// Each test gets a unique prefix to ensure isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauthdtest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all keys under the store's prefix
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("cleanup scan failed: %v", err)
			return
		}
		for _, key := range result.Elements {
			if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
				t.Logf("cleanup delete failed: %v", err)
			}
		}
		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func newTestClient() *storage.Client {
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.Client{
		ID:          uuid.NewString(),
		OwnerUserID: "owner-1",
		Name:        "Test App",
		ClientID:    uuid.NewString(),
		ClientType:  "public",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestClientLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := newTestClient()
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.Name != client.Name || got.OwnerUserID != client.OwnerUserID {
		t.Errorf("GetClient() = %+v, want %+v", got, client)
	}

	owned, err := s.ListClientsByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListClientsByOwner() error = %v", err)
	}
	if len(owned) != 1 {
		t.Errorf("ListClientsByOwner() returned %d clients, want 1", len(owned))
	}

	if err := s.UpdateClientSecret(ctx, client.ClientID, "new-hash", "new-salt"); err != nil {
		t.Fatalf("UpdateClientSecret() error = %v", err)
	}
	got, err = s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() after rotation error = %v", err)
	}
	if got.ClientSecretHash != "new-hash" || got.ClientSecretSalt != "new-salt" {
		t.Errorf("secret not rotated: hash=%q salt=%q", got.ClientSecretHash, got.ClientSecretSalt)
	}

	if err := s.DeleteClient(ctx, client.ClientID); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := s.GetClient(ctx, client.ClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(deleted) error = %v, want ErrClientNotFound", err)
	}
	owned, err = s.ListClientsByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListClientsByOwner() after delete error = %v", err)
	}
	if len(owned) != 0 {
		t.Errorf("ListClientsByOwner() after delete returned %d clients, want 0", len(owned))
	}
}

func TestRedirectURICap(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	clientID := uuid.NewString()
	for i := 0; i < storage.MaxActiveRedirectURIs; i++ {
		uri := &storage.RedirectURI{
			ID:        uuid.NewString(),
			ClientID:  clientID,
			URI:       fmt.Sprintf("https://app.example.com/callback/%d", i),
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.SaveRedirectURI(ctx, uri); err != nil {
			t.Fatalf("SaveRedirectURI(%d) error = %v", i, err)
		}
	}

	over := &storage.RedirectURI{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		URI:       "https://app.example.com/callback/over",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveRedirectURI(ctx, over); !errors.Is(err, storage.ErrRedirectURILimit) {
		t.Fatalf("SaveRedirectURI(over cap) error = %v, want ErrRedirectURILimit", err)
	}

	uris, err := s.ListActiveRedirectURIs(ctx, clientID)
	if err != nil {
		t.Fatalf("ListActiveRedirectURIs() error = %v", err)
	}
	if len(uris) != storage.MaxActiveRedirectURIs {
		t.Errorf("ListActiveRedirectURIs() returned %d, want %d", len(uris), storage.MaxActiveRedirectURIs)
	}

	// Deactivating one frees a slot.
	if err := s.DeactivateRedirectURI(ctx, clientID, uris[0].ID); err != nil {
		t.Fatalf("DeactivateRedirectURI() error = %v", err)
	}
	if err := s.SaveRedirectURI(ctx, over); err != nil {
		t.Errorf("SaveRedirectURI() after deactivation error = %v", err)
	}
}

func newTestCode(ttl time.Duration) *storage.AuthorizationCode {
	now := time.Now().UTC()
	return &storage.AuthorizationCode{
		ID:        uuid.NewString(),
		Code:      uuid.NewString(),
		ClientID:  "client-1",
		UserID:    "user-1",
		Scope:     "habits:read",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestConsumeAuthorizationCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := newTestCode(time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	consumed, err := s.ConsumeAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if !consumed.Used || consumed.UserID != "user-1" {
		t.Errorf("consumed code = %+v, want used record for user-1", consumed)
	}

	// Reuse returns the original record for forensics.
	record, err := s.ConsumeAuthorizationCode(ctx, code.Code)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("reuse error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if record == nil || record.ClientID != "client-1" {
		t.Errorf("reuse should return the original record, got %+v", record)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "missing"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("ConsumeAuthorizationCode(missing) error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestConsumeAuthorizationCodeConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := newTestCode(time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeAuthorizationCode(ctx, code.Code)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, reuses int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, storage.ErrAuthorizationCodeUsed):
			reuses++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("got %d successful consumes, want exactly 1", successes)
	}
	if reuses != attempts-1 {
		t.Errorf("got %d reuse errors, want %d", reuses, attempts-1)
	}
}

func TestTokenRevocationCascade(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		token := &storage.Token{
			ID:        uuid.NewString(),
			TokenHash: fmt.Sprintf("hash-%d", i),
			TokenType: storage.TokenTypeAccess,
			ClientID:  "client-1",
			UserID:    "user-1",
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}
		if err := s.SaveToken(ctx, token); err != nil {
			t.Fatalf("SaveToken(%d) error = %v", i, err)
		}
	}

	revoked, err := s.RevokeTokensForUserClient(ctx, "user-1", "client-1")
	if err != nil {
		t.Fatalf("RevokeTokensForUserClient() error = %v", err)
	}
	if revoked != 3 {
		t.Errorf("RevokeTokensForUserClient() = %d, want 3", revoked)
	}

	got, err := s.GetTokenByHash(ctx, "hash-0")
	if err != nil {
		t.Fatalf("GetTokenByHash() error = %v", err)
	}
	if !got.Revoked() {
		t.Error("token should be revoked after cascade")
	}

	// A second cascade finds nothing live.
	revoked, err = s.RevokeTokensForClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("RevokeTokensForClient() error = %v", err)
	}
	if revoked != 0 {
		t.Errorf("second cascade revoked %d tokens, want 0", revoked)
	}
}

func TestRateLimitWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	windowStart := time.Now().UTC().Truncate(time.Minute)
	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrementWindow(ctx, "ip:203.0.113.7", "token", windowStart, 2*time.Minute)
		if err != nil {
			t.Fatalf("IncrementWindow() error = %v", err)
		}
		if got != want {
			t.Errorf("IncrementWindow() = %d, want %d", got, want)
		}
	}

	count, err := s.GetWindowCount(ctx, "ip:203.0.113.7", "token", windowStart)
	if err != nil {
		t.Fatalf("GetWindowCount() error = %v", err)
	}
	if count != 3 {
		t.Errorf("GetWindowCount() = %d, want 3", count)
	}

	// A different window starts from zero.
	count, err = s.GetWindowCount(ctx, "ip:203.0.113.7", "token", windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetWindowCount(next window) error = %v", err)
	}
	if count != 0 {
		t.Errorf("GetWindowCount(next window) = %d, want 0", count)
	}
}

func TestAuditChain(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	latest, err := s.LatestAuditEntry(ctx)
	if err != nil {
		t.Fatalf("LatestAuditEntry() error = %v", err)
	}
	if latest != nil {
		t.Fatalf("LatestAuditEntry() on empty log = %+v, want nil", latest)
	}

	first := &storage.AuditEntry{
		ID:        uuid.NewString(),
		Action:    "token_issued",
		Success:   true,
		LogHash:   "hash-1",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.AppendAuditEntry(ctx, first); err != nil {
		t.Fatalf("AppendAuditEntry(first) error = %v", err)
	}

	// An append naming a stale predecessor conflicts.
	stale := &storage.AuditEntry{
		ID:          uuid.NewString(),
		Action:      "token_issued",
		Success:     true,
		LogHash:     "hash-stale",
		PrevLogHash: "",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.AppendAuditEntry(ctx, stale); !errors.Is(err, storage.ErrAuditChainConflict) {
		t.Fatalf("AppendAuditEntry(stale) error = %v, want ErrAuditChainConflict", err)
	}

	second := &storage.AuditEntry{
		ID:          uuid.NewString(),
		Action:      "code_issued",
		Success:     true,
		LogHash:     "hash-2",
		PrevLogHash: "hash-1",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.AppendAuditEntry(ctx, second); err != nil {
		t.Fatalf("AppendAuditEntry(second) error = %v", err)
	}

	entries, err := s.ListAuditEntries(ctx, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListAuditEntries() returned %d entries, want 2", len(entries))
	}
	if entries[0].LogHash != "hash-1" || entries[1].LogHash != "hash-2" {
		t.Errorf("entries out of order: %q, %q", entries[0].LogHash, entries[1].LogHash)
	}

	latest, err = s.LatestAuditEntry(ctx)
	if err != nil {
		t.Fatalf("LatestAuditEntry() error = %v", err)
	}
	if latest == nil || latest.LogHash != "hash-2" {
		t.Errorf("LatestAuditEntry() = %+v, want hash-2", latest)
	}
}
