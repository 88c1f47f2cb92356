package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/habitflow/oauthd/storage"
)

// newTestStore connects to the database named by TEST_DATABASE_URL, skipping
// the test when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres integration test")
	}

	s, err := New(context.Background(), connString)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClientRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ID:          uuid.NewString(),
		OwnerUserID: "user-1",
		Name:        "Test App",
		ClientID:    uuid.NewString(),
		ClientType:  "public",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteClient(ctx, client.ClientID) })

	got, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.Name != client.Name || got.ClientType != client.ClientType {
		t.Errorf("GetClient() = %+v, want name %q type %q", got, client.Name, client.ClientType)
	}

	if _, err := s.GetClient(ctx, "nope"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(unknown) error = %v, want ErrClientNotFound", err)
	}
}

func TestConsumeAuthorizationCodeOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		ID:        uuid.NewString(),
		Code:      uuid.NewString(),
		ClientID:  "client-1",
		UserID:    "user-1",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteAuthorizationCode(ctx, code.Code) })

	if _, err := s.ConsumeAuthorizationCode(ctx, code.Code); err != nil {
		t.Fatalf("first ConsumeAuthorizationCode() error = %v", err)
	}

	record, err := s.ConsumeAuthorizationCode(ctx, code.Code)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second ConsumeAuthorizationCode() error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if record == nil || record.UserID != "user-1" {
		t.Errorf("reuse should return the original record for forensics, got %+v", record)
	}
}

func TestAuditChainConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestAuditEntry(ctx)
	if err != nil {
		t.Fatalf("LatestAuditEntry() error = %v", err)
	}
	prev := ""
	if latest != nil {
		prev = latest.LogHash
	}

	first := &storage.AuditEntry{
		ID:          uuid.NewString(),
		Action:      "token_issued",
		Success:     true,
		LogHash:     uuid.NewString(),
		PrevLogHash: prev,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.AppendAuditEntry(ctx, first); err != nil {
		t.Fatalf("AppendAuditEntry() error = %v", err)
	}

	// A second append naming the same predecessor loses the race.
	second := &storage.AuditEntry{
		ID:          uuid.NewString(),
		Action:      "token_issued",
		Success:     true,
		LogHash:     uuid.NewString(),
		PrevLogHash: prev,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.AppendAuditEntry(ctx, second); !errors.Is(err, storage.ErrAuditChainConflict) {
		t.Errorf("AppendAuditEntry(conflict) error = %v, want ErrAuditChainConflict", err)
	}
}

func TestIncrementWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	identifier := "ip:" + uuid.NewString()
	windowStart := time.Now().UTC().Truncate(time.Minute)

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrementWindow(ctx, identifier, "token", windowStart, 2*time.Minute)
		if err != nil {
			t.Fatalf("IncrementWindow() error = %v", err)
		}
		if got != want {
			t.Errorf("IncrementWindow() = %d, want %d", got, want)
		}
	}

	count, err := s.GetWindowCount(ctx, identifier, "token", windowStart)
	if err != nil {
		t.Fatalf("GetWindowCount() error = %v", err)
	}
	if count != 3 {
		t.Errorf("GetWindowCount() = %d, want 3", count)
	}
}
