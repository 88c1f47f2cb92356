// Package postgres provides a PostgreSQL-backed implementation of the storage
// interfaces using database/sql and lib/pq. Single-use code consumption relies
// on a conditional UPDATE, rate-limit windows on upsert increments, and the
// audit chain on a unique constraint over the previous-hash column.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/habitflow/oauthd/instrumentation"
	"github.com/habitflow/oauthd/internal/util"
	"github.com/habitflow/oauthd/storage"
)

const (
	// tokenIDLogLength is the number of characters logged for codes and hashes
	tokenIDLogLength = 8

	// uniqueViolation is the PostgreSQL error code for unique constraint violations
	uniqueViolation = "23505"
)

// Compile-time interface checks
var (
	_ storage.ClientStore    = (*Store)(nil)
	_ storage.FlowStore      = (*Store)(nil)
	_ storage.TokenStore     = (*Store)(nil)
	_ storage.RateLimitStore = (*Store)(nil)
	_ storage.AuditLogStore  = (*Store)(nil)
)

// Store is a PostgreSQL-backed storage implementation.
// It satisfies ClientStore, FlowStore, TokenStore, RateLimitStore, and
// AuditLogStore.
type Store struct {
	db *sql.DB

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New opens a connection pool to PostgreSQL and ensures the schema exists.
// The caller owns the returned store and must call Close when done.
func New(ctx context.Context, connString string) (*Store, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing database handle. The schema is still ensured.
// Useful for tests and hosts that manage their own pool.
func NewWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// SetInstrumentation enables metrics and tracing for storage operations
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage/postgres")
	}
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS oauth_clients (
		id UUID PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL UNIQUE,
		client_secret_hash TEXT NOT NULL DEFAULT '',
		client_secret_salt TEXT NOT NULL DEFAULT '',
		client_type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_oauth_clients_owner ON oauth_clients(owner_user_id);

	CREATE TABLE IF NOT EXISTS oauth_redirect_uris (
		id UUID PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES oauth_clients(client_id) ON DELETE CASCADE,
		uri TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_oauth_redirect_uris_client ON oauth_redirect_uris(client_id);

	CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
		id UUID PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		redirect_uri TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		code_challenge TEXT NOT NULL DEFAULT '',
		code_challenge_method TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		is_used BOOLEAN NOT NULL DEFAULT FALSE,
		used_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_oauth_codes_client ON oauth_authorization_codes(client_id);
	CREATE INDEX IF NOT EXISTS idx_oauth_codes_expires ON oauth_authorization_codes(expires_at);

	CREATE TABLE IF NOT EXISTS oauth_tokens (
		id UUID PRIMARY KEY,
		token_hash TEXT NOT NULL UNIQUE,
		token_type TEXT NOT NULL,
		client_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_oauth_tokens_client ON oauth_tokens(client_id);
	CREATE INDEX IF NOT EXISTS idx_oauth_tokens_user_client ON oauth_tokens(user_id, client_id);
	CREATE INDEX IF NOT EXISTS idx_oauth_tokens_expires ON oauth_tokens(expires_at);

	CREATE TABLE IF NOT EXISTS oauth_rate_limit_windows (
		identifier TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (identifier, endpoint, window_start)
	);
	CREATE INDEX IF NOT EXISTS idx_oauth_rate_windows_expires ON oauth_rate_limit_windows(expires_at);

	CREATE TABLE IF NOT EXISTS oauth_audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		client_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent_hash TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		log_hash TEXT NOT NULL UNIQUE,
		prev_log_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS oauth_registration_ips (
		ip TEXT PRIMARY KEY,
		count INT NOT NULL DEFAULT 0
	);`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation)
}

func (s *Store) record(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		if s.tracer != nil {
			span.End()
		}
	}
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
}

// nullTime converts a zero time to a NULL column value
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// ==================== ClientStore ====================

// SaveClient persists a registered client application
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startSpan(ctx, "save_client")
	start := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients
			(id, owner_user_id, name, description, client_id, client_secret_hash, client_secret_salt, client_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (client_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			client_secret_hash = EXCLUDED.client_secret_hash,
			client_secret_salt = EXCLUDED.client_secret_salt,
			updated_at = EXCLUDED.updated_at`,
		client.ID, client.OwnerUserID, client.Name, client.Description,
		client.ClientID, client.ClientSecretHash, client.ClientSecretSalt,
		client.ClientType, client.CreatedAt, client.UpdatedAt)
	if err != nil {
		err = fmt.Errorf("failed to save client: %w", err)
	}

	s.record(ctx, span, "save_client", err, start)
	return err
}

// GetClient retrieves a client by its public client_id
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "get_client")
	start := time.Now()

	client, err := s.scanClient(s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, description, client_id, client_secret_hash, client_secret_salt, client_type, created_at, updated_at
		FROM oauth_clients WHERE client_id = $1`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, util.SafeTruncate(clientID, tokenIDLogLength))
	}

	s.record(ctx, span, "get_client", err, start)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ListClientsByOwner lists all clients owned by a user
func (s *Store) ListClientsByOwner(ctx context.Context, ownerUserID string) ([]*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "list_clients_by_owner")
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, name, description, client_id, client_secret_hash, client_secret_salt, client_type, created_at, updated_at
		FROM oauth_clients WHERE owner_user_id = $1 ORDER BY created_at`, ownerUserID)
	if err != nil {
		s.record(ctx, span, "list_clients_by_owner", err, start)
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, err := s.scanClient(rows)
		if err != nil {
			s.record(ctx, span, "list_clients_by_owner", err, start)
			return nil, err
		}
		clients = append(clients, client)
	}
	err = rows.Err()

	s.record(ctx, span, "list_clients_by_owner", err, start)
	if err != nil {
		return nil, err
	}
	return clients, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanClient(row rowScanner) (*storage.Client, error) {
	var c storage.Client
	err := row.Scan(&c.ID, &c.OwnerUserID, &c.Name, &c.Description, &c.ClientID,
		&c.ClientSecretHash, &c.ClientSecretSalt, &c.ClientType, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateClientSecret replaces the stored secret hash and salt for a client
func (s *Store) UpdateClientSecret(ctx context.Context, clientID, secretHash, secretSalt string) error {
	ctx, span := s.startSpan(ctx, "update_client_secret")
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_clients SET client_secret_hash = $2, client_secret_salt = $3, updated_at = $4
		WHERE client_id = $1`,
		clientID, secretHash, secretSalt, time.Now().UTC())
	if err == nil {
		if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
			err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, util.SafeTruncate(clientID, tokenIDLogLength))
		}
	}

	s.record(ctx, span, "update_client_secret", err, start)
	return err
}

// DeleteClient removes a client; redirect URIs cascade via foreign key
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	ctx, span := s.startSpan(ctx, "delete_client")
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	if err == nil {
		if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
			err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, util.SafeTruncate(clientID, tokenIDLogLength))
		}
	}

	s.record(ctx, span, "delete_client", err, start)
	return err
}

// SaveRedirectURI adds a redirect URI for a client, enforcing the active cap
func (s *Store) SaveRedirectURI(ctx context.Context, uri *storage.RedirectURI) error {
	ctx, span := s.startSpan(ctx, "save_redirect_uri")
	start := time.Now()

	err := s.saveRedirectURITx(ctx, uri)

	s.record(ctx, span, "save_redirect_uri", err, start)
	return err
}

func (s *Store) saveRedirectURITx(ctx context.Context, uri *storage.RedirectURI) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// Serialize concurrent inserts for the same client so the cap holds.
	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM oauth_redirect_uris
		WHERE client_id = $1 AND is_active = TRUE FOR UPDATE`, uri.ClientID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count redirect URIs: %w", err)
	}
	if count >= storage.MaxActiveRedirectURIs {
		return fmt.Errorf("%w: client %s", storage.ErrRedirectURILimit, util.SafeTruncate(uri.ClientID, tokenIDLogLength))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO oauth_redirect_uris (id, client_id, uri, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uri.ID, uri.ClientID, uri.URI, uri.Active, uri.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save redirect URI: %w", err)
	}
	return tx.Commit()
}

// ListActiveRedirectURIs lists the active redirect URIs for a client
func (s *Store) ListActiveRedirectURIs(ctx context.Context, clientID string) ([]*storage.RedirectURI, error) {
	ctx, span := s.startSpan(ctx, "list_active_redirect_uris")
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, uri, is_active, created_at
		FROM oauth_redirect_uris
		WHERE client_id = $1 AND is_active = TRUE ORDER BY created_at`, clientID)
	if err != nil {
		s.record(ctx, span, "list_active_redirect_uris", err, start)
		return nil, fmt.Errorf("failed to list redirect URIs: %w", err)
	}
	defer rows.Close()

	var uris []*storage.RedirectURI
	for rows.Next() {
		var u storage.RedirectURI
		if err := rows.Scan(&u.ID, &u.ClientID, &u.URI, &u.Active, &u.CreatedAt); err != nil {
			s.record(ctx, span, "list_active_redirect_uris", err, start)
			return nil, err
		}
		uris = append(uris, &u)
	}
	err = rows.Err()

	s.record(ctx, span, "list_active_redirect_uris", err, start)
	if err != nil {
		return nil, err
	}
	return uris, nil
}

// DeactivateRedirectURI marks a redirect URI inactive
func (s *Store) DeactivateRedirectURI(ctx context.Context, clientID, uriID string) error {
	ctx, span := s.startSpan(ctx, "deactivate_redirect_uri")
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_redirect_uris SET is_active = FALSE
		WHERE client_id = $1 AND id = $2 AND is_active = TRUE`, clientID, uriID)
	if err == nil {
		if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
			err = storage.ErrRedirectURINotFound
		}
	}

	s.record(ctx, span, "deactivate_redirect_uri", err, start)
	return err
}

// CheckRegistrationIPLimit checks if an IP has reached the registration limit
func (s *Store) CheckRegistrationIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	ctx, span := s.startSpan(ctx, "check_registration_ip_limit")
	start := time.Now()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count FROM oauth_registration_ips WHERE ip = $1`, ip).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		count = 0
	}
	if err == nil && count >= maxClientsPerIP {
		err = fmt.Errorf("%w: %s", storage.ErrRegistrationLimitExceeded, ip)
	}

	s.record(ctx, span, "check_registration_ip_limit", err, start)
	return err
}

// TrackRegistrationIP records a successful registration from an IP
func (s *Store) TrackRegistrationIP(ctx context.Context, ip string) error {
	ctx, span := s.startSpan(ctx, "track_registration_ip")
	start := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_registration_ips (ip, count) VALUES ($1, 1)
		ON CONFLICT (ip) DO UPDATE SET count = oauth_registration_ips.count + 1`, ip)

	s.record(ctx, span, "track_registration_ip", err, start)
	return err
}

// ==================== FlowStore ====================

// SaveAuthorizationCode persists an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startSpan(ctx, "save_authorization_code")
	start := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_authorization_codes
			(id, code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, created_at, expires_at, is_used, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		code.ID, code.Code, code.ClientID, code.UserID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.CreatedAt, code.ExpiresAt,
		code.Used, nullTime(code.UsedAt))
	if err != nil {
		err = fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.record(ctx, span, "save_authorization_code", err, start)
	return err
}

const authorizationCodeColumns = `id, code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, created_at, expires_at, is_used, used_at`

func (s *Store) scanAuthorizationCode(row rowScanner) (*storage.AuthorizationCode, error) {
	var c storage.AuthorizationCode
	var usedAt sql.NullTime
	err := row.Scan(&c.ID, &c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.CreatedAt, &c.ExpiresAt, &c.Used, &usedAt)
	if err != nil {
		return nil, err
	}
	c.UsedAt = fromNullTime(usedAt)
	return &c, nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "get_authorization_code")
	start := time.Now()

	record, err := s.scanAuthorizationCode(s.db.QueryRowContext(ctx,
		`SELECT `+authorizationCodeColumns+` FROM oauth_authorization_codes WHERE code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeNotFound, util.SafeTruncate(code, tokenIDLogLength))
	}

	s.record(ctx, span, "get_authorization_code", err, start)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ConsumeAuthorizationCode atomically marks an unused code as used and returns it.
// The conditional UPDATE guarantees exactly one of N concurrent consumers wins;
// the losers fall through to the diagnostic SELECT.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "consume_authorization_code")
	start := time.Now()

	now := time.Now().UTC()
	record, err := s.scanAuthorizationCode(s.db.QueryRowContext(ctx, `
		UPDATE oauth_authorization_codes
		SET is_used = TRUE, used_at = $2
		WHERE code = $1 AND is_used = FALSE AND expires_at > $2
		RETURNING `+authorizationCodeColumns, code, now))
	if err == nil {
		s.record(ctx, span, "consume_authorization_code", nil, start)
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.record(ctx, span, "consume_authorization_code", err, start)
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// The claim failed. Look at the row to tell the caller why.
	record, selErr := s.scanAuthorizationCode(s.db.QueryRowContext(ctx,
		`SELECT `+authorizationCodeColumns+` FROM oauth_authorization_codes WHERE code = $1`, code))
	switch {
	case errors.Is(selErr, sql.ErrNoRows):
		err = fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeNotFound, util.SafeTruncate(code, tokenIDLogLength))
	case selErr != nil:
		err = selErr
	case !record.ExpiresAt.After(now) && !record.Used:
		err = fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeExpired, util.SafeTruncate(code, tokenIDLogLength))
	default:
		// Already consumed. Return the record for reuse forensics.
		s.record(ctx, span, "consume_authorization_code", storage.ErrAuthorizationCodeUsed, start)
		return record, fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeUsed, util.SafeTruncate(code, tokenIDLogLength))
	}

	s.record(ctx, span, "consume_authorization_code", err, start)
	return nil, err
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	ctx, span := s.startSpan(ctx, "delete_authorization_code")
	start := time.Now()

	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_authorization_codes WHERE code = $1`, code)

	s.record(ctx, span, "delete_authorization_code", err, start)
	return err
}

// DeleteCodesForClient removes all codes bound to a client
func (s *Store) DeleteCodesForClient(ctx context.Context, clientID string) (int, error) {
	ctx, span := s.startSpan(ctx, "delete_codes_for_client")
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_authorization_codes WHERE client_id = $1`, clientID)
	var n int64
	if err == nil {
		n, err = res.RowsAffected()
	}

	s.record(ctx, span, "delete_codes_for_client", err, start)
	return int(n), err
}

// ==================== TokenStore ====================

// SaveToken persists a token record
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startSpan(ctx, "save_token")
	start := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens
			(id, token_hash, token_type, client_id, user_id, scope, created_at, expires_at, revoked_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		token.ID, token.TokenHash, token.TokenType, token.ClientID, token.UserID,
		token.Scope, token.CreatedAt, token.ExpiresAt,
		nullTime(token.RevokedAt), nullTime(token.LastUsedAt))
	if err != nil {
		err = fmt.Errorf("failed to save token: %w", err)
	}

	s.record(ctx, span, "save_token", err, start)
	return err
}

// GetTokenByHash retrieves a token record by the hash of the presented token
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, "get_token_by_hash")
	start := time.Now()

	var t storage.Token
	var revokedAt, lastUsedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, token_type, client_id, user_id, scope, created_at, expires_at, revoked_at, last_used_at
		FROM oauth_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&t.ID, &t.TokenHash, &t.TokenType, &t.ClientID, &t.UserID, &t.Scope,
			&t.CreatedAt, &t.ExpiresAt, &revokedAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, util.SafeTruncate(tokenHash, tokenIDLogLength))
	}

	s.record(ctx, span, "get_token_by_hash", err, start)
	if err != nil {
		return nil, err
	}
	t.RevokedAt = fromNullTime(revokedAt)
	t.LastUsedAt = fromNullTime(lastUsedAt)
	return &t, nil
}

// TouchToken updates last_used_at for a token. Best effort.
func (s *Store) TouchToken(ctx context.Context, tokenHash string, usedAt time.Time) error {
	ctx, span := s.startSpan(ctx, "touch_token")
	start := time.Now()

	_, err := s.db.ExecContext(ctx,
		`UPDATE oauth_tokens SET last_used_at = $2 WHERE token_hash = $1`, tokenHash, usedAt)

	s.record(ctx, span, "touch_token", err, start)
	return err
}

// RevokeToken marks a single token revoked
func (s *Store) RevokeToken(ctx context.Context, tokenHash string) error {
	ctx, span := s.startSpan(ctx, "revoke_token")
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_tokens SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash, time.Now().UTC())
	if err == nil {
		if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
			err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, util.SafeTruncate(tokenHash, tokenIDLogLength))
		}
	}

	s.record(ctx, span, "revoke_token", err, start)
	return err
}

// RevokeTokensForClient revokes every live token bound to a client
func (s *Store) RevokeTokensForClient(ctx context.Context, clientID string) (int, error) {
	ctx, span := s.startSpan(ctx, "revoke_tokens_for_client")
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_tokens SET revoked_at = $2
		WHERE client_id = $1 AND revoked_at IS NULL`, clientID, time.Now().UTC())
	var n int64
	if err == nil {
		n, err = res.RowsAffected()
	}

	s.record(ctx, span, "revoke_tokens_for_client", err, start)
	return int(n), err
}

// RevokeTokensForUserClient revokes every live token for a user+client pair
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	ctx, span := s.startSpan(ctx, "revoke_tokens_for_user_client")
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_tokens SET revoked_at = $3
		WHERE user_id = $1 AND client_id = $2 AND revoked_at IS NULL`,
		userID, clientID, time.Now().UTC())
	var n int64
	if err == nil {
		n, err = res.RowsAffected()
	}

	s.record(ctx, span, "revoke_tokens_for_user_client", err, start)
	return int(n), err
}

// ==================== RateLimitStore ====================

// GetWindowCount reads the request count for the given window without incrementing
func (s *Store) GetWindowCount(ctx context.Context, identifier, endpoint string, windowStart time.Time) (int64, error) {
	ctx, span := s.startSpan(ctx, "get_window_count")
	start := time.Now()

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM oauth_rate_limit_windows
		WHERE identifier = $1 AND endpoint = $2 AND window_start = $3`,
		identifier, endpoint, windowStart).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		count = 0
	}

	s.record(ctx, span, "get_window_count", err, start)
	return count, err
}

// IncrementWindow upserts the window record and increments its count
func (s *Store) IncrementWindow(ctx context.Context, identifier, endpoint string, windowStart time.Time, ttl time.Duration) (int64, error) {
	ctx, span := s.startSpan(ctx, "increment_window")
	start := time.Now()

	var count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO oauth_rate_limit_windows (identifier, endpoint, window_start, count, expires_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (identifier, endpoint, window_start)
		DO UPDATE SET count = oauth_rate_limit_windows.count + 1
		RETURNING count`,
		identifier, endpoint, windowStart, windowStart.Add(ttl)).Scan(&count)

	s.record(ctx, span, "increment_window", err, start)
	return count, err
}

// ==================== AuditLogStore ====================

// LatestAuditEntry returns the most recently appended entry, or nil if empty
func (s *Store) LatestAuditEntry(ctx context.Context) (*storage.AuditEntry, error) {
	ctx, span := s.startSpan(ctx, "latest_audit_entry")
	start := time.Now()

	entry, err := s.scanAuditEntry(s.db.QueryRowContext(ctx, `
		SELECT id, client_id, user_id, action, ip_address, user_agent_hash, success, error_message, log_hash, prev_log_hash, created_at
		FROM oauth_audit_log ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		s.record(ctx, span, "latest_audit_entry", nil, start)
		return nil, nil
	}

	s.record(ctx, span, "latest_audit_entry", err, start)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) scanAuditEntry(row rowScanner) (*storage.AuditEntry, error) {
	var e storage.AuditEntry
	err := row.Scan(&e.ID, &e.ClientID, &e.UserID, &e.Action, &e.IPAddress,
		&e.UserAgentHash, &e.Success, &e.ErrorMessage, &e.LogHash, &e.PrevLogHash, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// AppendAuditEntry appends an entry to the hash chain. The unique constraint
// on prev_log_hash keeps the chain linear: of two concurrent appends naming
// the same predecessor, exactly one commits and the other gets
// ErrAuditChainConflict.
func (s *Store) AppendAuditEntry(ctx context.Context, entry *storage.AuditEntry) error {
	ctx, span := s.startSpan(ctx, "append_audit_entry")
	start := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_audit_log
			(id, client_id, user_id, action, ip_address, user_agent_hash, success, error_message, log_hash, prev_log_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.ClientID, entry.UserID, entry.Action, entry.IPAddress,
		entry.UserAgentHash, entry.Success, entry.ErrorMessage,
		entry.LogHash, entry.PrevLogHash, entry.CreatedAt)
	if isUniqueViolation(err) {
		err = storage.ErrAuditChainConflict
	}

	s.record(ctx, span, "append_audit_entry", err, start)
	return err
}

// ListAuditEntries returns entries in append order, oldest first
func (s *Store) ListAuditEntries(ctx context.Context, limit int) ([]*storage.AuditEntry, error) {
	ctx, span := s.startSpan(ctx, "list_audit_entries")
	start := time.Now()

	query := `
		SELECT id, client_id, user_id, action, ip_address, user_agent_hash, success, error_message, log_hash, prev_log_hash, created_at
		FROM oauth_audit_log ORDER BY seq`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.record(ctx, span, "list_audit_entries", err, start)
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*storage.AuditEntry
	for rows.Next() {
		entry, err := s.scanAuditEntry(rows)
		if err != nil {
			s.record(ctx, span, "list_audit_entries", err, start)
			return nil, err
		}
		entries = append(entries, entry)
	}
	err = rows.Err()

	s.record(ctx, span, "list_audit_entries", err, start)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ==================== Maintenance ====================

// Cleanup removes expired authorization codes, expired tokens, and stale
// rate-limit windows. Consumed codes are retained briefly so a late duplicate
// exchange is still classified as reuse.
func (s *Store) Cleanup(ctx context.Context, usedCodeRetention time.Duration) error {
	now := time.Now().UTC()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_authorization_codes WHERE expires_at < $1`,
		now.Add(-usedCodeRetention)); err != nil {
		return fmt.Errorf("failed to clean up authorization codes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE expires_at < $1`, now); err != nil {
		return fmt.Errorf("failed to clean up tokens: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_rate_limit_windows WHERE expires_at < $1`, now); err != nil {
		return fmt.Errorf("failed to clean up rate limit windows: %w", err)
	}
	return nil
}

// RunCleanup runs Cleanup on the given interval until ctx is canceled
func (s *Store) RunCleanup(ctx context.Context, interval, usedCodeRetention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Cleanup(ctx, usedCodeRetention)
		}
	}
}
