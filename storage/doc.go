// Package storage provides interfaces and utilities for OAuth client, code,
// token, rate-limit, and audit-log persistence.
//
// The storage package defines the core storage interfaces used throughout the oauthd library:
//   - ClientStore: Manages registered client applications and their redirect URIs
//   - FlowStore: Manages one-time authorization codes
//   - TokenStore: Manages hashed access and refresh tokens
//   - RateLimitStore: Manages fixed-window request counters
//   - AuditLogStore: Manages the hash-chained security event log
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/postgres: PostgreSQL storage via database/sql
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
