// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// This package implements all storage interfaces required by the server,
// making it suitable for production deployments that require:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//   - High availability with clustering
//
// # Implemented Interfaces
//
// The Store type implements all required storage interfaces:
//
//   - [storage.ClientStore]: client applications and redirect URIs
//   - [storage.FlowStore]: authorization code issuance and single-use consumption
//   - [storage.TokenStore]: hash-keyed access and refresh token records
//   - [storage.RateLimitStore]: fixed-window request counters
//   - [storage.AuditLogStore]: the hash-chained security event log
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauthd:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}client:{clientID}               -> JSON(Client)
//	{prefix}owner:{userID}                  -> SET of clientIDs
//	{prefix}redirect:{clientID}             -> HASH of uriID -> JSON(RedirectURI)
//	{prefix}regip:{ip}                      -> count (with TTL)
//	{prefix}code:{code}                     -> JSON(AuthorizationCode) (with TTL)
//	{prefix}codes:client:{clientID}         -> SET of codes
//	{prefix}token:{tokenHash}               -> JSON(Token) (with TTL)
//	{prefix}tokens:client:{clientID}        -> SET of token hashes
//	{prefix}tokens:userclient:{uid}:{cid}   -> SET of token hashes
//	{prefix}ratelimit:{id}:{ep}:{window}    -> count (with TTL)
//	{prefix}audit:log                       -> LIST of JSON(AuditEntry)
//	{prefix}audit:head                      -> log hash of the latest entry
//
// # Atomic Operations
//
// Security-critical flows must be atomic:
//
//   - ConsumeAuthorizationCode: prevents authorization code replay
//   - AppendAuditEntry: keeps the audit hash chain linear under concurrency
//   - RevokeTokensForClient / RevokeTokensForUserClient: one-round-trip cascades
//
// These operations use Lua scripts, providing the same guarantees as the
// in-memory implementation but with distributed storage benefits.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauthd:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "oauthd:",
//	})
//
// # Security Considerations
//
//   - Tokens are stored by SHA-256 hash only; the plaintext never reaches Valkey
//   - All credentials are stored with TTLs to prevent unbounded growth
//   - Consumed authorization codes are retained briefly past expiry so late
//     duplicate exchanges are still classified as reuse
//   - TLS support enables encrypted connections to Valkey servers
//   - Input size validation bounds identifier lengths
package valkey
