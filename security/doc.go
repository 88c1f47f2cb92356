// Package security provides the cryptographic and abuse-control primitives of
// the authorization server: client secret hashing, PKCE generation and
// verification, fixed-window rate limiting, the hash-chained audit log,
// client IP extraction, and secure response headers.
//
// # Rate Limiting
//
// FixedWindowLimiter enforces per-(identifier, endpoint) limits against a
// shared RateLimitStore, so limits hold across server instances. Window
// boundaries are aligned to now - (now mod window). Check reads without
// incrementing; Record increments after a request is admitted. Store failures
// fail open: a broken limiter backend never blocks legitimate traffic.
//
// EventLimiter is a separate in-process token-bucket guard that throttles
// security-event logging during attack storms.
//
// # Audit Log
//
// Auditor appends hash-chained entries: each entry's log_hash covers its own
// fields plus the previous entry's hash, so recomputing the chain from the
// first entry (VerifyChain) detects any silent mutation, insertion, or
// removal. Appends are best-effort and never abort the request that produced
// the event.
package security
