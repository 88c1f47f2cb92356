// Package server implements the OAuth 2.0 authorization code grant engine:
// client registration and authentication, authorization code issuance and
// atomic single-use exchange, PKCE verification, and refresh token rotation.
//
// The package is transport-agnostic. HTTP parameter parsing, client
// authentication extraction, and response encoding live in the root package;
// server methods take already-extracted values and return wire-level OAuth
// error codes embedded in their errors.
//
// Security properties enforced here:
//   - PKCE (S256 only) is mandatory for public clients and verified for
//     confidential clients whenever a challenge was bound to the code.
//   - Authorization codes are single-use. Consumption is atomic at the
//     storage layer; a replay is detected, audited with the original
//     consumption details, and answered by revoking every outstanding token
//     for the (user, client) pair.
//   - Refresh tokens rotate on use. A rotated or revoked refresh token
//     presented again triggers the same cascading revocation.
//   - Failures are reported to callers as generic OAuth errors; the specific
//     reason goes to the audit log and the debug log only.
package server
