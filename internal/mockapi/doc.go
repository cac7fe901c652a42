// Package mockapi is a local stand-in for the eAttestation authentication
// API. It backs examples/mock-api, which the CLI can be pointed at.
//
// Accounts live in memory with Argon2id password hashes. Refresh tokens,
// password reset tokens and login attempt counters live in Redis; callers
// typically pass a miniredis client.
//
// # What this package must NOT do
//
//   - Ship as part of the client library contract. Nothing outside tests,
//     and examples imports it.
//   - Log plaintext passwords or refresh tokens.
package mockapi
