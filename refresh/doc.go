// Package refresh keeps the client's access token usable.
//
// [Manager] answers "give me a valid access token" ([Manager.EnsureValidToken]),
// refreshing through the remote API when the stored token is inside its
// 30-second validity buffer. Concurrent refreshes collapse into a single
// network call, transient failures are retried with exponential backoff, and
// refreshes requested while offline wait in a FIFO [Queue] until
// connectivity returns.
//
// # Architecture boundaries
//
// This package owns the refresh policy and the token lifecycle events
// (tokensUpdated, tokensCleared, refreshFailed). Token persistence is
// delegated to tokenstore, HTTP to api, and connectivity to network.
//
// # What this package must NOT do
//
//   - Import authclient or know about the session state machine.
//   - Clear tokens from inside a single refresh attempt; only the retry
//     policy decides that a failure is terminal.
//   - Log token values.
package refresh
