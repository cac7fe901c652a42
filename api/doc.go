// Package api is the HTTP client for the eAttestation authentication API.
//
// Every response envelope is validated strictly: a missing or mistyped field
// yields [ErrMalformedResponse] instead of a best-effort guess. Transport and
// status failures are reported as [*RequestError], and [Classify] maps any
// error onto the client's failure taxonomy ([ErrorKind]).
//
// # Architecture boundaries
//
// This package speaks HTTP and JSON. It does NOT persist tokens, retry, or
// decide when to log a user out; those belong to the refresh package and the
// session layer. Bearer tokens are attached by the transport the caller
// supplies (see the middleware package), never by this package.
package api
