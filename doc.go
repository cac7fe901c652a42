// Package authclient is the authentication and session core of the
// eAttestation client. It keeps a user signed in across restarts, refreshes
// short-lived access tokens transparently and degrades gracefully when the
// network or the server is unavailable.
//
// Components are wired by [Builder.Build] and owned by [Client]. The
// [Session] state machine answers "who is signed in"; the token manager in
// package refresh serializes refreshes; the transport in package middleware
// attaches bearer tokens to outgoing requests and replays a request once
// after a 401.
//
// # Architecture boundaries
//
// authclient is the public surface. It exposes [Client], [Builder], [Config],
// [Session] and value types (SessionState, Result, MetricsSnapshot). Remote
// calls live in package api, persistence in packages store, tokenstore and
// usercache, and connectivity in package network.
//
// # What this package must NOT do
//
//   - Surface raw error text to the UI. Session operations report
//     human-readable messages through [Result] and SessionState.AuthError.
//   - Treat a cached user as proof of authentication. The cache only paints
//     the first screen; the server confirms it.
//   - Evict a session because a background sync failed. Only the foreground
//     check and terminal refresh failures sign the user out.
//   - Perform network I/O during [Builder.Build]. Work starts with
//     [Client.Start].
package authclient
