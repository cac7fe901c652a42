// Package internal holds helpers private to authclient.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher and Sink implementations)
//   - mockapi: a local stand-in for the remote authentication API
//   - retry: backoff policies and a context-aware sleeper
//
// # What this package must NOT do
//
//   - Export types that appear in the public authclient API.
package internal
