// Package middleware holds the HTTP plumbing around bearer tokens.
//
//   - [Transport] is the client-side interceptor: it attaches a valid access
//     token to outgoing requests and replays a request once after a 401,
//     refreshing the token in between.
//   - [RequireBearer] is the matching server-side guard used by local fakes
//     of the API.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into token-source calls. It does NOT
// decide token validity or refresh policy; those belong to the refresh
// package.
//
// # What this package must NOT do
//
//   - Attach tokens to the endpoints used to obtain them (login, register,
//     refresh, password reset).
//   - Replay a request more than once.
//   - Log token values.
package middleware
