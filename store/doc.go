// Package store provides the durable key/value persistence behind the token
// store, the user cache and client preferences.
//
// # Backends
//
//   - [Memory] keeps values in process memory (tests, short-lived clients).
//   - [Redis] shares state between client processes on a host through a
//     namespaced Redis keyspace.
//   - [File] persists a single JSON document with atomic replace-on-write.
//
// # Architecture boundaries
//
// Backends store opaque strings. They do NOT parse tokens, validate cache
// entries, or emit events; those belong to the tokenstore, usercache and
// refresh packages.
//
// # What this package must NOT do
//
//   - Import authclient or any sibling package.
//   - Log stored values (they include bearer credentials).
package store
