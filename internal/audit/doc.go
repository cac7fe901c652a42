// Package audit relays client authentication events to a caller-supplied sink.
//
// # Components
//
//   - [Sink] consumes events (channel, JSON lines, zap logger, no-op).
//   - [Dispatcher] is a buffered async relay that either drops or blocks when
//     the buffer is full.
//   - [Event] is one record: what happened, to which user, and how it ended.
//
// # Architecture boundaries
//
// This package owns buffering and delivery. The session layer decides which
// events exist and when they are emitted.
//
// # What this package must NOT do
//
//   - Filter events based on session logic.
//   - Import authclient or any sibling internal package.
//   - Record credentials or token values.
package audit
