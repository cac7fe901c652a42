// Package otel bridges client telemetry into OpenTelemetry.
//
// [NewOTelExporter] registers observable instruments and one callback that
// reads [authclient.Client.Telemetry] on each collection cycle. Counters map
// to Int64ObservableCounter, session and refresh state to gauges. The
// refresh latency histogram is a bucket gauge keyed by the "le" attribute
// plus _count and _sum gauges, and dropped audit events carry an
// "event_type" attribute.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate client state.
package otel
