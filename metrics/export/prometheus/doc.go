// Package prometheus renders client telemetry in Prometheus text exposition
// format.
//
// [NewPrometheusExporter] reads [authclient.Client.Telemetry] and exposes an
// [http.Handler]. Counter names are authclient_*_total and the single
// histogram is authclient_refresh_latency_seconds. Session, connectivity and
// refresh gauges are written even with metrics disabled, as is
// authclient_audit_dropped_total with one sample per event_type label.
//
// # What this package must NOT do
//
//   - Register metrics in a global registry. Callers mount the Handler.
//   - Mutate client state.
package prometheus
