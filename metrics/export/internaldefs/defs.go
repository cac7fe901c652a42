package internaldefs

import (
	"sort"

	"github.com/eattestation/authclient"
)

// CounterDef defines a public type used by authclient APIs.
type CounterDef struct {
	ID   authclient.MetricID
	Name string
	Help string
}

// HistogramDef defines a public type used by authclient APIs.
type HistogramDef struct {
	ID   authclient.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in MetricID order.
var CounterDefs = []CounterDef{
	{ID: authclient.MetricLoginSuccess, Name: "authclient_login_success_total", Help: "Successful logins."},
	{ID: authclient.MetricLoginFailure, Name: "authclient_login_failure_total", Help: "Failed logins."},
	{ID: authclient.MetricRegisterSuccess, Name: "authclient_register_success_total", Help: "Successful registrations."},
	{ID: authclient.MetricRegisterFailure, Name: "authclient_register_failure_total", Help: "Failed registrations."},
	{ID: authclient.MetricLogout, Name: "authclient_logout_total", Help: "Logout operations."},
	{ID: authclient.MetricRefreshSuccess, Name: "authclient_refresh_success_total", Help: "Successful token refresh calls."},
	{ID: authclient.MetricRefreshFailure, Name: "authclient_refresh_failure_total", Help: "Failed token refresh calls."},
	{ID: authclient.MetricRefreshRetry, Name: "authclient_refresh_retry_total", Help: "Token refresh retries after a transient failure."},
	{ID: authclient.MetricRefreshQueued, Name: "authclient_refresh_queued_total", Help: "Token refreshes deferred while offline."},
	{ID: authclient.MetricRefreshTerminal, Name: "authclient_refresh_terminal_total", Help: "Token refreshes that failed terminally and cleared tokens."},
	{ID: authclient.MetricSessionEvicted, Name: "authclient_session_evicted_total", Help: "Authenticated sessions ended without an explicit logout."},
	{ID: authclient.MetricCacheHit, Name: "authclient_user_cache_hit_total", Help: "Session checks served from the user cache."},
	{ID: authclient.MetricCacheMiss, Name: "authclient_user_cache_miss_total", Help: "Session checks that had to fetch the user."},
	{ID: authclient.MetricAuthCheckRetry, Name: "authclient_auth_check_retry_total", Help: "Session check retries."},
	{ID: authclient.MetricBackgroundSyncFailure, Name: "authclient_background_sync_failure_total", Help: "Failed background session syncs."},
	{ID: authclient.MetricRequestUnauthorized, Name: "authclient_request_unauthorized_total", Help: "API requests that stayed unauthorized after a refresh."},
}

// HistogramDefs lists the exported histograms.
var HistogramDefs = []HistogramDef{
	{ID: authclient.MetricRefreshLatency, Name: "authclient_refresh_latency_seconds", Help: "Token refresh call latency."},
}

// HistogramBounds are the upper bounds of the eight latency buckets.
var HistogramBounds = []string{
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"+Inf",
}

// HistogramBoundSuffix names each bucket in metric-name-safe form.
var HistogramBoundSuffix = []string{
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

// GaugeDef describes a point-in-time value read from [authclient.Telemetry].
type GaugeDef struct {
	Name  string
	Help  string
	Value func(authclient.Telemetry) int64
}

// GaugeDefs lists the session, connectivity and refresh gauges.
var GaugeDefs = []GaugeDef{
	{Name: "authclient_session_authenticated", Help: "1 while a user is signed in.", Value: func(t authclient.Telemetry) int64 { return boolValue(t.Authenticated) }},
	{Name: "authclient_session_loading", Help: "1 while a session check is running.", Value: func(t authclient.Telemetry) int64 { return boolValue(t.Loading) }},
	{Name: "authclient_network_online", Help: "1 while the connectivity monitor reports online.", Value: func(t authclient.Telemetry) int64 { return boolValue(t.Online) }},
	{Name: "authclient_refresh_in_flight", Help: "1 while a token refresh call is running.", Value: func(t authclient.Telemetry) int64 { return boolValue(t.Refreshing) }},
	{Name: "authclient_refresh_waiters", Help: "Callers waiting on the in-flight refresh call.", Value: func(t authclient.Telemetry) int64 { return int64(t.RefreshWaiters) }},
	{Name: "authclient_refresh_retry_waiters", Help: "Callers waiting on the shared refresh retry loop.", Value: func(t authclient.Telemetry) int64 { return int64(t.RetryWaiters) }},
	{Name: "authclient_refresh_retry_attempt", Help: "Current attempt of the refresh retry loop, 0 when idle.", Value: func(t authclient.Telemetry) int64 { return int64(t.RetryCount) }},
	{Name: "authclient_refresh_pending", Help: "Refreshes queued until connectivity returns.", Value: func(t authclient.Telemetry) int64 { return int64(t.PendingQueue) }},
}

const (
	AuditDeliveredName = "authclient_audit_delivered_total"
	AuditDeliveredHelp = "Audit events handed to the sink."
	AuditDroppedName   = "authclient_audit_dropped_total"
	AuditDroppedHelp   = "Audit events never delivered, by event type."
	AuditEventTypeKey  = "event_type"
)

// SortedAuditTypes returns the keys of dropped in a stable order.
func SortedAuditTypes(dropped map[string]uint64) []string {
	out := make([]string, 0, len(dropped))
	for typ := range dropped {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func boolValue(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
