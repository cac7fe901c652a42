package authclient

// Telemetry is a point-in-time view of the client for metric exporters.
// Counters is empty when metrics are disabled; the gauges are always filled.
type Telemetry struct {
	Metrics MetricsSnapshot

	Authenticated bool
	Loading       bool
	Online        bool

	Refreshing     bool
	RefreshWaiters int
	RetryWaiters   int
	RetryCount     int
	PendingQueue   int

	AuditDelivered uint64
	// AuditDropped holds an entry for every audit event type, zero included.
	AuditDropped map[string]uint64
}

// Telemetry collects counters, session and refresh gauges and audit
// delivery counts in one call.
func (c *Client) Telemetry() Telemetry {
	st := c.session.State()
	rs := c.manager.State()

	dropped := make(map[string]uint64)
	for _, typ := range AuditEventTypes() {
		dropped[typ] = 0
	}
	for typ, n := range c.audit.droppedByType() {
		dropped[typ] = n
	}

	return Telemetry{
		Metrics:        c.metrics.Snapshot(),
		Authenticated:  st.IsAuthenticated,
		Loading:        st.Loading,
		Online:         c.monitor.IsAvailable(),
		Refreshing:     rs.Refreshing,
		RefreshWaiters: rs.RefreshWaiters,
		RetryWaiters:   rs.RetryWaiters,
		RetryCount:     rs.RetryCount,
		PendingQueue:   rs.Pending,
		AuditDelivered: c.audit.delivered(),
		AuditDropped:   dropped,
	}
}

