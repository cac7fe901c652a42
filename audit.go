package authclient

import (
	"context"
	"io"

	"github.com/eattestation/authclient/internal/audit"
	"go.uber.org/zap"
)

// AuditEvent is one audit record emitted by the session layer.
type AuditEvent = audit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = audit.Sink

// Audit event types.
const (
	AuditLoginSuccess    = audit.TypeLoginSuccess
	AuditLoginFailure    = audit.TypeLoginFailure
	AuditRegisterSuccess = audit.TypeRegisterSuccess
	AuditRegisterFailure = audit.TypeRegisterFailure
	AuditLogout          = audit.TypeLogout
	AuditRefreshFailed   = audit.TypeRefreshFailed
	AuditSessionEvicted  = audit.TypeSessionEvicted
	AuditPasswordChanged = audit.TypePasswordChanged
	AuditProfileUpdated  = audit.TypeProfileUpdated
)

// AuditEventTypes lists every audit event type in a stable order.
func AuditEventTypes() []string {
	return audit.Types()
}

// NoOpAuditSink drops every event.
type NoOpAuditSink = audit.NoOpSink

// NewChannelAuditSink returns a sink that buffers events in a channel.
func NewChannelAuditSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONAuditSink returns a sink that writes one JSON object per line to w.
func NewJSONAuditSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewLoggerAuditSink returns a sink that logs events through logger.
func NewLoggerAuditSink(logger *zap.Logger) *audit.LoggerSink {
	return audit.NewLoggerSink(logger)
}

type auditor struct {
	d *audit.Dispatcher
}

func (a auditor) emit(ctx context.Context, eventType string, success bool, fill func(*AuditEvent)) {
	if a.d == nil {
		return
	}
	e := audit.NewEvent(eventType, success)
	if fill != nil {
		fill(&e)
	}
	a.d.Emit(context.WithoutCancel(ctx), e)
}

func (a auditor) dropped() uint64 {
	return a.d.Dropped()
}

func (a auditor) droppedByType() map[string]uint64 {
	return a.d.DroppedByType()
}

func (a auditor) delivered() uint64 {
	return a.d.Delivered()
}

func (a auditor) close() {
	a.d.Close()
}
