package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/eattestation/authclient"
	"github.com/eattestation/authclient/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil telemetry source")
)

type telemetrySource interface {
	Telemetry() authclient.Telemetry
}

type observedCounter struct {
	id         authclient.MetricID
	instrument metric.Int64ObservableCounter
}

// observedHistogram reports cumulative buckets on one gauge, one data point
// per upper bound.
type observedHistogram struct {
	id      authclient.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
	sum     metric.Float64ObservableGauge
}

type observedGauge struct {
	value      func(authclient.Telemetry) int64
	instrument metric.Int64ObservableGauge
}

// OTelExporter bridges client telemetry into an OpenTelemetry meter.
type OTelExporter struct {
	source       telemetrySource
	registration metric.Registration
	counters     []observedCounter
	histograms   []observedHistogram
	gauges       []observedGauge
	bounds       []metric.ObserveOption
	delivered    metric.Int64ObservableCounter
	dropped      metric.Int64ObservableCounter
}

// NewOTelExporter registers observable instruments on meter that read from
// client on every collection.
func NewOTelExporter(meter metric.Meter, client *authclient.Client) (*OTelExporter, error) {
	if client == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, client)
}

// NewOTelExporterFromSource is NewOTelExporter for any value that reports
// [authclient.Telemetry].
func NewOTelExporterFromSource(meter metric.Meter, source telemetrySource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{source: source}
	for _, le := range internaldefs.HistogramBounds {
		e.bounds = append(e.bounds, metric.WithAttributeSet(attribute.NewSet(attribute.String("le", le))))
	}

	var observables []metric.Observable

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		e.counters = append(e.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h, err := newObservedHistogram(meter, def)
		if err != nil {
			return nil, err
		}
		e.histograms = append(e.histograms, h)
		observables = append(observables, h.buckets, h.count, h.sum)
	}

	for _, def := range internaldefs.GaugeDefs {
		ins, err := meter.Int64ObservableGauge(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable gauge %s: %w", def.Name, err)
		}
		e.gauges = append(e.gauges, observedGauge{value: def.Value, instrument: ins})
		observables = append(observables, ins)
	}

	var err error
	e.delivered, err = meter.Int64ObservableCounter(internaldefs.AuditDeliveredName, metric.WithDescription(internaldefs.AuditDeliveredHelp))
	if err != nil {
		return nil, fmt.Errorf("create audit delivered counter: %w", err)
	}
	e.dropped, err = meter.Int64ObservableCounter(internaldefs.AuditDroppedName, metric.WithDescription(internaldefs.AuditDroppedHelp))
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	observables = append(observables, e.delivered, e.dropped)

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func newObservedHistogram(meter metric.Meter, def internaldefs.HistogramDef) (observedHistogram, error) {
	h := observedHistogram{id: def.ID}
	var err error
	if h.buckets, err = meter.Int64ObservableGauge(def.Name+"_bucket", metric.WithDescription(def.Help+" Cumulative count per upper bound.")); err != nil {
		return h, fmt.Errorf("create histogram bucket gauge %s: %w", def.Name, err)
	}
	if h.count, err = meter.Int64ObservableGauge(def.Name+"_count", metric.WithDescription(def.Help+" Sample count.")); err != nil {
		return h, fmt.Errorf("create histogram count gauge %s: %w", def.Name, err)
	}
	if h.sum, err = meter.Float64ObservableGauge(def.Name+"_sum", metric.WithDescription(def.Help+" Total seconds."), metric.WithUnit("s")); err != nil {
		return h, fmt.Errorf("create histogram sum gauge %s: %w", def.Name, err)
	}
	return h, nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	t := e.source.Telemetry()

	if len(t.Metrics.Counters) > 0 {
		for _, c := range e.counters {
			o.ObserveInt64(c.instrument, int64(t.Metrics.Counters[c.id]))
		}
	}

	for _, h := range e.histograms {
		raw, ok := t.Metrics.Histograms[h.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for i, opt := range e.bounds {
			o.ObserveInt64(h.buckets, int64(cumulative[i]), opt)
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
		o.ObserveFloat64(h.sum, t.Metrics.HistogramSums[h.id].Seconds())
	}

	for _, g := range e.gauges {
		o.ObserveInt64(g.instrument, g.value(t))
	}

	o.ObserveInt64(e.delivered, int64(t.AuditDelivered))
	for _, typ := range internaldefs.SortedAuditTypes(t.AuditDropped) {
		o.ObserveInt64(e.dropped, int64(t.AuditDropped[typ]), metric.WithAttributes(attribute.String(internaldefs.AuditEventTypeKey, typ)))
	}
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
