package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/eattestation/authclient"
	"github.com/eattestation/authclient/metrics/export/internaldefs"
)

type telemetrySource interface {
	Telemetry() authclient.Telemetry
}

// PrometheusExporter renders client telemetry in Prometheus text exposition
// format.
type PrometheusExporter struct {
	source telemetrySource
}

// NewPrometheusExporter creates a Prometheus exporter that reads from client.
func NewPrometheusExporter(client *authclient.Client) *PrometheusExporter {
	return &PrometheusExporter{source: client}
}

// NewPrometheusExporterFromSource creates a Prometheus exporter from any
// value that reports [authclient.Telemetry].
func NewPrometheusExporterFromSource(source telemetrySource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the current telemetry. Counters and the latency histogram
// appear only while metrics are enabled; session, refresh and audit values
// are always written.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	t := p.source.Telemetry()

	var b strings.Builder
	b.Grow(8192)

	if len(t.Metrics.Counters) > 0 {
		for _, def := range internaldefs.CounterDefs {
			writeHeader(&b, def.Name, def.Help, "counter")
			writeSample(&b, def.Name, "", strconv.FormatUint(t.Metrics.Counters[def.ID], 10))
		}
	}

	for _, def := range internaldefs.HistogramDefs {
		raw, ok := t.Metrics.Histograms[def.ID]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		writeHistogram(&b, def.Name, def.Help, cumulative, t.Metrics.HistogramSums[def.ID].Seconds())
	}

	for _, def := range internaldefs.GaugeDefs {
		writeHeader(&b, def.Name, def.Help, "gauge")
		writeSample(&b, def.Name, "", strconv.FormatInt(def.Value(t), 10))
	}

	writeHeader(&b, internaldefs.AuditDeliveredName, internaldefs.AuditDeliveredHelp, "counter")
	writeSample(&b, internaldefs.AuditDeliveredName, "", strconv.FormatUint(t.AuditDelivered, 10))

	writeHeader(&b, internaldefs.AuditDroppedName, internaldefs.AuditDroppedHelp, "counter")
	for _, typ := range internaldefs.SortedAuditTypes(t.AuditDropped) {
		writeSample(&b, internaldefs.AuditDroppedName, label(internaldefs.AuditEventTypeKey, typ), strconv.FormatUint(t.AuditDropped[typ], 10))
	}

	return b.String()
}

func writeHeader(b *strings.Builder, name, help, kind string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(help))
	b.WriteString("\n# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(kind)
	b.WriteByte('\n')
}

func writeSample(b *strings.Builder, name, labels, value string) {
	b.WriteString(name)
	b.WriteString(labels)
	b.WriteByte(' ')
	b.WriteString(value)
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, help string, cumulative [8]uint64, sumSeconds float64) {
	writeHeader(b, name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		writeSample(b, name+"_bucket", label("le", le), strconv.FormatUint(cumulative[i], 10))
	}
	writeSample(b, name+"_sum", "", strconv.FormatFloat(sumSeconds, 'g', -1, 64))
	writeSample(b, name+"_count", "", strconv.FormatUint(cumulative[len(cumulative)-1], 10))
}

func label(key, value string) string {
	return "{" + key + "=\"" + escapeLabel(value) + "\"}"
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	help = strings.ReplaceAll(help, "\n", "\\n")
	return help
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}
