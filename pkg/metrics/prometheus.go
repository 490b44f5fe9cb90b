package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter bridges the registry into a Prometheus scrape
// endpoint. Prometheus pulls, so the periodic Export is a no-op; the
// snapshot is taken at scrape time through the collector bridge.
type PrometheusExporter struct {
	registry *Registry
	promReg  *prometheus.Registry
}

// NewPrometheusExporter registers a collector bridge over the registry.
func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(&promBridge{registry: registry})
	return &PrometheusExporter{
		registry: registry,
		promReg:  promReg,
	}
}

// Name implements Exporter.
func (e *PrometheusExporter) Name() string { return "prometheus" }

// Export implements Exporter. The backend is pull-based.
func (e *PrometheusExporter) Export(context.Context, Snapshot) error { return nil }

// Handler returns the scrape handler for mounting under /api/metrics.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.promReg, promhttp.HandlerOpts{})
}

// promBridge exposes the registry as an unchecked Prometheus collector.
// Descriptors are not pre-declared because metric keys appear dynamically
// as flows run.
type promBridge struct {
	registry *Registry
}

func (b *promBridge) Describe(chan<- *prometheus.Desc) {}

func (b *promBridge) Collect(ch chan<- prometheus.Metric) {
	snap := b.registry.Snapshot()

	for name, value := range snap.Counters {
		desc := prometheus.NewDesc(promName(name)+"_total", "archflow counter", nil, nil)
		ch <- prometheus.NewMetricWithTimestamp(snap.Timestamp,
			prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value)))
	}

	for name, value := range snap.Values {
		desc := prometheus.NewDesc(promName(name), "archflow gauge", nil, nil)
		ch <- prometheus.NewMetricWithTimestamp(snap.Timestamp,
			prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value))
	}

	for name, stats := range snap.Stats {
		base := promName(name)
		fields := map[string]float64{
			"_count": float64(stats.Count),
			"_sum":   stats.Mean * float64(stats.Count),
			"_min":   stats.Min,
			"_max":   stats.Max,
			"_avg":   stats.Mean,
		}
		for suffix, value := range fields {
			desc := prometheus.NewDesc(base+suffix, "archflow stat", nil, nil)
			ch <- prometheus.NewMetricWithTimestamp(snap.Timestamp,
				prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value))
		}
	}
}

// promName converts a dotted metric key to a prometheus-safe name with
// the archflow_ prefix.
func promName(key string) string {
	var sb strings.Builder
	sb.WriteString("archflow_")
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
