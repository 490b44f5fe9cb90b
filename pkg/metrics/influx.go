package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/archflow/archflow/pkg/errors"
)

// InfluxExporter writes snapshots to an InfluxDB-compatible endpoint in
// line protocol. Writes are rate limited so a misconfigured short export
// interval cannot flood the backend.
type InfluxExporter struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewInfluxExporter validates the write URL and returns the exporter.
func NewInfluxExporter(url string) (*InfluxExporter, error) {
	if url == "" {
		return nil, &errors.ConfigError{
			Key:    "metrics.export.url",
			Reason: "influxdb backend requires a write url",
		}
	}
	return &InfluxExporter{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}, nil
}

// Name implements Exporter.
func (e *InfluxExporter) Name() string { return "influxdb" }

// Export implements Exporter.
func (e *InfluxExporter) Export(ctx context.Context, snap Snapshot) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	body := RenderInflux(snap)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := e.client.Do(req)
	if err != nil {
		return &errors.TransportError{Transport: "influxdb", Message: "write failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &errors.TransportError{
			Transport: "influxdb",
			Message:   fmt.Sprintf("write returned status %d", resp.StatusCode),
		}
	}
	return nil
}

// RenderInflux serializes the snapshot as InfluxDB line protocol with
// nanosecond timestamps. Keys are sorted so output is deterministic.
func RenderInflux(snap Snapshot) string {
	ts := snap.Timestamp.UnixNano()
	var sb strings.Builder

	for _, name := range sortedKeys(snap.Counters) {
		fmt.Fprintf(&sb, "archflow_counter,metric=%s value=%di %d\n",
			escapeInfluxTag(name), snap.Counters[name], ts)
	}
	for _, name := range sortedKeys(snap.Values) {
		fmt.Fprintf(&sb, "archflow_gauge,metric=%s value=%g %d\n",
			escapeInfluxTag(name), snap.Values[name], ts)
	}
	for _, name := range sortedKeys(snap.Stats) {
		s := snap.Stats[name]
		fmt.Fprintf(&sb, "archflow_stat,metric=%s count=%di,min=%g,max=%g,mean=%g %d\n",
			escapeInfluxTag(name), s.Count, s.Min, s.Max, s.Mean, ts)
	}
	return sb.String()
}

var influxTagEscaper = strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)

func escapeInfluxTag(s string) string {
	return influxTagEscaper.Replace(s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
