package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExporter_Backends(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name    string
		cfg     ExportConfig
		want    string
		wantErr bool
	}{
		{"default", ExportConfig{}, "log", false},
		{"log", ExportConfig{Backend: "log"}, "log", false},
		{"prometheus", ExportConfig{Backend: "prometheus"}, "prometheus", false},
		{"influxdb", ExportConfig{Backend: "influxdb", URL: "http://localhost:8086/write"}, "influxdb", false},
		{"influxdb missing url", ExportConfig{Backend: "influxdb"}, "", true},
		{"http", ExportConfig{Backend: "http", URL: "http://localhost:9000/metrics"}, "http", false},
		{"http missing url", ExportConfig{Backend: "http"}, "", true},
		{"unknown", ExportConfig{Backend: "statsd"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := NewExporter(tt.cfg, r)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, exp.Name())
		})
	}
}

func TestPrometheusExporter_Scrape(t *testing.T) {
	r := NewRegistry()
	r.IncrCounter("flow.started", 4)
	r.SetGauge("flows.active", 2)
	r.Observe("flow.duration_ms", 100)
	r.Observe("flow.duration_ms", 300)

	exp := NewPrometheusExporter(r)

	srv := httptest.NewServer(exp.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "archflow_flow_started_total 4")
	assert.Contains(t, text, "archflow_flows_active 2")
	assert.Contains(t, text, "archflow_flow_duration_ms_count 2")
	assert.Contains(t, text, "archflow_flow_duration_ms_min 100")
	assert.Contains(t, text, "archflow_flow_duration_ms_max 300")
	assert.Contains(t, text, "archflow_flow_duration_ms_avg 200")
	assert.Contains(t, text, "archflow_flow_duration_ms_sum 400")
}

func TestPromName(t *testing.T) {
	assert.Equal(t, "archflow_flow_started", promName("flow.started"))
	assert.Equal(t, "archflow_flow_my_flow_duration_ms", promName("flow.my-flow.duration_ms"))
}

func TestRenderInflux(t *testing.T) {
	snap := Snapshot{
		Timestamp: time.Unix(100, 0).UTC(),
		Counters:  map[string]int64{"flow.started": 2},
		Values:    map[string]float64{"flows.active": 1.5},
		Stats: map[string]Stats{
			"flow.duration_ms": {Count: 2, Min: 10, Max: 30, Mean: 20},
		},
	}

	out := RenderInflux(snap)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)

	assert.Equal(t, "archflow_counter,metric=flow.started value=2i 100000000000", lines[0])
	assert.Equal(t, "archflow_gauge,metric=flows.active value=1.5 100000000000", lines[1])
	assert.Equal(t, "archflow_stat,metric=flow.duration_ms count=2i,min=10,max=30,mean=20 100000000000", lines[2])
}

func TestInfluxExporter_Export(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	exp, err := NewInfluxExporter(srv.URL)
	require.NoError(t, err)

	r := NewRegistry()
	r.IncrCounter("flow.started", 1)
	require.NoError(t, exp.Export(context.Background(), r.Snapshot()))
	assert.Contains(t, received, "archflow_counter,metric=flow.started value=1i")
}

func TestInfluxExporter_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	exp, err := NewInfluxExporter(srv.URL)
	require.NoError(t, err)

	err = exp.Export(context.Background(), Snapshot{Timestamp: time.Now()})
	require.Error(t, err)
}

func TestHTTPExporter_BearerAuth(t *testing.T) {
	var auth string
	var got Snapshot
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp, err := NewHTTPExporter(srv.URL, HTTPAuthConfig{Kind: HTTPAuthBearer, Token: "secret-token"})
	require.NoError(t, err)

	r := NewRegistry()
	r.IncrCounter("flow.started", 7)
	require.NoError(t, exp.Export(context.Background(), r.Snapshot()))

	assert.Equal(t, "Bearer secret-token", auth)
	assert.Equal(t, int64(7), got.Counters["flow.started"])
}

func TestHTTPExporter_ConfigValidation(t *testing.T) {
	_, err := NewHTTPExporter("http://x", HTTPAuthConfig{Kind: HTTPAuthBearer})
	assert.Error(t, err, "bearer without token")

	_, err = NewHTTPExporter("http://x", HTTPAuthConfig{Kind: HTTPAuthOAuth2})
	assert.Error(t, err, "oauth2 without client id")

	_, err = NewHTTPExporter("http://x", HTTPAuthConfig{Kind: HTTPAuthSigV4})
	assert.Error(t, err, "sigv4 without region")

	_, err = NewHTTPExporter("http://x", HTTPAuthConfig{Kind: "hmac"})
	assert.Error(t, err, "unknown auth kind")
}
