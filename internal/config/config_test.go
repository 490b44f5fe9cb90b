// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "archflow", cfg.Agent.ID)
	assert.Equal(t, 8, cfg.Flow.MaxConcurrent)
	assert.Equal(t, int64(300_000), cfg.Flow.DefaultTimeoutMs)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, int64(1000), cfg.Retry.InitialDelayMs)
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, runtime.NumCPU(), cfg.Resources.Parallelism)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 300, cfg.Metrics.IntervalSec)
	assert.Equal(t, "log", cfg.Metrics.Export.Backend)
	assert.Equal(t, 1000, cfg.Streaming.MaxEmitters)
	assert.Equal(t, 100, cfg.Streaming.MaxQueueSize)
	assert.Equal(t, int64(5000), cfg.Streaming.IdleTimeoutMs)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.False(t, cfg.Server.Auth.Enabled)
	assert.Equal(t, "./flows", cfg.Flows.Dir)
	assert.Equal(t, []string{"**/*.yaml", "**/*.yml"}, cfg.Flows.Include)
	assert.True(t, cfg.Flows.Watch)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoadMinimalFile(t *testing.T) {
	path := writeConfig(t, `
flow:
  maxConcurrent: 2
metrics:
  export:
    backend: prometheus
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// File values win over defaults.
	assert.Equal(t, 2, cfg.Flow.MaxConcurrent)
	assert.Equal(t, "prometheus", cfg.Metrics.Export.Backend)

	// Unstated sections keep their defaults.
	assert.Equal(t, int64(300_000), cfg.Flow.DefaultTimeoutMs)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "./flows", cfg.Flows.Dir)
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
agent:
  id: ci-runner
  pluginsPath: /opt/archflow/plugins
flow:
  maxConcurrent: 16
  defaultTimeoutMs: 60000
retry:
  maxAttempts: 5
  initialDelayMs: 250
  backoffMultiplier: 1.5
resources:
  parallelism: 4
  maxHeapBytes: 1073741824
metrics:
  enabled: true
  intervalSec: 30
  export:
    backend: http
    url: https://collect.example.com/v1/metrics
    async: true
    auth:
      kind: bearer
      token: env:COLLECT_TOKEN
streaming:
  maxEmitters: 50
  maxQueueSize: 10
  idleTimeoutMs: 2000
server:
  listen: 0.0.0.0:9090
  auth:
    enabled: true
    secret: env:ARCHFLOW_JWT_SECRET
    issuer: archflow
    audience: api
flows:
  dir: /etc/archflow/flows
  include: ["**/*.yaml"]
  exclude: ["**/drafts/**"]
  watch: false
store:
  backend: sqlite
  path: /var/lib/archflow/archflow.db
tracing:
  enabled: true
  exporter: otlp-grpc
  endpoint: otel-collector:4317
  insecure: true
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ci-runner", cfg.Agent.ID)
	assert.Equal(t, "/opt/archflow/plugins", cfg.Agent.PluginsPath)
	assert.Equal(t, 16, cfg.Flow.MaxConcurrent)
	assert.Equal(t, int64(60_000), cfg.Flow.DefaultTimeoutMs)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1.5, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, 4, cfg.Resources.Parallelism)
	assert.Equal(t, int64(1<<30), cfg.Resources.MaxHeapBytes)
	assert.Equal(t, "http", cfg.Metrics.Export.Backend)
	assert.Equal(t, "https://collect.example.com/v1/metrics", cfg.Metrics.Export.URL)
	assert.True(t, cfg.Metrics.Export.Async)
	assert.Equal(t, "bearer", cfg.Metrics.Export.Auth.Kind)
	assert.Equal(t, "env:COLLECT_TOKEN", cfg.Metrics.Export.Auth.Token)
	assert.Equal(t, 50, cfg.Streaming.MaxEmitters)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Listen)
	assert.True(t, cfg.Server.Auth.Enabled)
	assert.Equal(t, "archflow", cfg.Server.Auth.Issuer)
	assert.Equal(t, []string{"**/drafts/**"}, cfg.Flows.Exclude)
	assert.False(t, cfg.Flows.Watch)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/archflow/archflow.db", cfg.Store.Path)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp-grpc", cfg.Tracing.Exporter)
	assert.Equal(t, "otel-collector:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
flow:
  maxConcurrent: 2
metrics:
  export:
    backend: log
log:
  level: warn
`)

	t.Setenv("ARCHFLOW_FLOW_MAX_CONCURRENT", "12")
	t.Setenv("ARCHFLOW_METRICS_EXPORT_BACKEND", "prometheus")
	t.Setenv("ARCHFLOW_LOG_LEVEL", "DEBUG")
	t.Setenv("ARCHFLOW_FLOWS_WATCH", "false")
	t.Setenv("ARCHFLOW_STREAMING_MAX_EMITTERS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Flow.MaxConcurrent)
	assert.Equal(t, "prometheus", cfg.Metrics.Export.Backend)
	assert.Equal(t, "debug", cfg.Log.Level, "env values are lowercased")
	assert.False(t, cfg.Flows.Watch)
	assert.Equal(t, 1000, cfg.Streaming.MaxEmitters, "unparseable env values are ignored")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "flow: [not a mapping")

	_, err := Load(path)

	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		errText string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "negative flow timeout",
			modify:  func(c *Config) { c.Flow.DefaultTimeoutMs = -1 },
			errText: "flow.defaultTimeoutMs must be positive",
		},
		{
			name:    "zero retry attempts",
			modify:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			errText: "retry.maxAttempts must be at least 1",
		},
		{
			name:    "sub-unity backoff",
			modify:  func(c *Config) { c.Retry.BackoffMultiplier = 0.5 },
			errText: "retry.backoffMultiplier must be at least 1.0",
		},
		{
			name:    "unknown export backend",
			modify:  func(c *Config) { c.Metrics.Export.Backend = "statsd" },
			errText: "metrics.export.backend must be one of",
		},
		{
			name:    "influxdb without url",
			modify:  func(c *Config) { c.Metrics.Export.Backend = "influxdb" },
			errText: "metrics.export.url is required",
		},
		{
			name:    "unknown auth kind",
			modify:  func(c *Config) { c.Metrics.Export.Auth.Kind = "basic" },
			errText: "metrics.export.auth.kind must be one of",
		},
		{
			name:    "auth enabled without secret",
			modify:  func(c *Config) { c.Server.Auth.Enabled = true },
			errText: "server.auth.secret is required",
		},
		{
			name:    "unknown store backend",
			modify:  func(c *Config) { c.Store.Backend = "postgres" },
			errText: "store.backend must be one of",
		},
		{
			name:    "unknown tracing exporter",
			modify:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			errText: "tracing.exporter must be one of",
		},
		{
			name: "otlp without endpoint",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp-grpc"
			},
			errText: "tracing.endpoint is required",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			errText: "log.level must be one of",
		},
		{
			name:    "bad log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			errText: "log.format must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.errText == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	cfg := Default()
	cfg.Flow.MaxConcurrent = 0
	cfg.Retry.MaxAttempts = 0
	cfg.Log.Format = "xml"

	// applyDefaults would normally repair the zero values; calling
	// Validate directly shows every violation in one report.
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow.maxConcurrent")
	assert.Contains(t, err.Error(), "retry.maxAttempts")
	assert.Contains(t, err.Error(), "log.format")
}

func TestBridgeConversions(t *testing.T) {
	cfg := Default()
	cfg.Resources.Parallelism = 6
	cfg.Flow.DefaultTimeoutMs = 90_000
	cfg.Streaming.IdleTimeoutMs = 1500
	cfg.Metrics.IntervalSec = 45
	cfg.Metrics.Export.Auth.Kind = "none"

	ec := cfg.EngineConfig()
	assert.Equal(t, 6, ec.MaxConcurrent)
	assert.Equal(t, 90*time.Second, ec.FlowTimeout)

	sc := cfg.EventsConfig()
	assert.Equal(t, 1000, sc.MaxEmitters)
	assert.Equal(t, 1500*time.Millisecond, sc.IdleTimeout)

	cc := cfg.CollectorConfig()
	assert.Equal(t, 45*time.Second, cc.Interval)

	// "none" normalizes to the exporter's zero kind.
	assert.Equal(t, "", string(cfg.MetricsExport().Auth.Kind))

	rp := cfg.RetryPolicy()
	assert.Equal(t, 3, rp.MaxAttempts)
	assert.Equal(t, time.Second, rp.InitialDelay)
	assert.Equal(t, 2.0, rp.BackoffMultiplier)
	assert.True(t, rp.FailOnValidationError)
	require.NoError(t, rp.Validate())
}

func TestStorePathDefaultsIntoDataDir(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "sqlite"

	t.Setenv("XDG_DATA_HOME", t.TempDir())
	assert.Equal(t, filepath.Join(os.Getenv("XDG_DATA_HOME"), "archflow", "archflow.db"), cfg.StorePath())

	cfg.Store.Path = "/tmp/custom.db"
	assert.Equal(t, "/tmp/custom.db", cfg.StorePath())
}
