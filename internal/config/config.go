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

// Package config loads the archflow configuration from YAML and the
// environment. Precedence, lowest to highest: built-in defaults, the
// config file, ARCHFLOW_* environment variables.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/archflow/archflow/internal/log"
	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/events"
	"github.com/archflow/archflow/pkg/metrics"
	"github.com/archflow/archflow/pkg/retry"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = stderrors.New("config: invalid configuration")

// Config is the complete archflow configuration. YAML keys are camelCase,
// matching the wire and flow-definition conventions.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Flow      FlowConfig      `yaml:"flow"`
	Retry     RetryConfig     `yaml:"retry"`
	Resources ResourcesConfig `yaml:"resources"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Streaming StreamingConfig `yaml:"streaming"`
	Server    ServerConfig    `yaml:"server"`
	Flows     FlowsConfig     `yaml:"flows"`
	Store     StoreConfig     `yaml:"store"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
}

// AgentConfig identifies this agent instance.
type AgentConfig struct {
	// ID names the agent in events and traces.
	// Environment: ARCHFLOW_AGENT_ID
	// Default: archflow
	ID string `yaml:"id"`

	// PluginsPath is the directory searched for custom tool definitions.
	// Empty disables plugin loading.
	// Environment: ARCHFLOW_AGENT_PLUGINS_PATH
	PluginsPath string `yaml:"pluginsPath"`
}

// FlowConfig bounds flow execution at the daemon level.
type FlowConfig struct {
	// MaxConcurrent limits runs executing at once. Further run requests
	// wait for a slot.
	// Environment: ARCHFLOW_FLOW_MAX_CONCURRENT
	// Default: 8
	MaxConcurrent int `yaml:"maxConcurrent"`

	// DefaultTimeoutMs is the whole-run deadline in milliseconds.
	// Environment: ARCHFLOW_FLOW_DEFAULT_TIMEOUT_MS
	// Default: 300000 (5 minutes)
	DefaultTimeoutMs int64 `yaml:"defaultTimeoutMs"`
}

// RetryConfig supplies the fill-in values for step retry blocks that
// leave fields unset. Steps without a retry block never retry.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget.
	// Environment: ARCHFLOW_RETRY_MAX_ATTEMPTS
	// Default: 3
	MaxAttempts int `yaml:"maxAttempts"`

	// InitialDelayMs is the delay before the first re-execution.
	// Environment: ARCHFLOW_RETRY_INITIAL_DELAY_MS
	// Default: 1000
	InitialDelayMs int64 `yaml:"initialDelayMs"`

	// BackoffMultiplier scales the delay between attempts.
	// Environment: ARCHFLOW_RETRY_BACKOFF_MULTIPLIER
	// Default: 2.0
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
}

// ResourcesConfig bounds the engine's resource use.
type ResourcesConfig struct {
	// Parallelism sizes the shared step worker pool.
	// Environment: ARCHFLOW_RESOURCES_PARALLELISM
	// Default: host logical core count
	Parallelism int `yaml:"parallelism"`

	// MaxHeapBytes sets a soft memory limit for the process. Zero means
	// no limit.
	// Environment: ARCHFLOW_RESOURCES_MAX_HEAP_BYTES
	MaxHeapBytes int64 `yaml:"maxHeapBytes"`
}

// MetricsConfig controls aggregation and export.
type MetricsConfig struct {
	// Enabled turns the metrics subsystem on.
	// Environment: ARCHFLOW_METRICS_ENABLED
	// Default: true
	Enabled bool `yaml:"enabled"`

	// IntervalSec is the export period in seconds.
	// Environment: ARCHFLOW_METRICS_INTERVAL_SEC
	// Default: 300
	IntervalSec int `yaml:"intervalSec"`

	// Export selects and configures the export backend.
	Export ExportConfig `yaml:"export"`
}

// ExportConfig selects the metrics export backend.
type ExportConfig struct {
	// Backend is one of log, prometheus, influxdb, http.
	// Environment: ARCHFLOW_METRICS_EXPORT_BACKEND
	// Default: log
	Backend string `yaml:"backend"`

	// URL is the write endpoint for the influxdb and http backends.
	// Environment: ARCHFLOW_METRICS_EXPORT_URL
	URL string `yaml:"url"`

	// Async decouples export from the snapshot tick.
	// Environment: ARCHFLOW_METRICS_EXPORT_ASYNC
	Async bool `yaml:"async"`

	// Auth configures the http backend's authentication. Token and
	// clientSecret accept secret references (env:NAME, keychain:key,
	// file:key) resolved at startup.
	Auth ExportAuthConfig `yaml:"auth"`
}

// ExportAuthConfig is the http export backend's auth block.
type ExportAuthConfig struct {
	// Kind is one of none, bearer, oauth2, sigv4.
	Kind string `yaml:"kind"`

	Token string `yaml:"token"`

	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	TokenURL     string   `yaml:"tokenUrl"`
	Scopes       []string `yaml:"scopes"`

	Region  string `yaml:"region"`
	Service string `yaml:"service"`
}

// StreamingConfig bounds the event registry.
type StreamingConfig struct {
	// MaxEmitters caps live per-run event streams.
	// Environment: ARCHFLOW_STREAMING_MAX_EMITTERS
	// Default: 1000
	MaxEmitters int `yaml:"maxEmitters"`

	// MaxQueueSize is the per-subscriber buffered event count.
	// Environment: ARCHFLOW_STREAMING_MAX_QUEUE_SIZE
	// Default: 100
	MaxQueueSize int `yaml:"maxQueueSize"`

	// IdleTimeoutMs completes emitters with no activity.
	// Environment: ARCHFLOW_STREAMING_IDLE_TIMEOUT_MS
	// Default: 5000
	IdleTimeoutMs int64 `yaml:"idleTimeoutMs"`
}

// ServerConfig configures the HTTP daemon.
type ServerConfig struct {
	// Listen is the bind address, host:port.
	// Environment: ARCHFLOW_SERVER_LISTEN
	// Default: 127.0.0.1:8080
	Listen string `yaml:"listen"`

	// Auth configures bearer-token authentication.
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig configures JWT bearer authentication on the HTTP API.
type AuthConfig struct {
	// Enabled turns authentication on. When off, all requests pass.
	// Environment: ARCHFLOW_SERVER_AUTH_ENABLED
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Secret is the HS256 signing secret, or an ed25519 public key in
	// PEM form for EdDSA tokens. Accepts secret references.
	// Environment: ARCHFLOW_SERVER_AUTH_SECRET
	Secret string `yaml:"secret"`

	// Issuer, when set, must match the token's iss claim.
	// Environment: ARCHFLOW_SERVER_AUTH_ISSUER
	Issuer string `yaml:"issuer"`

	// Audience, when set, must match the token's aud claim.
	// Environment: ARCHFLOW_SERVER_AUTH_AUDIENCE
	Audience string `yaml:"audience"`
}

// FlowsConfig locates flow definitions on disk.
type FlowsConfig struct {
	// Dir is the root directory scanned for flow files.
	// Environment: ARCHFLOW_FLOWS_DIR
	// Default: ./flows
	Dir string `yaml:"dir"`

	// Include is the set of doublestar patterns selecting flow files,
	// relative to Dir.
	// Default: **/*.yaml, **/*.yml
	Include []string `yaml:"include"`

	// Exclude removes matches from the include set.
	Exclude []string `yaml:"exclude"`

	// Watch enables hot reload on file changes.
	// Environment: ARCHFLOW_FLOWS_WATCH
	// Default: true
	Watch bool `yaml:"watch"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	// Backend is memory or sqlite. The memory backend loses suspensions
	// when the process exits, so 'archflow resume' cannot pick them up.
	// Environment: ARCHFLOW_STORE_BACKEND
	// Default: sqlite
	Backend string `yaml:"backend"`

	// Path is the sqlite database file. Empty selects
	// <data dir>/archflow.db.
	// Environment: ARCHFLOW_STORE_PATH
	Path string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Enabled turns span recording on.
	// Environment: ARCHFLOW_TRACING_ENABLED
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Exporter is one of stdout, otlp-grpc, otlp-http.
	// Environment: ARCHFLOW_TRACING_EXPORTER
	// Default: stdout
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP receiver address, required for the otlp
	// exporters.
	// Environment: ARCHFLOW_TRACING_ENDPOINT
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS on the OTLP connection.
	// Environment: ARCHFLOW_TRACING_INSECURE
	Insecure bool `yaml:"insecure"`

	// Headers are sent with every OTLP export request.
	Headers map[string]string `yaml:"headers"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	// Environment: ARCHFLOW_LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format is json or text.
	// Environment: ARCHFLOW_LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID: "archflow",
		},
		Flow: FlowConfig{
			MaxConcurrent:    8,
			DefaultTimeoutMs: 300_000,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelayMs:    1000,
			BackoffMultiplier: 2.0,
		},
		Resources: ResourcesConfig{
			Parallelism: runtime.NumCPU(),
		},
		Metrics: MetricsConfig{
			Enabled:     true,
			IntervalSec: 300,
			Export: ExportConfig{
				Backend: "log",
			},
		},
		Streaming: StreamingConfig{
			MaxEmitters:   1000,
			MaxQueueSize:  100,
			IdleTimeoutMs: 5000,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
		Flows: FlowsConfig{
			Dir:     "./flows",
			Include: []string{"**/*.yaml", "**/*.yml"},
			Watch:   true,
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the config file at path, fills defaults, applies ARCHFLOW_*
// environment overrides, and validates. An empty path skips the file and
// uses defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &errors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// loadFromFile unmarshals the YAML file at path over c.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values so minimal config files work without
// restating every section.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Agent.ID == "" {
		c.Agent.ID = defaults.Agent.ID
	}
	if c.Flow.MaxConcurrent == 0 {
		c.Flow.MaxConcurrent = defaults.Flow.MaxConcurrent
	}
	if c.Flow.DefaultTimeoutMs == 0 {
		c.Flow.DefaultTimeoutMs = defaults.Flow.DefaultTimeoutMs
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if c.Retry.InitialDelayMs == 0 {
		c.Retry.InitialDelayMs = defaults.Retry.InitialDelayMs
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = defaults.Retry.BackoffMultiplier
	}
	if c.Resources.Parallelism == 0 {
		c.Resources.Parallelism = defaults.Resources.Parallelism
	}
	if c.Metrics.IntervalSec == 0 {
		c.Metrics.IntervalSec = defaults.Metrics.IntervalSec
	}
	if c.Metrics.Export.Backend == "" {
		c.Metrics.Export.Backend = defaults.Metrics.Export.Backend
	}
	if c.Streaming.MaxEmitters == 0 {
		c.Streaming.MaxEmitters = defaults.Streaming.MaxEmitters
	}
	if c.Streaming.MaxQueueSize == 0 {
		c.Streaming.MaxQueueSize = defaults.Streaming.MaxQueueSize
	}
	if c.Streaming.IdleTimeoutMs == 0 {
		c.Streaming.IdleTimeoutMs = defaults.Streaming.IdleTimeoutMs
	}
	if c.Server.Listen == "" {
		c.Server.Listen = defaults.Server.Listen
	}
	if c.Flows.Dir == "" {
		c.Flows.Dir = defaults.Flows.Dir
	}
	if len(c.Flows.Include) == 0 {
		c.Flows.Include = defaults.Flows.Include
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// loadFromEnv applies ARCHFLOW_* environment overrides. Unparseable
// values are ignored, keeping the file or default value.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("ARCHFLOW_AGENT_ID"); v != "" {
		c.Agent.ID = v
	}
	if v := os.Getenv("ARCHFLOW_AGENT_PLUGINS_PATH"); v != "" {
		c.Agent.PluginsPath = v
	}

	if v := os.Getenv("ARCHFLOW_FLOW_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Flow.MaxConcurrent = n
		}
	}
	if v := os.Getenv("ARCHFLOW_FLOW_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Flow.DefaultTimeoutMs = n
		}
	}

	if v := os.Getenv("ARCHFLOW_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("ARCHFLOW_RETRY_INITIAL_DELAY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Retry.InitialDelayMs = n
		}
	}
	if v := os.Getenv("ARCHFLOW_RETRY_BACKOFF_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Retry.BackoffMultiplier = f
		}
	}

	if v := os.Getenv("ARCHFLOW_RESOURCES_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resources.Parallelism = n
		}
	}
	if v := os.Getenv("ARCHFLOW_RESOURCES_MAX_HEAP_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Resources.MaxHeapBytes = n
		}
	}

	if v := os.Getenv("ARCHFLOW_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = envBool(v)
	}
	if v := os.Getenv("ARCHFLOW_METRICS_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metrics.IntervalSec = n
		}
	}
	if v := os.Getenv("ARCHFLOW_METRICS_EXPORT_BACKEND"); v != "" {
		c.Metrics.Export.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("ARCHFLOW_METRICS_EXPORT_URL"); v != "" {
		c.Metrics.Export.URL = v
	}
	if v := os.Getenv("ARCHFLOW_METRICS_EXPORT_ASYNC"); v != "" {
		c.Metrics.Export.Async = envBool(v)
	}

	if v := os.Getenv("ARCHFLOW_STREAMING_MAX_EMITTERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Streaming.MaxEmitters = n
		}
	}
	if v := os.Getenv("ARCHFLOW_STREAMING_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Streaming.MaxQueueSize = n
		}
	}
	if v := os.Getenv("ARCHFLOW_STREAMING_IDLE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Streaming.IdleTimeoutMs = n
		}
	}

	if v := os.Getenv("ARCHFLOW_SERVER_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("ARCHFLOW_SERVER_AUTH_ENABLED"); v != "" {
		c.Server.Auth.Enabled = envBool(v)
	}
	if v := os.Getenv("ARCHFLOW_SERVER_AUTH_SECRET"); v != "" {
		c.Server.Auth.Secret = v
	}
	if v := os.Getenv("ARCHFLOW_SERVER_AUTH_ISSUER"); v != "" {
		c.Server.Auth.Issuer = v
	}
	if v := os.Getenv("ARCHFLOW_SERVER_AUTH_AUDIENCE"); v != "" {
		c.Server.Auth.Audience = v
	}

	if v := os.Getenv("ARCHFLOW_FLOWS_DIR"); v != "" {
		c.Flows.Dir = v
	}
	if v := os.Getenv("ARCHFLOW_FLOWS_WATCH"); v != "" {
		c.Flows.Watch = envBool(v)
	}

	if v := os.Getenv("ARCHFLOW_STORE_BACKEND"); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("ARCHFLOW_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("ARCHFLOW_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("ARCHFLOW_TRACING_EXPORTER"); v != "" {
		c.Tracing.Exporter = strings.ToLower(v)
	}
	if v := os.Getenv("ARCHFLOW_TRACING_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
	if v := os.Getenv("ARCHFLOW_TRACING_INSECURE"); v != "" {
		c.Tracing.Insecure = envBool(v)
	}

	if v := os.Getenv("ARCHFLOW_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ARCHFLOW_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
}

func envBool(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

// Validate checks every section and reports all violations at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Flow.MaxConcurrent < 1 {
		errs = append(errs, fmt.Sprintf("flow.maxConcurrent must be at least 1, got %d", c.Flow.MaxConcurrent))
	}
	if c.Flow.DefaultTimeoutMs <= 0 {
		errs = append(errs, fmt.Sprintf("flow.defaultTimeoutMs must be positive, got %d", c.Flow.DefaultTimeoutMs))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("retry.maxAttempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.InitialDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("retry.initialDelayMs must be non-negative, got %d", c.Retry.InitialDelayMs))
	}
	if c.Retry.BackoffMultiplier < 1.0 {
		errs = append(errs, fmt.Sprintf("retry.backoffMultiplier must be at least 1.0, got %g", c.Retry.BackoffMultiplier))
	}

	if c.Resources.Parallelism < 1 {
		errs = append(errs, fmt.Sprintf("resources.parallelism must be at least 1, got %d", c.Resources.Parallelism))
	}
	if c.Resources.MaxHeapBytes < 0 {
		errs = append(errs, fmt.Sprintf("resources.maxHeapBytes must be non-negative, got %d", c.Resources.MaxHeapBytes))
	}

	if c.Metrics.IntervalSec < 1 {
		errs = append(errs, fmt.Sprintf("metrics.intervalSec must be at least 1, got %d", c.Metrics.IntervalSec))
	}
	switch c.Metrics.Export.Backend {
	case "log", "prometheus", "influxdb", "http":
	default:
		errs = append(errs, fmt.Sprintf("metrics.export.backend must be one of [log, prometheus, influxdb, http], got %q", c.Metrics.Export.Backend))
	}
	if (c.Metrics.Export.Backend == "influxdb" || c.Metrics.Export.Backend == "http") && c.Metrics.Export.URL == "" {
		errs = append(errs, fmt.Sprintf("metrics.export.url is required for the %s backend", c.Metrics.Export.Backend))
	}
	switch c.Metrics.Export.Auth.Kind {
	case "", "none", "bearer", "oauth2", "sigv4":
	default:
		errs = append(errs, fmt.Sprintf("metrics.export.auth.kind must be one of [none, bearer, oauth2, sigv4], got %q", c.Metrics.Export.Auth.Kind))
	}

	if c.Streaming.MaxEmitters < 1 {
		errs = append(errs, fmt.Sprintf("streaming.maxEmitters must be at least 1, got %d", c.Streaming.MaxEmitters))
	}
	if c.Streaming.MaxQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("streaming.maxQueueSize must be at least 1, got %d", c.Streaming.MaxQueueSize))
	}
	if c.Streaming.IdleTimeoutMs < 1 {
		errs = append(errs, fmt.Sprintf("streaming.idleTimeoutMs must be at least 1, got %d", c.Streaming.IdleTimeoutMs))
	}

	if c.Server.Listen == "" {
		errs = append(errs, "server.listen must not be empty")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.Secret == "" {
		errs = append(errs, "server.auth.secret is required when server.auth.enabled is true")
	}

	if c.Flows.Dir == "" {
		errs = append(errs, "flows.dir must not be empty")
	}

	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be one of [memory, sqlite], got %q", c.Store.Backend))
	}

	switch c.Tracing.Exporter {
	case "stdout", "otlp-grpc", "otlp-http":
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [stdout, otlp-grpc, otlp-http], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.Enabled && c.Tracing.Exporter != "stdout" && c.Tracing.Endpoint == "" {
		errs = append(errs, fmt.Sprintf("tracing.endpoint is required for the %s exporter", c.Tracing.Exporter))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// EngineConfig maps the flow and resources sections onto the engine's
// tuning knobs. Fields without a config key keep the engine defaults.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxConcurrent: c.Resources.Parallelism,
		FlowTimeout:   time.Duration(c.Flow.DefaultTimeoutMs) * time.Millisecond,
	}
}

// EventsConfig maps the streaming section onto the event registry.
func (c *Config) EventsConfig() events.Config {
	return events.Config{
		MaxEmitters:  c.Streaming.MaxEmitters,
		MaxQueueSize: c.Streaming.MaxQueueSize,
		IdleTimeout:  time.Duration(c.Streaming.IdleTimeoutMs) * time.Millisecond,
	}
}

// MetricsExport maps the export section onto the exporter factory input.
func (c *Config) MetricsExport() metrics.ExportConfig {
	kind := c.Metrics.Export.Auth.Kind
	if kind == "none" {
		kind = ""
	}
	return metrics.ExportConfig{
		Backend: c.Metrics.Export.Backend,
		URL:     c.Metrics.Export.URL,
		Auth: metrics.HTTPAuthConfig{
			Kind:         metrics.HTTPAuthKind(kind),
			Token:        c.Metrics.Export.Auth.Token,
			ClientID:     c.Metrics.Export.Auth.ClientID,
			ClientSecret: c.Metrics.Export.Auth.ClientSecret,
			TokenURL:     c.Metrics.Export.Auth.TokenURL,
			Scopes:       c.Metrics.Export.Auth.Scopes,
			Region:       c.Metrics.Export.Auth.Region,
			Service:      c.Metrics.Export.Auth.Service,
		},
	}
}

// CollectorConfig maps the metrics section onto the collector loop.
func (c *Config) CollectorConfig() metrics.CollectorConfig {
	return metrics.CollectorConfig{
		Interval: time.Duration(c.Metrics.IntervalSec) * time.Second,
		Async:    c.Metrics.Export.Async,
	}
}

// RetryPolicy returns the fill-in retry policy for step retry blocks
// with unset fields.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:           c.Retry.MaxAttempts,
		InitialDelay:          time.Duration(c.Retry.InitialDelayMs) * time.Millisecond,
		BackoffMultiplier:     c.Retry.BackoffMultiplier,
		FailOnValidationError: true,
	}
}

// Logging maps the log section onto the logger constructor input.
func (c *Config) Logging() *log.Config {
	return &log.Config{
		Level:  c.Log.Level,
		Format: log.Format(c.Log.Format),
	}
}

// StorePath returns the sqlite database path, defaulting into the data
// directory when unset.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(DataDir(), "archflow.db")
}
