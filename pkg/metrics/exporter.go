package metrics

import (
	"context"
	"log/slog"

	"github.com/archflow/archflow/pkg/errors"
)

// Exporter delivers snapshots to a metrics backend.
type Exporter interface {
	// Name identifies the backend in logs.
	Name() string

	// Export delivers one snapshot. Errors are logged by the collector
	// and never propagate to the execution path.
	Export(ctx context.Context, snap Snapshot) error
}

// ExportConfig selects and configures the export backend.
type ExportConfig struct {
	// Backend is one of log, prometheus, influxdb, http. Empty means log.
	Backend string
	// URL is the write endpoint for the influxdb and http backends.
	URL string
	// Auth configures the http backend's authentication.
	Auth HTTPAuthConfig
}

// NewExporter builds the exporter named by cfg.Backend.
func NewExporter(cfg ExportConfig, registry *Registry) (Exporter, error) {
	switch cfg.Backend {
	case "", "log":
		return NewLogExporter(), nil
	case "prometheus":
		return NewPrometheusExporter(registry), nil
	case "influxdb":
		return NewInfluxExporter(cfg.URL)
	case "http":
		return NewHTTPExporter(cfg.URL, cfg.Auth)
	default:
		return nil, &errors.ConfigError{
			Key:    "metrics.export.backend",
			Reason: "unknown backend " + cfg.Backend + ", expected log, prometheus, influxdb, or http",
		}
	}
}

// LogExporter writes snapshot summaries to the structured log. It is the
// default backend and useful in development.
type LogExporter struct {
	logger *slog.Logger
}

// NewLogExporter returns an exporter that logs snapshots.
func NewLogExporter() *LogExporter {
	return &LogExporter{
		logger: slog.Default().With(slog.String("component", "metrics")),
	}
}

// Name implements Exporter.
func (e *LogExporter) Name() string { return "log" }

// Export implements Exporter.
func (e *LogExporter) Export(_ context.Context, snap Snapshot) error {
	e.logger.Info("metrics snapshot",
		slog.Time("at", snap.Timestamp),
		slog.Int64("flows_started", snap.Counters[KeyFlowStarted]),
		slog.Int64("flows_completed", snap.Counters[KeyFlowCompleted]),
		slog.Int64("flows_failed", snap.Counters[KeyFlowFailed]),
		slog.Int64("steps_executed", snap.Counters[KeyStepExecuted]),
		slog.Float64("flows_active", snap.Values[KeyFlowsActive]))
	e.logger.Debug("metrics snapshot detail",
		slog.Any("counters", snap.Counters),
		slog.Any("values", snap.Values),
		slog.Any("stats", snap.Stats))
	return nil
}
