package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultExportInterval is how often the collector hands a snapshot to
// the exporter when the configuration does not say otherwise.
const DefaultExportInterval = 5 * time.Minute

// Metric keys recorded by the collector. Per-flow and per-step variants
// are derived by appending ids to the prefixes.
const (
	KeyFlowStarted    = "flow.started"
	KeyFlowCompleted  = "flow.completed"
	KeyFlowFailed     = "flow.failed"
	KeyFlowErrors     = "flow.errors"
	KeyFlowsActive    = "flows.active"
	KeyFlowDurationMs = "flow.duration_ms"
	KeyStepExecuted   = "step.executed"
	KeyStepFailed     = "step.failed"
	KeyStepRetries    = "step.retries"
	KeyStepDurationMs = "step.duration_ms"
)

// FlowMetrics carries the measurements of one finished run.
type FlowMetrics struct {
	DurationMs     int64
	CompletedSteps int
	FailedSteps    int
}

// StepMetrics carries the measurements of one step execution.
type StepMetrics struct {
	DurationMs int64
	Retries    int
	Success    bool
}

// Collector records flow and step metrics into a Registry and exports
// snapshots on a fixed interval. Recording never blocks on export, and an
// export failure is logged but never reaches the caller.
type Collector struct {
	registry *Registry
	exporter Exporter
	interval time.Duration
	async    bool
	logger   *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// CollectorConfig tunes the export loop.
type CollectorConfig struct {
	Interval time.Duration
	Async    bool
}

// NewCollector creates a collector around the registry and starts the
// periodic export loop. A nil exporter disables exporting but keeps
// aggregation available.
func NewCollector(registry *Registry, exporter Exporter, cfg CollectorConfig) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultExportInterval
	}

	c := &Collector{
		registry: registry,
		exporter: exporter,
		interval: cfg.Interval,
		async:    cfg.Async,
		logger:   slog.Default().With(slog.String("component", "metrics")),
		done:     make(chan struct{}),
	}

	if exporter != nil {
		c.wg.Add(1)
		go c.exportLoop()
	}
	return c
}

// RecordFlowStart counts a run entering the engine.
func (c *Collector) RecordFlowStart(flowID string) {
	c.registry.IncrCounter(KeyFlowStarted, 1)
	c.registry.IncrCounter("flow."+flowID+".started", 1)
	c.registry.AddGauge(KeyFlowsActive, 1)
}

// RecordFlowCompletion counts a finished run and observes its duration.
func (c *Collector) RecordFlowCompletion(flowID string, m FlowMetrics, success bool) {
	if success {
		c.registry.IncrCounter(KeyFlowCompleted, 1)
		c.registry.IncrCounter("flow."+flowID+".completed", 1)
	} else {
		c.registry.IncrCounter(KeyFlowFailed, 1)
		c.registry.IncrCounter("flow."+flowID+".failed", 1)
	}
	c.registry.Observe(KeyFlowDurationMs, float64(m.DurationMs))
	c.registry.Observe("flow."+flowID+".duration_ms", float64(m.DurationMs))
	c.registry.AddGauge(KeyFlowsActive, -1)
}

// RecordFlowError counts an error surfaced by a run.
func (c *Collector) RecordFlowError(flowID string, err error) {
	if err == nil {
		return
	}
	c.registry.IncrCounter(KeyFlowErrors, 1)
	c.registry.IncrCounter("flow."+flowID+".errors", 1)
}

// RecordStepMetrics observes one step execution.
func (c *Collector) RecordStepMetrics(flowID, stepID string, m StepMetrics) {
	c.registry.IncrCounter(KeyStepExecuted, 1)
	if !m.Success {
		c.registry.IncrCounter(KeyStepFailed, 1)
	}
	if m.Retries > 0 {
		c.registry.IncrCounter(KeyStepRetries, int64(m.Retries))
	}
	c.registry.Observe(KeyStepDurationMs, float64(m.DurationMs))
	c.registry.Observe("flow."+flowID+".step."+stepID+".duration_ms", float64(m.DurationMs))
}

// RecordFlowStatus counts a run-status transition.
func (c *Collector) RecordFlowStatus(flowID, status string) {
	c.registry.IncrCounter("flow.status."+status, 1)
	c.registry.IncrCounter("flow."+flowID+".status."+status, 1)
}

// Aggregate returns the current snapshot.
func (c *Collector) Aggregate() Snapshot {
	return c.registry.Snapshot()
}

// Close stops the export loop and flushes a final snapshot.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		if c.exporter != nil {
			c.export(context.Background())
		}
	})
}

func (c *Collector) exportLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.async {
				go c.export(context.Background())
			} else {
				c.export(context.Background())
			}
		}
	}
}

// export hands a snapshot to the exporter. Failures, including panics in
// a misbehaving backend, are contained here.
func (c *Collector) export(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("metrics exporter panicked", slog.Any("panic", r))
		}
	}()

	snap := c.registry.Snapshot()
	if err := c.exporter.Export(ctx, snap); err != nil {
		c.logger.Warn("metrics export failed",
			slog.String("exporter", c.exporter.Name()),
			slog.Any("error", err))
	}
}
