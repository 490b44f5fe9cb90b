package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/metrics"
)

// Default chain positions for the built-in interceptors. Validation runs
// first so nothing downstream sees malformed input; metering runs last so
// cache hits are not counted as executions.
const (
	OrderValidation = 10
	OrderLogging    = 20
	OrderCache      = 30
	OrderMetrics    = 40
)

// ValidationInterceptor rejects invocations whose input is missing keys
// the tool's schema declares required.
type ValidationInterceptor struct{}

// NewValidationInterceptor returns the input validator.
func NewValidationInterceptor() *ValidationInterceptor {
	return &ValidationInterceptor{}
}

// Name implements Interceptor.
func (v *ValidationInterceptor) Name() string { return "validation" }

// Order implements Interceptor.
func (v *ValidationInterceptor) Order() int { return OrderValidation }

// BeforeExecute implements Interceptor.
func (v *ValidationInterceptor) BeforeExecute(_ context.Context, tc *ToolContext) error {
	for _, key := range requiredKeys(tc.Schema) {
		if _, exists := tc.Input[key]; !exists {
			return &errors.ValidationError{
				Field:      key,
				Message:    fmt.Sprintf("tool %s requires input %q", tc.ToolName, key),
				Suggestion: "check the tool's input schema for the required keys",
			}
		}
	}
	return nil
}

// AfterExecute implements Interceptor.
func (v *ValidationInterceptor) AfterExecute(_ context.Context, _ *ToolContext, result any) (any, error) {
	return result, nil
}

// OnError implements Interceptor.
func (v *ValidationInterceptor) OnError(context.Context, *ToolContext, error) {}

// requiredKeys extracts the required key list from a JSON-schema object.
// Schemas decoded from YAML carry []string; schemas decoded from JSON
// carry []any.
func requiredKeys(schema map[string]any) []string {
	if schema == nil {
		return nil
	}
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, k := range req {
			if s, ok := k.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// LoggingInterceptor writes structured start/finish/error records for
// every invocation. Inputs pass through the redactor so credentials never
// reach the log.
type LoggingInterceptor struct {
	logger   *slog.Logger
	redactor *Redactor
}

// NewLoggingInterceptor returns the logging interceptor. A nil logger
// falls back to slog.Default.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{
		logger:   logger.With(slog.String("component", "tools")),
		redactor: NewRedactor(),
	}
}

// Name implements Interceptor.
func (l *LoggingInterceptor) Name() string { return "logging" }

// Order implements Interceptor.
func (l *LoggingInterceptor) Order() int { return OrderLogging }

// BeforeExecute implements Interceptor.
func (l *LoggingInterceptor) BeforeExecute(_ context.Context, tc *ToolContext) error {
	l.logger.Debug("tool starting",
		slog.String("tool", tc.ToolName),
		slog.String("execution_id", tc.ExecutionID),
		slog.String("input", l.redactor.Redact(compactJSON(tc.Input))))
	return nil
}

// AfterExecute implements Interceptor.
func (l *LoggingInterceptor) AfterExecute(_ context.Context, tc *ToolContext, result any) (any, error) {
	l.logger.Debug("tool completed",
		slog.String("tool", tc.ToolName),
		slog.String("execution_id", tc.ExecutionID),
		slog.Int64("duration_ms", time.Since(tc.StartedAt).Milliseconds()),
		slog.Bool("cached", tc.Cached()))
	return result, nil
}

// OnError implements Interceptor.
func (l *LoggingInterceptor) OnError(_ context.Context, tc *ToolContext, err error) {
	l.logger.Warn("tool failed",
		slog.String("tool", tc.ToolName),
		slog.String("execution_id", tc.ExecutionID),
		slog.Int64("duration_ms", time.Since(tc.StartedAt).Milliseconds()),
		slog.Any("error", err))
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// cacheEntry is one stored tool result.
type cacheEntry struct {
	result   any
	storedAt time.Time
}

// CacheInterceptor serves repeated invocations of the same tool with the
// same input from memory. A hit halts the chain before the tool runs and
// marks the context cached.
type CacheInterceptor struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
}

// NewCacheInterceptor returns a cache keeping up to maxEntries results
// for ttl each. Non-positive arguments select the defaults (256 entries,
// 5 minutes).
func NewCacheInterceptor(maxEntries int, ttl time.Duration) *CacheInterceptor {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CacheInterceptor{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Name implements Interceptor.
func (c *CacheInterceptor) Name() string { return "cache" }

// Order implements Interceptor.
func (c *CacheInterceptor) Order() int { return OrderCache }

// BeforeExecute implements Interceptor.
func (c *CacheInterceptor) BeforeExecute(_ context.Context, tc *ToolContext) error {
	key := cacheKey(tc.ToolName, tc.Input)

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}

	tc.SetResult(entry.result)
	tc.MarkCached()
	return &errors.HaltError{Interceptor: c.Name(), Reason: "cache hit"}
}

// AfterExecute implements Interceptor.
func (c *CacheInterceptor) AfterExecute(_ context.Context, tc *ToolContext, result any) (any, error) {
	key := cacheKey(tc.ToolName, tc.Input)

	c.mu.Lock()
	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{result: result, storedAt: time.Now()}
	c.mu.Unlock()

	return result, nil
}

// OnError implements Interceptor. Failures are never cached.
func (c *CacheInterceptor) OnError(context.Context, *ToolContext, error) {}

// evictLocked drops expired entries, then the oldest entry if the cache
// is still full.
func (c *CacheInterceptor) evictLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}

	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.storedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.storedAt
		}
	}
	delete(c.entries, oldestKey)
}

func cacheKey(toolName string, input map[string]any) string {
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	if b, err := json.Marshal(input); err == nil {
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MetricsInterceptor counts executions and failures and observes
// per-tool durations. It runs last in the chain so cache hits skip it.
type MetricsInterceptor struct {
	registry *metrics.Registry
}

// NewMetricsInterceptor returns the metering interceptor.
func NewMetricsInterceptor(registry *metrics.Registry) *MetricsInterceptor {
	return &MetricsInterceptor{registry: registry}
}

// Name implements Interceptor.
func (m *MetricsInterceptor) Name() string { return "metrics" }

// Order implements Interceptor.
func (m *MetricsInterceptor) Order() int { return OrderMetrics }

// BeforeExecute implements Interceptor.
func (m *MetricsInterceptor) BeforeExecute(_ context.Context, tc *ToolContext) error {
	tc.SetAttribute(MetricsStartTimeAttr, time.Now())
	return nil
}

// AfterExecute implements Interceptor.
func (m *MetricsInterceptor) AfterExecute(_ context.Context, tc *ToolContext, result any) (any, error) {
	m.registry.IncrCounter("tool.executed", 1)
	m.registry.Observe("tool."+tc.ToolName+".duration_ms", float64(m.elapsed(tc).Milliseconds()))
	return result, nil
}

// OnError implements Interceptor.
func (m *MetricsInterceptor) OnError(_ context.Context, tc *ToolContext, _ error) {
	m.registry.IncrCounter("tool.failed", 1)
	m.registry.Observe("tool."+tc.ToolName+".duration_ms", float64(m.elapsed(tc).Milliseconds()))
}

func (m *MetricsInterceptor) elapsed(tc *ToolContext) time.Duration {
	if v, ok := tc.Attribute(MetricsStartTimeAttr); ok {
		if start, ok := v.(time.Time); ok {
			return time.Since(start)
		}
	}
	return time.Since(tc.StartedAt)
}

// DefaultChain assembles the standard pipeline: validate, log, cache,
// meter.
func DefaultChain(logger *slog.Logger, registry *metrics.Registry) *Chain {
	return NewChain(
		NewValidationInterceptor(),
		NewLoggingInterceptor(logger),
		NewCacheInterceptor(0, 0),
		NewMetricsInterceptor(registry),
	)
}
