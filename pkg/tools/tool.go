// Package tools provides the tool registry, the interceptor chain that
// wraps every invocation, and the invoker that ties both to execution
// tracking.
//
// A tool is a named, side-effectful callable: an LLM call, an HTTP
// request, a vector search. Tools are registered once and invoked through
// the Invoker, which traces each call in the execution tracker and routes
// it through the ordered interceptor pipeline.
package tools

import (
	"context"
	"sync"
	"time"
)

// MetricsStartTimeAttr is the reserved ToolContext attribute holding the
// instant the metering interceptor observed the call start.
const MetricsStartTimeAttr = "_metrics.startTime"

// Tool is an executable unit callable from workflow steps and agents.
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what the tool does.
	Description() string

	// InputSchema returns the JSON-schema object describing the tool's
	// input: type, properties, required keys, enums. The same shape is
	// surfaced over MCP.
	InputSchema() map[string]any

	// Execute runs the tool. Input and shared run state are carried on
	// the ToolContext.
	Execute(ctx context.Context, tc *ToolContext) (any, error)
}

// RunContext is the per-run key/value bag shared by every step of a flow.
// Tools read prior step outputs through it; the engine restricts writes to
// the currently executing step.
type RunContext interface {
	// Get reads the value at a dotted path such as "step.fetch.output".
	Get(path string) (any, bool)

	// Set writes the value at a dotted path.
	Set(path string, value any)
}

// ToolContext carries the state of one tool invocation through the
// interceptor chain: identity, input, shared run state, timing, and the
// mutable result slot interceptors use to recover or short-circuit.
// Attribute access is safe for concurrent use.
type ToolContext struct {
	// ExecutionID is the hierarchical identity of this invocation.
	ExecutionID string

	// ToolName is the registered name of the tool being invoked.
	ToolName string

	// Input is the decoded argument object.
	Input map[string]any

	// Schema is the tool's input schema, set by the invoker at dispatch.
	Schema map[string]any

	// Run is the run-wide context, nil for bare invocations.
	Run RunContext

	// StartedAt is when the invocation entered the chain.
	StartedAt time.Time

	// EndedAt is when the chain finished, zero while in flight.
	EndedAt time.Time

	mu        sync.RWMutex
	attrs     map[string]any
	result    any
	resultSet bool
	err       error
	cached    bool
}

// NewToolContext builds a context for one invocation.
func NewToolContext(executionID, toolName string, input map[string]any, run RunContext) *ToolContext {
	if input == nil {
		input = map[string]any{}
	}
	return &ToolContext{
		ExecutionID: executionID,
		ToolName:    toolName,
		Input:       input,
		Run:         run,
		StartedAt:   time.Now(),
		attrs:       make(map[string]any),
	}
}

// SetAttribute stores an attribute on the invocation.
func (tc *ToolContext) SetAttribute(key string, value any) {
	tc.mu.Lock()
	tc.attrs[key] = value
	tc.mu.Unlock()
}

// Attribute reads an attribute set earlier in the chain.
func (tc *ToolContext) Attribute(key string) (any, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	v, ok := tc.attrs[key]
	return v, ok
}

// SetResult places a result on the context. Interceptors use it to
// short-circuit with a cached value or to recover from an executor error.
func (tc *ToolContext) SetResult(result any) {
	tc.mu.Lock()
	tc.result = result
	tc.resultSet = true
	tc.mu.Unlock()
}

// Result returns the result and whether one has been set.
func (tc *ToolContext) Result() (any, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.result, tc.resultSet
}

// SetError records the executor error for OnError hooks.
func (tc *ToolContext) SetError(err error) {
	tc.mu.Lock()
	tc.err = err
	tc.mu.Unlock()
}

// Err returns the recorded executor error, nil if none.
func (tc *ToolContext) Err() error {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.err
}

// MarkCached flags the invocation as served from cache.
func (tc *ToolContext) MarkCached() {
	tc.mu.Lock()
	tc.cached = true
	tc.mu.Unlock()
}

// Cached reports whether the result came from cache.
func (tc *ToolContext) Cached() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.cached
}

// Duration is the wall-clock time the invocation took, zero while the
// chain is still running.
func (tc *ToolContext) Duration() time.Duration {
	if tc.EndedAt.IsZero() {
		return 0
	}
	return tc.EndedAt.Sub(tc.StartedAt)
}

// Func adapts a plain function into a Tool.
type Func struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, tc *ToolContext) (any, error)
}

// NewFunc wraps fn as a registered-ready Tool.
func NewFunc(name, description string, schema map[string]any, fn func(ctx context.Context, tc *ToolContext) (any, error)) *Func {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return &Func{name: name, description: description, schema: schema, fn: fn}
}

// Name implements Tool.
func (f *Func) Name() string { return f.name }

// Description implements Tool.
func (f *Func) Description() string { return f.description }

// InputSchema implements Tool.
func (f *Func) InputSchema() map[string]any { return f.schema }

// Execute implements Tool.
func (f *Func) Execute(ctx context.Context, tc *ToolContext) (any, error) {
	return f.fn(ctx, tc)
}
