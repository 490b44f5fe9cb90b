package tools

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/events"
	"github.com/archflow/archflow/pkg/execution"
)

// Invoker is the single coupling point between the tracker, the tool
// registry, and the interceptor chain. Every tool call in the process
// goes through it; nothing else starts or finishes tool executions on
// the tracker.
type Invoker struct {
	tracker  *execution.Tracker
	registry *Registry
	chain    *Chain
	events   *events.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewInvoker wires an invoker. The event registry may be nil, in which
// case no tool events are published. A nil chain runs tools without
// interception.
func NewInvoker(tracker *execution.Tracker, registry *Registry, chain *Chain, eventReg *events.Registry, logger *slog.Logger) *Invoker {
	if chain == nil {
		chain = NewChain()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		tracker:  tracker,
		registry: registry,
		chain:    chain,
		events:   eventReg,
		logger:   logger.With(slog.String("component", "invoker")),
		tracer:   otel.Tracer("archflow/tools"),
	}
}

// WithTracer sets the tracer used for tool call spans.
func (inv *Invoker) WithTracer(t trace.Tracer) *Invoker {
	inv.tracer = t
	return inv
}

// Execute runs toolName as a root tool execution. Used for standalone
// invocations that are not part of a flow run.
func (inv *Invoker) Execute(ctx context.Context, toolName string, input map[string]any, run RunContext) (any, error) {
	id, err := inv.tracker.StartRoot(execution.KindTool)
	if err != nil {
		return nil, err
	}
	return inv.run(ctx, id, toolName, input, run)
}

// ExecuteChild runs toolName as a child of parentID, inheriting the
// parent's root so events and metrics correlate across the hierarchy.
func (inv *Invoker) ExecuteChild(ctx context.Context, parentID, toolName string, input map[string]any, run RunContext) (any, error) {
	id, err := inv.tracker.StartChild(parentID, execution.KindTool)
	if err != nil {
		return nil, err
	}
	return inv.run(ctx, id, toolName, input, run)
}

func (inv *Invoker) run(ctx context.Context, id execution.ID, toolName string, input map[string]any, run RunContext) (any, error) {
	execID := id.String()
	streamID := inv.streamID(execID)

	ctx, span := inv.tracer.Start(ctx, "tool."+toolName, trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("execution.id", execID),
	))
	defer span.End()

	tool, err := inv.registry.Get(toolName)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		inv.fail(execID, streamID, toolName, err)
		return nil, err
	}

	tc := NewToolContext(execID, toolName, input, run)
	tc.Schema = tool.InputSchema()
	inv.publish(events.ToolStart(streamID, toolName, execID, input))

	result, err := inv.chain.Execute(ctx, tc, func(ctx context.Context, tc *ToolContext) (any, error) {
		return tool.Execute(ctx, tc)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		inv.fail(execID, streamID, toolName, err)
		return nil, err
	}

	if trackErr := inv.tracker.Complete(execID, result); trackErr != nil {
		inv.logger.Warn("tracker complete failed",
			slog.String("execution_id", execID),
			slog.Any("error", trackErr))
	}
	inv.publish(events.ToolResult(streamID, toolName, execID, result, tc.Duration().Milliseconds()))
	return result, nil
}

// fail marks the execution failed and publishes an error event. Tracker
// errors here are logged, never returned; the caller's error wins.
func (inv *Invoker) fail(execID, streamID, toolName string, cause error) {
	if trackErr := inv.tracker.Fail(execID, cause); trackErr != nil {
		inv.logger.Warn("tracker fail failed",
			slog.String("execution_id", execID),
			slog.Any("error", trackErr))
	}
	inv.logger.Debug("tool invocation failed",
		slog.String("execution_id", execID),
		slog.String("tool", toolName),
		slog.Any("error", cause))
	inv.publish(events.ErrorEvent(streamID, errors.Code(cause), cause.Error()))
}

// streamID resolves the root execution id so tool events land on the
// run's stream, where flow subscribers are listening.
func (inv *Invoker) streamID(execID string) string {
	if root, ok := inv.tracker.Root(execID); ok {
		return root.ID.String()
	}
	return execID
}

func (inv *Invoker) publish(event events.Event) {
	if inv.events == nil {
		return
	}
	inv.events.Publish(event)
}

// Registry exposes the invoker's tool registry for callers that need to
// enumerate or register tools through the same instance.
func (inv *Invoker) Registry() *Registry {
	return inv.registry
}

// Chain exposes the interceptor chain so callers can install additional
// interceptors before the first invocation.
func (inv *Invoker) Chain() *Chain {
	return inv.chain
}
