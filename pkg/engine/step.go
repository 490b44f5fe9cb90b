package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archflow/archflow/pkg/agent"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/events"
	"github.com/archflow/archflow/pkg/execution"
	"github.com/archflow/archflow/pkg/flow"
	"github.com/archflow/archflow/pkg/retry"
)

// executeStep runs one step to its terminal status: resolve config,
// dispatch by type under the step deadline, retry per policy, then apply
// the output transform and schema. Panics inside tools are contained
// here and surface as a failed step.
func (e *Engine) executeStep(ctx context.Context, rc *runControl, p *runPlan, step *flow.Step) (res StepResult) {
	res = StepResult{StepID: step.ID, Status: StepStatusRunning, StartedAt: time.Now(), Attempts: 1}
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("step %s panicked: %v", step.ID, r)
			e.logger.Error("step panicked",
				slog.String("run_id", rc.runID),
				slog.String("step_id", step.ID),
				slog.Any("panic", r))
			res.Status = StepStatusFailed
			res.Error = cause.Error()
			res.cause = cause
			res.CompletedAt = time.Now()
			res.Metrics.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
		}
	}()

	ctx, span := e.tracer.Start(ctx, "step."+step.ID, trace.WithAttributes(
		attribute.String("flow.id", p.flow.ID),
		attribute.String("step.id", step.ID),
		attribute.String("step.type", string(step.Type)),
	))
	defer span.End()

	e.publish(events.Trace(rc.streamID, "info", "engine", fmt.Sprintf("step %s started", step.ID)))
	e.logger.Debug("step started",
		slog.String("run_id", rc.runID),
		slog.String("step_id", step.ID),
		slog.String("type", string(step.Type)))

	stepTimeout := step.Timeout()
	if stepTimeout <= 0 {
		stepTimeout = e.config.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	policy := retry.Policy{MaxAttempts: 1, BackoffMultiplier: 1.0, FailOnValidationError: true}
	if step.Retry != nil {
		var perr error
		policy, perr = step.Retry.Policy()
		if perr != nil {
			res.Status = StepStatusFailed
			res.Error = perr.Error()
			res.cause = perr
			res.CompletedAt = time.Now()
			return res
		}
	}

	// Token usage accumulates across attempts on a side channel so the
	// thunk's return value stays the raw step output.
	var tokens atomic.Int64
	thunk := func(tctx context.Context) (any, error) {
		v, err := e.invokeStepOnce(tctx, rc, p, step, &tokens)
		if err != nil {
			return nil, err
		}
		if req := asSuspendRequest(v); req != nil {
			return req, nil
		}
		if step.Transform != "" {
			v, err = e.transforms.Execute(tctx, step.Transform, v)
			if err != nil {
				return nil, fmt.Errorf("transform failed: %w", err)
			}
		}
		return v, nil
	}

	listener := &stepRetryListener{engine: e, rc: rc, stepID: step.ID}
	outcome, err := retry.Do(stepCtx, policy, listener, thunk)
	if ex, ok := err.(*retry.ExhaustedError); ok && policy.MaxAttempts == 1 {
		// A single-attempt policy never retried; keep the underlying error.
		err = ex.Cause
	}

	now := time.Now()
	res.CompletedAt = now
	res.Metrics.DurationMs = now.Sub(res.StartedAt).Milliseconds()
	res.Metrics.Tokens = tokens.Load()
	if outcome != nil {
		if len(outcome.Attempts) > 0 {
			res.Attempts = len(outcome.Attempts)
		}
		res.Metrics.RetryCount = outcome.RetryCount()
	}

	if err == nil && outcome.ValidationFailed {
		err = &outcome.Violations[0]
	}
	if err != nil {
		res.cause = e.classifyStepError(ctx, stepCtx, rc, step, stepTimeout, err)
		res.Error = res.cause.Error()
		if _, ok := res.cause.(*errors.CancelledError); ok {
			res.Status = StepStatusCancelled
		} else {
			res.Status = StepStatusFailed
		}
		span.RecordError(res.cause)
		span.SetStatus(codes.Error, res.cause.Error())
		return res
	}

	if req, ok := outcome.Value.(*SuspendRequest); ok {
		res.Status = StepStatusSuspended
		res.suspend = req
		return res
	}

	res.Status = StepStatusCompleted
	res.Output = outcome.Value
	return res
}

// classifyStepError distinguishes the step's own deadline from run-level
// cancellation so the result carries the right status and code.
func (e *Engine) classifyStepError(runCtx, stepCtx context.Context, rc *runControl, step *flow.Step, stepTimeout time.Duration, err error) error {
	switch {
	case runCtx.Err() != nil:
		if rc.stopped.Load() {
			return &errors.CancelledError{Operation: "step " + step.ID, Cause: &errors.StoppedError{RunID: rc.runID}}
		}
		return &errors.CancelledError{Operation: "step " + step.ID, Cause: runCtx.Err()}
	case stepCtx.Err() == context.DeadlineExceeded:
		return &errors.TimeoutError{Operation: "step " + step.ID, Duration: stepTimeout, Cause: err}
	default:
		return err
	}
}

// invokeStepOnce dispatches a single attempt by step type.
func (e *Engine) invokeStepOnce(ctx context.Context, rc *runControl, p *runPlan, step *flow.Step, tokens *atomic.Int64) (any, error) {
	switch step.Type {
	case flow.StepTool:
		input := resolveInputs(step.Config, p.ec)
		toolCtx := ctx
		if e.config.ToolTimeout > 0 {
			var cancel context.CancelFunc
			toolCtx, cancel = context.WithTimeout(ctx, e.config.ToolTimeout)
			defer cancel()
		}
		return e.invoker.ExecuteChild(toolCtx, rc.runID, step.Tool, input, p.ec)
	case flow.StepAgent:
		return e.runAgentStep(ctx, rc, step, p.ec, tokens)
	case flow.StepChain:
		return e.runChainStep(ctx, rc, step, p.ec, tokens)
	default:
		return nil, &errors.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("step %s has unsupported type %q", step.ID, step.Type),
		}
	}
}

// runAgentStep resolves the prompt template, calls the model adapter,
// and streams deltas onto the run's event stream. The step output is a
// map with the content, model, and token count.
func (e *Engine) runAgentStep(ctx context.Context, rc *runControl, step *flow.Step, ec *ExecutionContext, tokens *atomic.Int64) (any, error) {
	if e.adapter == nil {
		return nil, &errors.ConfigError{Key: "agent.adapter", Reason: "agent steps require a model adapter"}
	}

	cfg := resolveInputs(step.Config, ec)
	prompt := strings.TrimSpace(stringify(cfg["prompt"]))
	if prompt == "" {
		return nil, &errors.ValidationError{
			Field:      "prompt",
			Message:    fmt.Sprintf("agent step %s resolved to an empty prompt", step.ID),
			Suggestion: "set config.prompt to a non-empty template",
		}
	}

	var msgs []agent.Message
	if system := strings.TrimSpace(stringify(cfg["system"])); system != "" {
		msgs = append(msgs, agent.Message{Role: agent.RoleSystem, Content: system})
	}
	msgs = append(msgs, agent.Message{Role: agent.RoleUser, Content: prompt})

	req := agent.Request{
		Messages: msgs,
		Metadata: map[string]string{"runId": rc.runID, "stepId": step.ID},
	}
	if model, ok := cfg["model"].(string); ok {
		req.Model = model
	}
	if temp, ok := toFloat(cfg["temperature"]); ok {
		req.Temperature = &temp
	}
	if mt, ok := toInt(cfg["max_tokens"]); ok {
		req.MaxTokens = &mt
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	caps := e.adapter.Capabilities()
	if req.Model != "" && !caps.SupportsModel(req.Model) {
		return nil, &errors.ValidationError{
			Field:      "model",
			Message:    fmt.Sprintf("adapter %s does not support model %q", e.adapter.Name(), req.Model),
			Suggestion: fmt.Sprintf("use one of: %s", strings.Join(caps.Models, ", ")),
		}
	}

	execID, err := e.tracker.StartChild(rc.runID, execution.KindAgent)
	if err != nil {
		return nil, err
	}

	e.publish(events.ChatStart(rc.streamID))
	var resp *agent.Response
	if caps.Streaming {
		ch, serr := e.adapter.Stream(ctx, req)
		if serr == nil {
			resp, serr = e.collectStream(ctx, rc.streamID, ch)
		}
		err = serr
	} else {
		resp, err = e.adapter.Complete(ctx, req)
	}
	if err != nil {
		e.publish(events.ChatEnd(rc.streamID, agent.FinishError))
		if terr := e.tracker.Fail(execID.String(), err); terr != nil {
			e.logger.Warn("failed to record agent failure", slog.Any("error", terr))
		}
		return nil, err
	}

	tokens.Add(int64(resp.Usage.TotalTokens))
	finish := resp.FinishReason
	if finish == "" {
		finish = agent.FinishStop
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	e.publish(events.New(events.DomainChat, events.TypeEnd, rc.streamID, map[string]any{
		"finishReason":     finish,
		"totalTokens":      resp.Usage.TotalTokens,
		"promptTokens":     resp.Usage.PromptTokens,
		"completionTokens": resp.Usage.CompletionTokens,
	}))

	output := map[string]any{
		"content": resp.Content,
		"model":   model,
		"tokens":  resp.Usage.TotalTokens,
	}
	if terr := e.tracker.Complete(execID.String(), output); terr != nil {
		e.logger.Warn("failed to record agent completion", slog.Any("error", terr))
	}
	return output, nil
}

// collectStream drains a model stream, publishing each content fragment
// as a chat delta.
func (e *Engine) collectStream(ctx context.Context, streamID string, ch <-chan agent.Chunk) (*agent.Response, error) {
	resp := &agent.Response{FinishReason: agent.FinishStop}
	var content strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, &errors.CancelledError{Operation: "model stream", Cause: ctx.Err()}
		case chunk, ok := <-ch:
			if !ok {
				resp.Content = content.String()
				return resp, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.Content != "" {
				content.WriteString(chunk.Content)
				e.publish(events.Delta(streamID, chunk.Content))
			}
			if chunk.FinishReason != "" {
				resp.FinishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				resp.Usage.Add(*chunk.Usage)
			}
		}
	}
}

// runChainStep executes a sub-flow as a child run. The child shares the
// parent's event stream but keeps its own run control, so it can be
// inspected and stopped independently.
func (e *Engine) runChainStep(ctx context.Context, rc *runControl, step *flow.Step, ec *ExecutionContext, tokens *atomic.Int64) (any, error) {
	if e.flows == nil {
		return nil, &errors.ConfigError{Key: "flows", Reason: "chain steps require a flow source"}
	}
	sub, err := e.flows.Get(step.Flow)
	if err != nil {
		return nil, err
	}

	cfg := resolveInputs(step.Config, ec)
	input, _ := cfg["input"].(map[string]any)
	if input == nil {
		input = map[string]any{}
	}

	childID, err := e.tracker.StartChild(rc.runID, execution.KindChain)
	if err != nil {
		return nil, err
	}

	subResult, err := e.runNested(ctx, childID.String(), sub, input)
	if subResult != nil {
		tokens.Add(subResult.Metrics.Tokens)
	}
	if err != nil {
		if subResult == nil {
			// Rejected before the child run settled its own record.
			if terr := e.tracker.Fail(childID.String(), err); terr != nil {
				e.logger.Warn("failed to record chain failure", slog.Any("error", terr))
			}
		}
		return nil, err
	}

	switch subResult.Status {
	case RunStatusCompleted:
		return subResult.Output, nil
	case RunStatusSuspended:
		cause := &errors.ValidationError{
			Field:      "flow",
			Message:    fmt.Sprintf("sub-flow %s suspended inside chain step %s", sub.ID, step.ID),
			Suggestion: "move interactive steps into the parent flow",
		}
		if terr := e.tracker.Fail(childID.String(), cause); terr != nil {
			e.logger.Warn("failed to record chain failure", slog.Any("error", terr))
		}
		return nil, cause
	default:
		return nil, fmt.Errorf("sub-flow %s ended %s", sub.ID, subResult.Status)
	}
}

// runNested executes a sub-flow under an existing child execution id.
func (e *Engine) runNested(ctx context.Context, runID string, f *flow.Flow, input map[string]any) (*FlowResult, error) {
	p, err := e.plan(ctx, f, input, runID)
	if err != nil {
		return nil, err
	}
	return e.drive(p)
}

// asSuspendRequest recognizes the two suspension shapes a tool can
// return: the typed request, or a map carrying a "$suspend" key for
// tools speaking plain JSON.
func asSuspendRequest(v any) *SuspendRequest {
	switch t := v.(type) {
	case *SuspendRequest:
		return t
	case SuspendRequest:
		return &t
	case map[string]any:
		raw, ok := t["$suspend"]
		if !ok {
			return nil
		}
		req := &SuspendRequest{}
		if m, ok := raw.(map[string]any); ok {
			req.Reason, _ = m["reason"].(string)
			if ms, ok := toInt64(m["timeoutMs"]); ok {
				req.Timeout = time.Duration(ms) * time.Millisecond
			}
			if form, ok := m["form"].(map[string]any); ok {
				req.Form = form
			}
		}
		return req
	}
	return nil
}

// stepRetryListener surfaces retry attempts on the run's event stream.
type stepRetryListener struct {
	engine *Engine
	rc     *runControl
	stepID string
}

func (l *stepRetryListener) OnSuccess(retry.Attempt, any) {}

func (l *stepRetryListener) OnFailure(attempt retry.Attempt, err error) {
	l.engine.logger.Warn("step attempt failed",
		slog.String("run_id", l.rc.runID),
		slog.String("step_id", l.stepID),
		slog.Int("attempt", attempt.Number),
		slog.Any("error", err))
	l.engine.publish(events.Trace(l.rc.streamID, "warn", "engine",
		fmt.Sprintf("step %s attempt %d failed: %v", l.stepID, attempt.Number, err)))
}

func (l *stepRetryListener) OnValidationFailure(attempt retry.Attempt, violations []errors.SchemaError) {
	if len(violations) == 0 {
		return
	}
	l.engine.logger.Warn("step output failed validation",
		slog.String("run_id", l.rc.runID),
		slog.String("step_id", l.stepID),
		slog.Int("violations", len(violations)))
	l.engine.publish(events.Trace(l.rc.streamID, "warn", "engine",
		fmt.Sprintf("step %s output failed validation: %s", l.stepID, violations[0].Error())))
}

func (l *stepRetryListener) OnExhausted(attempts []retry.Attempt, cause error) {
	l.engine.logger.Warn("step retries exhausted",
		slog.String("run_id", l.rc.runID),
		slog.String("step_id", l.stepID),
		slog.Int("attempts", len(attempts)),
		slog.Any("error", cause))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
