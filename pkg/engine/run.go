package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/events"
	"github.com/archflow/archflow/pkg/flow"
	"github.com/archflow/archflow/pkg/metrics"
)

// waveEntry is one scheduled step together with the parallel flag of the
// source that scheduled it.
type waveEntry struct {
	stepID   string
	parallel bool
}

// drive walks the graph generation by generation until no successors
// remain or a terminal condition interrupts the run. Each iteration
// waits out a pause, executes the current wave, and computes the next
// one from the wave's results.
func (e *Engine) drive(p *runPlan) (*FlowResult, error) {
	rc := p.rc
	ctx, span := e.tracer.Start(p.ctx, "flow.run", trace.WithAttributes(
		attribute.String("flow.id", p.flow.ID),
		attribute.String("run.id", rc.runID),
	))
	defer span.End()

	wave := p.wave
	for len(wave) > 0 {
		if err := rc.awaitGate(ctx); err != nil {
			break
		}
		if rc.stopped.Load() {
			break
		}

		results, fatal := e.runWave(ctx, rc, p, wave)
		if fatal != nil {
			rc.addError("", fatal)
			span.SetStatus(codes.Error, fatal.Error())
			return e.finishRun(p, RunStatusFailed, fatal)
		}
		if sres := findSuspended(results); sres != nil {
			return e.suspendRun(p, sres)
		}
		if rc.stopped.Load() || ctx.Err() != nil {
			break
		}

		next, err := e.nextWave(rc, p, results)
		if err != nil {
			if _, ok := err.(*errors.GraphError); ok {
				rc.addError("", err)
			}
			span.SetStatus(codes.Error, err.Error())
			return e.finishRun(p, RunStatusFailed, err)
		}
		wave = next
	}

	if rc.stopped.Load() {
		cause := &errors.StoppedError{RunID: rc.runID}
		rc.addError("", cause)
		return e.finishRun(p, RunStatusStopped, cause)
	}
	if err := ctx.Err(); err != nil {
		var cause error
		if err == context.DeadlineExceeded {
			cause = &errors.TimeoutError{Operation: "flow " + p.flow.ID, Duration: e.config.FlowTimeout, Cause: err}
		} else {
			cause = &errors.CancelledError{Operation: "run " + rc.runID, Cause: err}
		}
		rc.addError("", cause)
		span.SetStatus(codes.Error, cause.Error())
		return e.finishRun(p, RunStatusFailed, cause)
	}
	return e.finishRun(p, RunStatusCompleted, nil)
}

// runWave executes one generation. The wave runs in parallel only when
// it has more than one member and every scheduling source was marked
// parallel; otherwise members run sequentially in declaration order,
// each seeing its predecessors' context writes. Parallel members share
// the pre-wave context; their writes land after the join, in wave order.
func (e *Engine) runWave(ctx context.Context, rc *runControl, p *runPlan, wave []waveEntry) ([]StepResult, error) {
	parallel := len(wave) > 1
	for _, en := range wave {
		if !en.parallel {
			parallel = false
			break
		}
	}

	if !parallel {
		results := make([]StepResult, 0, len(wave))
		for _, en := range wave {
			if ctx.Err() != nil || rc.stopped.Load() {
				break
			}
			step, ok := p.graph.Step(en.stepID)
			if !ok {
				return results, &errors.GraphError{FlowID: p.flow.ID, StepID: en.stepID, Reason: "scheduled step not found"}
			}
			if !rc.cycleCheck(en.stepID, projectionHash(p.ec)) {
				return results, &errors.CycleError{FlowID: p.flow.ID, StepID: en.stepID}
			}
			res := e.executeStep(ctx, rc, p, step)
			e.recordResult(rc, p, res)
			results = append(results, res)
			if res.Status == StepStatusSuspended {
				break
			}
		}
		return results, nil
	}

	// Every member of a parallel wave dispatches against the same
	// context projection.
	hash := projectionHash(p.ec)
	steps := make([]*flow.Step, len(wave))
	for i, en := range wave {
		step, ok := p.graph.Step(en.stepID)
		if !ok {
			return nil, &errors.GraphError{FlowID: p.flow.ID, StepID: en.stepID, Reason: "scheduled step not found"}
		}
		if !rc.cycleCheck(en.stepID, hash) {
			return nil, &errors.CycleError{FlowID: p.flow.ID, StepID: en.stepID}
		}
		steps[i] = step
	}

	out := make([]StepResult, len(wave))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func(i int, step *flow.Step) {
			defer wg.Done()
			select {
			case e.pool <- struct{}{}:
			case <-ctx.Done():
				out[i] = cancelledResult(step.ID, ctx.Err())
				return
			}
			defer func() { <-e.pool }()
			out[i] = e.executeStep(ctx, rc, p, step)
		}(i, step)
	}
	wg.Wait()

	results := make([]StepResult, 0, len(wave))
	for i := range out {
		e.recordResult(rc, p, out[i])
		results = append(results, out[i])
	}
	return results, nil
}

// recordResult writes a finished step into the run: context paths, the
// step list, events, and metrics.
func (e *Engine) recordResult(rc *runControl, p *runPlan, res StepResult) {
	switch res.Status {
	case StepStatusCompleted:
		p.ec.Set("step."+res.StepID+".output", res.Output)
		if p.graph.Terminal(res.StepID) {
			rc.setOutput(res.Output)
		}
		e.publish(events.Trace(rc.streamID, "info", "engine", fmt.Sprintf("step %s completed", res.StepID)))
	case StepStatusFailed:
		p.ec.Set("step."+res.StepID+".error", res.Error)
		if res.cause != nil {
			rc.addError(res.StepID, res.cause)
		}
		e.publish(events.Trace(rc.streamID, "warn", "engine", fmt.Sprintf("step %s failed: %s", res.StepID, res.Error)))
	case StepStatusSkipped:
		e.publish(events.Trace(rc.streamID, "debug", "engine", fmt.Sprintf("step %s skipped", res.StepID)))
	case StepStatusCancelled:
		if res.cause != nil {
			rc.addError(res.StepID, res.cause)
		}
		e.publish(events.Trace(rc.streamID, "warn", "engine", fmt.Sprintf("step %s cancelled", res.StepID)))
	case StepStatusSuspended:
		e.publish(events.Trace(rc.streamID, "info", "engine", fmt.Sprintf("step %s suspended", res.StepID)))
	}

	rc.appendStep(res)

	if res.Status != StepStatusSkipped {
		e.publish(events.Metric(rc.streamID, "step."+res.StepID+".duration_ms", float64(res.Metrics.DurationMs), "ms"))
		if e.collector != nil {
			e.collector.RecordStepMetrics(p.flow.ID, res.StepID, metrics.StepMetrics{
				DurationMs: res.Metrics.DurationMs,
				Retries:    res.Metrics.RetryCount,
				Success:    res.Status == StepStatusCompleted,
			})
		}
	}

	e.logger.Debug("step finished",
		slog.String("run_id", rc.runID),
		slog.String("step_id", res.StepID),
		slog.String("status", string(res.Status)),
		slog.Int64("duration_ms", res.Metrics.DurationMs))
}

// nextWave computes the following generation from this one's results.
// Completed and skipped steps schedule their guard-passing successors;
// failed steps follow error-path edges. A failed step with no matching
// error path ends the run. A referenced successor whose incoming guards
// all evaluated false is recorded as skipped and traversed through, so
// its own successors still get considered.
func (e *Engine) nextWave(rc *runControl, p *runPlan, results []StepResult) ([]waveEntry, error) {
	g := p.graph
	var next []waveEntry
	scheduled := make(map[string]bool)
	skippedSeen := make(map[string]bool)
	snap := p.ec.Snapshot()

	pending := results
	for len(pending) > 0 {
		var blockedOrder []string
		blocked := make(map[string]bool)

		for _, res := range pending {
			var conns []flow.Connection
			switch res.Status {
			case StepStatusCompleted, StepStatusSkipped:
				conns = g.Successors(res.StepID, false)
			case StepStatusFailed:
				conns = g.Successors(res.StepID, true)
			default:
				continue
			}

			parallel := false
			if src, ok := g.Step(res.StepID); ok {
				parallel = src.Parallel
			}

			matched := 0
			for _, conn := range conns {
				if _, ok := g.Step(conn.Target); !ok {
					return nil, &errors.GraphError{
						FlowID: p.flow.ID,
						StepID: res.StepID,
						Reason: fmt.Sprintf("connection targets unknown step %q", conn.Target),
					}
				}
				if !e.evalGuard(rc, conn, snap) {
					if !blocked[conn.Target] {
						blocked[conn.Target] = true
						blockedOrder = append(blockedOrder, conn.Target)
					}
					continue
				}
				matched++
				if scheduled[conn.Target] {
					continue
				}
				scheduled[conn.Target] = true
				next = append(next, waveEntry{stepID: conn.Target, parallel: parallel})
			}

			if res.Status == StepStatusFailed && matched == 0 {
				if res.cause != nil {
					return nil, res.cause
				}
				return nil, fmt.Errorf("step %s failed: %s", res.StepID, res.Error)
			}
		}

		// Successors excluded by every incoming guard become skipped
		// results and feed the next round, so traversal continues past
		// them.
		var synthesized []StepResult
		for _, target := range blockedOrder {
			if scheduled[target] || skippedSeen[target] {
				continue
			}
			skippedSeen[target] = true
			now := time.Now()
			res := StepResult{StepID: target, Status: StepStatusSkipped, StartedAt: now, CompletedAt: now}
			e.recordResult(rc, p, res)
			synthesized = append(synthesized, res)
		}
		pending = synthesized
	}

	return next, nil
}

// evalGuard evaluates a connection guard against a context snapshot. A
// guard that fails to evaluate excludes the edge.
func (e *Engine) evalGuard(rc *runControl, conn flow.Connection, snap map[string]any) bool {
	if conn.Guard == "" {
		return true
	}
	pass, err := e.guards.Evaluate(conn.Guard, snap)
	if err != nil {
		e.logger.Warn("guard evaluation failed, treating as false",
			slog.String("run_id", rc.runID),
			slog.String("source", conn.Source),
			slog.String("target", conn.Target),
			slog.Any("error", err))
		e.publish(events.Trace(rc.streamID, "warn", "engine",
			fmt.Sprintf("guard on %s -> %s failed to evaluate: %v", conn.Source, conn.Target, err)))
		return false
	}
	return pass
}

// suspendRun parks the run: the context snapshot and graph cursor go to
// the state store under a fresh resume token, and the run settles with
// suspended status.
func (e *Engine) suspendRun(p *runPlan, res *StepResult) (*FlowResult, error) {
	rc := p.rc
	req := res.suspend
	if req == nil {
		req = &SuspendRequest{}
	}
	if e.store == nil {
		cause := &errors.ConfigError{Key: "store", Reason: "suspension requires a state store"}
		rc.addError(res.StepID, cause)
		return e.finishRun(p, RunStatusFailed, cause)
	}

	ttl := req.Timeout
	if ttl <= 0 {
		ttl = e.config.SuspensionTTL
	}
	now := time.Now()
	token := newResumeToken()
	susp := Suspension{
		RunID:           rc.runID,
		FlowID:          p.flow.ID,
		ResumeToken:     token,
		GraphCursor:     res.StepID,
		ContextSnapshot: p.ec.Snapshot(),
		Reason:          req.Reason,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	if err := e.store.SaveSuspension(context.WithoutCancel(p.ctx), susp); err != nil {
		cause := fmt.Errorf("failed to save suspension: %w", err)
		rc.addError(res.StepID, cause)
		return e.finishRun(p, RunStatusFailed, cause)
	}

	e.publish(events.Suspend(rc.streamID, req.Reason, token, ttl.Milliseconds()))
	if req.Form != nil {
		e.publish(formEvent(rc.streamID, res.StepID, req.Form, ttl.Milliseconds()))
	}
	e.updateRunStatus(p.ctx, rc.runID, RunStatusSuspended)
	if e.collector != nil {
		e.collector.RecordFlowStatus(p.flow.ID, string(RunStatusSuspended))
	}
	e.logger.Info("run suspended",
		slog.String("run_id", rc.runID),
		slog.String("step_id", res.StepID),
		slog.String("reason", req.Reason))

	steps, errs, completed, failed, _, tokens := rc.snapshotFinal()
	result := &FlowResult{
		RunID:       rc.runID,
		FlowID:      p.flow.ID,
		Status:      RunStatusSuspended,
		Errors:      errs,
		Steps:       steps,
		ResumeToken: token,
		StartedAt:   rc.startedAt,
		CompletedAt: now,
		Metrics: FlowMetrics{
			DurationMs:     now.Sub(rc.startedAt).Milliseconds(),
			Tokens:         tokens,
			CompletedSteps: completed,
			FailedSteps:    failed,
		},
	}
	rc.finish(RunStatusSuspended, result)
	return result, nil
}

// finishRun assembles the terminal FlowResult, settles the tracker,
// store, collector, and event bookkeeping, and releases waiters. Failed
// runs return the primary cause as the error; other terminal statuses
// return a nil error.
func (e *Engine) finishRun(p *runPlan, status RunStatus, cause error) (*FlowResult, error) {
	rc := p.rc
	now := time.Now()
	steps, errs, completed, failed, output, tokens := rc.snapshotFinal()
	if status != RunStatusCompleted {
		output = nil
	}

	result := &FlowResult{
		RunID:       rc.runID,
		FlowID:      p.flow.ID,
		Status:      status,
		Output:      output,
		Errors:      errs,
		Steps:       steps,
		StartedAt:   rc.startedAt,
		CompletedAt: now,
		Metrics: FlowMetrics{
			DurationMs:     now.Sub(rc.startedAt).Milliseconds(),
			Tokens:         tokens,
			CompletedSteps: completed,
			FailedSteps:    failed,
		},
	}

	switch status {
	case RunStatusCompleted:
		if err := e.tracker.Complete(rc.runID, output); err != nil {
			e.logger.Warn("failed to complete execution record",
				slog.String("run_id", rc.runID), slog.Any("error", err))
		}
	case RunStatusFailed, RunStatusStopped:
		failCause := cause
		if failCause == nil && len(errs) > 0 {
			failCause = fmt.Errorf("%s", errs[0].Message)
		}
		if failCause == nil {
			failCause = fmt.Errorf("run %s %s", rc.runID, status)
		}
		if err := e.tracker.Fail(rc.runID, failCause); err != nil {
			e.logger.Warn("failed to mark execution record failed",
				slog.String("run_id", rc.runID), slog.Any("error", err))
		}
	}

	if e.collector != nil {
		e.collector.RecordFlowCompletion(p.flow.ID, metrics.FlowMetrics{
			DurationMs:     result.Metrics.DurationMs,
			CompletedSteps: completed,
			FailedSteps:    failed,
		}, status == RunStatusCompleted)
		e.collector.RecordFlowStatus(p.flow.ID, string(status))
		if cause != nil {
			e.collector.RecordFlowError(p.flow.ID, cause)
		}
	}

	e.saveRun(p.ctx, RunRecord{
		RunID:       rc.runID,
		FlowID:      p.flow.ID,
		Status:      status,
		StartedAt:   rc.startedAt,
		CompletedAt: now,
		Errors:      errs,
	})

	switch status {
	case RunStatusCompleted:
		e.publish(events.Trace(rc.streamID, "info", "engine", fmt.Sprintf("flow %s completed", p.flow.ID)))
	case RunStatusStopped:
		e.publish(events.Trace(rc.streamID, "warn", "engine", fmt.Sprintf("flow %s stopped", p.flow.ID)))
	case RunStatusFailed:
		e.publish(events.Trace(rc.streamID, "error", "engine", fmt.Sprintf("flow %s failed", p.flow.ID)))
	}
	if status == RunStatusFailed && cause != nil {
		e.publish(events.ErrorEvent(rc.streamID, errors.Code(cause), cause.Error()))
	}
	if rc.root() && e.events != nil {
		e.events.Complete(rc.runID)
	}

	e.logger.Info("run finished",
		slog.String("run_id", rc.runID),
		slog.String("flow_id", p.flow.ID),
		slog.String("status", string(status)),
		slog.Int64("duration_ms", result.Metrics.DurationMs),
		slog.Int("completed_steps", completed),
		slog.Int("failed_steps", failed))

	rc.finish(status, result)
	if status == RunStatusFailed && cause != nil {
		return result, cause
	}
	return result, nil
}

func findSuspended(results []StepResult) *StepResult {
	for i := range results {
		if results[i].Status == StepStatusSuspended {
			return &results[i]
		}
	}
	return nil
}

func cancelledResult(stepID string, cause error) StepResult {
	now := time.Now()
	err := &errors.CancelledError{Operation: "step " + stepID, Cause: cause}
	return StepResult{
		StepID:      stepID,
		Status:      StepStatusCancelled,
		Error:       err.Error(),
		StartedAt:   now,
		CompletedAt: now,
		cause:       err,
	}
}

// projectionHash fingerprints the context a step dispatches against.
// Re-dispatching a step against an identical projection means the loop
// made no progress and will never terminate.
func projectionHash(ec *ExecutionContext) string {
	snap := ec.Snapshot()
	encoded, err := json.Marshal(snap)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", snap))
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func formEvent(streamID, stepID string, form map[string]any, timeoutMs int64) events.Event {
	title, _ := form["title"].(string)
	description, _ := form["description"].(string)
	var fields []map[string]any
	switch fv := form["fields"].(type) {
	case []map[string]any:
		fields = fv
	case []any:
		for _, item := range fv {
			if m, ok := item.(map[string]any); ok {
				fields = append(fields, m)
			}
		}
	}
	return events.Form(streamID, stepID, title, description, fields, timeoutMs)
}
