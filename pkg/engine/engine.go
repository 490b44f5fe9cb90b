// Package engine drives workflow graphs to terminal results.
//
// A run starts at the flow's entry step and walks the connection graph:
// completed steps schedule their guard-passing successors, failed steps
// follow error-path edges, and fan-out from a parallel step dispatches
// the successor set through a shared worker pool. The engine owns run
// control (pause, stop, suspend, resume), per-step retries and deadlines,
// and the event and metric side channels every run feeds.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/archflow/archflow/internal/jq"
	"github.com/archflow/archflow/pkg/agent"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/events"
	"github.com/archflow/archflow/pkg/execution"
	"github.com/archflow/archflow/pkg/flow"
	"github.com/archflow/archflow/pkg/metrics"
	"github.com/archflow/archflow/pkg/tools"
)

// Config tunes engine-wide limits. The zero value selects the defaults.
type Config struct {
	// MaxConcurrent bounds parallel step execution across all runs.
	// Defaults to the host's logical core count.
	MaxConcurrent int

	// FlowTimeout is the deadline applied to a whole run.
	FlowTimeout time.Duration

	// StepTimeout is the per-step deadline used when a step declares none.
	StepTimeout time.Duration

	// ToolTimeout is the per-tool-call deadline inside a step. The
	// smallest of the step, flow, and tool deadlines wins.
	ToolTimeout time.Duration

	// SuspensionTTL is how long a suspension stays resumable when the
	// suspend request does not say.
	SuspensionTTL time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: runtime.NumCPU(),
		FlowTimeout:   10 * time.Minute,
		StepTimeout:   30 * time.Second,
		ToolTimeout:   60 * time.Second,
		SuspensionTTL: 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.FlowTimeout <= 0 {
		c.FlowTimeout = def.FlowTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = def.StepTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = def.ToolTimeout
	}
	if c.SuspensionTTL <= 0 {
		c.SuspensionTTL = def.SuspensionTTL
	}
	return c
}

// FlowSource resolves flow ids to definitions. The flow registry
// implements it; chain steps and Resume look flows up through it.
type FlowSource interface {
	Get(id string) (*flow.Flow, error)
}

// Engine executes flows. Construct with New, wire optional collaborators
// with the With methods before the first Run.
type Engine struct {
	config     Config
	tracker    *execution.Tracker
	invoker    *tools.Invoker
	events     *events.Registry
	collector  *metrics.Collector
	store      StateStore
	flows      FlowSource
	adapter    agent.ModelAdapter
	guards     *flow.GuardEvaluator
	transforms *jq.Executor
	pool       chan struct{}
	logger     *slog.Logger
	tracer     trace.Tracer

	mu   sync.RWMutex
	runs map[string]*runControl
}

// New creates an engine around the shared tracker, invoker, and event
// registry.
func New(tracker *execution.Tracker, invoker *tools.Invoker, eventReg *events.Registry, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		config:     cfg,
		tracker:    tracker,
		invoker:    invoker,
		events:     eventReg,
		guards:     flow.NewGuardEvaluator(),
		transforms: jq.NewExecutor(0, 0),
		pool:       make(chan struct{}, cfg.MaxConcurrent),
		logger:     slog.Default().With(slog.String("component", "engine")),
		tracer:     otel.Tracer("archflow/engine"),
		runs:       make(map[string]*runControl),
	}
}

// WithLogger sets a custom logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With(slog.String("component", "engine"))
	return e
}

// WithCollector wires the metrics collector.
func (e *Engine) WithCollector(c *metrics.Collector) *Engine {
	e.collector = c
	return e
}

// WithStore wires the state store used for run history and suspensions.
func (e *Engine) WithStore(s StateStore) *Engine {
	e.store = s
	return e
}

// WithFlows wires the flow source used by chain steps and Resume.
func (e *Engine) WithFlows(src FlowSource) *Engine {
	e.flows = src
	return e
}

// WithAdapter wires the model adapter used by agent steps.
func (e *Engine) WithAdapter(a agent.ModelAdapter) *Engine {
	e.adapter = a
	return e
}

// WithTracer sets the tracer used for run and step spans.
func (e *Engine) WithTracer(t trace.Tracer) *Engine {
	e.tracer = t
	return e
}

// runControl is the live handle of one run. The scheduler is the only
// writer of steps and results; control methods flip flags the scheduler
// observes at wave boundaries.
type runControl struct {
	runID    string
	flowID   string
	streamID string
	cancel   context.CancelFunc
	done     chan struct{}

	startedAt time.Time
	stopped   atomic.Bool

	mu           sync.Mutex
	status       RunStatus
	paused       bool
	gate         chan struct{}
	steps        []StepResult
	completed    []string
	failed       []string
	errs         []ExecutionError
	output       any
	tokens       int64
	lastDispatch map[string]string
	result       *FlowResult
}

func newRunControl(runID, flowID, streamID string, cancel context.CancelFunc) *runControl {
	gate := make(chan struct{})
	close(gate)
	return &runControl{
		runID:        runID,
		flowID:       flowID,
		streamID:     streamID,
		cancel:       cancel,
		done:         make(chan struct{}),
		startedAt:    time.Now(),
		status:       RunStatusRunning,
		gate:         gate,
		lastDispatch: make(map[string]string),
	}
}

// root reports whether this control drives a top-level run rather than a
// nested chain step.
func (rc *runControl) root() bool {
	return rc.runID == rc.streamID
}

func (rc *runControl) pause() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.paused || rc.status != RunStatusRunning {
		return
	}
	rc.paused = true
	rc.status = RunStatusPaused
	rc.gate = make(chan struct{})
}

func (rc *runControl) unpause() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.paused {
		return
	}
	rc.paused = false
	if rc.status == RunStatusPaused {
		rc.status = RunStatusRunning
	}
	close(rc.gate)
}

// awaitGate blocks while the run is paused. The gate channel is closed
// whenever the run may proceed, so the unpaused fast path is a single
// select on a closed channel.
func (rc *runControl) awaitGate(ctx context.Context) error {
	rc.mu.Lock()
	gate := rc.gate
	rc.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rc *runControl) currentStatus() RunStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.status
}

func (rc *runControl) appendStep(res StepResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.steps = append(rc.steps, res)
	rc.tokens += res.Metrics.Tokens
	switch res.Status {
	case StepStatusCompleted:
		rc.completed = append(rc.completed, res.StepID)
	case StepStatusFailed:
		rc.failed = append(rc.failed, res.StepID)
	}
}

func (rc *runControl) setOutput(v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.output = v
}

func (rc *runControl) addError(stepID string, err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.errs = append(rc.errs, ExecutionError{
		StepID:     stepID,
		Code:       errors.Code(err),
		Message:    err.Error(),
		OccurredAt: time.Now(),
	})
}

// cycleCheck records the context hash for a dispatch and reports whether
// the step already ran against an identical context.
func (rc *runControl) cycleCheck(stepID, hash string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if prev, ok := rc.lastDispatch[stepID]; ok && prev == hash {
		return false
	}
	rc.lastDispatch[stepID] = hash
	return true
}

func (rc *runControl) state() *RunState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return &RunState{
		RunID:          rc.runID,
		FlowID:         rc.flowID,
		Status:         rc.status,
		CompletedSteps: append([]string(nil), rc.completed...),
		FailedSteps:    append([]string(nil), rc.failed...),
	}
}

// snapshotFinal copies everything the terminal FlowResult needs.
func (rc *runControl) snapshotFinal() (steps []StepResult, errs []ExecutionError, completed, failed int, output any, tokens int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	steps = append([]StepResult(nil), rc.steps...)
	errs = append([]ExecutionError(nil), rc.errs...)
	return steps, errs, len(rc.completed), len(rc.failed), rc.output, rc.tokens
}

// finish records the terminal result and releases every waiter. Called
// exactly once, by the scheduler.
func (rc *runControl) finish(status RunStatus, result *FlowResult) {
	rc.mu.Lock()
	rc.status = status
	rc.result = result
	rc.mu.Unlock()
	close(rc.done)
}

// runPlan bundles everything a scheduled run carries.
type runPlan struct {
	ctx   context.Context
	rc    *runControl
	flow  *flow.Flow
	graph *flow.Graph
	ec    *ExecutionContext
	wave  []waveEntry
}

// plan validates the flow and input, allocates the run identity and
// control, and seeds the run context. With an empty runID a new root
// execution is started; chain steps pass the child execution id they
// already created.
func (e *Engine) plan(pctx context.Context, f *flow.Flow, input map[string]any, runID string) (*runPlan, error) {
	if f == nil {
		return nil, &errors.ValidationError{Field: "flow", Message: "no flow given"}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := f.CheckInput(input); err != nil {
		return nil, err
	}
	input = f.ApplyParamDefaults(input)

	if runID == "" {
		rootID, err := e.tracker.StartRoot(execution.KindFlow)
		if err != nil {
			return nil, err
		}
		runID = rootID.String()
	}
	streamID := runID
	if rec, ok := e.tracker.Root(runID); ok {
		streamID = rec.ID.String()
	}

	var cancel context.CancelFunc
	runCtx := pctx
	if e.config.FlowTimeout > 0 {
		runCtx, cancel = context.WithTimeout(pctx, e.config.FlowTimeout)
	} else {
		runCtx, cancel = context.WithCancel(pctx)
	}

	rc := newRunControl(runID, f.ID, streamID, cancel)
	e.mu.Lock()
	e.runs[runID] = rc
	e.mu.Unlock()

	ec := NewExecutionContext(map[string]any{
		"input": input,
		"flow":  map[string]any{"id": f.ID, "name": f.Name, "version": f.Version},
		"run":   map[string]any{"id": runID},
	})

	g := flow.NewGraph(f)
	entry := g.Entry()
	if entry == nil {
		cancel()
		return nil, &errors.GraphError{FlowID: f.ID, StepID: f.Entry, Reason: "entry step not found"}
	}

	if e.collector != nil {
		e.collector.RecordFlowStart(f.ID)
	}
	e.saveRun(runCtx, RunRecord{RunID: runID, FlowID: f.ID, Status: RunStatusRunning, StartedAt: rc.startedAt})
	e.publish(events.Trace(streamID, "info", "engine", fmt.Sprintf("flow %s started", f.ID)))

	e.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("flow_id", f.ID),
		slog.Int("steps", len(f.Steps)))

	return &runPlan{
		ctx:   runCtx,
		rc:    rc,
		flow:  f,
		graph: g,
		ec:    ec,
		wave:  []waveEntry{{stepID: entry.ID}},
	}, nil
}

// Run executes a flow synchronously and returns its terminal result. The
// returned error is non-nil for rejected runs (invalid flow, bad input)
// and for runs that end failed; the FlowResult carries the full detail
// either way once the run started.
func (e *Engine) Run(ctx context.Context, f *flow.Flow, input map[string]any) (*FlowResult, error) {
	p, err := e.plan(ctx, f, input, "")
	if err != nil {
		return nil, err
	}
	return e.drive(p)
}

// Start launches a run in the background and returns its run id
// immediately. The run detaches from the caller's cancellation; retrieve
// the result with Wait, or control it with Pause, Stop, and Resume.
func (e *Engine) Start(ctx context.Context, f *flow.Flow, input map[string]any) (string, error) {
	p, err := e.plan(context.WithoutCancel(ctx), f, input, "")
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := e.drive(p); err != nil {
			e.logger.Warn("run ended with error",
				slog.String("run_id", p.rc.runID),
				slog.Any("error", err))
		}
	}()
	return p.rc.runID, nil
}

// Wait blocks until the run reaches a terminal or suspended result.
func (e *Engine) Wait(ctx context.Context, runID string) (*FlowResult, error) {
	rc := e.run(runID)
	if rc == nil {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	select {
	case <-rc.done:
		return rc.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause holds the run before its next scheduling tick. Steps already in
// flight complete. Pausing a paused or finished run is a no-op.
func (e *Engine) Pause(runID string) error {
	rc := e.run(runID)
	if rc == nil {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	rc.pause()
	e.publish(events.Trace(rc.streamID, "info", "engine", "run paused"))
	return nil
}

// Stop cancels in-flight steps best-effort and terminates the run with
// stopped status. Stop blocks until the run settles and returns its
// terminal result; repeated calls return the same result.
func (e *Engine) Stop(runID string) (*FlowResult, error) {
	rc := e.run(runID)
	if rc == nil {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	rc.stopped.Store(true)
	rc.unpause()
	rc.cancel()
	<-rc.done
	return rc.result, nil
}

// Status reports the live state of a run.
func (e *Engine) Status(runID string) (*RunState, error) {
	rc := e.run(runID)
	if rc == nil {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return rc.state(), nil
}

// Resume continues a parked run. The id is a resume token for suspended
// runs; for a live paused run the run id unpauses it and the call
// returns immediately with the run still in flight. Resuming a suspended
// run blocks until the re-entered graph settles.
func (e *Engine) Resume(ctx context.Context, token string, userData map[string]any) (*FlowResult, error) {
	if e.store != nil {
		susp, err := e.store.GetSuspension(ctx, token)
		if err == nil {
			return e.resumeSuspended(ctx, susp, userData)
		}
	}

	rc := e.run(token)
	if rc == nil {
		return nil, &errors.NotFoundError{Resource: "suspension", ID: token}
	}
	select {
	case <-rc.done:
		// Finished runs resume to their terminal result.
		return rc.result, nil
	default:
	}
	rc.unpause()
	e.publish(events.Trace(rc.streamID, "info", "engine", "run resumed"))
	return &FlowResult{RunID: rc.runID, FlowID: rc.flowID, Status: rc.currentStatus()}, nil
}

// resumeSuspended rebuilds the run from a suspension record and re-enters
// the graph at the cursor's successors.
func (e *Engine) resumeSuspended(ctx context.Context, susp Suspension, userData map[string]any) (*FlowResult, error) {
	if time.Now().After(susp.ExpiresAt) {
		if err := e.store.DeleteSuspension(ctx, susp.ResumeToken); err != nil {
			e.logger.Warn("failed to delete expired suspension", slog.Any("error", err))
		}
		return nil, &errors.ValidationError{
			Field:      "resumeToken",
			Message:    fmt.Sprintf("suspension for run %s expired at %s", susp.RunID, susp.ExpiresAt.Format(time.RFC3339)),
			Suggestion: "start a new run",
		}
	}
	if e.flows == nil {
		return nil, &errors.ConfigError{Key: "flows", Reason: "resume requires a flow source"}
	}
	f, err := e.flows.Get(susp.FlowID)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	// The token is one-shot: consume it before re-entering the graph.
	if err := e.store.DeleteSuspension(ctx, susp.ResumeToken); err != nil {
		e.logger.Warn("failed to delete suspension", slog.Any("error", err))
	}

	var cancel context.CancelFunc
	runCtx := ctx
	if e.config.FlowTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.config.FlowTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	streamID := susp.RunID
	if rec, ok := e.tracker.Root(susp.RunID); ok {
		streamID = rec.ID.String()
	}
	rc := newRunControl(susp.RunID, f.ID, streamID, cancel)
	e.mu.Lock()
	e.runs[susp.RunID] = rc
	e.mu.Unlock()

	if userData == nil {
		userData = map[string]any{}
	}
	ec := NewExecutionContext(susp.ContextSnapshot)
	ec.Set("interaction.userData", userData)

	e.updateRunStatus(runCtx, susp.RunID, RunStatusRunning)
	e.publish(events.Resume(streamID, susp.ResumeToken, userData))
	e.logger.Info("run resumed",
		slog.String("run_id", susp.RunID),
		slog.String("flow_id", f.ID),
		slog.String("cursor", susp.GraphCursor))

	g := flow.NewGraph(f)
	p := &runPlan{ctx: runCtx, rc: rc, flow: f, graph: g, ec: ec}

	// The suspended step counts as completed; scheduling restarts at its
	// successors.
	cursor := StepResult{StepID: susp.GraphCursor, Status: StepStatusCompleted, Output: userData}
	wave, err := e.nextWave(rc, p, []StepResult{cursor})
	if err != nil {
		rc.addError("", err)
		return e.finishRun(p, RunStatusFailed, err)
	}
	p.wave = wave
	return e.drive(p)
}

func (e *Engine) run(runID string) *runControl {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs[runID]
}

func (e *Engine) publish(ev events.Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(ev)
}

func (e *Engine) saveRun(ctx context.Context, rec RunRecord) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("failed to save run record",
			slog.String("run_id", rec.RunID),
			slog.Any("error", err))
	}
}

func (e *Engine) updateRunStatus(ctx context.Context, runID string, status RunStatus) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateRunStatus(context.WithoutCancel(ctx), runID, status); err != nil {
		e.logger.Warn("failed to update run status",
			slog.String("run_id", runID),
			slog.Any("error", err))
	}
}

// newResumeToken is indirected for deterministic tests.
var newResumeToken = uuid.NewString

var _ tools.RunContext = (*ExecutionContext)(nil)
