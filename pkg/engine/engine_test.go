package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/events"
	"github.com/archflow/archflow/pkg/execution"
	"github.com/archflow/archflow/pkg/flow"
	"github.com/archflow/archflow/pkg/retry"
	"github.com/archflow/archflow/pkg/tools"
)

// testRig wires an engine with in-memory collaborators the way the
// daemon does, minus the transports.
type testRig struct {
	engine  *Engine
	tracker *execution.Tracker
	events  *events.Registry
	store   *memStore
	flows   mapFlows
}

func newTestEngine(t *testing.T, cfg Config) *testRig {
	t.Helper()
	tracker := execution.NewTracker()
	eventReg := events.NewRegistry(events.DefaultConfig())
	t.Cleanup(eventReg.Close)

	inv := tools.NewInvoker(tracker, tools.NewRegistry(), tools.NewChain(), eventReg, nil)
	store := newMemStore()
	flows := mapFlows{}

	eng := New(tracker, inv, eventReg, cfg).
		WithStore(store).
		WithFlows(flows)

	return &testRig{
		engine:  eng,
		tracker: tracker,
		events:  eventReg,
		store:   store,
		flows:   flows,
	}
}

func (r *testRig) register(t *testing.T, tool tools.Tool) {
	t.Helper()
	require.NoError(t, r.engine.invoker.Registry().Register(tool))
}

// mapFlows is a FlowSource backed by a plain map.
type mapFlows map[string]*flow.Flow

func (m mapFlows) Get(id string) (*flow.Flow, error) {
	f, ok := m[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "flow", ID: id}
	}
	return f, nil
}

// memStore is an in-memory StateStore for tests.
type memStore struct {
	mu          sync.Mutex
	runs        map[string]RunRecord
	suspensions map[string]Suspension
	saveSuspErr error
}

func newMemStore() *memStore {
	return &memStore{
		runs:        make(map[string]RunRecord),
		suspensions: make(map[string]Suspension),
	}
}

func (s *memStore) SaveRun(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rec.RunID] = rec
	return nil
}

func (s *memStore) UpdateRunStatus(_ context.Context, runID string, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	rec.Status = status
	s.runs[runID] = rec
	return nil
}

func (s *memStore) SaveSuspension(_ context.Context, susp Suspension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveSuspErr != nil {
		return s.saveSuspErr
	}
	s.suspensions[susp.ResumeToken] = susp
	return nil
}

func (s *memStore) GetSuspension(_ context.Context, token string) (Suspension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	susp, ok := s.suspensions[token]
	if !ok {
		return Suspension{}, &errors.NotFoundError{Resource: "suspension", ID: token}
	}
	return susp, nil
}

func (s *memStore) DeleteSuspension(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.suspensions, token)
	return nil
}

func (s *memStore) run(runID string) (RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	return rec, ok
}

func (s *memStore) suspension(token string) (Suspension, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	susp, ok := s.suspensions[token]
	return susp, ok
}

func (s *memStore) put(susp Suspension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspensions[susp.ResumeToken] = susp
}

func parseFlow(t *testing.T, definition string) *flow.Flow {
	t.Helper()
	f, err := flow.Parse([]byte(definition))
	require.NoError(t, err)
	return f
}

// emitTool returns a fixed value.
func emitTool(name string, value any) tools.Tool {
	return tools.NewFunc(name, "emits a fixed value", nil, func(context.Context, *tools.ToolContext) (any, error) {
		return value, nil
	})
}

// echoTool returns its resolved input.
func echoTool(name string) tools.Tool {
	return tools.NewFunc(name, "echoes its input", nil, func(_ context.Context, tc *tools.ToolContext) (any, error) {
		return tc.Input, nil
	})
}

// blockTool signals on started, then waits for release or cancellation.
func blockTool(name string, started chan<- string, release <-chan struct{}) tools.Tool {
	return tools.NewFunc(name, "blocks until released", nil, func(ctx context.Context, tc *tools.ToolContext) (any, error) {
		started <- name
		select {
		case <-release:
			return name, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// sleepTool blocks until its context ends.
func sleepTool(name string) tools.Tool {
	return tools.NewFunc(name, "waits for cancellation", nil, func(ctx context.Context, _ *tools.ToolContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestRunLinearFlow(t *testing.T) {
	rig := newTestEngine(t, Config{})
	rig.register(t, emitTool("emit.user", map[string]any{"name": "ada"}))
	rig.register(t, echoTool("echo.input"))

	f := parseFlow(t, `
id: greet
steps:
  - id: fetch
    tool: emit.user
  - id: render
    tool: echo.input
    config:
      greeting: "hello {{step.fetch.output.name}}"
connections:
  - source: fetch
    target: render
`)

	result, err := rig.engine.Run(context.Background(), f, nil)
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Equal(t, "greet", result.FlowID)
	assert.NotEmpty(t, result.RunID)
	assert.Empty(t, result.Errors)

	require.Len(t, result.Steps, 2)
	assert.Equal(t, "fetch", result.Steps[0].StepID)
	assert.Equal(t, StepStatusCompleted, result.Steps[0].Status)

	render := result.Step("render")
	require.NotNil(t, render)
	assert.Equal(t, map[string]any{"greeting": "hello ada"}, render.Output)
	assert.Equal(t, render.Output, result.Output, "flow output is the terminal step's output")

	assert.Equal(t, 2, result.Metrics.CompletedSteps)
	assert.Equal(t, 0, result.Metrics.FailedSteps)

	rec, ok := rig.store.run(result.RunID)
	require.True(t, ok)
	assert.Equal(t, RunStatusCompleted, rec.Status)
	assert.False(t, rec.CompletedAt.IsZero())
}

func TestRunAppliesParamDefaultsAndChecksInput(t *testing.T) {
	rig := newTestEngine(t, Config{})
	rig.register(t, echoTool("echo.input"))

	f := parseFlow(t, `
id: paramed
params:
  - name: user
    type: string
  - name: locale
    type: string
    default: en
steps:
  - id: render
    tool: echo.input
    config:
      user: "{{input.user}}"
      locale: "{{input.locale}}"
`)

	_, err := rig.engine.Run(context.Background(), f, nil)
	require.Error(t, err, "missing required parameter must reject the run")
	var verr *errors.ValidationError
	assert.ErrorAs(t, err, &verr)

	result, err := rig.engine.Run(context.Background(), f, map[string]any{"user": "grace"})
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Equal(t, map[string]any{"user": "grace", "locale": "en"}, result.Output)
}

func TestRunRejectsInvalidFlow(t *testing.T) {
	rig := newTestEngine(t, Config{})

	_, err := rig.engine.Run(context.Background(), nil, nil)
	require.Error(t, err)

	bad := &flow.Flow{
		ID:    "bad",
		Entry: "a",
		Steps: []flow.Step{{ID: "a", Type: flow.StepTool}},
	}
	_, err = rig.engine.Run(context.Background(), bad, nil)
	require.Error(t, err)
	var verr *errors.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, errors.CodeInvalidWorkflow, errors.Code(err))
}

func TestStartEmitsEventsOnRunStream(t *testing.T) {
	rig := newTestEngine(t, Config{})
	started := make(chan string, 1)
	release := make(chan struct{})
	rig.register(t, blockTool("gate.hold", started, release))
	rig.register(t, echoTool("echo.input"))

	f := parseFlow(t, `
id: eventful
steps:
  - id: gate
    tool: gate.hold
  - id: finish
    tool: echo.input
    config: {done: true}
connections:
  - source: gate
    target: finish
`)

	runID, err := rig.engine.Start(context.Background(), f, nil)
	require.NoError(t, err)

	// Subscribing while gate holds guarantees every event from the
	// gate's result onward lands on this channel.
	<-started
	ch, unsub := rig.events.Subscribe(runID)
	defer unsub()
	close(release)

	result, err := rig.engine.Wait(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, result.Status)

	// finishRun completes the stream, so the subscriber channel closes.
	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.GreaterOrEqual(t, len(got), 5)

	byType := map[events.Type]int{}
	for _, ev := range got {
		assert.Equal(t, runID, ev.ExecutionID)
		byType[ev.Type]++
	}
	assert.GreaterOrEqual(t, byType[events.TypeToolStart], 1)
	assert.GreaterOrEqual(t, byType[events.TypeResult], 2)
	assert.GreaterOrEqual(t, byType[events.TypeTrace], 3)
	assert.GreaterOrEqual(t, byType[events.TypeMetric], 2)

	last := got[len(got)-1]
	assert.Equal(t, events.TypeEnd, last.Type)
	assert.Equal(t, events.DomainSystem, last.Domain)

	tail := got[len(got)-2]
	assert.Equal(t, events.TypeTrace, tail.Type)
	assert.Equal(t, "flow eventful completed", tail.Data["message"])
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	rig := newTestEngine(t, Config{})
	var calls atomic.Int32
	flaky := tools.NewFunc("flaky.fetch", "fails twice, then succeeds", nil,
		func(context.Context, *tools.ToolContext) (any, error) {
			if calls.Add(1) <= 2 {
				return nil, &errors.TransportError{Transport: "http", Message: "upstream flaking"}
			}
			return map[string]any{"ok": true}, nil
		})
	rig.register(t, flaky)

	f := parseFlow(t, `
id: flaky
steps:
  - id: fetch
    tool: flaky.fetch
    retry:
      max_attempts: 3
      initial_delay_ms: 1
`)

	result, err := rig.engine.Run(context.Background(), f, nil)
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Equal(t, int32(3), calls.Load())

	fetch := result.Step("fetch")
	require.NotNil(t, fetch)
	assert.Equal(t, 3, fetch.Attempts)
	assert.Equal(t, 2, fetch.Metrics.RetryCount)
	assert.Equal(t, map[string]any{"ok": true}, fetch.Output)
	assert.Empty(t, result.Errors, "recovered attempts leave no run errors")
}

func TestRunRetryExhaustion(t *testing.T) {
	rig := newTestEngine(t, Config{})
	boom := tools.NewFunc("boom.always", "always fails", nil,
		func(context.Context, *tools.ToolContext) (any, error) {
			return nil, fmt.Errorf("upstream down")
		})
	rig.register(t, boom)

	f := parseFlow(t, `
id: doomed
steps:
  - id: fetch
    tool: boom.always
    retry:
      max_attempts: 2
      initial_delay_ms: 1
`)

	result, err := rig.engine.Run(context.Background(), f, nil)
	require.Error(t, err)

	var exhausted *retry.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)

	assert.Equal(t, RunStatusFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "fetch", result.Errors[0].StepID)
	assert.Equal(t, errors.CodeRetryExhausted, result.Errors[0].Code)

	fetch := result.Step("fetch")
	require.NotNil(t, fetch)
	assert.Equal(t, StepStatusFailed, fetch.Status)
	assert.Equal(t, 2, fetch.Attempts)
	assert.Equal(t, 1, result.Metrics.FailedSteps)
}

func TestParallelFanOutJoinsOnce(t *testing.T) {
	rig := newTestEngine(t, Config{MaxConcurrent: 4, StepTimeout: 5 * time.Second})

	// The barrier only opens when all three branches are in flight, so
	// sequential dispatch would time out instead of completing.
	var arrivals atomic.Int32
	open := make(chan struct{})
	barrier := tools.NewFunc("barrier.wait", "waits for all branches", nil,
		func(ctx context.Context, tc *tools.ToolContext) (any, error) {
			if arrivals.Add(1) == 3 {
				close(open)
			}
			select {
			case <-open:
				return tc.Input["label"], nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	rig.register(t, barrier)
	rig.register(t, emitTool("emit.seed", map[string]any{"seed": 1}))

	var joinCalls atomic.Int32
	join := tools.NewFunc("join.collect", "collects branch outputs", nil,
		func(_ context.Context, tc *tools.ToolContext) (any, error) {
			joinCalls.Add(1)
			return tc.Input, nil
		})
	rig.register(t, join)

	f := parseFlow(t, `
id: fanout
steps:
  - id: seed
    tool: emit.seed
    parallel: true
  - id: b
    tool: barrier.wait
    config: {label: b}
  - id: c
    tool: barrier.wait
    config: {label: c}
  - id: d
    tool: barrier.wait
    config: {label: d}
  - id: join
    tool: join.collect
    config:
      b: "{{step.b.output}}"
      c: "{{step.c.output}}"
      d: "{{step.d.output}}"
connections:
  - {source: seed, target: b}
  - {source: seed, target: c}
  - {source: seed, target: d}
  - {source: b, target: join}
  - {source: c, target: join}
  - {source: d, target: join}
`)

	result, err := rig.engine.Run(context.Background(), f, nil)
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Equal(t, int32(1), joinCalls.Load(), "join must run once, after all branches")
	assert.Equal(t, map[string]any{"b": "b", "c": "c", "d": "d"}, result.Output)
	assert.Equal(t, 5, result.Metrics.CompletedSteps)
}

func TestSequentialFanOutSeesPriorWrites(t *testing.T) {
	rig := newTestEngine(t, Config{})
	rig.register(t, emitTool("emit.start", map[string]any{"go": true}))
	rig.register(t, emitTool("emit.first", map[string]any{"v": 1}))
	rig.register(t, echoTool("echo.input"))

	// The source is not parallel, so b and c run in declaration order and
	// c can read b's freshly written output.
	f := parseFlow(t, `
id: ordered
steps:
  - id: a
    tool: emit.start
  - id: b
    tool: emit.first
  - id: c
    tool: echo.input
    config:
      from_b: "{{step.b.output.v}}"
connections:
  - {source: a, target: b}
  - {source: a, target: c}
`)

	result, err := rig.engine.Run(context.Background(), f, nil)
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, result.Status)
	c := result.Step("c")
	require.NotNil(t, c)
	assert.Equal(t, map[string]any{"from_b": 1}, c.Output)
}

func TestSuspendAndResume(t *testing.T) {
	rig := newTestEngine(t, Config{})
	rig.register(t, emitTool("emit.ticket", map[string]any{"ticket": "T-17"}))
	rig.register(t, echoTool("echo.input"))
	suspend := tools.NewFunc("approval.gate", "suspends for approval", nil,
		func(context.Context, *tools.ToolContext) (any, error) {
			return &SuspendRequest{Reason: "needs approval", Timeout: time.Hour}, nil
		})
	rig.register(t, suspend)

	f := parseFlow(t, `
id: approval
steps:
  - id: prepare
    tool: emit.ticket
  - id: ask
    tool: approval.gate
  - id: act
    tool: echo.input
    config:
      approved: "{{interaction.userData.approved}}"
      ticket: "{{step.prepare.output.ticket}}"
connections:
  - {source: prepare, target: ask}
  - {source: ask, target: act}
`)
	rig.flows["approval"] = f

	result, err := rig.engine.Run(context.Background(), f, nil)
	require.NoError(t, err)

	assert.Equal(t, RunStatusSuspended, result.Status)
	require.NotEmpty(t, result.ResumeToken)

	ask := result.Step("ask")
	require.NotNil(t, ask)
	assert.Equal(t, StepStatusSuspended, ask.Status)

	susp, ok := rig.store.suspension(result.ResumeToken)
	require.True(t, ok)
	assert.Equal(t, result.RunID, susp.RunID)
	assert.Equal(t, "ask", susp.GraphCursor)
	assert.Equal(t, "needs approval", susp.Reason)
	assert.Equal(t, time.Hour, susp.ExpiresAt.Sub(susp.CreatedAt))

	rec, ok := rig.store.run(result.RunID)
	require.True(t, ok)
	assert.Equal(t, RunStatusSuspended, rec.Status)

	resumed, err := rig.engine.Resume(context.Background(), result.ResumeToken, map[string]any{"approved": true})
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, resumed.Status)
	assert.Equal(t, result.RunID, resumed.RunID, "resume continues the same run id")
	act := resumed.Step("act")
	require.NotNil(t, act)
	assert.Equal(t, map[string]any{"approved": true, "ticket": "T-17"}, act.Output,
		"resume restores the snapshot and injects user data")

	_, ok = rig.store.suspension(result.ResumeToken)
	assert.False(t, ok, "resume tokens are one-shot")

	_, err = rig.engine.Resume(context.Background(), result.ResumeToken, nil)
	require.Error(t, err)
	var nf *errors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSuspendViaJSONKey(t *testing.T) {
	rig := newTestEngine(t, Config{})
	suspend := tools.NewFunc("form.request", "suspends with a form", nil,
		func(context.Context, *tools.ToolContext) (any, error) {
			return map[string]any{
				"$suspend": map[string]any{
					"reason":    "fill the form",
					"timeoutMs": float64(60_000),
					"form":      map[string]any{"title": "Details"},
				},
			}, nil
		})
	rig.register(t, suspend)

	f := parseFlow(t, `
id: forms
steps:
  - id: ask
    tool: form.request
`)

	result, err := rig.engine.Run(context.Background(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuspended, result.Status)

	susp, ok := rig.store.suspension(result.ResumeToken)
	require.True(t, ok)
	assert.Equal(t, "fill the form", susp.Reason)
	assert.Equal(t, time.Minute, susp.ExpiresAt.Sub(susp.CreatedAt))
}

func TestSuspendWithoutStoreFailsRun(t *testing.T) {
	tracker := execution.NewTracker()
	eventReg := events.NewRegistry(events.DefaultConfig())
	t.Cleanup(eventReg.Close)
	inv := tools.NewInvoker(tracker, tools.NewRegistry(), tools.NewChain(), eventReg, nil)
	eng := New(tracker, inv, eventReg, Config{})

	suspend := tools.NewFunc("approval.gate", "suspends", nil,
		func(context.Context, *tools.ToolContext) (any, error) {
			return &SuspendRequest{Reason: "approval"}, nil
		})
	require.NoError(t, inv.Registry().Register(suspend))

	f := parseFlow(t, `
id: nostore
steps:
  - id: ask
    tool: approval.gate
`)

	result, err := eng.Run(context.Background(), f, nil)
	require.Error(t, err)
	var cerr *errors.ConfigError
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, RunStatusFailed, result.Status)
}

func TestResumeExpiredSuspension(t *testing.T) {
	rig := newTestEngine(t, Config{})
	rig.store.put(Suspension{
		RunID:       "FLOW_gone_0001",
		FlowID:      "approval",
		ResumeToken: "expired-token",
		GraphCursor: "ask",
		CreatedAt:   time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	})

	_, err := rig.engine.Resume(context.Background(), "expired-token", nil)
	require.Error(t, err)
	var verr *errors.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, ok := rig.store.suspension("expired-token")
	assert.False(t, ok, "expired suspensions are deleted on resume")
}

func TestResumeUnknownToken(t *testing.T) {
	rig := newTestEngine(t, Config{})
	_, err := rig.engine.Resume(context.Background(), "no-such-token", nil)
	require.Error(t, err)
	var nf *errors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRunControlUnknownID(t *testing.T) {
	rig := newTestEngine(t, Config{})

	_, err := rig.engine.Wait(context.Background(), "FLOW_missing_01")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)

	require.ErrorAs(t, rig.engine.Pause("FLOW_missing_01"), &nf)

	_, err = rig.engine.Stop("FLOW_missing_01")
	require.ErrorAs(t, err, &nf)

	_, err = rig.engine.Status("FLOW_missing_01")
	require.ErrorAs(t, err, &nf)
}
