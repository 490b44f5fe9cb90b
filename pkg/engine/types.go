package engine

import (
	"time"
)

// StepStatus is the lifecycle state of one step execution.
type StepStatus string

const (
	// StepStatusCreated is a scheduled step that has not started.
	StepStatusCreated StepStatus = "created"
	// StepStatusRunning is a step currently executing.
	StepStatusRunning StepStatus = "running"
	// StepStatusCompleted is a step that finished successfully.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed is a step whose execution failed after retries.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped is a step excluded by every incoming guard.
	// Skipped steps are treated as completed for traversal.
	StepStatusSkipped StepStatus = "skipped"
	// StepStatusSuspended is a step waiting on external input.
	StepStatusSuspended StepStatus = "suspended"
	// StepStatusCancelled is a step interrupted by a stop or a cancelled
	// run context. Distinct from failed: a cancelled step carries no result.
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the status is final for the step.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of one flow run.
type RunStatus string

const (
	// RunStatusRunning is a run with steps in flight or pending.
	RunStatusRunning RunStatus = "running"
	// RunStatusPaused is a run holding before its next scheduling tick.
	RunStatusPaused RunStatus = "paused"
	// RunStatusCompleted is a run that reached a terminal step.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed is a run ended by an unrecovered failure.
	RunStatusFailed RunStatus = "failed"
	// RunStatusSuspended is a run parked on a resume token.
	RunStatusSuspended RunStatus = "suspended"
	// RunStatusStopped is a run ended by an explicit stop request.
	RunStatusStopped RunStatus = "stopped"
)

// Terminal reports whether the run can never progress again. Suspended is
// not terminal: a resume re-enters the graph.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// ExecutionError is one failure observed during a run, in order of
// occurrence. The first entry of a result's error list is the primary
// cause.
type ExecutionError struct {
	// StepID is the step that raised the error, empty for run-level errors.
	StepID string `json:"stepId,omitempty"`

	// Code is the wire code from the error taxonomy.
	Code string `json:"code"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// OccurredAt is when the error was recorded.
	OccurredAt time.Time `json:"occurredAt"`
}

// StepMetrics carries the measurements of one step execution.
type StepMetrics struct {
	// DurationMs is the wall time of the step including retries.
	DurationMs int64 `json:"durationMs"`

	// Tokens is the model token consumption attributed to this step.
	Tokens int64 `json:"tokens"`

	// RetryCount is the number of re-executions after the first attempt.
	RetryCount int `json:"retryCount"`
}

// StepResult is the outcome of one step execution.
type StepResult struct {
	// StepID identifies the step in the flow definition.
	StepID string `json:"stepId"`

	// Status is the terminal step status.
	Status StepStatus `json:"status"`

	// Output is the step's output value after any transform.
	Output any `json:"output,omitempty"`

	// Error is the failure message when Status is failed or cancelled.
	Error string `json:"error,omitempty"`

	// StartedAt is when the step began executing.
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is when the step reached its terminal status.
	CompletedAt time.Time `json:"completedAt"`

	// Attempts is the number of executions, including the first.
	Attempts int `json:"attempts"`

	// Metrics carries duration, token, and retry measurements.
	Metrics StepMetrics `json:"metrics"`

	// suspend carries the suspension request when Status is suspended.
	suspend *SuspendRequest

	// cause is the typed error behind Error, kept for taxonomy and
	// error-path routing.
	cause error
}

// FlowMetrics aggregates the measurements of one run. Tokens is the sum
// of the per-step token counts.
type FlowMetrics struct {
	DurationMs     int64 `json:"durationMs"`
	Tokens         int64 `json:"tokens"`
	CompletedSteps int   `json:"completedSteps"`
	FailedSteps    int   `json:"failedSteps"`
}

// FlowResult is the terminal outcome of a run, returned by Run, Resume,
// Stop, and Wait.
type FlowResult struct {
	// RunID is the root execution id of the run.
	RunID string `json:"runId"`

	// FlowID is the flow definition that ran.
	FlowID string `json:"flowId"`

	// Status is completed, failed, suspended, or stopped.
	Status RunStatus `json:"status"`

	// Output is the output of the last terminal step that completed.
	Output any `json:"output,omitempty"`

	// Errors lists every failure in order of occurrence.
	Errors []ExecutionError `json:"errors,omitempty"`

	// Steps lists step results in completion order.
	Steps []StepResult `json:"steps"`

	// ResumeToken is set when Status is suspended.
	ResumeToken string `json:"resumeToken,omitempty"`

	// StartedAt is when the run entered the engine.
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is when the run reached its terminal status.
	CompletedAt time.Time `json:"completedAt"`

	// Metrics aggregates duration, tokens, and step counts.
	Metrics FlowMetrics `json:"metrics"`
}

// Step returns the recorded result for a step id, nil when the step never
// reached a terminal status in this run.
func (r *FlowResult) Step(id string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].StepID == id {
			return &r.Steps[i]
		}
	}
	return nil
}

// RunState is the live view of a run served by the status endpoint.
type RunState struct {
	RunID          string    `json:"runId"`
	FlowID         string    `json:"flowId"`
	Status         RunStatus `json:"status"`
	CompletedSteps []string  `json:"completedSteps"`
	FailedSteps    []string  `json:"failedSteps"`
}

// SuspendRequest is the value a step produces to park the run until a
// caller resumes it with external input. Tools return a *SuspendRequest
// directly; tools speaking JSON return a map carrying a "$suspend" key
// with reason and timeoutMs fields.
type SuspendRequest struct {
	// Reason tells the user why the run is waiting.
	Reason string

	// Timeout bounds how long the suspension stays resumable. Zero selects
	// the engine default.
	Timeout time.Duration

	// Form optionally describes the input the user is asked for, published
	// on the interaction/form event.
	Form map[string]any
}

// Suspension is the persisted record of a parked run.
type Suspension struct {
	// RunID is the suspended run.
	RunID string `json:"runId"`

	// FlowID is the flow definition, needed to rebuild the graph on resume.
	FlowID string `json:"flowId"`

	// ResumeToken is the caller's handle for resuming.
	ResumeToken string `json:"resumeToken"`

	// GraphCursor is the suspended step; resume continues at its
	// successors.
	GraphCursor string `json:"graphCursor"`

	// ContextSnapshot is the full run context at suspension time.
	ContextSnapshot map[string]any `json:"contextSnapshot"`

	// Reason mirrors the suspend request.
	Reason string `json:"reason,omitempty"`

	// CreatedAt is when the run suspended.
	CreatedAt time.Time `json:"createdAt"`

	// ExpiresAt is when the token stops being resumable.
	ExpiresAt time.Time `json:"expiresAt"`
}
