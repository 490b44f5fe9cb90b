// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid flow definitions, malformed identifiers, or
// constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist (tool, flow, run,
// parent execution, suspension record).
type NotFoundError struct {
	// Resource is the type of resource (e.g., "tool", "flow", "run")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// GraphError represents a structurally broken workflow graph discovered at
// scheduling time, such as a connection pointing at a step that does not
// exist.
type GraphError struct {
	// FlowID is the flow whose graph is broken
	FlowID string

	// StepID is the offending step or connection target
	StepID string

	// Reason explains what is wrong with the graph
	Reason string
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	return fmt.Sprintf("broken graph in flow %s at %s: %s", e.FlowID, e.StepID, e.Reason)
}

// CycleError is raised when a step would re-enter itself with an identical
// context projection. Loops must be modelled with an explicit iteration
// counter in the context.
type CycleError struct {
	// FlowID is the flow containing the cycle
	FlowID string

	// StepID is the step that would re-enter
	StepID string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic step in flow %s: %s would re-enter with identical context", e.FlowID, e.StepID)
}

// HaltError short-circuits the tool interceptor chain. Raised by an
// interceptor's BeforeExecute to skip the invocation, or converted to a
// plain error when raised from AfterExecute.
type HaltError struct {
	// Interceptor is the name of the interceptor that halted the chain
	Interceptor string

	// Reason explains why the chain was halted
	Reason string
}

// Error implements the error interface.
func (e *HaltError) Error() string {
	return fmt.Sprintf("interceptor %s halted execution: %s", e.Interceptor, e.Reason)
}

// SchemaError describes a single output-schema violation found by the
// strict-retry validator.
type SchemaError struct {
	// Field is the schema path that failed (e.g., "summary", "items[2]")
	Field string

	// Message describes the violation
	Message string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema violation at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("schema violation: %s", e.Message)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid
// config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "metrics.export.url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts. Used for step deadlines;
// the engine synthesizes a failed StepResult from it.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "step fetch", "tool http")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// CancelledError reports that a step or tool call was cancelled before it
// finished. Distinct from failure: a cancelled step carries no result.
type CancelledError struct {
	// Operation describes what was cancelled
	Operation string

	// Cause is the underlying error (typically context.Canceled)
	Cause error
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s was cancelled", e.Operation)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// StoppedError reports that a run was terminated by an explicit stop
// request. Repeated stops of the same run are idempotent and return the
// same terminal result.
type StoppedError struct {
	// RunID is the stopped run
	RunID string
}

// Error implements the error interface.
func (e *StoppedError) Error() string {
	return fmt.Sprintf("run %s was stopped", e.RunID)
}

// TransportError represents wire-level failures in the MCP broker or an
// export backend. The connection is closed; the error surfaces to the
// remote peer as a JSON-RPC error where applicable.
type TransportError struct {
	// Transport identifies the transport (e.g., "stdio", "http", "otlp-grpc")
	Transport string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s error: %s", e.Transport, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// OverflowError is delivered to a subscriber whose bounded queue filled up.
// The subscriber is detached; the engine is never blocked by a slow consumer.
type OverflowError struct {
	// ExecutionID identifies the emitter the subscriber was attached to
	ExecutionID string

	// SubscriberID identifies the dropped subscriber
	SubscriberID string

	// Dropped is the number of events discarded when the queue filled
	Dropped int
}

// Error implements the error interface.
func (e *OverflowError) Error() string {
	return fmt.Sprintf("subscriber %s on %s overflowed (%d events dropped)", e.SubscriberID, e.ExecutionID, e.Dropped)
}
