// Package retry wraps a unit of work with bounded retries, exponential
// backoff, and optional output-schema validation. Steps and tool calls use
// it to re-execute transient failures before declaring them terminal.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/archflow/archflow/pkg/errors"
)

// MaxDelay caps the backoff between attempts regardless of the multiplier.
const MaxDelay = 30 * time.Second

// Policy is the validated retry configuration attached to a step or tool
// call. Construct it with NewPolicy or DefaultPolicy; the zero value is
// rejected by Validate.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// InitialDelay is the sleep before the second attempt.
	InitialDelay time.Duration

	// BackoffMultiplier scales the delay after each failed attempt.
	BackoffMultiplier float64

	// Schema, when set, validates every successful result before it is
	// accepted.
	Schema *OutputSchema

	// FailOnValidationError stops immediately on a schema violation
	// instead of treating it as a retryable failure. Constructors default
	// it to true.
	FailOnValidationError bool
}

// NewPolicy builds a policy, rejecting out-of-range parameters.
func NewPolicy(maxAttempts int, initialDelay time.Duration, multiplier float64) (Policy, error) {
	p := Policy{
		MaxAttempts:           maxAttempts,
		InitialDelay:          initialDelay,
		BackoffMultiplier:     multiplier,
		FailOnValidationError: true,
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// DefaultPolicy returns the engine-wide default: three attempts, one
// second initial delay, doubling backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:           3,
		InitialDelay:          time.Second,
		BackoffMultiplier:     2.0,
		FailOnValidationError: true,
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return &errors.ValidationError{
			Field:      "maxAttempts",
			Message:    fmt.Sprintf("must be at least 1, got %d", p.MaxAttempts),
			Suggestion: "set retry.maxAttempts to 1 to disable retries",
		}
	}
	if p.InitialDelay < 0 {
		return &errors.ValidationError{
			Field:   "initialDelay",
			Message: fmt.Sprintf("must not be negative, got %v", p.InitialDelay),
		}
	}
	if p.BackoffMultiplier < 1.0 {
		return &errors.ValidationError{
			Field:      "backoffMultiplier",
			Message:    fmt.Sprintf("must be at least 1.0, got %g", p.BackoffMultiplier),
			Suggestion: "use 1.0 for a constant delay between attempts",
		}
	}
	return nil
}

// Delay returns the backoff before retrying after the given 1-based
// attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
		if d >= float64(MaxDelay) {
			return MaxDelay
		}
	}
	if d > float64(MaxDelay) {
		return MaxDelay
	}
	return time.Duration(d)
}

// Attempt records one invocation of the thunk.
type Attempt struct {
	// Number is 1-based.
	Number int

	// StartedAt is when the invocation began.
	StartedAt time.Time

	// Duration is how long the invocation ran.
	Duration time.Duration

	// Err is the failure message, empty when the attempt succeeded.
	Err string
}

// Result is the outcome of a Do call.
type Result struct {
	// Value is the accepted thunk result.
	Value any

	// Attempts lists every invocation in order.
	Attempts []Attempt

	// ValidationFailed is set when the thunk returned successfully but
	// its output violated the schema and the policy fails fast. Value
	// holds the rejected output for diagnostics.
	ValidationFailed bool

	// Violations carries the schema violations when ValidationFailed.
	Violations []errors.SchemaError
}

// RetryCount is the number of re-executions after the first attempt.
func (r *Result) RetryCount() int {
	if len(r.Attempts) == 0 {
		return 0
	}
	return len(r.Attempts) - 1
}

// ExhaustedError reports that every attempt failed. It carries the full
// attempt history; Cause is the last attempt's error.
type ExhaustedError struct {
	Attempts []Attempt
	Cause    error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", len(e.Attempts), e.Cause)
}

// Unwrap returns the last attempt's error for errors.Is/As support.
func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements errors.Coder.
func (e *ExhaustedError) ErrorCode() string {
	return errors.CodeRetryExhausted
}

// Thunk is the unit of work being retried. Each invocation must be
// independent: no partial state carries between attempts beyond what the
// thunk itself manages.
type Thunk func(ctx context.Context) (any, error)

// Do drives the thunk to an accepted result or exhaustion.
//
// Each failed attempt is recorded and reported to the listener, then the
// loop sleeps min(initialDelay x multiplier^(n-1), MaxDelay) before the
// next attempt. Cancellation during the sleep ends the run with an
// ExhaustedError wrapping the context error. When a schema is configured,
// a successful result that violates it either ends the run immediately
// (FailOnValidationError) or is treated as one more retryable failure.
func Do(ctx context.Context, policy Policy, listener Listener, thunk Thunk) (*Result, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		listener = NopListener{}
	}

	result := &Result{}
	var lastErr error

	for n := 1; n <= policy.MaxAttempts; n++ {
		start := time.Now()
		value, err := thunk(ctx)
		attempt := Attempt{
			Number:    n,
			StartedAt: start,
			Duration:  time.Since(start),
		}

		if err == nil && policy.Schema != nil {
			if violations := policy.Schema.Validate(value); len(violations) > 0 {
				if policy.FailOnValidationError {
					attempt.Err = violations[0].Error()
					result.Attempts = append(result.Attempts, attempt)
					result.Value = value
					result.ValidationFailed = true
					result.Violations = violations
					listener.OnValidationFailure(attempt, violations)
					return result, nil
				}
				// Soft mode: the violation is just another failure.
				err = &violations[0]
			}
		}

		if err == nil {
			result.Attempts = append(result.Attempts, attempt)
			result.Value = value
			listener.OnSuccess(attempt, value)
			return result, nil
		}

		attempt.Err = err.Error()
		result.Attempts = append(result.Attempts, attempt)
		lastErr = err
		listener.OnFailure(attempt, err)

		if n == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			exhausted := &ExhaustedError{Attempts: result.Attempts, Cause: ctx.Err()}
			listener.OnExhausted(result.Attempts, ctx.Err())
			return result, exhausted
		case <-time.After(policy.Delay(n)):
		}
	}

	exhausted := &ExhaustedError{Attempts: result.Attempts, Cause: lastErr}
	listener.OnExhausted(result.Attempts, lastErr)
	return result, exhausted
}
