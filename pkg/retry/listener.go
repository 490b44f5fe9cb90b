package retry

import "github.com/archflow/archflow/pkg/errors"

// Listener observes retry progress. Implementations must be fast and must
// not panic; they run inline on the retry loop.
type Listener interface {
	// OnSuccess is called once when an attempt's result is accepted.
	OnSuccess(attempt Attempt, value any)

	// OnFailure is called after each failed attempt, before any backoff.
	OnFailure(attempt Attempt, err error)

	// OnValidationFailure is called when a result violates the output
	// schema and the policy fails fast. The run ends without retrying.
	OnValidationFailure(attempt Attempt, violations []errors.SchemaError)

	// OnExhausted is called once when every attempt has failed or the
	// backoff sleep was cancelled.
	OnExhausted(attempts []Attempt, cause error)
}

// NopListener ignores all notifications. Embed it to implement only the
// hooks you care about.
type NopListener struct{}

func (NopListener) OnSuccess(Attempt, any) {}

func (NopListener) OnFailure(Attempt, error) {}

func (NopListener) OnValidationFailure(Attempt, []errors.SchemaError) {}

func (NopListener) OnExhausted([]Attempt, error) {}
