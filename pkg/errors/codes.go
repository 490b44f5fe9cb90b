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
	"errors"
	"fmt"
)

// Wire codes carried in API error envelopes and FlowResult error lists.
const (
	CodeInvalidWorkflow   = "INVALID_WORKFLOW"
	CodeBrokenGraph       = "BROKEN_GRAPH"
	CodeCyclicStep        = "CYCLIC_STEP"
	CodeNotFound          = "NOT_FOUND"
	CodeInterceptorHalt   = "INTERCEPTOR_HALT"
	CodeValidationFailure = "VALIDATION_FAILURE"
	CodeRetryExhausted    = "RETRY_EXHAUSTED"
	CodeStepTimeout       = "STEP_TIMEOUT"
	CodeCancelled         = "CANCELLED"
	CodeStopped           = "STOPPED"
	CodeTransport         = "TRANSPORT_ERROR"
	CodeOverflow          = "OVERFLOW_ERROR"
	CodeConfig            = "CONFIG_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeInternal          = "INTERNAL_ERROR"
)

// Coder is implemented by errors that know their own wire code. Packages
// that define errors outside this one (for example the retry package's
// exhaustion error) implement it to participate in Code mapping without an
// import cycle.
type Coder interface {
	error
	ErrorCode() string
}

// Code maps any error to its wire code. Unknown errors map to
// CodeInternal; a nil error maps to the empty string.
func Code(err error) string {
	if err == nil {
		return ""
	}

	var (
		validation *ValidationError
		graph      *GraphError
		cycle      *CycleError
		notFound   *NotFoundError
		halt       *HaltError
		schema     *SchemaError
		timeout    *TimeoutError
		cancelled  *CancelledError
		stopped    *StoppedError
		transport  *TransportError
		overflow   *OverflowError
		config     *ConfigError
	)

	switch {
	case errors.As(err, &validation):
		return CodeInvalidWorkflow
	case errors.As(err, &graph):
		return CodeBrokenGraph
	case errors.As(err, &cycle):
		return CodeCyclicStep
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &halt):
		return CodeInterceptorHalt
	case errors.As(err, &schema):
		return CodeValidationFailure
	case errors.As(err, &timeout):
		return CodeStepTimeout
	case errors.As(err, &stopped):
		return CodeStopped
	case errors.As(err, &cancelled):
		return CodeCancelled
	case errors.As(err, &transport):
		return CodeTransport
	case errors.As(err, &overflow):
		return CodeOverflow
	case errors.As(err, &config):
		return CodeConfig
	}

	var coder Coder
	if errors.As(err, &coder) {
		return coder.ErrorCode()
	}

	return CodeInternal
}

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}
