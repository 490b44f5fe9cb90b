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

package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/archflow/archflow/pkg/errors"
)

// Exit codes for the archflow CLI. Scripts route on these, so they are
// part of the command contract.
const (
	// ExitSuccess means the command completed.
	ExitSuccess = 0

	// ExitFailure covers every failure without a more specific code.
	ExitFailure = 1

	// ExitInvalidFlow means the flow definition did not validate.
	ExitInvalidFlow = 2

	// ExitTimeout means the run hit the --timeout deadline.
	ExitTimeout = 3
)

// ExitError is an error that carries an exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		if e.Message == "" {
			return e.Cause.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError wraps a run failure with the generic failure
// exit code.
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitFailure,
		Message: msg,
		Cause:   cause,
	}
}

// NewInvalidFlowError wraps a definition problem with the
// invalid-workflow exit code.
func NewInvalidFlowError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidFlow,
		Message: msg,
		Cause:   cause,
	}
}

// NewTimeoutError wraps a deadline overrun with the timeout exit code.
func NewTimeoutError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitTimeout,
		Message: msg,
		Cause:   cause,
	}
}

// HandleExitError prints the error to stderr and exits with its code.
// Errors that are not ExitErrors exit with the generic failure code.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if msg := exitErr.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, "Error:", msg)
		}
		printSuggestion(err)
		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printSuggestion(err)
	os.Exit(ExitFailure)
}

// printSuggestion surfaces the actionable hint validation errors carry.
func printSuggestion(err error) {
	var ve *pkgerrors.ValidationError
	if errors.As(err, &ve) && ve.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", ve.Suggestion)
	}
}
