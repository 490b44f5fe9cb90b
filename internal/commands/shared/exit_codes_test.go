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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/archflow/archflow/pkg/errors"
)

func TestExitErrorMessage(t *testing.T) {
	err := &ExitError{Code: ExitFailure, Message: "run failed"}
	assert.Equal(t, "run failed", err.Error())

	err = &ExitError{Code: ExitFailure, Message: "run failed", Cause: errors.New("boom")}
	assert.Equal(t, "run failed: boom", err.Error())

	err = &ExitError{Code: ExitInvalidFlow, Cause: errors.New("bad yaml")}
	assert.Equal(t, "bad yaml", err.Error())
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := NewExecutionError("execution failed", inner)

	assert.Equal(t, inner, errors.Unwrap(err))
	assert.ErrorIs(t, err, inner)
}

func TestExitErrorConstructorsCarryCodes(t *testing.T) {
	assert.Equal(t, ExitFailure, NewExecutionError("x", nil).Code)
	assert.Equal(t, ExitInvalidFlow, NewInvalidFlowError("x", nil).Code)
	assert.Equal(t, ExitTimeout, NewTimeoutError("x", nil).Code)
}

func TestExitErrorFoundThroughWrapping(t *testing.T) {
	exitErr := NewInvalidFlowError("flow rejected", nil)
	wrapped := fmt.Errorf("while loading: %w", exitErr)

	var found *ExitError
	require.True(t, errors.As(wrapped, &found))
	assert.Equal(t, ExitInvalidFlow, found.Code)
}

func TestValidationSuggestionReachableFromExitError(t *testing.T) {
	cause := &pkgerrors.ValidationError{
		Field:      "entry",
		Message:    "entry step missing",
		Suggestion: "add an entry field naming the first step",
	}
	err := NewInvalidFlowError("flow rejected", cause)

	var ve *pkgerrors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "add an entry field naming the first step", ve.Suggestion)
}
