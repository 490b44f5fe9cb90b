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

package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *errors.ValidationError
		want string
	}{
		{
			name: "with field",
			err:  &errors.ValidationError{Field: "entry", Message: "step does not exist"},
			want: "validation failed on entry: step does not exist",
		},
		{
			name: "without field",
			err:  &errors.ValidationError{Message: "empty flow"},
			want: "validation failed: empty flow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := stderrors.New("deadline exceeded")
	err := &errors.TimeoutError{Operation: "step fetch", Duration: 5 * time.Second, Cause: cause}

	assert.Contains(t, err.Error(), "step fetch")
	assert.Contains(t, err.Error(), "5s")
	assert.True(t, stderrors.Is(err, cause))
}

func TestCode_KnownTypes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &errors.ValidationError{Message: "bad"}, errors.CodeInvalidWorkflow},
		{"graph", &errors.GraphError{FlowID: "f", StepID: "x", Reason: "dangling"}, errors.CodeBrokenGraph},
		{"cycle", &errors.CycleError{FlowID: "f", StepID: "x"}, errors.CodeCyclicStep},
		{"not found", &errors.NotFoundError{Resource: "tool", ID: "http"}, errors.CodeNotFound},
		{"halt", &errors.HaltError{Interceptor: "cache", Reason: "hit"}, errors.CodeInterceptorHalt},
		{"schema", &errors.SchemaError{Field: "summary", Message: "missing"}, errors.CodeValidationFailure},
		{"timeout", &errors.TimeoutError{Operation: "step", Duration: time.Second}, errors.CodeStepTimeout},
		{"cancelled", &errors.CancelledError{Operation: "step"}, errors.CodeCancelled},
		{"stopped", &errors.StoppedError{RunID: "r1"}, errors.CodeStopped},
		{"transport", &errors.TransportError{Transport: "stdio", Message: "closed"}, errors.CodeTransport},
		{"overflow", &errors.OverflowError{ExecutionID: "e", SubscriberID: "s"}, errors.CodeOverflow},
		{"config", &errors.ConfigError{Key: "metrics.export.url", Reason: "missing"}, errors.CodeConfig},
		{"unknown", stderrors.New("boom"), errors.CodeInternal},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Code(tt.err))
		})
	}
}

func TestCode_Wrapped(t *testing.T) {
	inner := &errors.NotFoundError{Resource: "flow", ID: "summarize"}
	wrapped := fmt.Errorf("starting run: %w", inner)

	assert.Equal(t, errors.CodeNotFound, errors.Code(wrapped))
}

type codedError struct{ code string }

func (e *codedError) Error() string     { return "coded" }
func (e *codedError) ErrorCode() string { return e.code }

func TestCode_CoderInterface(t *testing.T) {
	err := &codedError{code: errors.CodeRetryExhausted}
	assert.Equal(t, errors.CodeRetryExhausted, errors.Code(err))

	wrapped := errors.Wrap(err, "step echo")
	require.Error(t, wrapped)
	assert.Equal(t, errors.CodeRetryExhausted, errors.Code(wrapped))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, errors.Wrap(nil, "context"))
	assert.NoError(t, errors.Wrapf(nil, "context %d", 1))
}
