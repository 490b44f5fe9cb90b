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
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"

	pkgerrors "github.com/archflow/archflow/pkg/errors"
)

// captureStdout runs fn with os.Stdout redirected to a pipe and returns
// everything written.
func captureStdout(t *testing.T, fn func() error) []byte {
	t.Helper()

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = oldStdout

	if fnErr != nil {
		t.Fatalf("emit failed: %v", fnErr)
	}

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.Bytes()
}

func TestEmitJSON(t *testing.T) {
	type runOutput struct {
		JSONResponse
		Result string `json:"result"`
	}

	out := captureStdout(t, func() error {
		return EmitJSON(runOutput{
			JSONResponse: JSONResponse{Version: "1.0", Command: "run", Success: true},
			Result:       "done",
		})
	})

	var decoded runOutput
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("failed to unmarshal emitted JSON: %v", err)
	}
	if decoded.Command != "run" || !decoded.Success || decoded.Result != "done" {
		t.Errorf("unexpected envelope: %+v", decoded)
	}

	// The envelope key is @version, not version.
	var raw map[string]interface{}
	if err := json.Unmarshal(out, &raw); err != nil {
		t.Fatalf("failed to unmarshal to map: %v", err)
	}
	if _, ok := raw["@version"]; !ok {
		t.Error("@version field not present in JSON output")
	}
}

func TestEmitJSONError(t *testing.T) {
	tests := []struct {
		name    string
		command string
		errors  []JSONError
	}{
		{
			name:    "single error without location",
			command: "validate",
			errors: []JSONError{
				{
					Code:       pkgerrors.CodeNotFound,
					Message:    "flow file not found",
					Suggestion: "Check that the file path is correct",
				},
			},
		},
		{
			name:    "error with location",
			command: "validate",
			errors: []JSONError{
				{
					Code:       pkgerrors.CodeInvalidWorkflow,
					Message:    "invalid YAML syntax",
					Location:   &JSONLocation{Line: 10, Column: 5},
					Suggestion: "Check for missing quotes or incorrect indentation",
				},
			},
		},
		{
			name:    "multiple errors",
			command: "run",
			errors: []JSONError{
				{
					Code:    pkgerrors.CodeRetryExhausted,
					Message: "step failed after 3 attempts",
					StepID:  "fetch",
				},
				{
					Code:    pkgerrors.CodeStepTimeout,
					Message: "step deadline exceeded",
					StepID:  "summarize",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureStdout(t, func() error {
				return EmitJSONError(tt.command, tt.errors)
			})

			var response struct {
				JSONResponse
				Errors []JSONError `json:"errors"`
			}
			if err := json.Unmarshal(out, &response); err != nil {
				t.Fatalf("failed to unmarshal error response: %v", err)
			}

			if response.Version != "1.0" {
				t.Errorf("version = %q, want %q", response.Version, "1.0")
			}
			if response.Command != tt.command {
				t.Errorf("command = %q, want %q", response.Command, tt.command)
			}
			if response.Success {
				t.Error("success should be false for error response")
			}

			if len(response.Errors) != len(tt.errors) {
				t.Fatalf("errors count = %d, want %d", len(response.Errors), len(tt.errors))
			}
			for i, got := range response.Errors {
				want := tt.errors[i]
				if got.Code != want.Code || got.Message != want.Message || got.StepID != want.StepID {
					t.Errorf("error[%d] = %+v, want %+v", i, got, want)
				}
				if (got.Location == nil) != (want.Location == nil) {
					t.Errorf("error[%d] location presence mismatch", i)
				} else if want.Location != nil && *got.Location != *want.Location {
					t.Errorf("error[%d].location = %+v, want %+v", i, got.Location, want.Location)
				}
			}
		})
	}
}
