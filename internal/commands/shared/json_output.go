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
	"encoding/json"
	"os"
)

// JSONResponse is the envelope every --json command embeds. The version
// field lets scripts detect envelope changes.
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// envelopeVersion is bumped when the JSON output shape changes
// incompatibly.
const envelopeVersion = "1.0"

// JSONError is one machine-readable error in a --json response.
type JSONError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Location   *JSONLocation `json:"location,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
	StepID     string        `json:"step_id,omitempty"`
}

// JSONLocation points at a position in a definition file.
type JSONLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// EmitJSON writes the response to stdout as indented JSON.
func EmitJSON(response any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(response)
}

// EmitJSONError writes a failed envelope carrying the given errors.
func EmitJSONError(command string, errs []JSONError) error {
	return EmitJSON(struct {
		JSONResponse
		Errors []JSONError `json:"errors"`
	}{
		JSONResponse: JSONResponse{
			Version: envelopeVersion,
			Command: command,
			Success: false,
		},
		Errors: errs,
	})
}
