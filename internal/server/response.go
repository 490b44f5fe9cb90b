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

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/archflow/archflow/pkg/errors"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError writes a JSON error envelope with the given status code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeEngineError maps an engine or store error onto the wire.
func writeEngineError(w http.ResponseWriter, err error) {
	code := errors.Code(err)
	writeError(w, httpStatus(code), code, err.Error())
}

// httpStatus maps an error code to its HTTP status.
func httpStatus(code string) int {
	switch code {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeInvalidWorkflow, errors.CodeValidationFailure, errors.CodeBrokenGraph, errors.CodeCyclicStep:
		return http.StatusBadRequest
	case errors.CodeOverflow:
		return http.StatusTooManyRequests
	case errors.CodeStepTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeCancelled, errors.CodeStopped:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
