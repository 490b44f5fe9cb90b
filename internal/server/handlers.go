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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/archflow/archflow/internal/statestore"
	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/metrics"
)

// runRequest is the body of POST /api/flows/{id}/run. Params are merged
// over Input, so a declared parameter wins over a free-form input key of
// the same name.
type runRequest struct {
	Input  map[string]any `json:"input"`
	Params map[string]any `json:"params"`
}

// resumeRequest is the body of POST /api/flows/{id}/resume.
type resumeRequest struct {
	ResumeToken string         `json:"resumeToken"`
	UserData    map[string]any `json:"userData"`
}

// controlRequest is the body of the pause and stop endpoints. The paths
// name a flow; the body names which of its runs to act on.
type controlRequest struct {
	RunID string `json:"runId"`
}

// decodeBody decodes a JSON body into v. An absent or empty body leaves
// v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleRun starts a run of the flow named in the path. The response is
// the terminal FlowResult; with ?wait=false the run detaches and the
// response is 202 with the run id.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	f, err := s.flows.Get(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.CodeValidationFailure, err.Error())
		return
	}
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	for k, v := range req.Params {
		input[k] = v
	}

	release, ok := s.acquire()
	if !ok {
		s.rejectOverCapacity(w)
		return
	}

	if r.URL.Query().Get("wait") == "false" {
		runID, err := s.engine.Start(r.Context(), f, input)
		if err != nil {
			release()
			writeEngineError(w, err)
			return
		}
		// The slot stays held until the detached run settles.
		go func() {
			defer release()
			if _, err := s.engine.Wait(context.Background(), runID); err != nil {
				s.logger.Warn("detached run wait failed", "run_id", runID, "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"runId":  runID,
			"status": engine.RunStatusRunning,
		})
		return
	}

	defer release()
	result, err := s.engine.Run(r.Context(), f, input)
	if result == nil {
		writeEngineError(w, err)
		return
	}
	// Failed and stopped runs still answer 200; the status and error
	// list tell the caller what happened.
	writeJSON(w, http.StatusOK, result)
}

// handleResume continues a suspended or paused run of the flow named in
// the path.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("id")

	var req resumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.CodeValidationFailure, err.Error())
		return
	}
	if req.ResumeToken == "" {
		writeError(w, http.StatusBadRequest, errors.CodeValidationFailure, "resumeToken is required")
		return
	}
	if !s.tokenMatchesFlow(r.Context(), req.ResumeToken, flowID) {
		writeError(w, http.StatusNotFound, errors.CodeNotFound,
			fmt.Sprintf("no suspension for flow %s", flowID))
		return
	}

	release, ok := s.acquire()
	if !ok {
		s.rejectOverCapacity(w)
		return
	}
	defer release()

	result, err := s.engine.Resume(r.Context(), req.ResumeToken, req.UserData)
	if result == nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// tokenMatchesFlow checks the flow ownership of a resume token without
// consuming it. Unknown tokens pass; Resume reports those precisely.
func (s *Server) tokenMatchesFlow(ctx context.Context, token, flowID string) bool {
	if s.store != nil {
		if susp, err := s.store.GetSuspension(ctx, token); err == nil {
			return susp.FlowID == flowID
		}
	}
	if rs, err := s.engine.Status(token); err == nil {
		return rs.FlowID == flowID
	}
	return true
}

// handlePause holds a run of the flow named in the path.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.controlTarget(w, r)
	if !ok {
		return
	}
	if err := s.engine.Pause(rs.RunID); err != nil {
		writeEngineError(w, err)
		return
	}
	st, err := s.engine.Status(rs.RunID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": st.RunID, "status": st.Status})
}

// handleStop terminates a run of the flow named in the path and returns
// its terminal result. Repeated stops return the same result.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.controlTarget(w, r)
	if !ok {
		return
	}
	result, err := s.engine.Stop(rs.RunID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// controlTarget resolves the {runId} body of a pause or stop request and
// verifies the run belongs to the flow in the path.
func (s *Server) controlTarget(w http.ResponseWriter, r *http.Request) (*engine.RunState, bool) {
	flowID := r.PathValue("id")

	var req controlRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.CodeValidationFailure, err.Error())
		return nil, false
	}
	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, errors.CodeValidationFailure, "runId is required")
		return nil, false
	}

	rs, err := s.engine.Status(req.RunID)
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	if rs.FlowID != flowID {
		writeError(w, http.StatusNotFound, errors.CodeNotFound,
			fmt.Sprintf("run %s does not belong to flow %s", req.RunID, flowID))
		return nil, false
	}
	return rs, true
}

// handleStatus reports a run's state, falling back to persisted history
// for runs the engine no longer tracks.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")

	rs, err := s.engine.Status(runID)
	if err == nil {
		writeJSON(w, http.StatusOK, rs)
		return
	}
	if s.store != nil {
		if rec, rerr := s.store.GetRun(r.Context(), runID); rerr == nil {
			writeJSON(w, http.StatusOK, stateFromRecord(rec))
			return
		}
	}
	writeEngineError(w, err)
}

// stateFromRecord reconstructs a status view from history. Per-step
// completion is not persisted, so completedSteps comes back empty;
// failed steps are recovered from the error list.
func stateFromRecord(rec engine.RunRecord) *engine.RunState {
	failed := make([]string, 0, len(rec.Errors))
	seen := make(map[string]bool)
	for _, e := range rec.Errors {
		if e.StepID == "" || seen[e.StepID] {
			continue
		}
		seen[e.StepID] = true
		failed = append(failed, e.StepID)
	}
	return &engine.RunState{
		RunID:          rec.RunID,
		FlowID:         rec.FlowID,
		Status:         rec.Status,
		CompletedSteps: []string{},
		FailedSteps:    failed,
	}
}

// handleListRuns pages through run history, newest first. Without a
// store the list is empty.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []engine.RunRecord{}, "count": 0})
		return
	}

	q := r.URL.Query()
	filter := statestore.RunFilter{
		FlowID: q.Get("flow"),
		Status: engine.RunStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, errors.CodeValidationFailure, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, errors.CodeValidationFailure, "invalid offset")
		return
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if runs == nil {
		runs = []engine.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// handleMetrics serves Prometheus text format by default and the JSON
// snapshot when the caller asks for application/json.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	wantJSON := strings.Contains(r.Header.Get("Accept"), "application/json")
	if !wantJSON && s.promText != nil {
		s.promText.ServeHTTP(w, r)
		return
	}
	var snap metrics.Snapshot
	if s.collector != nil {
		snap = s.collector.Aggregate()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) rejectOverCapacity(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, errors.CodeOverflow,
		fmt.Sprintf("run limit %d reached", s.cfg.MaxConcurrent))
}
