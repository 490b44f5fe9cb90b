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
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/events"
)

// handleEvents streams a run's events as SSE. The stream opens with a
// system/connected event, carries a heartbeat while idle, and closes
// after the run's end event. Streams for already-finished runs deliver
// connected and end immediately.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")

	status, err := s.runStatus(r, runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.CodeInternal, "streaming not supported")
		return
	}

	// Subscribe before the first write so no event slips between the
	// terminal check and the stream opening.
	ch, unsubscribe := s.events.Subscribe(runID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := uuid.New().String()
	if writeSSEEvent(w, events.Connected(runID, clientID)) != nil {
		return
	}
	flusher.Flush()

	if status.Terminal() {
		if writeSSEEvent(w, events.End(runID)) != nil {
			return
		}
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if writeSSEEvent(w, events.Heartbeat(runID)) != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if writeSSEEvent(w, ev) != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// runStatus resolves a run's current status from the engine or, for
// runs the engine no longer tracks, from history.
func (s *Server) runStatus(r *http.Request, runID string) (engine.RunStatus, error) {
	rs, err := s.engine.Status(runID)
	if err == nil {
		return rs.Status, nil
	}
	if s.store != nil {
		if rec, rerr := s.store.GetRun(r.Context(), runID); rerr == nil {
			return rec.Status, nil
		}
	}
	return "", err
}

// writeSSEEvent frames one event for the wire: the event line carries
// the type, the data line the full JSON envelope.
func writeSSEEvent(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
