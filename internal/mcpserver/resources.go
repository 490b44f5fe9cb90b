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

package mcpserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/flow"
)

const (
	flowResourcePrefix = "archflow://flows/"
	runResourcePrefix  = "archflow://runs/"
)

func flowResourceURI(id string) string { return flowResourcePrefix + id }

// RunResourceURI is the resource address of one run's status.
func RunResourceURI(runID string) string { return runResourcePrefix + runID }

// flowResource describes the YAML definition resource for one flow.
func flowResource(f *flow.Flow) mcp.Resource {
	return mcp.NewResource(
		flowResourceURI(f.ID),
		f.ID,
		mcp.WithResourceDescription(flowSummary(f)),
		mcp.WithMIMEType("application/yaml"),
	)
}

// registerRunResource publishes the run status template. Individual
// runs are addressed through the template rather than registered one by
// one.
func (s *Server) registerRunResource() {
	template := mcp.NewResourceTemplate(
		runResourcePrefix+"{runId}",
		"Run status",
		mcp.WithTemplateDescription("Status of one run: completed and failed step ids."),
		mcp.WithTemplateMIMEType("application/json"),
	)
	s.mcpServer.AddResourceTemplate(template, s.readRunResource)
}

// readFlowResource serves a flow's YAML definition.
func (s *Server) readFlowResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := strings.TrimPrefix(request.Params.URI, flowResourcePrefix)
	text, err := s.flowDefinition(id)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/yaml",
			Text:     text,
		},
	}, nil
}

// readRunResource serves one run's status as JSON.
func (s *Server) readRunResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	runID := strings.TrimPrefix(request.Params.URI, runResourcePrefix)
	text, err := s.runStatusJSON(ctx, runID)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     text,
		},
	}, nil
}

// flowDefinition returns the YAML for a flow id: the source file when
// it is still readable, otherwise the parsed definition re-marshalled.
func (s *Server) flowDefinition(id string) (string, error) {
	info, ok := s.flows.Snapshot()[id]
	if !ok {
		return "", &errors.NotFoundError{Resource: "flow", ID: id}
	}
	if raw, err := os.ReadFile(info.Path); err == nil {
		return string(raw), nil
	}
	raw, err := yaml.Marshal(info.Flow)
	if err != nil {
		return "", fmt.Errorf("failed to encode flow %s: %w", id, err)
	}
	return string(raw), nil
}

// runStatusJSON renders a run's live state, falling back to the history
// record for runs the engine no longer tracks.
func (s *Server) runStatusJSON(ctx context.Context, runID string) (string, error) {
	state, err := s.engine.Status(runID)
	if err != nil {
		if s.store == nil {
			return "", err
		}
		rec, recErr := s.store.GetRun(ctx, runID)
		if recErr != nil {
			return "", err
		}
		state = stateFromRecord(rec)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode run %s: %w", runID, err)
	}
	return string(data), nil
}

// stateFromRecord rebuilds the status view from a history record. The
// record keeps failures but not the completed step list.
func stateFromRecord(rec engine.RunRecord) *engine.RunState {
	var failed []string
	seen := make(map[string]bool)
	for _, execErr := range rec.Errors {
		if execErr.StepID == "" || seen[execErr.StepID] {
			continue
		}
		seen[execErr.StepID] = true
		failed = append(failed, execErr.StepID)
	}
	return &engine.RunState{
		RunID:          rec.RunID,
		FlowID:         rec.FlowID,
		Status:         rec.Status,
		CompletedSteps: []string{},
		FailedSteps:    failed,
	}
}

// SubscribeResource marks a URI for change notifications. Each sweep
// compares the content hash behind every subscribed URI and announces
// the ones that changed with notifications/resources/updated.
func (s *Server) SubscribeResource(uri string) error {
	hash, err := s.resourceHash(context.Background(), uri)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.subs[uri] = hash
	s.mu.Unlock()
	return nil
}

// UnsubscribeResource drops a subscription. Unknown URIs are a no-op.
func (s *Server) UnsubscribeResource(uri string) {
	s.mu.Lock()
	delete(s.subs, uri)
	s.mu.Unlock()
}

// resourceHash returns the content hash behind a resource URI. Flow
// definitions reuse the catalog's file hash; run status is hashed from
// its JSON rendering.
func (s *Server) resourceHash(ctx context.Context, uri string) (string, error) {
	switch {
	case strings.HasPrefix(uri, flowResourcePrefix):
		id := strings.TrimPrefix(uri, flowResourcePrefix)
		info, ok := s.flows.Snapshot()[id]
		if !ok {
			return "", &errors.NotFoundError{Resource: "flow", ID: id}
		}
		return info.Hash, nil
	case strings.HasPrefix(uri, runResourcePrefix):
		runID := strings.TrimPrefix(uri, runResourcePrefix)
		text, err := s.runStatusJSON(ctx, runID)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256([]byte(text))
		return hex.EncodeToString(sum[:]), nil
	}
	return "", &errors.NotFoundError{Resource: "resource", ID: uri}
}

// sweep returns the subscribed URIs whose content changed since the
// previous sweep, updating the stored hashes. URIs that stopped
// resolving are kept; a flow file can come back.
func (s *Server) sweep(ctx context.Context) []string {
	s.mu.Lock()
	subs := make(map[string]string, len(s.subs))
	for uri, hash := range s.subs {
		subs[uri] = hash
	}
	s.mu.Unlock()

	var changed []string
	for uri, last := range subs {
		hash, err := s.resourceHash(ctx, uri)
		if err != nil || hash == last {
			continue
		}
		s.mu.Lock()
		s.subs[uri] = hash
		s.mu.Unlock()
		changed = append(changed, uri)
	}
	return changed
}
