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
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/flow"
)

// flowTool builds the tool descriptor for one flow. The input schema
// mirrors the declared params so hosts validate before calling.
func flowTool(f *flow.Flow) mcp.Tool {
	properties := make(map[string]interface{}, len(f.Params))
	var required []string

	for _, p := range f.Params {
		prop := map[string]interface{}{
			"type": p.Type,
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			values := make([]interface{}, len(p.Enum))
			for i, v := range p.Enum {
				values[i] = v
			}
			prop["enum"] = values
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop

		if p.Required() {
			required = append(required, p.Name)
		}
	}

	return mcp.Tool{
		Name:        f.ID,
		Description: flowSummary(f),
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
	}
}

// flowSummary is the description surfaced on the flow's tool and
// prompt.
func flowSummary(f *flow.Flow) string {
	if f.Description != "" {
		return f.Description
	}
	return fmt.Sprintf("Run the %s flow", f.ID)
}

// runHandler executes the named flow with the call arguments as input.
// Tool failures are reported through isError, not a protocol error, so
// the host model can read them.
func (s *Server) runHandler(flowID string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !s.rateLimiter.AllowCall() {
			return errorResponse("Rate limit exceeded. Please try again later."), nil
		}
		if !s.rateLimiter.AllowRun() {
			return errorResponse("Rate limit exceeded for flow execution. Please try again later."), nil
		}

		f, err := s.flows.Get(flowID)
		if err != nil {
			return errorResponse(fmt.Sprintf("flow %s is no longer available", flowID)), nil
		}

		input := make(map[string]any)
		for name, value := range request.GetArguments() {
			input[name] = value
		}

		result, err := s.engine.Run(ctx, f, input)
		if err != nil {
			// Rejected before execution: bad input, broken graph.
			return errorResponse(err.Error()), nil
		}

		text, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errorResponse(fmt.Sprintf("failed to encode result: %v", err)), nil
		}

		response := textResponse(string(text))
		response.IsError = result.Status == engine.RunStatusFailed
		return response, nil
	}
}
