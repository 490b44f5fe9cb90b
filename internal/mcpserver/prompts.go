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
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/archflow/archflow/pkg/flow"
)

// flowPrompt builds the prompt descriptor for one flow: the summary
// plus one documented argument per declared param.
func flowPrompt(f *flow.Flow) mcp.Prompt {
	args := make([]mcp.PromptArgument, 0, len(f.Params))
	for _, p := range f.Params {
		args = append(args, mcp.PromptArgument{
			Name:        p.Name,
			Description: paramDoc(p),
			Required:    p.Required(),
		})
	}
	return mcp.Prompt{
		Name:        f.ID,
		Description: flowSummary(f),
		Arguments:   args,
	}
}

// paramDoc documents one param for hosts: description, allowed values,
// default.
func paramDoc(p flow.Param) string {
	doc := p.Description
	if doc == "" {
		doc = p.Type
	}
	if len(p.Enum) > 0 {
		doc = fmt.Sprintf("%s (one of %s)", doc, strings.Join(p.Enum, ", "))
	}
	if p.Default != nil {
		doc = fmt.Sprintf("%s (default %v)", doc, p.Default)
	}
	return doc
}

// promptHandler renders the flow's prompt with any supplied argument
// values echoed in.
func (s *Server) promptHandler(flowID string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		f, err := s.flows.Get(flowID)
		if err != nil {
			return nil, fmt.Errorf("flow %s is no longer available", flowID)
		}
		return &mcp.GetPromptResult{
			Description: flowSummary(f),
			Messages: []mcp.PromptMessage{
				{
					Role:    mcp.RoleUser,
					Content: mcp.NewTextContent(promptText(f, request.Params.Arguments)),
				},
			},
		}, nil
	}
}

// promptText is the instruction message for a flow prompt. Required
// params carry an asterisk marker so they are easy to scan.
func promptText(f *flow.Flow, args map[string]string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run the %s flow", f.ID)
	if f.Description != "" {
		fmt.Fprintf(&b, ": %s", f.Description)
	}
	b.WriteString("\n")

	if len(f.Params) > 0 {
		b.WriteString("\nParameters:\n")
		for _, p := range f.Params {
			marker := " "
			if p.Required() {
				marker = "*"
			}
			fmt.Fprintf(&b, "  %s %s: %s\n", marker, p.Name, paramDoc(p))
		}
	}

	if len(args) > 0 {
		names := make([]string, 0, len(args))
		for name := range args {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\nSupplied values:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "  %s = %s\n", name, args[name])
		}
	}

	fmt.Fprintf(&b, "\nCall the %s tool with these parameters to execute it.", f.ID)
	return b.String()
}
