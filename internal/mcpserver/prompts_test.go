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
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

const deployDefinition = `
id: deploy
description: Deploys a service
params:
  - name: service
    type: string
    description: Service to deploy
  - name: env
    type: string
    enum: [staging, production]
    default: staging
steps:
  - id: only
    tool: deploy.run
`

func TestFlowPrompt_ArgumentsFromParams(t *testing.T) {
	cat := newCatalog()
	f := cat.add(t, deployDefinition)

	prompt := flowPrompt(f)

	if prompt.Name != "deploy" {
		t.Errorf("prompt.Name = %q, want deploy", prompt.Name)
	}
	if prompt.Description != "Deploys a service" {
		t.Errorf("prompt.Description = %q", prompt.Description)
	}
	if len(prompt.Arguments) != 2 {
		t.Fatalf("arguments = %d, want 2", len(prompt.Arguments))
	}

	service := prompt.Arguments[0]
	if service.Name != "service" || !service.Required {
		t.Errorf("service argument = %+v, want required", service)
	}
	if service.Description != "Service to deploy" {
		t.Errorf("service description = %q", service.Description)
	}

	env := prompt.Arguments[1]
	if env.Name != "env" || env.Required {
		t.Errorf("env argument = %+v, want optional", env)
	}
	if !strings.Contains(env.Description, "staging, production") {
		t.Errorf("env description %q does not list the enum", env.Description)
	}
	if !strings.Contains(env.Description, "default staging") {
		t.Errorf("env description %q does not name the default", env.Description)
	}
}

func TestPromptText_DocumentsParams(t *testing.T) {
	cat := newCatalog()
	f := cat.add(t, deployDefinition)

	text := promptText(f, map[string]string{"service": "api", "env": "production"})

	if !strings.Contains(text, "Run the deploy flow: Deploys a service") {
		t.Errorf("missing summary line:\n%s", text)
	}
	if !strings.Contains(text, "* service: Service to deploy") {
		t.Errorf("required param not marked:\n%s", text)
	}
	if !strings.Contains(text, "env = production") {
		t.Errorf("supplied value not echoed:\n%s", text)
	}
	if !strings.Contains(text, "Call the deploy tool") {
		t.Errorf("missing tool instruction:\n%s", text)
	}

	// Supplied values are sorted by name.
	if strings.Index(text, "env = production") > strings.Index(text, "service = api") {
		t.Errorf("supplied values out of order:\n%s", text)
	}
}

func TestPromptHandler(t *testing.T) {
	rig := newRig(t, Config{})
	rig.catalog.add(t, deployDefinition)

	handler := rig.server.promptHandler("deploy")
	result, err := handler(context.Background(), mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{
			Name:      "deploy",
			Arguments: map[string]string{"service": "api"},
		},
	})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if result.Description != "Deploys a service" {
		t.Errorf("description = %q", result.Description)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(result.Messages))
	}
	msg := result.Messages[0]
	if msg.Role != mcp.RoleUser {
		t.Errorf("role = %q, want user", msg.Role)
	}
	content, ok := msg.Content.(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T, want mcp.TextContent", msg.Content)
	}
	if !strings.Contains(content.Text, "service = api") {
		t.Errorf("content does not echo the argument:\n%s", content.Text)
	}
}

func TestPromptHandler_UnknownFlow(t *testing.T) {
	rig := newRig(t, Config{})

	handler := rig.server.promptHandler("ghost")
	if _, err := handler(context.Background(), mcp.GetPromptRequest{}); err == nil {
		t.Fatal("handler for a removed flow should fail")
	}
}
