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

package local

import (
	"context"
	"strings"

	"github.com/archflow/archflow/pkg/agent"
)

// streamChunkSize is how much text each stub stream chunk carries.
const streamChunkSize = 48

// StubAdapter is the model adapter used when no real model integration
// is wired in: it answers every request by echoing the prompt. Agent
// steps stay executable end to end, with streaming, token accounting,
// and chat events behaving as they would against a live model.
type StubAdapter struct{}

// NewStubAdapter returns the echo adapter.
func NewStubAdapter() *StubAdapter {
	return &StubAdapter{}
}

// Name implements agent.ModelAdapter.
func (a *StubAdapter) Name() string { return "stub" }

// Capabilities implements agent.ModelAdapter. The stub accepts any model
// id so flows written for real adapters validate unchanged.
func (a *StubAdapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{Streaming: true}
}

// Complete implements agent.ModelAdapter.
func (a *StubAdapter) Complete(ctx context.Context, req agent.Request) (*agent.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := a.answer(req)
	return &agent.Response{
		Content:      content,
		Model:        a.model(req),
		FinishReason: agent.FinishStop,
		Usage:        a.usage(req, content),
	}, nil
}

// Stream implements agent.ModelAdapter, delivering the echo in fixed
// size chunks with usage on the final one.
func (a *StubAdapter) Stream(ctx context.Context, req agent.Request) (<-chan agent.Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	content := a.answer(req)
	usage := a.usage(req, content)

	ch := make(chan agent.Chunk)
	go func() {
		defer close(ch)
		index := 0
		for start := 0; start < len(content); start += streamChunkSize {
			end := start + streamChunkSize
			if end > len(content) {
				end = len(content)
			}
			select {
			case <-ctx.Done():
				return
			case ch <- agent.Chunk{Content: content[start:end], Index: index}:
			}
			index++
		}
		select {
		case <-ctx.Done():
		case ch <- agent.Chunk{Index: index, FinishReason: agent.FinishStop, Usage: &usage}:
		}
	}()
	return ch, nil
}

// answer builds the deterministic echo for a request.
func (a *StubAdapter) answer(req agent.Request) string {
	prompt := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == agent.RoleUser {
			prompt = req.Messages[i].Content
			break
		}
	}
	return prompt
}

func (a *StubAdapter) model(req agent.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return "stub"
}

// usage estimates tokens by whitespace-separated words, enough for the
// summary line and the metrics counters to show non-zero numbers.
func (a *StubAdapter) usage(req agent.Request, content string) agent.Usage {
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += len(strings.Fields(m.Content))
	}
	completion := len(strings.Fields(content))
	return agent.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completion,
		TotalTokens:      promptTokens + completion,
	}
}
