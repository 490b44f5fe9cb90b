// Package agent defines the model adapter surface used by agent steps.
//
// The engine talks to language models exclusively through ModelAdapter:
// it builds a Request from the step configuration and the run context,
// streams the response, and republishes each delta as a chat event on the
// run's event stream. Concrete adapters live outside this module and are
// wired in at daemon or CLI startup.
package agent

import (
	"context"

	"github.com/archflow/archflow/pkg/errors"
)

// Role identifies the sender of a message.
type Role string

const (
	// RoleSystem carries instructions and context for the model.
	RoleSystem Role = "system"
	// RoleUser is the prompt author.
	RoleUser Role = "user"
	// RoleAssistant is the model.
	RoleAssistant Role = "assistant"
	// RoleTool carries a tool execution result back to the model.
	RoleTool Role = "tool"
)

// Message is a single entry in the conversation sent to the model.
type Message struct {
	Role    Role
	Content string
}

// Request carries one completion request to an adapter.
type Request struct {
	// Messages is the conversation, oldest first.
	Messages []Message

	// Model selects the model; empty means the adapter's default.
	Model string

	// Temperature controls randomness in the 0.0-1.0 range. Nil uses the
	// adapter default.
	Temperature *float64

	// MaxTokens caps the response length. Nil uses the adapter default.
	MaxTokens *int

	// StopSequences halt generation when encountered.
	StopSequences []string

	// Metadata carries opaque tracking values such as the run id.
	Metadata map[string]string
}

// Validate rejects requests no adapter could serve.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return &errors.ValidationError{
			Field:      "messages",
			Message:    "request has no messages",
			Suggestion: "provide at least one user or system message",
		}
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return &errors.ValidationError{
				Field:      "messages",
				Message:    "unknown role " + string(m.Role),
				Suggestion: "use one of: system, user, assistant, tool",
			}
		}
		if m.Content == "" && i == len(r.Messages)-1 {
			return &errors.ValidationError{
				Field:      "messages",
				Message:    "final message is empty",
				Suggestion: "the last message must carry the prompt content",
			}
		}
	}
	return nil
}

// Usage counts the tokens consumed by one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates another measurement into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Finish reasons reported on the final chunk or response.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

// Response is a complete, non-streamed model answer.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the model that actually served the request.
	Model string

	// FinishReason explains why generation stopped.
	FinishReason string

	// Usage counts the tokens consumed.
	Usage Usage
}

// Chunk is one increment of a streamed response. The final chunk carries
// FinishReason and Usage; a chunk with Err set terminates the stream.
type Chunk struct {
	// Content is the text added by this chunk.
	Content string

	// Index orders chunks within one stream, starting at 0.
	Index int

	// FinishReason is set on the final chunk.
	FinishReason string

	// Usage is set on the final chunk.
	Usage *Usage

	// Err reports a mid-stream failure. The stream closes after it.
	Err error
}

// Capabilities describes what an adapter supports.
type Capabilities struct {
	// Streaming reports whether Stream delivers true incremental deltas.
	Streaming bool

	// Models lists the model ids the adapter accepts.
	Models []string
}

// SupportsModel reports whether the adapter accepts the model id. An empty
// model list means the adapter takes any id.
func (c Capabilities) SupportsModel(id string) bool {
	if len(c.Models) == 0 {
		return true
	}
	for _, m := range c.Models {
		if m == id {
			return true
		}
	}
	return false
}

// ModelAdapter is the capability surface a model integration implements.
// Adapters must be safe for concurrent use; the engine may run agent steps
// of several flows at once.
type ModelAdapter interface {
	// Name returns the adapter identifier, such as "anthropic" or "stub".
	Name() string

	// Capabilities reports supported features and models.
	Capabilities() Capabilities

	// Complete blocks until the full response is available.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream returns a channel of chunks. The adapter closes the channel
	// when the response is complete or after sending a chunk with Err set.
	// The caller must drain the channel.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Collect drains a stream into a Response. It is the bridge for callers
// that need the whole answer from a streaming-only adapter.
func Collect(ctx context.Context, ch <-chan Chunk) (*Response, error) {
	resp := &Response{FinishReason: FinishStop}
	var content []byte

	for {
		select {
		case <-ctx.Done():
			return nil, &errors.CancelledError{Operation: "model stream", Cause: ctx.Err()}
		case chunk, ok := <-ch:
			if !ok {
				resp.Content = string(content)
				return resp, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			content = append(content, chunk.Content...)
			if chunk.FinishReason != "" {
				resp.FinishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				resp.Usage.Add(*chunk.Usage)
			}
		}
	}
}
