// Package events defines the streaming event envelope and the per-execution
// publish/subscribe registry that fans events out to SSE clients and other
// consumers.
package events

import (
	"fmt"
	"time"
)

// Domain groups event types by the surface they describe.
type Domain string

const (
	DomainChat        Domain = "chat"
	DomainThinking    Domain = "thinking"
	DomainTool        Domain = "tool"
	DomainAudit       Domain = "audit"
	DomainInteraction Domain = "interaction"
	DomainSystem      Domain = "system"
)

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainChat, DomainThinking, DomainTool, DomainAudit, DomainInteraction, DomainSystem:
		return true
	}
	return false
}

// Type is the domain-specific event discriminator.
type Type string

const (
	TypeDelta        Type = "delta"
	TypeMessage      Type = "message"
	TypeStart        Type = "start"
	TypeEnd          Type = "end"
	TypeError        Type = "error"
	TypeThinking     Type = "thinking"
	TypeReflection   Type = "reflection"
	TypeVerification Type = "verification"
	TypeToolStart    Type = "tool_start"
	TypeProgress     Type = "progress"
	TypeResult       Type = "result"
	TypeTrace        Type = "trace"
	TypeSpan         Type = "span"
	TypeMetric       Type = "metric"
	TypeSuspend      Type = "suspend"
	TypeForm         Type = "form"
	TypeResume       Type = "resume"
	TypeConnected    Type = "connected"
	TypeHeartbeat    Type = "heartbeat"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeDelta, TypeMessage, TypeStart, TypeEnd, TypeError, TypeThinking,
		TypeReflection, TypeVerification, TypeToolStart, TypeProgress,
		TypeResult, TypeTrace, TypeSpan, TypeMetric, TypeSuspend, TypeForm,
		TypeResume, TypeConnected, TypeHeartbeat:
		return true
	}
	return false
}

// Event is the envelope delivered to every subscriber. Sequence and
// Timestamp are assigned by the emitter at publish time; constructors
// leave them zero.
type Event struct {
	Domain        Domain         `json:"domain"`
	Type          Type           `json:"type"`
	ExecutionID   string         `json:"executionId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Sequence      uint64         `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data"`
}

// Validate checks the envelope fields that every event must carry.
func (e Event) Validate() error {
	if !e.Domain.Valid() {
		return fmt.Errorf("unknown event domain %q", e.Domain)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.ExecutionID == "" {
		return fmt.Errorf("event missing execution id")
	}
	return nil
}

// New builds an event envelope with the given data map. Sequence and
// timestamp are filled in when the event is published.
func New(domain Domain, typ Type, executionID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Domain:      domain,
		Type:        typ,
		ExecutionID: executionID,
		Data:        data,
	}
}

// Delta builds a chat/delta event for one streamed content fragment.
func Delta(executionID, content string) Event {
	return New(DomainChat, TypeDelta, executionID, map[string]any{
		"content": content,
	})
}

// Message builds a chat/message event for a complete model message.
func Message(executionID, content, role, model string) Event {
	return New(DomainChat, TypeMessage, executionID, map[string]any{
		"content": content,
		"role":    role,
		"model":   model,
	})
}

// ChatStart builds a chat/start event marking the beginning of a turn.
func ChatStart(executionID string) Event {
	return New(DomainChat, TypeStart, executionID, nil)
}

// ChatEnd builds a chat/end event with the turn's finish reason.
func ChatEnd(executionID, finishReason string) Event {
	return New(DomainChat, TypeEnd, executionID, map[string]any{
		"finishReason": finishReason,
	})
}

// Thinking builds a thinking/thinking event for reasoning output.
func Thinking(executionID, content string) Event {
	return New(DomainThinking, TypeThinking, executionID, map[string]any{
		"content": content,
	})
}

// ToolStart builds a tool/tool_start event.
func ToolStart(executionID, toolName, toolCallID string, input map[string]any) Event {
	return New(DomainTool, TypeToolStart, executionID, map[string]any{
		"toolName":   toolName,
		"toolCallId": toolCallID,
		"input":      input,
	})
}

// ToolProgress builds a tool/progress event.
func ToolProgress(executionID, toolName, message string, percentage float64) Event {
	return New(DomainTool, TypeProgress, executionID, map[string]any{
		"toolName":   toolName,
		"message":    message,
		"percentage": percentage,
	})
}

// ToolResult builds a tool/result event carrying the tool's output.
func ToolResult(executionID, toolName, toolCallID string, result any, durationMs int64) Event {
	return New(DomainTool, TypeResult, executionID, map[string]any{
		"toolName":   toolName,
		"toolCallId": toolCallID,
		"result":     result,
		"durationMs": durationMs,
	})
}

// Trace builds an audit/trace event.
func Trace(executionID, level, component, message string) Event {
	return New(DomainAudit, TypeTrace, executionID, map[string]any{
		"level":     level,
		"component": component,
		"message":   message,
	})
}

// Metric builds an audit/metric event.
func Metric(executionID, name string, value float64, unit string) Event {
	return New(DomainAudit, TypeMetric, executionID, map[string]any{
		"name":  name,
		"value": value,
		"unit":  unit,
	})
}

// Suspend builds an interaction/suspend event carrying the resume token.
func Suspend(executionID, reason, resumeToken string, timeoutMs int64) Event {
	return New(DomainInteraction, TypeSuspend, executionID, map[string]any{
		"reason":      reason,
		"resumeToken": resumeToken,
		"timeoutMs":   timeoutMs,
	})
}

// Form builds an interaction/form event describing requested user input.
func Form(executionID, formID, title, description string, fields []map[string]any, timeoutMs int64) Event {
	return New(DomainInteraction, TypeForm, executionID, map[string]any{
		"formId":      formID,
		"title":       title,
		"description": description,
		"fields":      fields,
		"timeoutMs":   timeoutMs,
	})
}

// Resume builds an interaction/resume event.
func Resume(executionID, resumeToken string, userData map[string]any) Event {
	return New(DomainInteraction, TypeResume, executionID, map[string]any{
		"resumeToken": resumeToken,
		"userData":    userData,
	})
}

// ErrorEvent builds a system/error event with a wire code and message.
func ErrorEvent(executionID, code, message string) Event {
	return New(DomainSystem, TypeError, executionID, map[string]any{
		"code":    code,
		"message": message,
	})
}

// End builds the terminal system/end event an emitter publishes when the
// execution completes.
func End(executionID string) Event {
	return New(DomainSystem, TypeEnd, executionID, nil)
}

// Connected builds the system/connected event sent to a subscriber when
// its stream attaches.
func Connected(executionID, clientID string) Event {
	return New(DomainSystem, TypeConnected, executionID, map[string]any{
		"clientId":  clientID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Heartbeat builds a system/heartbeat keep-alive event.
func Heartbeat(executionID string) Event {
	return New(DomainSystem, TypeHeartbeat, executionID, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
