package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_JSONRoundTrip(t *testing.T) {
	want := Event{
		Domain:        DomainTool,
		Type:          TypeResult,
		ExecutionID:   "TOOL_a1b2c3_0_001",
		CorrelationID: "corr-42",
		Sequence:      7,
		Timestamp:     time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
		Data: map[string]any{
			"toolName":   "http.get",
			"durationMs": float64(125),
		},
	}

	raw, err := json.Marshal(want)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)
}

func TestEvent_JSONOmitsEmptyCorrelation(t *testing.T) {
	raw, err := json.Marshal(Delta("FLOW_abc_000", "hi"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "correlationId")
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"valid", Delta("FLOW_abc_000", "hi"), false},
		{"unknown domain", Event{Domain: "mail", Type: TypeDelta, ExecutionID: "x"}, true},
		{"unknown type", Event{Domain: DomainChat, Type: "yodel", ExecutionID: "x"}, true},
		{"missing execution id", Event{Domain: DomainChat, Type: TypeDelta}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConstructors_Shape(t *testing.T) {
	delta := Delta("x", "chunk")
	assert.Equal(t, DomainChat, delta.Domain)
	assert.Equal(t, TypeDelta, delta.Type)
	assert.Equal(t, "chunk", delta.Data["content"])

	start := ToolStart("x", "http.get", "call-1", map[string]any{"url": "https://example.com"})
	assert.Equal(t, DomainTool, start.Domain)
	assert.Equal(t, TypeToolStart, start.Type)
	assert.Equal(t, "http.get", start.Data["toolName"])
	assert.Equal(t, "call-1", start.Data["toolCallId"])

	suspend := Suspend("x", "user input required", "tok-1", 60000)
	assert.Equal(t, DomainInteraction, suspend.Domain)
	assert.Equal(t, "tok-1", suspend.Data["resumeToken"])

	end := End("x")
	assert.Equal(t, DomainSystem, end.Domain)
	assert.Equal(t, TypeEnd, end.Type)
	assert.NotNil(t, end.Data)
}
