package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusAssignsMonotonicSequence(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Emit(NewStage("router", "", StageRunning))
	bus.Emit(NewToken("hello"))
	bus.Emit(NewComplete())

	history := bus.History()
	require.Len(t, history, 3)
	for i, e := range history {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
	assert.Equal(t, uint64(3), bus.Seq())
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBusSize(16)

	bus.Emit(NewToken("a"))
	bus.Emit(NewToken("b"))
	bus.Emit(NewToken("c"))
	bus.Close()

	var got []string
	for e := range bus.Events() {
		got = append(got, e.Token.Content)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBusEmitAfterCloseDropped(t *testing.T) {
	bus := NewBus()
	bus.Close()

	ok := bus.Emit(NewToken("late"))
	assert.False(t, ok)
	assert.Empty(t, bus.History())
	assert.True(t, bus.Closed())
}

func TestBusCloseIdempotent(t *testing.T) {
	bus := NewBus()
	bus.Close()
	assert.NotPanics(t, func() { bus.Close() })
}

func TestSSEPayloadFieldNames(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  map[string]any
	}{
		{
			name:  "stage running",
			event: NewStage("planning", "Drafting a plan", StageRunning),
			want: map[string]any{
				"type":        "stage",
				"name":        "planning",
				"description": "Drafting a plan",
				"status":      "running",
			},
		},
		{
			name:  "token omits timestamp",
			event: NewToken("chunk"),
			want:  map[string]any{"type": "token", "content": "chunk"},
		},
		{
			name:  "tool call",
			event: NewToolCall("web_search", "call-1", map[string]any{"query": "go"}),
			want: map[string]any{
				"type": "tool_call",
				"tool": "web_search",
				"args": map[string]any{"query": "go"},
				"id":   "call-1",
			},
		},
		{
			name:  "handoff",
			event: NewHandoff("task", "research", "investigate X"),
			want: map[string]any{
				"type":   "handoff",
				"source": "task",
				"target": "research",
				"task":   "investigate X",
			},
		},
		{
			name:  "error carries failed status",
			event: NewError("boom", "react"),
			want: map[string]any{
				"type":   "error",
				"error":  "boom",
				"status": "failed",
				"node":   "react",
			},
		},
		{
			name:  "complete is bare",
			event: NewComplete(),
			want:  map[string]any{"type": "complete"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.event.SSEPayload()
			delete(got, "timestamp")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSSEPayloadRoutingLowConfidence(t *testing.T) {
	e := NewRouting("task", "default fallback", 0.3)
	got := e.SSEPayload()
	assert.Equal(t, true, got["low_confidence"])
	assert.Equal(t, 0.3, got["confidence"])

	high := NewRouting("research", "clear research intent", 0.95)
	_, flagged := high.SSEPayload()["low_confidence"]
	assert.False(t, flagged)
}

func TestNewImageStripsWhitespace(t *testing.T) {
	e := NewImage("aGVs\nbG8g \td29y\r\nbGQ=", "image/png", 0)
	assert.Equal(t, "aGVsbG8gd29ybGQ=", e.Image.Data)
}

func TestSSEPayloadMarshalsCleanly(t *testing.T) {
	e := NewInterrupt(InterruptPayload{
		InterruptID:   "int-1",
		InterruptType: InterruptDecision,
		Title:         "Choose a path",
		Message:       "Pick one",
		Options: []InterruptOption{
			{Label: "Continue", Value: "continue"},
			{Label: "Stop", Value: "stop"},
		},
		DefaultAction:  "continue",
		TimeoutSeconds: 300,
	})

	data, err := json.Marshal(e.SSEPayload())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "interrupt", decoded["type"])
	assert.Equal(t, "decision", decoded["interrupt_type"])
	assert.Equal(t, "continue", decoded["default_action"])
	assert.Len(t, decoded["options"], 2)
}

func TestTerminalVariants(t *testing.T) {
	cmd := NewTerminal(TypeTerminalCommand, "ls -la", "", "")
	out := NewTerminal(TypeTerminalOutput, "", "total 8", "")
	fail := NewTerminal(TypeTerminalError, "", "", "exit status 1")
	done := NewTerminal(TypeTerminalComplete, "", "", "")

	assert.Equal(t, "ls -la", cmd.SSEPayload()["command"])
	assert.Equal(t, "total 8", out.SSEPayload()["output"])
	assert.Equal(t, "exit status 1", fail.SSEPayload()["error"])
	assert.Equal(t, "terminal_complete", done.SSEPayload()["type"])
}
