// Package llms defines the provider-agnostic LLM interface and the HTTP
// implementations for the Anthropic and OpenAI wire protocols.
package llms

import (
	"context"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one turn of conversation handed to a provider.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant turns only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool turns only
	ToolName   string     `json:"tool_name,omitempty"`    // tool turns only
}

// ToolDefinition describes a callable tool in provider-neutral form.
// Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the token accounting attached to a completed request.
type Usage struct {
	Model            string `json:"model"`
	InputTokens      int    `json:"input_tokens"`
	OutputTokens     int    `json:"output_tokens"`
	CacheReadTokens  int    `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int    `json:"cache_write_tokens,omitempty"`
}

// Request is one generation call.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int     // 0 uses the provider default
	Temperature float64 // negative uses the provider default
}

// Response is the non-streaming result.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// Chunk types emitted on a streaming channel.
const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// StreamChunk is one unit on a provider's streaming channel. The final
// chunk is ChunkDone and carries the request's Usage; ChunkError
// terminates the stream early.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// Provider is an LLM backend.
type Provider interface {
	// Generate performs a blocking request and returns the full response.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Stream performs a streaming request. The channel is closed after
	// a ChunkDone or ChunkError chunk.
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// ModelName reports the model this provider targets.
	ModelName() string

	Close() error
}
