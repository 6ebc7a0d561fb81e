// Package llm is the model-call boundary: a small provider-agnostic
// contract the worker package drives for every model_call action, plus an
// OpenAI-compatible implementation any litellm/Ollama/vLLM/Azure endpoint
// can satisfy.
package llm

import (
	"context"
	"encoding/json"
)

// Role constants for Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a chat-style conversation.
type Message struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	Name             string     `json:"name,omitempty"`         // tool name, set on role=tool messages
	ToolCallID       string     `json:"tool_call_id,omitempty"` // set on role=tool messages
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`   // set on role=assistant messages requesting tool use
}

// ToolDefinition describes a callable tool offered to the model for native
// function calling.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is one invocation the model asked the caller to perform.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Usage reports token accounting for a single completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamCallback is invoked for each chunk of streamed text.
type StreamCallback func(chunk string)

// Provider is the contract the worker package drives for model_call
// actions. Any OpenAI-compatible endpoint can implement it.
type Provider interface {
	// Complete sends messages and returns the full assembled response.
	Complete(ctx context.Context, messages []Message) (Message, Usage, error)

	// CompleteStream sends messages and streams the response token by
	// token via onChunk, returning the full assembled message once
	// streaming finishes. Providers without streaming support may fall
	// back to Complete.
	CompleteStream(ctx context.Context, messages []Message, onChunk StreamCallback) (Message, Usage, error)

	// CompleteWithTools sends messages alongside tool definitions for
	// native function calling. The response may carry ToolCalls instead
	// of (or in addition to) text content.
	CompleteWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (Message, Usage, error)

	// Name identifies the provider/model for logging and narrative text.
	Name() string
}
