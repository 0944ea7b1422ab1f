package model

import (
	"context"

	"github.com/nstogner/aide/pkg/domain"
)

// Role indicates the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Content represents a single component of a message.
type Content struct {
	Type string // "text", "image", "tool_call", "tool_result"

	// Text content (when Type == "text").
	Text string `json:"text,omitempty"`

	// Image content (when Type == "image"). Data is base64-encoded;
	// the provider adapter decodes it at the call boundary.
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`

	// Tool call (when Type == "tool_call").
	ToolCall *domain.ToolCall `json:"tool_call,omitempty"`

	// Tool result (when Type == "tool_result").
	ToolResult *domain.ToolResult `json:"tool_result,omitempty"`
}

// Message represents a message in the model's conversation context.
type Message struct {
	Role    Role
	Content []Content
}

// ToolSpec declares a callable tool to the model. Parameters is a JSON
// Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is one provider-agnostic model call.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec

	// PreviousRaw is the provider-specific raw output of the prior
	// call within the same turn. When present, adapters should prefer
	// it over the reconstructed form of the most recent assistant
	// message (it may carry provider state such as thought signatures).
	PreviousRaw any
}

// Response is the classified output of one model call.
type Response struct {
	Message   string
	Thought   string
	ToolCalls []domain.ToolCall

	// Raw is the provider-specific output for passthrough on the next
	// call of the same turn.
	Raw any
}

// Caller is the model boundary consumed by the orchestration loop.
type Caller interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}
