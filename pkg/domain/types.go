package domain

import "time"

// StepKind identifies who produced a trajectory step.
type StepKind string

const (
	StepKindUser  StepKind = "user"
	StepKindAgent StepKind = "agent"
)

// Step is one persisted unit of a trajectory. Steps are append-only:
// once written they are never mutated or reordered.
type Step struct {
	ID           string    `json:"id"`
	TrajectoryID string    `json:"trajectory_id"`
	Kind         StepKind  `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`

	// Message is the user's text for user steps, or the assistant's
	// visible message for agent steps.
	Message string `json:"message,omitempty"`

	// Agent-only fields.
	Thought     string       `json:"thought,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	Observation []ToolResult `json:"observation,omitempty"`

	// Compaction marks this agent step as a summary boundary: when
	// building model context, the window starts at the most recent
	// compaction step. Earlier steps remain in the store for audit.
	Compaction bool `json:"compaction,omitempty"`
}

// ToolCall is an action requested by the model. Arguments are opaque
// to the orchestration core beyond pass-through.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of one tool call, matched by SourceCallID.
type ToolResult struct {
	SourceCallID string        `json:"source_call_id"`
	Content      []ContentItem `json:"content"`
}

// ContentType tags a content item. The core never interprets item
// semantics beyond the type tag.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentOther ContentType = "other"
)

// ContentItem is one typed part of a tool result. Image data is
// base64-encoded; conversion to provider bytes happens at the model
// call boundary, not in the store.
type ContentItem struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	Data     string      `json:"data,omitempty"`
}

// TextContent wraps a plain string as a single-item content list.
func TextContent(s string) []ContentItem {
	return []ContentItem{{Type: ContentText, Text: s}}
}

// JoinText concatenates the text items of a content list.
func JoinText(items []ContentItem) string {
	var out string
	for _, it := range items {
		if it.Type == ContentText {
			out += it.Text
		}
	}
	return out
}

// Iteration is the transient view of one loop pass, streamed for live
// display. The persisted unit is the Step, never the Iteration.
type Iteration struct {
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Thought     string       `json:"thought,omitempty"`
	Message     string       `json:"message,omitempty"`
	Warning     string       `json:"warning,omitempty"`

	// ToolCallStart is set on the event emitted before dispatch; the
	// matching post-results event clears it.
	ToolCallStart bool `json:"tool_call_start"`
}

// User is the owning account record, used for prompt personalization.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
