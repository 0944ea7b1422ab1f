package domain

import "time"

// ConfirmationInputType selects how the approval prompt is rendered.
type ConfirmationInputType string

const (
	ConfirmationChoice      ConfirmationInputType = "choice"
	ConfirmationMultiSelect ConfirmationInputType = "multi_select"
	ConfirmationNumberRange ConfirmationInputType = "number_range"
	ConfirmationTextInput   ConfirmationInputType = "text_input"
)

// ConfirmationOption is one selectable answer. PersistPreference marks
// the option that, when chosen, pre-approves materially identical
// requests for the rest of the session.
type ConfirmationOption struct {
	ID                string `json:"id"`
	Label             string `json:"label"`
	PersistPreference bool   `json:"persist_preference,omitempty"`
}

// ConfirmationContext carries the tool call being gated.
type ConfirmationContext struct {
	ToolName      string         `json:"tool_name"`
	ToolArgs      map[string]any `json:"tool_args,omitempty"`
	AffectedFiles []string       `json:"affected_files,omitempty"`
	RiskLevel     string         `json:"risk_level,omitempty"`
}

// ConfirmationRequest asks an external actor to approve a risky tool
// call before it is dispatched.
type ConfirmationRequest struct {
	ID              string                `json:"id"`
	InputType       ConfirmationInputType `json:"input_type"`
	Title           string                `json:"title"`
	Message         string                `json:"message"`
	Operation       string                `json:"operation"`
	Context         ConfirmationContext   `json:"context"`
	Diff            string                `json:"diff,omitempty"`
	Options         []ConfirmationOption  `json:"options"`
	DefaultOptionID string                `json:"default_option_id,omitempty"`
	Timeout         time.Duration         `json:"timeout,omitempty"`
}

// ConfirmationResponse is the actor's answer.
type ConfirmationResponse struct {
	RequestID string `json:"request_id"`
	OptionID  string `json:"option_id,omitempty"`
	Approved  bool   `json:"approved"`
	Value     string `json:"value,omitempty"`
}

// ConfirmationStatus is the lifecycle of a durable pending confirmation.
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "pending"
	ConfirmationApproved ConfirmationStatus = "approved"
	ConfirmationDenied   ConfirmationStatus = "denied"
	ConfirmationExpired  ConfirmationStatus = "expired"
)

// PendingConfirmation is the durable handoff record for confirmations
// raised during unattended runs. Interactive runs hold the equivalent
// handshake purely in memory.
type PendingConfirmation struct {
	ID          string              `json:"id"`
	ExecutionID string              `json:"execution_id"`
	Request     ConfirmationRequest `json:"request"`
	Status      ConfirmationStatus  `json:"status"`
	ExpiresAt   time.Time           `json:"expires_at"`
	RespondedAt *time.Time          `json:"responded_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// PendingConfirmationView joins a pending confirmation with the name of
// the automation whose execution is waiting on it.
type PendingConfirmationView struct {
	PendingConfirmation
	AutomationName string `json:"automation_name"`
}
