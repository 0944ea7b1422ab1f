package domain

import "time"

// AutomationStatus controls whether an automation may be triggered.
type AutomationStatus string

const (
	AutomationActive   AutomationStatus = "active"
	AutomationPaused   AutomationStatus = "paused"
	AutomationDisabled AutomationStatus = "disabled"
)

// TriggerType identifies what fired an automation.
type TriggerType string

const (
	TriggerCron      TriggerType = "cron"
	TriggerFileWatch TriggerType = "file_watch"
	TriggerExternal  TriggerType = "external"
)

// TriggerData describes one firing event. The executor injects it into
// the prompt ahead of the automation's configured text.
type TriggerData struct {
	Type     TriggerType       `json:"type"`
	FiredAt  time.Time         `json:"fired_at"`
	Path     string            `json:"path,omitempty"`
	Event    string            `json:"event,omitempty"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Automation is a user-defined schedulable task. Trigger sources (cron
// evaluation, file watches) live outside the core; the executor only
// consumes "fire now" events.
type Automation struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Name          string           `json:"name"`
	Prompt        string           `json:"prompt"`
	TriggerType   TriggerType      `json:"trigger_type"`
	TriggerConfig string           `json:"trigger_config,omitempty"`
	Status        AutomationStatus `json:"status"`
	MaxIterations int              `json:"max_iterations,omitempty"`

	// Rolling-window execution caps. Zero means unlimited.
	MaxExecutionsPerHour int `json:"max_executions_per_hour,omitempty"`
	MaxExecutionsPerDay  int `json:"max_executions_per_day,omitempty"`

	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
	NextScheduledAt *time.Time `json:"next_scheduled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ExecutionStatus is the automation execution state machine:
// pending → running → (awaiting_confirmation ↔ running)* →
// {completed | failed | cancelled}.
type ExecutionStatus string

const (
	ExecutionPending              ExecutionStatus = "pending"
	ExecutionRunning              ExecutionStatus = "running"
	ExecutionAwaitingConfirmation ExecutionStatus = "awaiting_confirmation"
	ExecutionCompleted            ExecutionStatus = "completed"
	ExecutionFailed               ExecutionStatus = "failed"
	ExecutionCancelled            ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Execution is one firing of an automation. Its trajectory shares the
// execution's ID.
type Execution struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automation_id"`
	Status       ExecutionStatus `json:"status"`
	TriggerData  TriggerData     `json:"trigger_data"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
}
