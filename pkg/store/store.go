package store

import (
	"context"
	"errors"
	"time"

	"github.com/nstogner/aide/pkg/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TrajectoryStore persists the append-only step log. Steps are
// immutable once appended; compaction works by appending a flagged
// summary step, never by rewriting history.
type TrajectoryStore interface {
	// AppendStep adds a step to the end of its trajectory. The step's
	// ID should be set by the caller; the store assigns the sequence.
	AppendStep(ctx context.Context, step *domain.Step) error

	// Steps returns the full step history for a trajectory in append
	// order. Context-window decisions (starting from the most recent
	// compaction step) are the caller's concern.
	Steps(ctx context.Context, trajectoryID string) ([]domain.Step, error)
}

// AutomationStore manages automation definitions.
type AutomationStore interface {
	CreateAutomation(ctx context.Context, a *domain.Automation) error
	GetAutomation(ctx context.Context, id string) (*domain.Automation, error)
	// ListAutomations returns the user's automations; an empty userID
	// lists all of them.
	ListAutomations(ctx context.Context, userID string) ([]domain.Automation, error)
	UpdateAutomation(ctx context.Context, a *domain.Automation) error
	DeleteAutomation(ctx context.Context, id string) error

	// TouchLastExecuted records the completion time of the most recent
	// successful execution.
	TouchLastExecuted(ctx context.Context, id string, t time.Time) error
}

// ExecutionStore manages automation execution rows.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	UpdateExecution(ctx context.Context, e *domain.Execution) error
	ListExecutions(ctx context.Context, automationID string, limit int) ([]domain.Execution, error)

	// IncrementRetry bumps the persisted retry counter and returns the
	// new value.
	IncrementRetry(ctx context.Context, id string) (int, error)

	// CountExecutionsSince counts execution rows created at or after
	// the given instant, for rolling-window rate limiting.
	CountExecutionsSince(ctx context.Context, automationID string, since time.Time) (int, error)
}

// ConfirmationStore manages durable pending confirmations for
// unattended runs.
type ConfirmationStore interface {
	CreateConfirmation(ctx context.Context, c *domain.PendingConfirmation) error
	GetConfirmation(ctx context.Context, id string) (*domain.PendingConfirmation, error)

	// UpdateConfirmationStatus transitions a confirmation and stamps
	// the response time for approved/denied.
	UpdateConfirmationStatus(ctx context.Context, id string, status domain.ConfirmationStatus, respondedAt *time.Time) error

	// ListPendingConfirmations returns pending confirmations for all
	// automations owned by the user, joined with automation names.
	ListPendingConfirmations(ctx context.Context, userID string) ([]domain.PendingConfirmationView, error)

	// ExpirePending flips every pending confirmation whose ExpiresAt
	// is at or before now to expired and returns the affected rows.
	ExpirePending(ctx context.Context, now time.Time) ([]domain.PendingConfirmation, error)
}

// UserStore manages user records.
type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
}
