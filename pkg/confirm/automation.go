package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/store"
)

// Automation is the durable gateway for unattended runs. Each request
// persists a PendingConfirmation row, flips the owning execution to
// awaiting_confirmation, and parks a waiter resolved out-of-band by
// Respond or failed by the expiry timer.
type Automation struct {
	confirmations store.ConfirmationStore
	executions    store.ExecutionStore
	reg           *registry
	timeout       time.Duration
	now           func() time.Time
}

// NewAutomation creates the durable gateway. timeout <= 0 falls back to
// DefaultTimeout.
func NewAutomation(confirmations store.ConfirmationStore, executions store.ExecutionStore, timeout time.Duration) *Automation {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Automation{
		confirmations: confirmations,
		executions:    executions,
		reg:           newRegistry(),
		timeout:       timeout,
		now:           time.Now,
	}
}

// executionGateway binds the shared Automation gateway to one owning
// execution.
type executionGateway struct {
	a           *Automation
	executionID string
}

var _ Gateway = (*executionGateway)(nil)

// ForExecution returns the Gateway used by tool execution within the
// given automation execution. Automation runs start with empty
// preferences: they always ask.
func (a *Automation) ForExecution(executionID string) Gateway {
	return &executionGateway{a: a, executionID: executionID}
}

func (g *executionGateway) RequestConfirmation(ctx context.Context, req *domain.ConfirmationRequest) (*domain.ConfirmationResponse, error) {
	return g.a.request(ctx, g.executionID, req)
}

func (a *Automation) request(ctx context.Context, executionID string, req *domain.ConfirmationRequest) (*domain.ConfirmationResponse, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}

	expiresAt := a.now().Add(timeout)
	row := &domain.PendingConfirmation{
		ID:          req.ID,
		ExecutionID: executionID,
		Request:     *req,
		Status:      domain.ConfirmationPending,
		ExpiresAt:   expiresAt,
	}
	if err := a.confirmations.CreateConfirmation(ctx, row); err != nil {
		return nil, fmt.Errorf("persisting confirmation: %w", err)
	}

	if err := a.setExecutionStatus(ctx, executionID, domain.ExecutionAwaitingConfirmation); err != nil {
		return nil, err
	}

	h := a.reg.add(req.ID)

	// Independent expiry timer: distinct from the run's abort signal.
	timer := time.AfterFunc(timeout, func() {
		a.expire(req.ID)
	})
	defer timer.Stop()

	slog.Info("Awaiting confirmation",
		"confirmationID", req.ID,
		"executionID", executionID,
		"tool", req.Context.ToolName,
		"expiresAt", expiresAt,
	)

	select {
	case <-ctx.Done():
		a.reg.remove(req.ID)
		return nil, ctx.Err()
	case out := <-h.ch:
		return out.resp, out.err
	}
}

// expire marks the row expired and fails the parked waiter. Called by
// the per-request timer; the lazy status check in Respond covers rows
// whose timer did not survive a restart.
func (a *Automation) expire(confirmationID string) {
	ctx := context.Background()
	if err := a.confirmations.UpdateConfirmationStatus(ctx, confirmationID, domain.ConfirmationExpired, nil); err != nil {
		slog.Error("Failed to expire confirmation", "confirmationID", confirmationID, "error", err)
	}
	if a.reg.reject(confirmationID, ErrConfirmationTimeout) {
		slog.Info("Confirmation expired", "confirmationID", confirmationID)
	}
}

// Respond applies an external actor's answer. It validates durable
// state when no in-memory waiter survives (e.g. after a restart), in
// which case the response cannot be applied and an error is returned.
func (a *Automation) Respond(ctx context.Context, confirmationID string, resp *domain.ConfirmationResponse) error {
	row, err := a.confirmations.GetConfirmation(ctx, confirmationID)
	if err != nil {
		return err
	}
	if row.Status != domain.ConfirmationPending {
		return fmt.Errorf("confirmation %s is %s, not pending", confirmationID, row.Status)
	}

	status := domain.ConfirmationDenied
	if resp.Approved {
		status = domain.ConfirmationApproved
	}
	respondedAt := a.now()
	if err := a.confirmations.UpdateConfirmationStatus(ctx, confirmationID, status, &respondedAt); err != nil {
		return err
	}

	if resp.Approved {
		if err := a.setExecutionStatus(ctx, row.ExecutionID, domain.ExecutionRunning); err != nil {
			return err
		}
	}

	resp.RequestID = confirmationID
	if !a.reg.resolve(confirmationID, resp) {
		// Durable state updated, but the waiting run died with the
		// process; nothing is resumed.
		return fmt.Errorf("confirmation %s has no live waiter", confirmationID)
	}
	return nil
}

// Pending lists pending confirmations for the user's automations.
func (a *Automation) Pending(ctx context.Context, userID string) ([]domain.PendingConfirmationView, error) {
	return a.confirmations.ListPendingConfirmations(ctx, userID)
}

// SweepExpired expires every pending row already past its deadline and
// cancels the owning executions. Run at startup so confirmations
// orphaned by a crash do not rely on in-memory timers.
func (a *Automation) SweepExpired(ctx context.Context) error {
	expired, err := a.confirmations.ExpirePending(ctx, a.now())
	if err != nil {
		return fmt.Errorf("expiring stale confirmations: %w", err)
	}
	for _, row := range expired {
		exec, err := a.executions.GetExecution(ctx, row.ExecutionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if exec.Status.Terminal() {
			continue
		}
		now := a.now()
		exec.Status = domain.ExecutionCancelled
		exec.ErrorMessage = "Confirmation timeout expired"
		exec.CompletedAt = &now
		if err := a.executions.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		slog.Info("Swept expired confirmation", "confirmationID", row.ID, "executionID", row.ExecutionID)
	}
	return nil
}

func (a *Automation) setExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus) error {
	exec, err := a.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	exec.Status = status
	return a.executions.UpdateExecution(ctx, exec)
}
