// Package automation schedules unattended runs of the orchestration
// loop: admission control, bounded concurrency, retry with backoff,
// and durable confirmation handoff.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/aide/pkg/confirm"
	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/runner"
	"github.com/nstogner/aide/pkg/store"
)

// Non-retryable terminal errors: fail (or cancel) fast, no retry.
var (
	ErrAutomationNotFound = errors.New("automation not found")
	ErrUserNotFound       = errors.New("user not found")
)

// researchRunner is the slice of runner.Runner the executor needs.
type researchRunner interface {
	Run(ctx context.Context, in runner.Input) (*runner.Result, error)
}

// Config tunes the executor. Zero values fall back to defaults.
type Config struct {
	// Concurrency is the queue drain ceiling (default 3).
	Concurrency int

	// MaxRetries bounds retries per execution (default 2).
	MaxRetries int

	// RetryDelays are the waits before each retry (default 15s, 30s).
	RetryDelays []time.Duration

	// DefaultMaxIterations applies when the automation does not set
	// its own cap.
	DefaultMaxIterations int

	// QueueSize bounds the pending queue (default 64).
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{15 * time.Second, 30 * time.Second}
	}
	if c.DefaultMaxIterations <= 0 {
		c.DefaultMaxIterations = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// runState is one live (queued or running) execution's registry entry.
type runState struct {
	executionID string
	cancel      context.CancelFunc
}

// Executor runs automations unattended. One executor per process.
type Executor struct {
	automations store.AutomationStore
	executions  store.ExecutionStore
	users       store.UserStore
	runner      researchRunner
	gateway     *confirm.Automation
	clock       Clock
	cfg         Config

	// mu guards admission and the live-execution registry so rate
	// check, row creation, and the re-entrancy reservation are one
	// atomic step.
	mu      sync.Mutex
	running map[string]*runState // automation id → live execution

	queue chan string // execution ids awaiting a worker
}

// New creates an Executor.
func New(
	automations store.AutomationStore,
	executions store.ExecutionStore,
	users store.UserStore,
	research *runner.Runner,
	gateway *confirm.Automation,
	cfg Config,
) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		automations: automations,
		executions:  executions,
		users:       users,
		runner:      research,
		gateway:     gateway,
		clock:       realClock{},
		cfg:         cfg,
		running:     make(map[string]*runState),
		queue:       make(chan string, cfg.QueueSize),
	}
}

// Start launches the drain workers. It blocks until ctx is done.
func (e *Executor) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case executionID := <-e.queue:
					e.runWithRetry(ctx, executionID)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// QueueExecution admits one firing of an automation. It returns an
// empty id (and nil error) when the firing is rejected: automation not
// active, rate cap hit, or an execution already in flight for this
// automation. Rejection creates no execution row.
func (e *Executor) QueueExecution(ctx context.Context, automationID string, trigger domain.TriggerData) (string, error) {
	a, err := e.automations.GetAutomation(ctx, automationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrAutomationNotFound, automationID)
		}
		return "", err
	}
	if a.Status != domain.AutomationActive {
		slog.Info("Skipping trigger for inactive automation",
			"automationID", automationID, "status", a.Status)
		return "", nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Re-entrancy guard, checked inside admission so two concurrent
	// triggers cannot both pass.
	if _, inFlight := e.running[automationID]; inFlight {
		slog.Info("Skipping trigger: execution already in flight", "automationID", automationID)
		return "", nil
	}

	now := e.clock.Now()
	if ok, err := e.underRateLimits(ctx, a, now); err != nil {
		return "", err
	} else if !ok {
		return "", nil
	}

	exec := &domain.Execution{
		ID:           uuid.New().String(),
		AutomationID: automationID,
		Status:       domain.ExecutionPending,
		TriggerData:  trigger,
		CreatedAt:    now.UTC(),
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("creating execution: %w", err)
	}
	e.running[automationID] = &runState{executionID: exec.ID}

	select {
	case e.queue <- exec.ID:
	default:
		// Queue full: release the reservation and fail the row rather
		// than blocking the trigger source.
		delete(e.running, automationID)
		exec.Status = domain.ExecutionFailed
		exec.ErrorMessage = "execution queue full"
		if err := e.executions.UpdateExecution(ctx, exec); err != nil {
			slog.Error("Failed to mark overflowed execution", "executionID", exec.ID, "error", err)
		}
		return "", fmt.Errorf("execution queue full")
	}

	slog.Info("Queued execution", "automationID", automationID, "executionID", exec.ID, "trigger", trigger.Type)
	return exec.ID, nil
}

// underRateLimits applies the hourly/daily rolling-window caps.
// Callers hold e.mu.
func (e *Executor) underRateLimits(ctx context.Context, a *domain.Automation, now time.Time) (bool, error) {
	if a.MaxExecutionsPerHour > 0 {
		n, err := e.executions.CountExecutionsSince(ctx, a.ID, now.Add(-time.Hour))
		if err != nil {
			return false, err
		}
		if n >= a.MaxExecutionsPerHour {
			slog.Warn("Hourly execution cap reached", "automationID", a.ID, "cap", a.MaxExecutionsPerHour)
			return false, nil
		}
	}
	if a.MaxExecutionsPerDay > 0 {
		n, err := e.executions.CountExecutionsSince(ctx, a.ID, now.Add(-24*time.Hour))
		if err != nil {
			return false, err
		}
		if n >= a.MaxExecutionsPerDay {
			slog.Warn("Daily execution cap reached", "automationID", a.ID, "cap", a.MaxExecutionsPerDay)
			return false, nil
		}
	}
	return true, nil
}

// runWithRetry wraps one execution with the bounded retry policy.
func (e *Executor) runWithRetry(ctx context.Context, executionID string) {
	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		slog.Error("Dropping queued execution", "executionID", executionID, "error", err)
		return
	}
	defer e.release(exec.AutomationID)

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = e.runExecution(ctx, exec.AutomationID, executionID)
		if lastErr == nil {
			return
		}

		if errors.Is(lastErr, confirm.ErrConfirmationTimeout) {
			// Cancelled, not failed; explicitly excluded from retry.
			e.finish(ctx, executionID, domain.ExecutionCancelled, "Confirmation timeout expired")
			return
		}
		if errors.Is(lastErr, ErrAutomationNotFound) || errors.Is(lastErr, ErrUserNotFound) {
			e.finish(ctx, executionID, domain.ExecutionFailed, lastErr.Error())
			return
		}
		if ctx.Err() != nil {
			e.finish(ctx, executionID, domain.ExecutionCancelled, "executor shutting down")
			return
		}
		if errors.Is(lastErr, context.Canceled) {
			e.finish(ctx, executionID, domain.ExecutionCancelled, "execution cancelled")
			return
		}

		if attempt >= e.cfg.MaxRetries {
			e.finish(ctx, executionID, domain.ExecutionFailed, lastErr.Error())
			return
		}

		if _, err := e.executions.IncrementRetry(ctx, executionID); err != nil {
			slog.Error("Failed to persist retry count", "executionID", executionID, "error", err)
		}
		delay := e.cfg.RetryDelays[min(attempt, len(e.cfg.RetryDelays)-1)]
		slog.Warn("Execution failed, retrying",
			"executionID", executionID, "attempt", attempt+1, "delay", delay, "error", lastErr)

		select {
		case <-ctx.Done():
			e.finish(ctx, executionID, domain.ExecutionCancelled, "executor shutting down")
			return
		case <-e.clock.After(delay):
		}
	}
}

// runExecution performs one attempt of one execution.
func (e *Executor) runExecution(ctx context.Context, automationID, executionID string) error {
	a, err := e.automations.GetAutomation(ctx, automationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAutomationNotFound, automationID)
		}
		return err
	}
	user, err := e.users.GetUser(ctx, a.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUserNotFound, a.UserID)
		}
		return err
	}

	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.arm(automationID, cancel)

	now := e.clock.Now()
	exec.Status = domain.ExecutionRunning
	exec.StartedAt = &now
	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("marking execution running: %w", err)
	}

	maxIterations := a.MaxIterations
	if maxIterations <= 0 {
		maxIterations = e.cfg.DefaultMaxIterations
	}

	slog.Info("Running automation", "automationID", automationID, "executionID", executionID)

	// The trajectory shares the execution's id: one fresh conversation
	// per firing, seeded with the trigger-grounded prompt.
	result, err := e.runner.Run(runCtx, runner.Input{
		TrajectoryID:  executionID,
		Query:         triggerPrompt(exec.TriggerData, a.Prompt),
		User:          user,
		MaxIterations: maxIterations,
		Gateway:       e.gateway.ForExecution(executionID),
	})
	if err != nil {
		return err
	}

	completed := e.clock.Now()
	exec.Status = domain.ExecutionCompleted
	exec.CompletedAt = &completed
	exec.ErrorMessage = ""
	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("marking execution completed: %w", err)
	}
	if err := e.automations.TouchLastExecuted(ctx, automationID, completed); err != nil {
		slog.Error("Failed to record last execution time", "automationID", automationID, "error", err)
	}

	slog.Info("Automation completed",
		"automationID", automationID,
		"executionID", executionID,
		"iterations", result.Iterations,
	)
	return nil
}

// CancelExecution signals the abort for the automation's in-flight
// execution. Cooperative: the loop observes it at iteration boundaries.
func (e *Executor) CancelExecution(automationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.running[automationID]
	if !ok || rs.cancel == nil {
		return false
	}
	rs.cancel()
	return true
}

// CancelByExecution aborts the given execution if it is the one in
// flight. Returns false when it already finished or was superseded.
func (e *Executor) CancelByExecution(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rs := range e.running {
		if rs.executionID == executionID && rs.cancel != nil {
			rs.cancel()
			return true
		}
	}
	return false
}

// RespondToConfirmation forwards an external actor's answer to the
// durable gateway.
func (e *Executor) RespondToConfirmation(ctx context.Context, confirmationID string, resp *domain.ConfirmationResponse) error {
	return e.gateway.Respond(ctx, confirmationID, resp)
}

func (e *Executor) arm(automationID string, cancel context.CancelFunc) {
	e.mu.Lock()
	if rs, ok := e.running[automationID]; ok {
		rs.cancel = cancel
	}
	e.mu.Unlock()
}

func (e *Executor) release(automationID string) {
	e.mu.Lock()
	delete(e.running, automationID)
	e.mu.Unlock()
}

func (e *Executor) finish(ctx context.Context, executionID string, status domain.ExecutionStatus, message string) {
	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		slog.Error("Failed to load execution for finish", "executionID", executionID, "error", err)
		return
	}
	now := e.clock.Now()
	exec.Status = status
	exec.ErrorMessage = message
	exec.CompletedAt = &now
	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		slog.Error("Failed to finish execution", "executionID", executionID, "error", err)
	}
}

// triggerPrompt injects the trigger context ahead of the automation's
// configured prompt text.
func triggerPrompt(trigger domain.TriggerData, prompt string) string {
	firedAt := trigger.FiredAt
	if firedAt.IsZero() {
		firedAt = time.Now()
	}

	var preamble string
	switch trigger.Type {
	case domain.TriggerCron:
		preamble = fmt.Sprintf("This is a scheduled run that fired at %s.", firedAt.Format(time.RFC1123))
	case domain.TriggerFileWatch:
		preamble = fmt.Sprintf("This run was triggered by a %s event on %s at %s.",
			trigger.Event, trigger.Path, firedAt.Format(time.RFC1123))
	case domain.TriggerExternal:
		preamble = fmt.Sprintf("This run was triggered externally by %s at %s.",
			trigger.Source, firedAt.Format(time.RFC1123))
		for k, v := range trigger.Metadata {
			preamble += fmt.Sprintf("\n- %s: %s", k, v)
		}
	default:
		preamble = fmt.Sprintf("This run was triggered at %s.", firedAt.Format(time.RFC1123))
	}

	return preamble + "\n\n" + prompt
}
