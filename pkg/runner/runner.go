// Package runner wires the director loop to a persisted trajectory.
// The interactive (streaming) entry point and the automation entry
// point use it identically; only the hooks differ.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/aide/pkg/confirm"
	"github.com/nstogner/aide/pkg/director"
	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/store"
)

// Hooks stream progress to a live connection. All fields are optional;
// automation runs pass the zero value.
type Hooks struct {
	OnToolCallStart func(domain.Iteration)
	OnIteration     func(domain.Iteration)
	OnReasoning     func(string)
}

// Input is one research run.
type Input struct {
	// TrajectoryID selects the conversation; empty creates a new one.
	TrajectoryID string

	// Query is the new user message. Empty continues the existing
	// trajectory (resume after pause).
	Query string

	User          *domain.User
	MaxIterations int
	DeepThought   bool
	FastMode      bool
	Gateway       confirm.Gateway
	Hooks         Hooks
}

// Result is the outcome of a completed run.
type Result struct {
	Response     string
	Iterations   int
	TrajectoryID string
}

// Runner loads trajectories, drives the director, and persists every
// step. It is the only writer to a trajectory during a run.
type Runner struct {
	trajectories store.TrajectoryStore
	director     *director.Director
}

func New(trajectories store.TrajectoryStore, d *director.Director) *Runner {
	return &Runner{trajectories: trajectories, director: d}
}

// Run executes one conversation turn to completion.
func (r *Runner) Run(ctx context.Context, in Input) (*Result, error) {
	trajectoryID := in.TrajectoryID
	if trajectoryID == "" {
		trajectoryID = uuid.New().String()
	}

	steps, err := r.trajectories.Steps(ctx, trajectoryID)
	if err != nil {
		return nil, fmt.Errorf("loading trajectory: %w", err)
	}

	if in.Query != "" {
		userStep := &domain.Step{
			ID:           uuid.New().String(),
			TrajectoryID: trajectoryID,
			Kind:         domain.StepKindUser,
			Message:      in.Query,
		}
		if err := r.trajectories.AppendStep(ctx, userStep); err != nil {
			return nil, fmt.Errorf("appending user step: %w", err)
		}
		steps = append(steps, *userStep)
	}

	events := r.director.Run(ctx, director.RunInput{
		TrajectoryID:  trajectoryID,
		Steps:         steps,
		User:          in.User,
		MaxIterations: in.MaxIterations,
		DeepThought:   in.DeepThought,
		FastMode:      in.FastMode,
		Now:           time.Now(),
		Gateway:       in.Gateway,
		Append:        r.trajectories.AppendStep,
	})

	var result *Result
	for ev := range events {
		switch {
		case ev.Done:
			if ev.Err != nil {
				return nil, ev.Err
			}
			result = &Result{
				Response:     ev.Response,
				Iterations:   ev.Iterations,
				TrajectoryID: trajectoryID,
			}
		case ev.Iteration != nil:
			r.dispatchHooks(in.Hooks, *ev.Iteration)
		}
	}
	if result == nil {
		// Channel closed without a terminal event: the run was
		// cancelled or paused.
		return nil, ctx.Err()
	}

	// Settle context size for the next turn; failure here never fails
	// the run the user already got an answer for.
	steps, err = r.trajectories.Steps(ctx, trajectoryID)
	if err == nil {
		if err := r.director.MaybeCompact(ctx, trajectoryID, steps, r.trajectories.AppendStep); err != nil {
			slog.Error("Compaction failed", "trajectoryID", trajectoryID, "error", err)
		}
	}

	return result, nil
}

func (r *Runner) dispatchHooks(hooks Hooks, it domain.Iteration) {
	if it.ToolCallStart {
		if hooks.OnToolCallStart != nil {
			hooks.OnToolCallStart(it)
		}
		return
	}
	if it.Thought != "" && hooks.OnReasoning != nil {
		hooks.OnReasoning(it.Thought)
	}
	if hooks.OnIteration != nil {
		hooks.OnIteration(it)
	}
}
