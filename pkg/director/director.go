// Package director implements the per-turn orchestration loop: call
// the model, classify its output, execute tools (possibly gated by
// confirmation), append steps, repeat until a terminal response.
package director

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/aide/pkg/confirm"
	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/model"
)

const (
	// ToolNameRespond is the terminal action: its argument is the
	// final user-visible response.
	ToolNameRespond = "respond"

	// FallbackResponse is synthesized when the iteration cap is
	// exhausted without a terminal respond call.
	FallbackResponse = "Failed to generate response."

	// DefaultMaxIterations bounds a turn when the caller does not.
	DefaultMaxIterations = 10
)

var respondSpec = model.ToolSpec{
	Name:        ToolNameRespond,
	Description: "Deliver the final response to the user and end the turn.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"response": map[string]any{
				"type":        "string",
				"description": "The final response shown to the user.",
			},
		},
		"required": []string{"response"},
	},
}

// Options tune a Director.
type Options struct {
	Policy              Policy
	MaxOutputChars      int
	ContextTokenLimit   int     // estimated tokens before compaction triggers
	CompactionThreshold float64 // fraction of the limit, 0-1
}

// Director drives one conversation turn through model calls and tool
// execution.
type Director struct {
	caller   model.Caller
	registry Registry
	opts     Options
}

// New creates a Director.
func New(caller model.Caller, registry Registry, opts Options) *Director {
	if opts.ContextTokenLimit <= 0 {
		opts.ContextTokenLimit = 128000
	}
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = 0.6
	}
	return &Director{caller: caller, registry: registry, opts: opts}
}

// RunInput is one turn's inputs. Steps is the trajectory so far,
// including the user step for a brand-new turn. Append is the only
// path by which the loop persists steps.
type RunInput struct {
	TrajectoryID  string
	Steps         []domain.Step
	User          *domain.User
	MaxIterations int
	DeepThought   bool
	FastMode      bool
	Now           time.Time
	Gateway       confirm.Gateway
	Append        func(ctx context.Context, step *domain.Step) error
}

// Result is a completed turn.
type Result struct {
	Response   string
	Iterations int
}

// Event is one element of the run's event stream. Iteration events
// stream progress; the final event carries Done with either the result
// or a run-level error. Cancellation closes the channel.
type Event struct {
	Iteration  *domain.Iteration
	Response   string
	Iterations int
	Err        error
	Done       bool
}

// Run executes the turn asynchronously and returns its event channel.
// The channel is closed when the turn ends for any reason.
func (d *Director) Run(ctx context.Context, in RunInput) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		res, err := d.run(ctx, in, events)
		if err != nil {
			emit(ctx, events, Event{Err: err, Done: true})
			return
		}
		emit(ctx, events, Event{Response: res.Response, Iterations: res.Iterations, Done: true})
	}()
	return events
}

func (d *Director) run(ctx context.Context, in RunInput, events chan<- Event) (*Result, error) {
	maxIterations := in.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	executor := NewToolExecutor(d.registry, in.Gateway, d.opts.Policy, d.opts.MaxOutputChars)
	tools := append(d.registry.Specs(), respondSpec)
	steps := in.Steps
	var prevRaw any

	for iteration := 1; iteration <= maxIterations; iteration++ {
		// Abort is observed at iteration boundaries: already-persisted
		// steps are never touched.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		req := &model.Request{
			System:      d.systemPrompt(in),
			Messages:    buildMessages(contextWindow(steps)),
			Tools:       tools,
			PreviousRaw: prevRaw,
		}

		resp, err := d.caller.Call(ctx, req)
		if err != nil {
			// No in-loop retry: retrying is the automation executor's
			// job, not the Director's.
			return nil, fmt.Errorf("model call: %w", err)
		}
		prevRaw = resp.Raw

		if final, ok := respondArgument(resp); ok {
			step := d.newStep(in.TrajectoryID, final, resp.Thought, nil, nil)
			if err := in.Append(ctx, step); err != nil {
				return nil, fmt.Errorf("appending final step: %w", err)
			}
			emit(ctx, events, Event{Iteration: &domain.Iteration{Message: final, Thought: resp.Thought}})
			return &Result{Response: final, Iterations: iteration}, nil
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Message == "" && resp.Thought == "" {
				// Malformed output: record a warning, do not persist.
				slog.Warn("Model emitted no tool calls and no content",
					"trajectoryID", in.TrajectoryID, "iteration", iteration)
				emit(ctx, events, Event{Iteration: &domain.Iteration{
					Warning: "model produced no tool calls and no message",
				}})
				continue
			}
			step := d.newStep(in.TrajectoryID, resp.Message, resp.Thought, nil, nil)
			if err := in.Append(ctx, step); err != nil {
				return nil, fmt.Errorf("appending step: %w", err)
			}
			steps = append(steps, *step)
			emit(ctx, events, Event{Iteration: &domain.Iteration{Message: resp.Message, Thought: resp.Thought}})
			continue
		}

		emit(ctx, events, Event{Iteration: &domain.Iteration{
			ToolCalls:     resp.ToolCalls,
			Thought:       resp.Thought,
			Message:       resp.Message,
			ToolCallStart: true,
		}})

		results, err := executor.Execute(ctx, resp.ToolCalls)
		if err != nil {
			return nil, err
		}

		// Partial progress is durable: the step lands before the next
		// model call, so a crash loses at most the in-flight iteration.
		step := d.newStep(in.TrajectoryID, resp.Message, resp.Thought, resp.ToolCalls, results)
		if err := in.Append(ctx, step); err != nil {
			return nil, fmt.Errorf("appending step: %w", err)
		}
		steps = append(steps, *step)

		emit(ctx, events, Event{Iteration: &domain.Iteration{
			ToolCalls:   resp.ToolCalls,
			ToolResults: results,
			Thought:     resp.Thought,
			Message:     resp.Message,
		}})
	}

	// Iteration cap reached without a terminal respond call: never
	// leave the conversation with no answer.
	slog.Warn("Iteration cap reached, synthesizing fallback response",
		"trajectoryID", in.TrajectoryID, "maxIterations", maxIterations)
	step := d.newStep(in.TrajectoryID, FallbackResponse, "", nil, nil)
	if err := in.Append(ctx, step); err != nil {
		return nil, fmt.Errorf("appending fallback step: %w", err)
	}
	emit(ctx, events, Event{Iteration: &domain.Iteration{Message: FallbackResponse}})
	return &Result{Response: FallbackResponse, Iterations: maxIterations}, nil
}

func (d *Director) newStep(trajectoryID, message, thought string, calls []domain.ToolCall, results []domain.ToolResult) *domain.Step {
	return &domain.Step{
		ID:           uuid.New().String(),
		TrajectoryID: trajectoryID,
		Kind:         domain.StepKindAgent,
		Message:      message,
		Thought:      thought,
		ToolCalls:    calls,
		Observation:  results,
	}
}

// respondArgument extracts the terminal response when the model emitted
// a respond call.
func respondArgument(resp *model.Response) (string, bool) {
	for _, call := range resp.ToolCalls {
		if call.Name != ToolNameRespond {
			continue
		}
		final, _ := call.Arguments["response"].(string)
		if final == "" {
			final = resp.Message
		}
		if final == "" {
			final = FallbackResponse
		}
		return final, true
	}
	return "", false
}

func emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
