package director

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/model"
)

// contextWindow bounds the model input: it scans backward for the most
// recent compaction step and starts the window there, inclusive. The
// full history stays in the store for audit.
func contextWindow(steps []domain.Step) []domain.Step {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Compaction {
			return steps[i:]
		}
	}
	return steps
}

// buildMessages converts trajectory steps to the provider-agnostic
// message list. Observation items keep their typed form; the provider
// adapter converts images at the call boundary.
func buildMessages(steps []domain.Step) []model.Message {
	var messages []model.Message
	for _, step := range steps {
		switch step.Kind {
		case domain.StepKindUser:
			messages = append(messages, model.Message{
				Role:    model.RoleUser,
				Content: []model.Content{{Type: "text", Text: step.Message}},
			})

		case domain.StepKindAgent:
			var content []model.Content
			if step.Message != "" {
				content = append(content, model.Content{Type: "text", Text: step.Message})
			}
			for i := range step.ToolCalls {
				content = append(content, model.Content{Type: "tool_call", ToolCall: &step.ToolCalls[i]})
			}
			if len(content) > 0 {
				messages = append(messages, model.Message{Role: model.RoleAssistant, Content: content})
			}

			if len(step.Observation) > 0 {
				var results []model.Content
				for i := range step.Observation {
					results = append(results, model.Content{Type: "tool_result", ToolResult: &step.Observation[i]})
				}
				messages = append(messages, model.Message{Role: model.RoleTool, Content: results})
			}
		}
	}
	return messages
}

// estimateTokens approximates at ~4 chars per token.
func estimateTokens(steps []domain.Step) int {
	chars := 0
	for _, step := range steps {
		chars += len(step.Message) + len(step.Thought)
		for _, call := range step.ToolCalls {
			chars += len(fmt.Sprint(call.Arguments))
		}
		for _, result := range step.Observation {
			for _, item := range result.Content {
				chars += len(item.Text) + len(item.Data)
			}
		}
	}
	return chars / 4
}

const compactionPrompt = "You are summarizing a conversation history for context compaction. " +
	"Create a dense, comprehensive summary of the following conversation that preserves:\n" +
	"- Key decisions and outcomes\n" +
	"- Important actions that were taken and their results\n" +
	"- Current state of any ongoing tasks\n" +
	"- Any instructions or preferences the user expressed\n\n" +
	"Be thorough but concise. This summary will replace the original messages.\n\n" +
	"CONVERSATION TO SUMMARIZE:\n"

// MaybeCompact appends a compaction summary step when the current
// context window exceeds the configured threshold. Older steps remain
// in the store; only the model-input window shrinks.
func (d *Director) MaybeCompact(ctx context.Context, trajectoryID string, steps []domain.Step, appendStep func(context.Context, *domain.Step) error) error {
	window := contextWindow(steps)
	if len(window) < 10 {
		// Don't bother compacting very short windows.
		return nil
	}

	estimated := estimateTokens(window)
	if float64(estimated) < float64(d.opts.ContextTokenLimit)*d.opts.CompactionThreshold {
		return nil
	}

	// Summarize the older half; the newer half stays verbatim after
	// the summary boundary. Steps are self-contained (a call and its
	// observation share one step), so any split point is safe.
	splitIdx := len(window) / 2
	if splitIdx < 2 {
		return nil
	}

	slog.Info("Trajectory compaction triggered",
		"trajectoryID", trajectoryID,
		"estimatedTokens", estimated,
		"limit", d.opts.ContextTokenLimit,
		"threshold", d.opts.CompactionThreshold,
	)

	var sb strings.Builder
	sb.WriteString(compactionPrompt)
	for _, step := range window[:splitIdx] {
		sb.WriteString(fmt.Sprintf("[%s] %s\n", step.Kind, renderStep(step)))
	}

	resp, err := d.caller.Call(ctx, &model.Request{
		System: "You are a conversation summarizer.",
		Messages: []model.Message{{
			Role:    model.RoleUser,
			Content: []model.Content{{Type: "text", Text: sb.String()}},
		}},
	})
	if err != nil {
		return fmt.Errorf("calling model for compaction: %w", err)
	}
	if resp.Message == "" {
		return fmt.Errorf("model returned empty compaction summary")
	}

	return appendStep(ctx, &domain.Step{
		ID:           uuid.New().String(),
		TrajectoryID: trajectoryID,
		Kind:         domain.StepKindAgent,
		Message:      resp.Message,
		Compaction:   true,
	})
}

func renderStep(step domain.Step) string {
	var parts []string
	if step.Message != "" {
		parts = append(parts, step.Message)
	}
	for _, call := range step.ToolCalls {
		parts = append(parts, fmt.Sprintf("called %s(%v)", call.Name, call.Arguments))
	}
	for _, result := range step.Observation {
		if text := domain.JoinText(result.Content); text != "" {
			parts = append(parts, "result: "+text)
		}
	}
	return strings.Join(parts, " | ")
}
