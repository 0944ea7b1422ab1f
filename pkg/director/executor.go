package director

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nstogner/aide/pkg/confirm"
	"github.com/nstogner/aide/pkg/domain"
)

// DefaultMaxOutputChars is the ceiling on a single textual tool result.
const DefaultMaxOutputChars = 50000

var truncationMarker = regexp.MustCompile(`\[Output truncated: showing first \d+ of \d+ characters\]$`)

// ToolExecutor dispatches one iteration's tool calls. Sibling calls run
// concurrently; a failure in one call becomes its own error-content
// result and never aborts the others.
type ToolExecutor struct {
	registry Registry
	gateway  confirm.Gateway
	policy   Policy
	maxChars int
}

// NewToolExecutor creates an executor. gateway may be nil when policy
// is nil. maxChars <= 0 falls back to DefaultMaxOutputChars.
func NewToolExecutor(registry Registry, gateway confirm.Gateway, policy Policy, maxChars int) *ToolExecutor {
	if maxChars <= 0 {
		maxChars = DefaultMaxOutputChars
	}
	return &ToolExecutor{
		registry: registry,
		gateway:  gateway,
		policy:   policy,
		maxChars: maxChars,
	}
}

// Execute runs all calls and returns exactly one result per call,
// matched by SourceCallID. The only errors returned are run-level:
// confirmation timeout, a dropped confirmation channel, or context
// cancellation.
func (e *ToolExecutor) Execute(ctx context.Context, calls []domain.ToolCall) ([]domain.ToolResult, error) {
	results := make([]domain.ToolResult, len(calls))

	var mu sync.Mutex
	var runErr error

	g := new(errgroup.Group)
	for i, call := range calls {
		g.Go(func() error {
			res, err := e.runCall(ctx, call)
			if err != nil {
				mu.Lock()
				if runErr == nil {
					runErr = err
				}
				mu.Unlock()
				res = domain.ToolResult{
					SourceCallID: call.ID,
					Content:      domain.TextContent(fmt.Sprintf("Error: %v", err)),
				}
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	if runErr != nil {
		return nil, runErr
	}
	return results, nil
}

func (e *ToolExecutor) runCall(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	if e.policy != nil {
		if req := e.policy(call); req != nil {
			resp, err := e.gateway.RequestConfirmation(ctx, req)
			if err != nil {
				// Gateway failures (timeout, dropped connection,
				// cancellation) are run-level, not per-call.
				return domain.ToolResult{}, err
			}
			if !resp.Approved {
				slog.Info("Tool call denied by confirmation", "tool", call.Name, "callID", call.ID)
				return domain.ToolResult{
					SourceCallID: call.ID,
					Content: domain.TextContent(fmt.Sprintf(
						"Denied: the user declined confirmation for %s; the tool was not executed.", call.Name)),
				}, nil
			}
		}
	}

	handler, ok := e.registry.Lookup(call.Name)
	if !ok {
		return domain.ToolResult{
			SourceCallID: call.ID,
			Content:      domain.TextContent(fmt.Sprintf("Error: unknown tool %q", call.Name)),
		}, nil
	}

	items, err := handler.Run(ctx, call.Arguments)
	if err != nil {
		return domain.ToolResult{
			SourceCallID: call.ID,
			Content:      domain.TextContent(fmt.Sprintf("Error: %v", err)),
		}, nil
	}

	// Bound textual output; image and other items pass through
	// untouched regardless of size.
	for i, item := range items {
		if item.Type == domain.ContentText {
			items[i].Text = truncateText(item.Text, e.maxChars)
		}
	}

	return domain.ToolResult{SourceCallID: call.ID, Content: items}, nil
}

// truncateText bounds s to ceiling characters, appending a marker that
// states the original length. Idempotent: already-truncated text is
// returned unchanged.
func truncateText(s string, ceiling int) string {
	if len(s) <= ceiling || truncationMarker.MatchString(s) {
		return s
	}
	return s[:ceiling] + fmt.Sprintf("\n[Output truncated: showing first %d of %d characters]", ceiling, len(s))
}
