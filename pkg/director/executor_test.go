package director

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/model"
)

// fakeGateway scripts one confirmation response (or error) per request.
type fakeGateway struct {
	mu       sync.Mutex
	approved bool
	err      error
	requests []*domain.ConfirmationRequest
}

func (g *fakeGateway) RequestConfirmation(ctx context.Context, req *domain.ConfirmationRequest) (*domain.ConfirmationResponse, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &domain.ConfirmationResponse{RequestID: req.ID, Approved: g.approved}, nil
}

func echoRegistry(t *testing.T) *StaticRegistry {
	t.Helper()
	reg := NewRegistry()
	reg.Register(model.ToolSpec{Name: "echo"}, HandlerFunc(func(_ context.Context, args map[string]any) ([]domain.ContentItem, error) {
		text, _ := args["text"].(string)
		return domain.TextContent(text), nil
	}))
	reg.Register(model.ToolSpec{Name: "boom"}, HandlerFunc(func(context.Context, map[string]any) ([]domain.ContentItem, error) {
		return nil, errors.New("handler exploded")
	}))
	return reg
}

func TestExecuteResultsMatchCalls(t *testing.T) {
	ex := NewToolExecutor(echoRegistry(t), nil, nil, 0)

	calls := []domain.ToolCall{
		{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "one"}},
		{ID: "c2", Name: "echo", Arguments: map[string]any{"text": "two"}},
		{ID: "c3", Name: "echo", Arguments: map[string]any{"text": "three"}},
	}
	results, err := ex.Execute(context.Background(), calls)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != len(calls) {
		t.Fatalf("got %d results, want %d", len(results), len(calls))
	}
	for i, res := range results {
		if res.SourceCallID != calls[i].ID {
			t.Errorf("result %d SourceCallID = %q, want %q", i, res.SourceCallID, calls[i].ID)
		}
	}
	if got := domain.JoinText(results[1].Content); got != "two" {
		t.Errorf("result 1 content = %q, want two", got)
	}
}

func TestExecuteFailureIsolation(t *testing.T) {
	ex := NewToolExecutor(echoRegistry(t), nil, nil, 0)

	results, err := ex.Execute(context.Background(), []domain.ToolCall{
		{ID: "c1", Name: "boom"},
		{ID: "c2", Name: "echo", Arguments: map[string]any{"text": "fine"}},
	})
	if err != nil {
		t.Fatalf("Execute: handler errors must not become run-level errors: %v", err)
	}
	if got := domain.JoinText(results[0].Content); !strings.Contains(got, "handler exploded") {
		t.Errorf("failed call content = %q, want handler error text", got)
	}
	if got := domain.JoinText(results[1].Content); got != "fine" {
		t.Errorf("sibling call content = %q, want fine", got)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	ex := NewToolExecutor(echoRegistry(t), nil, nil, 0)

	results, err := ex.Execute(context.Background(), []domain.ToolCall{{ID: "c1", Name: "no_such_tool"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := domain.JoinText(results[0].Content); !strings.Contains(got, "unknown tool") {
		t.Errorf("content = %q, want unknown tool error", got)
	}
}

func TestExecuteDeniedConfirmation(t *testing.T) {
	var invoked bool
	reg := NewRegistry()
	reg.Register(model.ToolSpec{Name: "file_delete"}, HandlerFunc(func(context.Context, map[string]any) ([]domain.ContentItem, error) {
		invoked = true
		return domain.TextContent("deleted"), nil
	}))

	policy := func(call domain.ToolCall) *domain.ConfirmationRequest {
		return &domain.ConfirmationRequest{Title: "Delete?", Operation: "delete"}
	}
	gw := &fakeGateway{approved: false}
	ex := NewToolExecutor(reg, gw, policy, 0)

	results, err := ex.Execute(context.Background(), []domain.ToolCall{{ID: "c1", Name: "file_delete"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if invoked {
		t.Error("denied tool handler was invoked")
	}
	if got := domain.JoinText(results[0].Content); !strings.Contains(got, "Denied") {
		t.Errorf("content = %q, want denial text", got)
	}
}

func TestExecuteApprovedConfirmation(t *testing.T) {
	policy := func(call domain.ToolCall) *domain.ConfirmationRequest {
		return &domain.ConfirmationRequest{Title: "Run?", Operation: "echo"}
	}
	gw := &fakeGateway{approved: true}
	ex := NewToolExecutor(echoRegistry(t), gw, policy, 0)

	results, err := ex.Execute(context.Background(), []domain.ToolCall{
		{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "after approval"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := domain.JoinText(results[0].Content); got != "after approval" {
		t.Errorf("content = %q", got)
	}
	if len(gw.requests) != 1 {
		t.Errorf("gateway saw %d requests, want 1", len(gw.requests))
	}
}

func TestExecuteGatewayErrorIsRunLevel(t *testing.T) {
	wantErr := errors.New("confirmation channel dropped")
	policy := func(call domain.ToolCall) *domain.ConfirmationRequest {
		return &domain.ConfirmationRequest{Operation: "echo"}
	}
	ex := NewToolExecutor(echoRegistry(t), &fakeGateway{err: wantErr}, policy, 0)

	_, err := ex.Execute(context.Background(), []domain.ToolCall{{ID: "c1", Name: "echo"}})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Execute err = %v, want %v", err, wantErr)
	}
}

func TestTruncateText(t *testing.T) {
	const ceiling = 100

	short := strings.Repeat("a", ceiling)
	if got := truncateText(short, ceiling); got != short {
		t.Errorf("text at ceiling must pass through unchanged")
	}

	long := strings.Repeat("b", ceiling+50)
	once := truncateText(long, ceiling)
	wantMarker := fmt.Sprintf("[Output truncated: showing first %d of %d characters]", ceiling, len(long))
	if !strings.HasSuffix(once, wantMarker) {
		t.Errorf("truncated text missing marker: %q", once)
	}
	if !strings.HasPrefix(once, strings.Repeat("b", ceiling)) {
		t.Errorf("truncated text does not keep the first %d chars", ceiling)
	}

	// Truncating again is a no-op.
	twice := truncateText(once, ceiling)
	if twice != once {
		t.Errorf("truncation is not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}
