package director

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/model"
)

// fakeCaller returns scripted responses in order. A nil response entry
// paired with an error simulates a provider failure.
type fakeCaller struct {
	mu       sync.Mutex
	script   []scriptEntry
	requests []*model.Request
}

type scriptEntry struct {
	resp *model.Response
	err  error
}

func (c *fakeCaller) Call(_ context.Context, req *model.Request) (*model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.script) == 0 {
		return nil, errors.New("fakeCaller: script exhausted")
	}
	entry := c.script[0]
	c.script = c.script[1:]
	return entry.resp, entry.err
}

func respondWith(text string) *model.Response {
	return &model.Response{
		ToolCalls: []domain.ToolCall{{
			ID:        "call-respond",
			Name:      ToolNameRespond,
			Arguments: map[string]any{"response": text},
		}},
	}
}

type stepCollector struct {
	mu    sync.Mutex
	steps []domain.Step
}

func (c *stepCollector) append(_ context.Context, step *domain.Step) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, *step)
	return nil
}

// drain consumes the event stream and returns the terminal event.
func drain(t *testing.T, events <-chan Event) Event {
	t.Helper()
	for ev := range events {
		if ev.Done {
			return ev
		}
	}
	t.Fatal("event stream closed without a Done event")
	return Event{}
}

func newTestDirector(caller model.Caller, reg Registry, opts Options) *Director {
	if reg == nil {
		reg = NewRegistry()
	}
	return New(caller, reg, opts)
}

func TestRunRespondIsTerminal(t *testing.T) {
	caller := &fakeCaller{script: []scriptEntry{{resp: respondWith("all done")}}}
	d := newTestDirector(caller, nil, Options{})
	collector := &stepCollector{}

	final := drain(t, d.Run(context.Background(), RunInput{
		TrajectoryID: "traj-1",
		Append:       collector.append,
	}))
	if final.Err != nil {
		t.Fatalf("run failed: %v", final.Err)
	}
	if final.Response != "all done" {
		t.Errorf("Response = %q, want all done", final.Response)
	}
	if final.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", final.Iterations)
	}
	if len(collector.steps) != 1 {
		t.Fatalf("appended %d steps, want 1", len(collector.steps))
	}
	if collector.steps[0].Message != "all done" || collector.steps[0].Kind != domain.StepKindAgent {
		t.Errorf("final step = %+v", collector.steps[0])
	}
	if len(caller.script) != 0 {
		t.Errorf("model was not re-called after respond, but script has %d leftover entries", len(caller.script))
	}
}

func TestRunToolCallThenRespond(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.ToolSpec{Name: "search"}, HandlerFunc(func(context.Context, map[string]any) ([]domain.ContentItem, error) {
		return domain.TextContent("found it"), nil
	}))

	caller := &fakeCaller{script: []scriptEntry{
		{resp: &model.Response{
			Thought:   "need to look this up",
			ToolCalls: []domain.ToolCall{{ID: "c1", Name: "search", Arguments: map[string]any{"q": "x"}}},
		}},
		{resp: respondWith("here is the answer")},
	}}
	d := newTestDirector(caller, reg, Options{})
	collector := &stepCollector{}

	final := drain(t, d.Run(context.Background(), RunInput{
		TrajectoryID: "traj-1",
		Append:       collector.append,
	}))
	if final.Err != nil {
		t.Fatalf("run failed: %v", final.Err)
	}
	if final.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", final.Iterations)
	}
	if len(collector.steps) != 2 {
		t.Fatalf("appended %d steps, want 2", len(collector.steps))
	}

	// The tool call and its observation land in the same step.
	toolStep := collector.steps[0]
	if len(toolStep.ToolCalls) != 1 || toolStep.ToolCalls[0].Name != "search" {
		t.Errorf("tool step calls = %+v", toolStep.ToolCalls)
	}
	if len(toolStep.Observation) != 1 || domain.JoinText(toolStep.Observation[0].Content) != "found it" {
		t.Errorf("tool step observation = %+v", toolStep.Observation)
	}
	if toolStep.Observation[0].SourceCallID != "c1" {
		t.Errorf("observation SourceCallID = %q, want c1", toolStep.Observation[0].SourceCallID)
	}
}

func TestRunFallbackAfterIterationCap(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.ToolSpec{Name: "spin"}, HandlerFunc(func(context.Context, map[string]any) ([]domain.ContentItem, error) {
		return domain.TextContent("still spinning"), nil
	}))

	// The model never emits respond.
	spin := func() scriptEntry {
		return scriptEntry{resp: &model.Response{
			ToolCalls: []domain.ToolCall{{ID: "c", Name: "spin"}},
		}}
	}
	caller := &fakeCaller{script: []scriptEntry{spin(), spin(), spin()}}
	d := newTestDirector(caller, reg, Options{})
	collector := &stepCollector{}

	final := drain(t, d.Run(context.Background(), RunInput{
		TrajectoryID:  "traj-1",
		MaxIterations: 3,
		Append:        collector.append,
	}))
	if final.Err != nil {
		t.Fatalf("run failed: %v", final.Err)
	}
	if final.Response != FallbackResponse {
		t.Errorf("Response = %q, want fallback", final.Response)
	}
	if final.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", final.Iterations)
	}
	// Three tool steps plus the synthesized fallback step.
	if len(collector.steps) != 4 {
		t.Fatalf("appended %d steps, want 4", len(collector.steps))
	}
	last := collector.steps[3]
	if last.Message != FallbackResponse || len(last.ToolCalls) != 0 {
		t.Errorf("fallback step = %+v", last)
	}
}

func TestRunMalformedOutputNotPersisted(t *testing.T) {
	caller := &fakeCaller{script: []scriptEntry{
		{resp: &model.Response{}}, // no calls, no message, no thought
		{resp: respondWith("recovered")},
	}}
	d := newTestDirector(caller, nil, Options{})
	collector := &stepCollector{}

	events := d.Run(context.Background(), RunInput{TrajectoryID: "traj-1", Append: collector.append})

	var sawWarning bool
	var final Event
	for ev := range events {
		if ev.Iteration != nil && ev.Iteration.Warning != "" {
			sawWarning = true
		}
		if ev.Done {
			final = ev
		}
	}
	if final.Err != nil {
		t.Fatalf("run failed: %v", final.Err)
	}
	if !sawWarning {
		t.Error("expected a warning event for the malformed iteration")
	}
	if final.Response != "recovered" {
		t.Errorf("Response = %q", final.Response)
	}
	// Only the final respond step is persisted.
	if len(collector.steps) != 1 {
		t.Errorf("appended %d steps, want 1", len(collector.steps))
	}
}

func TestRunModelErrorPropagates(t *testing.T) {
	caller := &fakeCaller{script: []scriptEntry{{err: errors.New("quota exceeded")}}}
	d := newTestDirector(caller, nil, Options{})
	collector := &stepCollector{}

	final := drain(t, d.Run(context.Background(), RunInput{TrajectoryID: "traj-1", Append: collector.append}))
	if final.Err == nil || !strings.Contains(final.Err.Error(), "quota exceeded") {
		t.Fatalf("Err = %v, want model error", final.Err)
	}
	if len(collector.steps) != 0 {
		t.Errorf("appended %d steps, want 0", len(collector.steps))
	}
}

func TestRunDeniedConfirmationContinuesLoop(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.ToolSpec{Name: "file_delete"}, HandlerFunc(func(context.Context, map[string]any) ([]domain.ContentItem, error) {
		t.Error("denied tool must not run")
		return nil, nil
	}))

	caller := &fakeCaller{script: []scriptEntry{
		{resp: &model.Response{ToolCalls: []domain.ToolCall{{ID: "c1", Name: "file_delete"}}}},
		{resp: respondWith("okay, leaving the file alone")},
	}}
	d := newTestDirector(caller, reg, Options{
		Policy: func(call domain.ToolCall) *domain.ConfirmationRequest {
			return &domain.ConfirmationRequest{Operation: "delete"}
		},
	})
	collector := &stepCollector{}

	final := drain(t, d.Run(context.Background(), RunInput{
		TrajectoryID: "traj-1",
		Gateway:      &fakeGateway{approved: false},
		Append:       collector.append,
	}))
	if final.Err != nil {
		t.Fatalf("run failed: %v", final.Err)
	}
	if final.Response != "okay, leaving the file alone" {
		t.Errorf("Response = %q", final.Response)
	}
	// The denial is recorded as an observation the model can see.
	if len(collector.steps) != 2 {
		t.Fatalf("appended %d steps, want 2", len(collector.steps))
	}
	if got := domain.JoinText(collector.steps[0].Observation[0].Content); !strings.Contains(got, "Denied") {
		t.Errorf("denial observation = %q", got)
	}
}

func TestContextWindowStartsAtCompaction(t *testing.T) {
	steps := []domain.Step{
		{ID: "1", Kind: domain.StepKindUser, Message: "old question"},
		{ID: "2", Kind: domain.StepKindAgent, Message: "old answer"},
		{ID: "3", Kind: domain.StepKindAgent, Message: "summary so far", Compaction: true},
		{ID: "4", Kind: domain.StepKindUser, Message: "new question"},
	}
	window := contextWindow(steps)
	if len(window) != 2 || window[0].ID != "3" {
		t.Fatalf("window = %+v, want steps 3..4", window)
	}

	// No compaction step: the whole trajectory is the window.
	if got := contextWindow(steps[:2]); len(got) != 2 {
		t.Errorf("window without compaction = %d steps, want 2", len(got))
	}
}

func TestMaybeCompactAppendsSummaryStep(t *testing.T) {
	caller := &fakeCaller{script: []scriptEntry{
		{resp: &model.Response{Message: "dense summary of the conversation"}},
	}}
	d := newTestDirector(caller, nil, Options{ContextTokenLimit: 100, CompactionThreshold: 0.5})

	var steps []domain.Step
	for i := 0; i < 12; i++ {
		steps = append(steps, domain.Step{
			Kind:    domain.StepKindAgent,
			Message: strings.Repeat("words ", 20),
		})
	}
	collector := &stepCollector{}

	if err := d.MaybeCompact(context.Background(), "traj-1", steps, collector.append); err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if len(collector.steps) != 1 {
		t.Fatalf("appended %d steps, want 1 compaction step", len(collector.steps))
	}
	got := collector.steps[0]
	if !got.Compaction || got.Message != "dense summary of the conversation" {
		t.Errorf("compaction step = %+v", got)
	}
}

func TestMaybeCompactSkipsShortWindows(t *testing.T) {
	caller := &fakeCaller{}
	d := newTestDirector(caller, nil, Options{ContextTokenLimit: 1, CompactionThreshold: 0.1})

	steps := []domain.Step{{Kind: domain.StepKindUser, Message: strings.Repeat("x", 1000)}}
	collector := &stepCollector{}

	if err := d.MaybeCompact(context.Background(), "traj-1", steps, collector.append); err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if len(caller.requests) != 0 {
		t.Errorf("model was called for a window below the minimum size")
	}
	if len(collector.steps) != 0 {
		t.Errorf("appended %d steps, want 0", len(collector.steps))
	}
}
