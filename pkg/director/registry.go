package director

import (
	"context"
	"sync"

	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/model"
)

// Handler executes one tool call. Implementations live outside the
// core; errors are converted to error content, never propagated.
type Handler interface {
	Run(ctx context.Context, args map[string]any) ([]domain.ContentItem, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args map[string]any) ([]domain.ContentItem, error)

func (f HandlerFunc) Run(ctx context.Context, args map[string]any) ([]domain.ContentItem, error) {
	return f(ctx, args)
}

// Registry maps tool names to handlers and declares their specs to the
// model.
type Registry interface {
	Lookup(name string) (Handler, bool)
	Specs() []model.ToolSpec
}

// Policy classifies which tool calls require confirmation. Returning
// nil means the call dispatches without approval; otherwise the
// returned request is raised through the gateway before dispatch.
type Policy func(call domain.ToolCall) *domain.ConfirmationRequest

// StaticRegistry is a mutex-guarded name→handler table.
type StaticRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	specs    []model.ToolSpec
}

var _ Registry = (*StaticRegistry)(nil)

func NewRegistry() *StaticRegistry {
	return &StaticRegistry{handlers: make(map[string]Handler)}
}

// Register adds a tool. Re-registering a name replaces its handler but
// keeps the first spec.
func (r *StaticRegistry) Register(spec model.ToolSpec, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[spec.Name]; !exists {
		r.specs = append(r.specs, spec)
	}
	r.handlers[spec.Name] = h
}

func (r *StaticRegistry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *StaticRegistry) Specs() []model.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolSpec, len(r.specs))
	copy(out, r.specs)
	return out
}
