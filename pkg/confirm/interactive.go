package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/aide/pkg/domain"
)

// ErrConnectionClosed is returned to waiters when the live connection
// backing an interactive gateway drops.
var ErrConnectionClosed = errors.New("connection closed")

// Preferences records pre-approved operation classes for one session.
// A request is materially identical to a prior one when its tool name
// and operation match. Automation runs never consult preferences.
type Preferences struct {
	mu      sync.Mutex
	allowed map[string]bool
}

func NewPreferences() *Preferences {
	return &Preferences{allowed: make(map[string]bool)}
}

func prefKey(toolName, operation string) string {
	return toolName + "\x00" + operation
}

// Allow pre-approves future requests for the given tool/operation pair.
func (p *Preferences) Allow(toolName, operation string) {
	p.mu.Lock()
	p.allowed[prefKey(toolName, operation)] = true
	p.mu.Unlock()
}

// Allowed reports whether the pair has been pre-approved.
func (p *Preferences) Allowed(toolName, operation string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowed[prefKey(toolName, operation)]
}

// Interactive is the in-memory gateway for live sessions. Requests are
// pushed to the client through the send function and resolved by
// Resolve when the client answers; the connection is the durability
// boundary.
type Interactive struct {
	reg   *registry
	send  func(*domain.ConfirmationRequest) error
	prefs *Preferences

	mu      sync.Mutex
	pending map[string]*domain.ConfirmationRequest
}

var _ Gateway = (*Interactive)(nil)

// NewInteractive creates a gateway bound to one live connection.
func NewInteractive(send func(*domain.ConfirmationRequest) error) *Interactive {
	return &Interactive{
		reg:     newRegistry(),
		send:    send,
		prefs:   NewPreferences(),
		pending: make(map[string]*domain.ConfirmationRequest),
	}
}

func (g *Interactive) RequestConfirmation(ctx context.Context, req *domain.ConfirmationRequest) (*domain.ConfirmationResponse, error) {
	if g.prefs.Allowed(req.Context.ToolName, req.Operation) {
		return &domain.ConfirmationResponse{
			RequestID: req.ID,
			OptionID:  req.DefaultOptionID,
			Approved:  true,
		}, nil
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	h := g.reg.add(req.ID)
	g.mu.Lock()
	g.pending[req.ID] = req
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	if err := g.send(req); err != nil {
		g.reg.remove(req.ID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		g.reg.remove(req.ID)
		return nil, ctx.Err()
	case <-timer.C:
		g.reg.remove(req.ID)
		return nil, ErrConfirmationTimeout
	case out := <-h.ch:
		return out.resp, out.err
	}
}

// Resolve delivers the client's answer. When the chosen option carries
// PersistPreference, the tool/operation pair is pre-approved for the
// rest of this session. Returns false when no waiter exists.
func (g *Interactive) Resolve(requestID string, resp *domain.ConfirmationResponse) bool {
	g.mu.Lock()
	req := g.pending[requestID]
	g.mu.Unlock()

	if resp.Approved && req != nil {
		for _, opt := range req.Options {
			if opt.ID == resp.OptionID && opt.PersistPreference {
				g.prefs.Allow(req.Context.ToolName, req.Operation)
			}
		}
	}
	return g.reg.resolve(requestID, resp)
}

// CancelAll fails every waiter; called when the connection drops.
func (g *Interactive) CancelAll() {
	g.reg.cancelAll(ErrConnectionClosed)
}
