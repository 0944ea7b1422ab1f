package confirm

import (
	"sync"

	"github.com/nstogner/aide/pkg/domain"
)

// outcome is the resolution of one parked confirmation.
type outcome struct {
	resp *domain.ConfirmationResponse
	err  error
}

// handle is one waiter parked in the registry. The channel is buffered
// so resolvers never block.
type handle struct {
	ch chan outcome
}

// registry is an explicit table of id → handle, guarded by a mutex.
// Resolve, reject, and cancel consume the handle; double resolution is
// a no-op.
type registry struct {
	mu      sync.Mutex
	handles map[string]*handle
}

func newRegistry() *registry {
	return &registry{handles: make(map[string]*handle)}
}

func (r *registry) add(id string) *handle {
	h := &handle{ch: make(chan outcome, 1)}
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
	return h
}

func (r *registry) take(id string) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	return h, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// resolve delivers a response to the waiter. Returns false when no
// live waiter exists (e.g. after a process restart).
func (r *registry) resolve(id string, resp *domain.ConfirmationResponse) bool {
	h, ok := r.take(id)
	if !ok {
		return false
	}
	h.ch <- outcome{resp: resp}
	return true
}

// reject fails the waiter with an error.
func (r *registry) reject(id string, err error) bool {
	h, ok := r.take(id)
	if !ok {
		return false
	}
	h.ch <- outcome{err: err}
	return true
}

// cancelAll rejects every parked waiter, e.g. when the owning
// connection drops.
func (r *registry) cancelAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, h := range r.handles {
		h.ch <- outcome{err: err}
		delete(r.handles, id)
	}
}
