// Package watch turns filesystem events into automation trigger
// firings. Cron-style scheduling stays external; this is the one
// trigger source the daemon hosts itself.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nstogner/aide/pkg/domain"
)

// Queuer admits trigger firings; satisfied by the automation executor.
type Queuer interface {
	QueueExecution(ctx context.Context, automationID string, trigger domain.TriggerData) (string, error)
}

// Watcher maps watched paths to automations and fires file_watch
// triggers on events.
type Watcher struct {
	fs    *fsnotify.Watcher
	queue Queuer

	mu      sync.RWMutex
	targets map[string]string // watched path → automation id
}

// New creates a Watcher.
func New(queue Queuer) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fs:      fs,
		queue:   queue,
		targets: make(map[string]string),
	}, nil
}

// Watch registers a path for an automation.
func (w *Watcher) Watch(path, automationID string) error {
	if err := w.fs.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	w.mu.Lock()
	w.targets[path] = automationID
	w.mu.Unlock()
	slog.Info("Watching path", "path", path, "automationID", automationID)
	return nil
}

// Run dispatches events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			slog.Error("Watcher error", "error", err)
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.dispatch(ctx, ev)
		}
	}
}

// Close stops the underlying watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) dispatch(ctx context.Context, ev fsnotify.Event) {
	automationID := w.lookup(ev.Name)
	if automationID == "" {
		return
	}

	trigger := domain.TriggerData{
		Type:    domain.TriggerFileWatch,
		FiredAt: time.Now(),
		Path:    ev.Name,
		Event:   ev.Op.String(),
	}
	executionID, err := w.queue.QueueExecution(ctx, automationID, trigger)
	if err != nil {
		slog.Error("Failed to queue file-watch execution",
			"automationID", automationID, "path", ev.Name, "error", err)
		return
	}
	if executionID == "" {
		// Rejected by admission (inactive, rate cap, or in flight);
		// the trigger source just moves on.
		return
	}
	slog.Info("File event queued execution",
		"automationID", automationID, "executionID", executionID, "event", ev.Op.String(), "path", ev.Name)
}

// lookup resolves the automation for an event path: exact match first,
// then the longest registered directory prefix.
func (w *Watcher) lookup(path string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if id, ok := w.targets[path]; ok {
		return id
	}
	var bestPath, bestID string
	for p, id := range w.targets {
		if len(p) > len(bestPath) && len(path) > len(p) && path[:len(p)] == p {
			bestPath, bestID = p, id
		}
	}
	return bestID
}
