package notifier

import (
	"context"
	"log/slog"
	"sync"
)

// Registry fans events out to every registered notifier. Send failures are
// logged and swallowed; the approval workflow never depends on a channel.
type Registry struct {
	mu        sync.RWMutex
	notifiers []Notifier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a notifier to the fan-out set.
func (r *Registry) Register(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers = append(r.notifiers, n)
}

// Broadcast sends the event to all notifiers, fire-and-forget.
func (r *Registry) Broadcast(ctx context.Context, event Event) {
	r.mu.RLock()
	targets := make([]Notifier, len(r.notifiers))
	copy(targets, r.notifiers)
	r.mu.RUnlock()

	for _, n := range targets {
		go func(n Notifier) {
			if err := n.Send(ctx, event); err != nil {
				slog.Warn("notifier send failed",
					"notifier", n.Name(),
					"case_id", event.CaseID,
					"error", err,
				)
			}
		}(n)
	}
}

// Len returns the number of registered notifiers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.notifiers)
}
