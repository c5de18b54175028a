// Package notifier defines the notification port (interface) for
// approval-required events. Delivery is fire-and-forget: a failed channel
// never blocks or fails the gateway.
package notifier

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Event is the payload sent through a Notifier when a case needs humans.
type Event struct {
	CaseID         string    `json:"case_id"`
	CorrelationID  string    `json:"correlation_id"`
	Priority       string    `json:"priority"`
	ResponderGroup string    `json:"responder_group"`
	SLADeadline    time.Time `json:"sla_deadline"`
	Kind           string    `json:"kind"` // "approval_required", "escalated", "expired"
	// ActionToken authorizes a one-step approve/deny from the channel.
	ActionToken string `json:"action_token,omitempty"`
}

// Notifier is the port interface for sending approval events.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "log", "webhook").
	Name() string

	// Send delivers an event. Implementations must be safe to call
	// concurrently and should bound their own timeouts.
	Send(ctx context.Context, event Event) error
}
