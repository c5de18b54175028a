package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Event type constants for WebSocket messages.
const (
	EventRequestResolved = "request.resolved"
	EventCaseOpened      = "case.opened"
	EventCaseUpdated     = "case.updated"
	EventBreakerState    = "breaker.state"
)

// RequestResolvedEvent is broadcast when a request reaches a terminal status.
type RequestResolvedEvent struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Action        string `json:"action"`
	Source        string `json:"source"`
}

// CaseOpenedEvent is broadcast when an approval case is opened for humans.
type CaseOpenedEvent struct {
	CaseID        string    `json:"case_id"`
	CorrelationID string    `json:"correlation_id"`
	Priority      string    `json:"priority"`
	SLADeadline   time.Time `json:"sla_deadline"`
}

// CaseUpdatedEvent is broadcast on acknowledge, decision, escalation, expiry.
type CaseUpdatedEvent struct {
	CaseID        string `json:"case_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Escalations   int    `json:"escalations"`
}

// BreakerStateEvent is broadcast when the backend circuit breaker transitions.
type BreakerStateEvent struct {
	State    string `json:"state"`
	Failures int    `json:"consecutive_failures"`
}

// BroadcastEvent marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
