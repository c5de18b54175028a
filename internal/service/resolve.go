package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WoodrowLove/advisorygate/internal/adapter/ws"
	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/approval"
	"github.com/WoodrowLove/advisorygate/internal/domain/decision"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
	"github.com/WoodrowLove/advisorygate/internal/port/messagequeue"
)

// Deliver accepts an advisory response arriving on the push path (the
// backend's HTTP callback or the NATS responses subject). Push and pull
// converge on the same resolve step, so a response duplicated across
// paths resolves exactly once.
func (g *Gateway) Deliver(ctx context.Context, adv *request.AdvisoryResponse) error {
	if adv.CorrelationID == "" {
		return fmt.Errorf("delivery without correlation id: %w", domain.ErrValidation)
	}
	if adv.Confidence < 0 || adv.Confidence > 1 {
		return fmt.Errorf("delivery confidence out of range: %w", domain.ErrValidation)
	}

	r, err := g.liveRequest(ctx, adv.CorrelationID)
	if err != nil {
		return err
	}

	// Only a response matching a known request is evidence the backend is
	// alive. The delivery callback may be reachable without HMAC, so a
	// forged correlation id must not count toward closing the breaker.
	g.breaker.RecordSuccess()
	if g.metrics != nil {
		g.metrics.Deliveries.Add(ctx, 1)
		g.metrics.BackendLatency.Record(ctx, float64(adv.LatencyMs)/1000)
	}
	if r == nil {
		return nil
	}
	return g.applyAdvisory(ctx, r, adv)
}

// HandleResponseMessage adapts Deliver to the message queue handler shape
// for the advisory.responses subscription.
func (g *Gateway) HandleResponseMessage(subject string, data []byte) error {
	var adv request.AdvisoryResponse
	if err := json.Unmarshal(data, &adv); err != nil {
		// Poison message; audit and drop rather than redeliver forever.
		g.audit(context.Background(), "", "discard", "unparseable response on "+subject, "", "system")
		return nil
	}
	err := g.Deliver(context.Background(), &adv)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
		return nil
	}
	return err
}

// resolveWithAdvisory runs the policy engine over a live advisory response
// and applies the outcome.
func (g *Gateway) resolveWithAdvisory(ctx context.Context, adv *request.AdvisoryResponse) error {
	r, err := g.liveRequest(ctx, adv.CorrelationID)
	if err != nil || r == nil {
		return err
	}
	return g.applyAdvisory(ctx, r, adv)
}

// liveRequest loads the request a response addresses. A late response for
// a terminal request returns (nil, nil): audited and dropped, never
// re-applied.
func (g *Gateway) liveRequest(ctx context.Context, correlationID string) (*request.Request, error) {
	r, err := g.store.GetRequest(ctx, correlationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			g.audit(ctx, correlationID, "discard", "response for unknown correlation id", "", "system")
		}
		return nil, err
	}
	if r.Status.Terminal() {
		g.audit(ctx, r.CorrelationID, "discard", "late response after "+string(r.Status), "", "system")
		slog.Info("late advisory response dropped", "correlation_id", r.CorrelationID, "status", r.Status)
		return nil, nil
	}
	return r, nil
}

// applyAdvisory runs the policy engine over a live advisory response.
func (g *Gateway) applyAdvisory(ctx context.Context, r *request.Request, adv *request.AdvisoryResponse) error {
	action, trace := g.rules.Current().Decide(decision.Context{
		Caller:      r.Caller,
		RequestType: r.Type,
		Payload:     r.Payload,
	}, adv, g.now())

	return g.applyOutcome(ctx, r, action, trace, request.StatusCompleted)
}

// ResolveFallback resolves a request without a usable advisory: breaker
// open at dispatch time, or deadline passed. The request goes terminal
// with the fallback action attached so polls always return an outcome.
func (g *Gateway) ResolveFallback(ctx context.Context, r *request.Request, timedOut bool) error {
	if timedOut {
		// A deadline passing without an answer counts as a backend failure,
		// the same as a refused connection would.
		g.breaker.RecordFailure()
	}

	snap := g.rules.Current()
	action, trace := snap.Decide(decision.Context{
		Caller:      r.Caller,
		RequestType: r.Type,
		Payload:     r.Payload,
		BreakerOpen: !timedOut,
		TimedOut:    timedOut,
	}, nil, g.now())

	status := request.StatusCompleted
	if timedOut {
		status = request.StatusExpired
	}
	if g.metrics != nil {
		g.metrics.Fallbacks.Add(ctx, 1)
	}
	return g.applyOutcome(ctx, r, action, trace, status)
}

// applyOutcome audits the decision path and either resolves the request
// or, when humans are required and the deadline has not forced an expiry,
// parks it behind a new approval case.
func (g *Gateway) applyOutcome(ctx context.Context, r *request.Request, action request.Action, trace decision.Trace, status request.Status) error {
	traceJSON, _ := json.Marshal(trace)
	g.audit(ctx, r.CorrelationID, "decision",
		fmt.Sprintf("%s via %s: %s", action.Type, action.Source, string(traceJSON)),
		g.payloadHash(r), "system")

	needsHumans := action.Type == request.ActionRequireApproval && g.hil != nil

	// A require-approval outcome on a live request does not resolve it;
	// the case's human decision (or its SLA expiry) does. An expired
	// request still goes terminal now, with a post-hoc case for review.
	if needsHumans && status != request.StatusExpired {
		if _, err := g.hil.OpenCase(ctx, r); err != nil {
			return fmt.Errorf("open approval case for %s: %w", r.CorrelationID, err)
		}
		return nil
	}

	err := g.store.ResolveRequest(ctx, r.CorrelationID, status, &action, r.Version)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another path resolved it first; that outcome stands.
			g.audit(ctx, r.CorrelationID, "discard", "lost resolve race", "", "system")
			return nil
		}
		return fmt.Errorf("resolve %s: %w", r.CorrelationID, err)
	}

	if g.metrics != nil {
		g.metrics.ResolveLatency.Record(ctx, g.now().Sub(r.SubmittedAt).Seconds())
	}
	if g.health != nil {
		g.health.ObserveResolveLatency(g.now().Sub(r.SubmittedAt))
	}

	if needsHumans {
		if _, err := g.hil.OpenCase(ctx, r); err != nil {
			slog.Error("open post-hoc approval case failed", "correlation_id", r.CorrelationID, "error", err)
		}
	}

	if g.hub != nil {
		g.hub.BroadcastEvent(ctx, ws.EventRequestResolved, ws.RequestResolvedEvent{
			CorrelationID: r.CorrelationID,
			Status:        string(status),
			Action:        string(action.Type),
			Source:        string(action.Source),
		})
	}

	slog.Info("request resolved",
		"correlation_id", r.CorrelationID,
		"status", status,
		"action", action.Type,
		"source", action.Source,
	)
	return nil
}

// applyCaseOutcome maps a terminal approval case back onto its request.
// Approval proceeds, denial blocks, expiry holds conservatively. When the
// request is already terminal only the audit trail records the human
// outcome; a terminal action is never rewritten.
func (g *Gateway) applyCaseOutcome(ctx context.Context, c *approval.Case, actor string) {
	var (
		actionType request.ActionType
		source     request.Source
		status     request.Status
		reason     string
	)
	switch c.Status {
	case approval.StatusApproved:
		actionType, source, status = request.ActionProceed, request.SourceRules, request.StatusCompleted
		reason = "approved by " + actor
	case approval.StatusDenied:
		actionType, source, status = request.ActionBlock, request.SourceRules, request.StatusCompleted
		reason = "denied by " + actor
	case approval.StatusExpired:
		actionType, source, status = request.ActionHold, request.SourceFallback, request.StatusExpired
		reason = "approval window expired"
	default:
		return
	}

	g.audit(ctx, c.CorrelationID, "case",
		fmt.Sprintf("case %s %s: %s", c.ID, c.Status, reason), c.InputHash, actor)

	r, err := g.store.GetRequest(ctx, c.CorrelationID)
	if err != nil {
		slog.Error("case outcome: request lookup failed", "correlation_id", c.CorrelationID, "error", err)
		return
	}
	if r.Status.Terminal() {
		return
	}

	action := request.Action{
		Type:        actionType,
		Reason:      reason,
		Confidence:  1,
		Source:      source,
		RuleVersion: g.rules.Current().Version,
		DecidedAt:   g.now(),
	}
	if err := g.store.ResolveRequest(ctx, c.CorrelationID, status, &action, r.Version); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			slog.Error("case outcome: resolve failed", "correlation_id", c.CorrelationID, "error", err)
		}
		return
	}

	if g.hub != nil {
		g.hub.BroadcastEvent(ctx, ws.EventRequestResolved, ws.RequestResolvedEvent{
			CorrelationID: c.CorrelationID,
			Status:        string(status),
			Action:        string(actionType),
			Source:        string(source),
		})
	}
}

// DispatchPayload is the message published to the backend per request.
type DispatchPayload struct {
	CorrelationID string           `json:"correlation_id"`
	Type          string           `json:"request_type"`
	Priority      request.Priority `json:"priority"`
	Payload       request.Payload  `json:"payload"`
	DeadlineUnix  int64            `json:"deadline_unix"`
}

// dispatchSubject returns the per-type NATS subject for a request.
func dispatchSubject(requestType string) string {
	return messagequeue.SubjectDispatch + "." + requestType
}
