package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/WoodrowLove/advisorygate/internal/adapter/otel"
	"github.com/WoodrowLove/advisorygate/internal/adapter/ws"
	"github.com/WoodrowLove/advisorygate/internal/config"
	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/approval"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
	"github.com/WoodrowLove/advisorygate/internal/port/database"
	"github.com/WoodrowLove/advisorygate/internal/port/notifier"
)

// HILService owns the human-in-the-loop approval workflow: it opens cases,
// applies responder decisions, and runs the SLA clock that escalates once
// and then expires.
type HILService struct {
	store       database.Store
	gw          *Gateway
	notifiers   *notifier.Registry
	hub         *ws.Hub
	metrics     *otel.Metrics
	cfg         config.HIL
	tokenSecret string
	now         func() time.Time
}

// NewHILService creates the approval service.
func NewHILService(store database.Store, gw *Gateway, notifiers *notifier.Registry, hub *ws.Hub, cfg config.HIL) *HILService {
	return &HILService{
		store:     store,
		gw:        gw,
		notifiers: notifiers,
		hub:       hub,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetMetrics attaches metric instruments. Optional; nil metrics are skipped.
func (s *HILService) SetMetrics(m *otel.Metrics) {
	s.metrics = m
}

// SetActionTokenSecret enables signed action tokens on outgoing
// notifications. Empty leaves tokens off.
func (s *HILService) SetActionTokenSecret(secret string) {
	s.tokenSecret = secret
}

// slaFor returns the review window for a priority.
func (s *HILService) slaFor(p request.Priority) time.Duration {
	switch p {
	case request.PriorityCritical:
		return s.cfg.SLACritical
	case request.PriorityHigh:
		return s.cfg.SLAHigh
	case request.PriorityLow:
		return s.cfg.SLALow
	default:
		return s.cfg.SLAStandard
	}
}

// OpenCase opens an approval case for a request. Idempotent per
// correlation id: a second open returns the existing case.
func (s *HILService) OpenCase(ctx context.Context, r *request.Request) (*approval.Case, error) {
	if existing, err := s.store.GetCaseByCorrelation(ctx, r.CorrelationID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	c := approval.New(uuid.NewString(), r.CorrelationID, r.Priority, s.gw.payloadHash(r), now, now.Add(s.slaFor(r.Priority)))

	if err := s.store.CreateCase(ctx, c); err != nil {
		// Unique correlation index: a concurrent open won.
		if existing, gerr := s.store.GetCaseByCorrelation(ctx, r.CorrelationID); gerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create case: %w", err)
	}

	s.gw.audit(ctx, c.CorrelationID, "case",
		fmt.Sprintf("case %s opened for %s, sla %s", c.ID, c.Priority, c.SLADeadline.Format(time.RFC3339)),
		c.InputHash, "system")
	if s.metrics != nil {
		s.metrics.CasesOpened.Add(ctx, 1)
	}

	s.notify(ctx, c, "approval_required")
	s.broadcastOpened(ctx, c)

	slog.Info("approval case opened",
		"case_id", c.ID,
		"correlation_id", c.CorrelationID,
		"priority", c.Priority,
		"sla_deadline", c.SLADeadline,
	)
	return c, nil
}

// GetCase returns a case by id.
func (s *HILService) GetCase(ctx context.Context, id string) (*approval.Case, error) {
	return s.store.GetCase(ctx, id)
}

// ListCases returns cases filtered by status, newest first.
func (s *HILService) ListCases(ctx context.Context, status approval.Status, limit int) ([]approval.Case, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListCases(ctx, status, limit)
}

// ListOpen returns all non-terminal cases ordered by deadline.
func (s *HILService) ListOpen(ctx context.Context) ([]approval.Case, error) {
	return s.store.ListOpenCases(ctx)
}

// Acknowledge marks the case as seen by a responder.
func (s *HILService) Acknowledge(ctx context.Context, id, actor, reasoning string) (*approval.Case, error) {
	return s.transition(ctx, id, func(c *approval.Case) error {
		return c.Acknowledge(actor, reasoning, s.now())
	}, actor)
}

// Approve resolves the case in favor of the action.
func (s *HILService) Approve(ctx context.Context, id, actor, reasoning string) (*approval.Case, error) {
	return s.transition(ctx, id, func(c *approval.Case) error {
		return c.Approve(actor, reasoning, s.now())
	}, actor)
}

// Deny resolves the case against the action.
func (s *HILService) Deny(ctx context.Context, id, actor, reasoning string) (*approval.Case, error) {
	return s.transition(ctx, id, func(c *approval.Case) error {
		return c.Deny(actor, reasoning, s.now())
	}, actor)
}

// Escalate manually broadens the responder group ahead of the SLA clock.
func (s *HILService) Escalate(ctx context.Context, id, actor, reasoning string) (*approval.Case, error) {
	return s.transition(ctx, id, func(c *approval.Case) error {
		return c.Escalate(actor, reasoning, s.slaFor(c.Priority), s.now())
	}, actor)
}

// transition loads, mutates, and persists a case, then fans out the
// side effects of any terminal outcome. Idempotent transitions leave the
// version untouched and skip the store write.
func (s *HILService) transition(ctx context.Context, id string, mutate func(*approval.Case) error, actor string) (*approval.Case, error) {
	c, err := s.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}

	before := c.Version
	if err := mutate(c); err != nil {
		return nil, err
	}
	if c.Version == before {
		return c, nil
	}

	if err := s.store.UpdateCase(ctx, c); err != nil {
		return nil, err
	}

	s.afterTransition(ctx, c, actor)
	return c, nil
}

func (s *HILService) afterTransition(ctx context.Context, c *approval.Case, actor string) {
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventCaseUpdated, ws.CaseUpdatedEvent{
			CaseID:        c.ID,
			CorrelationID: c.CorrelationID,
			Status:        string(c.Status),
			Escalations:   c.Escalations,
		})
	}

	switch c.Status {
	case approval.StatusEscalated:
		if s.metrics != nil {
			s.metrics.SLABreaches.Add(ctx, 1)
		}
		s.gw.audit(ctx, c.CorrelationID, "case",
			fmt.Sprintf("case %s escalated to %s, deadline %s", c.ID, c.ResponderGroup, c.SLADeadline.Format(time.RFC3339)),
			c.InputHash, actor)
		s.notify(ctx, c, "escalated")
	case approval.StatusApproved, approval.StatusDenied, approval.StatusExpired:
		if c.Status == approval.StatusExpired {
			if s.metrics != nil {
				s.metrics.SLABreaches.Add(ctx, 1)
			}
			s.notify(ctx, c, "expired")
		}
		if s.gw != nil && s.gw.health != nil {
			s.gw.health.ObserveCaseOutcome(c.Escalations > 0 || c.Status == approval.StatusExpired)
		}
		s.gw.applyCaseOutcome(ctx, c, actor)
	}
}

// Run drives the SLA clock until ctx is canceled.
func (s *HILService) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()

	slog.Info("approval scheduler started", "tick", s.cfg.Tick)
	for {
		select {
		case <-ctx.Done():
			slog.Info("approval scheduler stopped")
			return
		case <-tick.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep applies the SLA ladder to every open case past its deadline:
// first breach escalates and extends once, second breach expires.
func (s *HILService) Sweep(ctx context.Context) {
	open, err := s.store.ListOpenCases(ctx)
	if err != nil {
		slog.Error("list open cases failed", "error", err)
		return
	}

	now := s.now()
	for i := range open {
		c := open[i]
		if now.Before(c.SLADeadline) {
			// Open cases are deadline-ordered; the rest are still in window.
			break
		}

		var terr error
		if c.Escalations == 0 {
			_, terr = s.transition(ctx, c.ID, func(c *approval.Case) error {
				return c.Escalate("system", "sla deadline breached", s.slaFor(c.Priority), now)
			}, "system")
		} else {
			_, terr = s.transition(ctx, c.ID, func(c *approval.Case) error {
				return c.Expire(now)
			}, "system")
		}
		if terr != nil && !errors.Is(terr, domain.ErrConflict) {
			slog.Error("sla sweep transition failed", "case_id", c.ID, "error", terr)
		}
	}
}

func (s *HILService) notify(ctx context.Context, c *approval.Case, kind string) {
	if s.notifiers == nil {
		return
	}
	s.notifiers.Broadcast(ctx, notifier.Event{
		CaseID:         c.ID,
		CorrelationID:  c.CorrelationID,
		Priority:       string(c.Priority),
		ResponderGroup: c.ResponderGroup,
		SLADeadline:    c.SLADeadline,
		Kind:           kind,
		ActionToken:    actionToken(s.tokenSecret, c.ID, c.CorrelationID),
	})
}

// actionToken signs (caseID, correlationID) so a notification recipient can
// act on a case without holding a caller API key. Empty secret disables it.
func actionToken(secret, caseID, correlationID string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(caseID))
	mac.Write([]byte{0})
	mac.Write([]byte(correlationID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *HILService) broadcastOpened(ctx context.Context, c *approval.Case) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventCaseOpened, ws.CaseOpenedEvent{
		CaseID:        c.ID,
		CorrelationID: c.CorrelationID,
		Priority:      string(c.Priority),
		SLADeadline:   c.SLADeadline,
	})
}
