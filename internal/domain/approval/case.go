// Package approval defines the human-in-the-loop approval case: a timed
// review window with an SLA deadline, a bounded escalation ladder, and an
// append-only audit bundle covering every transition.
package approval

import (
	"fmt"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
)

// Status is the lifecycle state of an ApprovalCase.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusApproved     Status = "approved"
	StatusDenied       Status = "denied"
	StatusEscalated    Status = "escalated"
	StatusExpired      Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// AuditEntry is one immutable record in a case's audit bundle.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Actor     string    `json:"actor"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	InputHash string    `json:"input_hash"`
	Path      string    `json:"path"`
	Reasoning string    `json:"reasoning,omitempty"`
}

// Case is a pending human approval tied to one correlation id.
// All mutations go through the transition methods, which append to the
// audit bundle; the bundle itself is append-only.
type Case struct {
	ID             string           `json:"id"`
	CorrelationID  string           `json:"correlation_id"`
	Priority       request.Priority `json:"priority"`
	CreatedAt      time.Time        `json:"created_at"`
	SLADeadline    time.Time        `json:"sla_deadline"`
	Status         Status           `json:"status"`
	Escalations    int              `json:"escalations"`
	ResponderGroup string           `json:"responder_group"`
	InputHash      string           `json:"input_hash"`
	Version        int64            `json:"version"`
	Audit          []AuditEntry     `json:"audit"`
}

// Responder groups, broadened on the first SLA breach.
const (
	GroupPrimary   = "approvers"
	GroupEscalated = "approvers-extended"
)

// New opens a case for a correlation id with the SLA deadline already
// computed by the scheduler.
func New(id, correlationID string, priority request.Priority, inputHash string, now, deadline time.Time) *Case {
	c := &Case{
		ID:             id,
		CorrelationID:  correlationID,
		Priority:       priority,
		CreatedAt:      now,
		SLADeadline:    deadline,
		Status:         StatusPending,
		ResponderGroup: GroupPrimary,
		InputHash:      inputHash,
	}
	c.append(now, "system", "", StatusPending, "case opened", "")
	return c
}

// Acknowledge marks the case as seen by a responder. Idempotent; rejected
// once the case is terminal.
func (c *Case) Acknowledge(actor, reasoning string, now time.Time) error {
	if c.Status == StatusAcknowledged {
		return nil
	}
	if c.Status.Terminal() {
		return c.terminalErr("acknowledge")
	}
	if c.Status != StatusPending {
		return fmt.Errorf("acknowledge from %s: %w", c.Status, domain.ErrConflict)
	}
	c.move(StatusAcknowledged, actor, "acknowledged", reasoning, now)
	return nil
}

// Approve resolves the case in favor of the action. Idempotent on an
// already-approved case; rejected on any other terminal status.
func (c *Case) Approve(actor, reasoning string, now time.Time) error {
	if c.Status == StatusApproved {
		return nil
	}
	if c.Status.Terminal() {
		return c.terminalErr("approve")
	}
	c.move(StatusApproved, actor, "approved", reasoning, now)
	return nil
}

// Deny resolves the case against the action. Idempotent on an
// already-denied case; rejected on any other terminal status.
func (c *Case) Deny(actor, reasoning string, now time.Time) error {
	if c.Status == StatusDenied {
		return nil
	}
	if c.Status.Terminal() {
		return c.terminalErr("deny")
	}
	c.move(StatusDenied, actor, "denied", reasoning, now)
	return nil
}

// Escalate broadens the responder group and extends the deadline by
// extend. A case escalates at most once; later breaches expire it.
// Idempotent when already escalated.
func (c *Case) Escalate(actor, reasoning string, extend time.Duration, now time.Time) error {
	if c.Status == StatusEscalated {
		return nil
	}
	if c.Status.Terminal() {
		return c.terminalErr("escalate")
	}
	c.Escalations++
	c.ResponderGroup = GroupEscalated
	c.SLADeadline = c.SLADeadline.Add(extend)
	c.move(StatusEscalated, actor, "sla breach; responder group broadened, deadline extended once", reasoning, now)
	return nil
}

// Expire closes the case after its final SLA breach. The conservative
// default action is applied by the gateway, not here.
func (c *Case) Expire(now time.Time) error {
	if c.Status == StatusExpired {
		return nil
	}
	if c.Status.Terminal() {
		return c.terminalErr("expire")
	}
	c.move(StatusExpired, "system", "second sla breach; conservative default applied", "", now)
	return nil
}

func (c *Case) move(to Status, actor, path, reasoning string, now time.Time) {
	from := c.Status
	c.Status = to
	c.Version++
	c.append(now, actor, from, to, path, reasoning)
}

func (c *Case) append(now time.Time, actor string, from, to Status, path, reasoning string) {
	c.Audit = append(c.Audit, AuditEntry{
		At:        now,
		Actor:     actor,
		From:      from,
		To:        to,
		InputHash: c.InputHash,
		Path:      path,
		Reasoning: reasoning,
	})
}

func (c *Case) terminalErr(op string) error {
	return fmt.Errorf("%s case %s in status %s: %w", op, c.ID, c.Status, domain.ErrTerminal)
}
