package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/approval"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
)

// parkOne submits a request and parks it behind an approval case via a
// low-confidence advisory.
func parkOne(t *testing.T, gw *Gateway, store *fakeStore) (*request.Request, *approval.Case) {
	t.Helper()
	r := submitOne(t, gw, validInput())
	err := gw.Deliver(context.Background(), &request.AdvisoryResponse{
		CorrelationID:  r.CorrelationID,
		Confidence:     0.3,
		Recommendation: request.RecommendReview,
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	c, err := store.GetCaseByCorrelation(context.Background(), r.CorrelationID)
	if err != nil {
		t.Fatalf("no case opened: %v", err)
	}
	return r, c
}

func TestApproveResolvesRequest(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	hil := newTestHIL(store, gw)
	r, c := parkOne(t, gw, store)

	if _, err := hil.Acknowledge(context.Background(), c.ID, "alex", "taking a look"); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if _, err := hil.Approve(context.Background(), c.ID, "alex", "verified with desk"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	got, _ := gw.Poll(context.Background(), r.CorrelationID)
	if got.Status != request.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Action.Type != request.ActionProceed || got.Action.Source != request.SourceRules {
		t.Errorf("action = %+v, want proceed/rules", got.Action)
	}
}

func TestDenyBlocksRequest(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	hil := newTestHIL(store, gw)
	r, c := parkOne(t, gw, store)

	if _, err := hil.Deny(context.Background(), c.ID, "sam", "counterparty unverified"); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}

	got, _ := gw.Poll(context.Background(), r.CorrelationID)
	if got.Status != request.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Action.Type != request.ActionBlock {
		t.Errorf("action = %s, want block", got.Action.Type)
	}
}

func TestApproveIdempotent(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	hil := newTestHIL(store, gw)
	_, c := parkOne(t, gw, store)

	first, err := hil.Approve(context.Background(), c.ID, "alex", "ok")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	second, err := hil.Approve(context.Background(), c.ID, "alex", "ok again")
	if err != nil {
		t.Fatalf("repeat Approve() error = %v", err)
	}
	if second.Version != first.Version {
		t.Errorf("repeat approve bumped version %d -> %d", first.Version, second.Version)
	}
}

func TestDenyAfterApproveRejected(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	hil := newTestHIL(store, gw)
	_, c := parkOne(t, gw, store)

	if _, err := hil.Approve(context.Background(), c.ID, "alex", "ok"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if _, err := hil.Deny(context.Background(), c.ID, "sam", "no"); !errors.Is(err, domain.ErrTerminal) {
		t.Errorf("Deny() after approve: error = %v, want ErrTerminal", err)
	}
}

func TestSweepEscalatesThenExpires(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	hil := newTestHIL(store, gw)
	r, c := parkOne(t, gw, store)

	// First breach broadens the responder group and extends the window.
	hil.now = func() time.Time { return c.SLADeadline.Add(time.Second) }
	hil.Sweep(context.Background())

	escalated, _ := store.GetCase(context.Background(), c.ID)
	if escalated.Status != approval.StatusEscalated {
		t.Fatalf("case status = %s, want escalated", escalated.Status)
	}
	if escalated.Escalations != 1 {
		t.Errorf("escalations = %d, want 1", escalated.Escalations)
	}
	if escalated.ResponderGroup != approval.GroupEscalated {
		t.Errorf("responder group = %s, want %s", escalated.ResponderGroup, approval.GroupEscalated)
	}
	if !escalated.SLADeadline.After(c.SLADeadline) {
		t.Error("escalation did not extend the deadline")
	}

	// The request is still parked.
	if got, _ := gw.Poll(context.Background(), r.CorrelationID); got.Status.Terminal() {
		t.Fatalf("request resolved during escalation: %s", got.Status)
	}

	// Second breach expires the case and holds the request conservatively.
	hil.now = func() time.Time { return escalated.SLADeadline.Add(time.Second) }
	hil.Sweep(context.Background())

	expired, _ := store.GetCase(context.Background(), c.ID)
	if expired.Status != approval.StatusExpired {
		t.Fatalf("case status = %s, want expired", expired.Status)
	}

	got, _ := gw.Poll(context.Background(), r.CorrelationID)
	if got.Status != request.StatusExpired {
		t.Errorf("request status = %s, want expired", got.Status)
	}
	if got.Action.Type != request.ActionHold || got.Action.Source != request.SourceFallback {
		t.Errorf("action = %+v, want hold/fallback", got.Action)
	}
}

func TestSweepLeavesCasesInWindow(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	hil := newTestHIL(store, gw)
	_, c := parkOne(t, gw, store)

	hil.Sweep(context.Background())

	got, _ := store.GetCase(context.Background(), c.ID)
	if got.Status != approval.StatusPending {
		t.Errorf("case status = %s, want pending", got.Status)
	}
}

func TestActionToken(t *testing.T) {
	if got := actionToken("", "case-1", "corr-1"); got != "" {
		t.Errorf("token without secret = %q, want empty", got)
	}

	a := actionToken("secret", "case-1", "corr-1")
	if a == "" {
		t.Fatal("token with secret is empty")
	}
	if b := actionToken("secret", "case-1", "corr-1"); b != a {
		t.Errorf("token not deterministic: %q vs %q", a, b)
	}
	if c := actionToken("secret", "case-2", "corr-1"); c == a {
		t.Error("different cases produced the same token")
	}
	if d := actionToken("other", "case-1", "corr-1"); d == a {
		t.Error("different secrets produced the same token")
	}
}

func TestOpenCaseSLAByPriority(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	hil := newTestHIL(store, gw)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	hil.now = func() time.Time { return base }

	cases := []struct {
		priority request.Priority
		want     time.Duration
	}{
		{request.PriorityCritical, hil.cfg.SLACritical},
		{request.PriorityHigh, hil.cfg.SLAHigh},
		{request.PriorityStandard, hil.cfg.SLAStandard},
		{request.PriorityLow, hil.cfg.SLALow},
	}
	for _, tc := range cases {
		t.Run(string(tc.priority), func(t *testing.T) {
			in := validInput()
			in.IdempotencyKey = "key-" + string(tc.priority)
			in.Priority = tc.priority
			r := submitOne(t, gw, in)

			c, err := hil.OpenCase(context.Background(), r)
			if err != nil {
				t.Fatalf("OpenCase() error = %v", err)
			}
			if got := c.SLADeadline.Sub(base); got != tc.want {
				t.Errorf("sla window = %s, want %s", got, tc.want)
			}
		})
	}
}
