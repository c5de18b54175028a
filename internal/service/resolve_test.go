package service

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/WoodrowLove/advisorygate/internal/config"
	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/approval"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
	"github.com/WoodrowLove/advisorygate/internal/resilience"
)

// submitOne accepts a request and returns it for resolution tests.
func submitOne(t *testing.T, gw *Gateway, in SubmitInput) *request.Request {
	t.Helper()
	r, _, err := gw.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return r
}

func newTestHIL(store *fakeStore, gw *Gateway) *HILService {
	h := NewHILService(store, gw, nil, nil, config.Defaults().HIL)
	gw.SetApprovals(h)
	return h
}

func TestDeliverConfidentAdvisory(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	r := submitOne(t, gw, validInput())

	err := gw.Deliver(context.Background(), &request.AdvisoryResponse{
		CorrelationID:  r.CorrelationID,
		Confidence:     0.92,
		Recommendation: request.RecommendApprove,
		LatencyMs:      45,
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	got, _ := gw.Poll(context.Background(), r.CorrelationID)
	if got.Status != request.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Action == nil || got.Action.Type != request.ActionProceed || got.Action.Source != request.SourceAI {
		t.Errorf("action = %+v, want proceed/ai", got.Action)
	}
}

func TestDeliverLowConfidenceParksBehindCase(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	hil := newTestHIL(store, gw)
	r := submitOne(t, gw, validInput())

	err := gw.Deliver(context.Background(), &request.AdvisoryResponse{
		CorrelationID:  r.CorrelationID,
		Confidence:     0.4,
		Recommendation: request.RecommendApprove,
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	// The request is parked, not resolved; the human decision resolves it.
	got, _ := gw.Poll(context.Background(), r.CorrelationID)
	if got.Status.Terminal() {
		t.Fatalf("status = %s, want non-terminal while case is open", got.Status)
	}

	c, err := store.GetCaseByCorrelation(context.Background(), r.CorrelationID)
	if err != nil {
		t.Fatalf("no case opened: %v", err)
	}
	if c.Status != approval.StatusPending {
		t.Errorf("case status = %s, want pending", c.Status)
	}

	// A second open for the same correlation id returns the same case.
	again, err := hil.OpenCase(context.Background(), got)
	if err != nil {
		t.Fatalf("OpenCase() error = %v", err)
	}
	if again.ID != c.ID {
		t.Errorf("duplicate open created case %s, want %s", again.ID, c.ID)
	}
}

func TestDeliverUnknownCorrelationLeavesBreakerHalfOpen(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	gw.breaker = resilience.NewBreaker(1, 0, 1)

	gw.breaker.RecordFailure() // trips at one failure
	if err := gw.breaker.Allow(); err != nil {
		t.Fatalf("Allow() error = %v, want half-open admission", err)
	}

	// A delivery for a correlation id that was never issued must not
	// close the breaker: one half-open success would do it here.
	err := gw.Deliver(context.Background(), &request.AdvisoryResponse{
		CorrelationID:  "corr-forged",
		Confidence:     0.9,
		Recommendation: request.RecommendApprove,
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Deliver() error = %v, want ErrNotFound", err)
	}
	if snap := gw.breaker.Health(); snap.State != resilience.StateHalfOpen {
		t.Errorf("state = %s, want half_open", snap.State)
	}
}

func TestDeliverLateResponseDiscarded(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	in := validInput()
	in.Type = "limit_increase"
	r := submitOne(t, gw, in)

	if err := gw.ResolveFallback(context.Background(), r, true); err != nil {
		t.Fatalf("ResolveFallback() error = %v", err)
	}
	expired, _ := gw.Poll(context.Background(), r.CorrelationID)
	if expired.Status != request.StatusExpired {
		t.Fatalf("status = %s, want expired", expired.Status)
	}

	err := gw.Deliver(context.Background(), &request.AdvisoryResponse{
		CorrelationID:  r.CorrelationID,
		Confidence:     0.99,
		Recommendation: request.RecommendApprove,
	})
	if err != nil {
		t.Fatalf("late Deliver() error = %v", err)
	}

	// The fallback outcome stands; the late advisory is audited and dropped.
	got, _ := gw.Poll(context.Background(), r.CorrelationID)
	if got.Action.Type != request.ActionHold || got.Action.Source != request.SourceFallback {
		t.Errorf("action = %+v, want hold/fallback", got.Action)
	}
	if !slices.Contains(store.auditKinds(), "discard") {
		t.Errorf("audit kinds = %v, want discard entry", store.auditKinds())
	}
}

func TestResolveFallbackTimeout(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	in := validInput()
	in.Type = "limit_increase"
	r := submitOne(t, gw, in)

	if err := gw.ResolveFallback(context.Background(), r, true); err != nil {
		t.Fatalf("ResolveFallback() error = %v", err)
	}

	got, _ := gw.Poll(context.Background(), r.CorrelationID)
	if got.Status != request.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if got.Action == nil || got.Action.Type != request.ActionHold || got.Action.Source != request.SourceFallback {
		t.Errorf("action = %+v, want hold/fallback", got.Action)
	}
}

func TestResolveFallbackBreakerOpen(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	in := validInput()
	in.Type = "counterparty_check"
	r := submitOne(t, gw, in)

	if err := gw.ResolveFallback(context.Background(), r, false); err != nil {
		t.Fatalf("ResolveFallback() error = %v", err)
	}

	// Breaker-open resolutions complete with the fallback action; only
	// deadline breaches mark the request expired.
	got, _ := gw.Poll(context.Background(), r.CorrelationID)
	if got.Status != request.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Action.Type != request.ActionHold {
		t.Errorf("action = %s, want hold", got.Action.Type)
	}
}

func TestResolveFallbackExpiredApprovalOpensPostHocCase(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)
	newTestHIL(store, gw)

	// payment_release falls back to require_approval; on timeout the
	// request still goes terminal and a review case opens after the fact.
	r := submitOne(t, gw, validInput())
	if err := gw.ResolveFallback(context.Background(), r, true); err != nil {
		t.Fatalf("ResolveFallback() error = %v", err)
	}

	got, _ := gw.Poll(context.Background(), r.CorrelationID)
	if got.Status != request.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if got.Action.Type != request.ActionRequireApproval {
		t.Errorf("action = %s, want require_approval", got.Action.Type)
	}
	if _, err := store.GetCaseByCorrelation(context.Background(), r.CorrelationID); err != nil {
		t.Errorf("post-hoc case missing: %v", err)
	}
}

func TestDeliverValidation(t *testing.T) {
	gw := newTestGateway(newFakeStore(), 10)

	err := gw.Deliver(context.Background(), &request.AdvisoryResponse{Confidence: 0.5})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing correlation id: error = %v, want ErrValidation", err)
	}

	err = gw.Deliver(context.Background(), &request.AdvisoryResponse{CorrelationID: "corr-1", Confidence: 1.5})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("confidence out of range: error = %v, want ErrValidation", err)
	}
}

func TestHandleResponseMessagePoison(t *testing.T) {
	store := newFakeStore()
	gw := newTestGateway(store, 10)

	if err := gw.HandleResponseMessage("advisory.responses", []byte("{not json")); err != nil {
		t.Fatalf("poison message returned error %v, want nil (drop)", err)
	}
	if !slices.Contains(store.auditKinds(), "discard") {
		t.Error("poison message not audited as discard")
	}
}
