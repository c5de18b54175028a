package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/WoodrowLove/advisorygate/internal/adapter/ws"
	"github.com/WoodrowLove/advisorygate/internal/config"
	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/approval"
	"github.com/WoodrowLove/advisorygate/internal/domain/decision"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
	"github.com/WoodrowLove/advisorygate/internal/middleware"
	"github.com/WoodrowLove/advisorygate/internal/port/database"
	"github.com/WoodrowLove/advisorygate/internal/ratelimit"
	"github.com/WoodrowLove/advisorygate/internal/resilience"
	"github.com/WoodrowLove/advisorygate/internal/service"
)

// memStore is the subset of database.Store the REST layer exercises.
type memStore struct {
	database.Store
	mu       sync.Mutex
	requests map[string]*request.Request
	cases    map[string]*approval.Case
	audits   []database.AuditRecord
}

func newMemStore() *memStore {
	return &memStore{
		requests: make(map[string]*request.Request),
		cases:    make(map[string]*approval.Case),
	}
}

func (s *memStore) CreateRequest(_ context.Context, r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.Caller == r.Caller && existing.IdempotencyKey == r.IdempotencyKey {
			return domain.ErrConflict
		}
	}
	cp := *r
	s.requests[r.CorrelationID] = &cp
	return nil
}

func (s *memStore) GetRequest(_ context.Context, correlationID string) (*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[correlationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) FindByIdempotency(_ context.Context, caller, key string) (*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.Caller == caller && r.IdempotencyKey == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) ResolveRequest(_ context.Context, correlationID string, status request.Status, action *request.Action, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[correlationID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Version != version || r.Status.Terminal() {
		return domain.ErrConflict
	}
	r.Status = status
	r.Action = action
	r.Version++
	return nil
}

func (s *memStore) CreateCase(_ context.Context, c *approval.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cases {
		if existing.CorrelationID == c.CorrelationID {
			return domain.ErrConflict
		}
	}
	cp := *c
	s.cases[c.ID] = &cp
	return nil
}

func (s *memStore) GetCase(_ context.Context, id string) (*approval.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) GetCaseByCorrelation(_ context.Context, correlationID string) (*approval.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cases {
		if c.CorrelationID == correlationID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) UpdateCase(_ context.Context, c *approval.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.cases[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != c.Version-1 {
		return domain.ErrConflict
	}
	cp := *c
	s.cases[c.ID] = &cp
	return nil
}

func (s *memStore) ListOpenCases(_ context.Context) ([]approval.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approval.Case
	for _, c := range s.cases {
		if !c.Status.Terminal() {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLADeadline.Before(out[j].SLADeadline) })
	return out, nil
}

func (s *memStore) ListCases(_ context.Context, status approval.Status, limit int) ([]approval.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approval.Case
	for _, c := range s.cases {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) AppendAudit(_ context.Context, rec database.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	return nil
}

// memCache is a minimal TTL-less cache for the idempotency layer.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func newTestRouter(t *testing.T, rateLimit int) (chi.Router, *memStore) {
	t.Helper()
	store := newMemStore()
	rules := decision.NewStore(decision.DefaultSnapshot(0.75))
	breaker := resilience.NewBreaker(5, 30*time.Second, 3)
	limiter := ratelimit.New(rateLimit, time.Minute, 100)
	hub := ws.NewHub()

	gw := service.NewGateway(store, &memCache{data: make(map[string][]byte)}, limiter, breaker, rules, hub, time.Hour)
	hil := service.NewHILService(store, gw, nil, hub, config.Defaults().HIL)
	gw.SetApprovals(hil)
	health := service.NewHealthService(store, breaker, limiter, rules, hub, nil, func() bool { return true })
	gw.SetHealth(health)

	r := chi.NewRouter()
	r.Use(middleware.Auth(store, false))
	MountRoutes(r, NewHandlers(gw, hil, health, hub), "")
	return r, store
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func submitBody() map[string]any {
	return map[string]any{
		"idempotency_key": "key-1",
		"request_type":    "payment_release",
		"priority":        "high",
		"payload": map[string]string{
			"customer": "a3f1c2d4e5b6a7f8091a2b3c4d5e6f70a1b2c3d4e5f60718293a4b5c6d7e8f90",
			"tier":     "tier_standard",
		},
	}
}

func TestSubmitRequestAccepted(t *testing.T) {
	router, _ := newTestRouter(t, 10)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/requests", submitBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp submitRequestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CorrelationID == "" || resp.Status != "pending" || resp.Replayed {
		t.Errorf("response = %+v", resp)
	}

	get := doJSON(t, router, http.MethodGet, "/api/v1/requests/"+resp.CorrelationID, nil)
	if get.Code != http.StatusOK {
		t.Errorf("poll status = %d, want 200", get.Code)
	}
}

func TestSubmitRequestReplay(t *testing.T) {
	router, _ := newTestRouter(t, 10)

	first := doJSON(t, router, http.MethodPost, "/api/v1/requests", submitBody())
	if first.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", first.Code)
	}

	second := doJSON(t, router, http.MethodPost, "/api/v1/requests", submitBody())
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", second.Code)
	}
	var resp submitRequestResponse
	_ = json.Unmarshal(second.Body.Bytes(), &resp)
	if !resp.Replayed {
		t.Error("replay not flagged")
	}
}

func TestSubmitRequestContractViolation(t *testing.T) {
	router, _ := newTestRouter(t, 10)

	body := submitBody()
	body["payload"] = map[string]string{"contact": "jane.doe@example.com"}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/requests", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitRequestRateLimited(t *testing.T) {
	router, _ := newTestRouter(t, 1)

	if rec := doJSON(t, router, http.MethodPost, "/api/v1/requests", submitBody()); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	body := submitBody()
	body["idempotency_key"] = "key-2"
	rec := doJSON(t, router, http.MethodPost, "/api/v1/requests", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestGetRequestNotFound(t *testing.T) {
	router, _ := newTestRouter(t, 10)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/requests/corr-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeliveryResolvesRequest(t *testing.T) {
	router, _ := newTestRouter(t, 10)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/requests", submitBody())
	var resp submitRequestResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	del := doJSON(t, router, http.MethodPost, "/api/v1/deliveries", map[string]any{
		"correlation_id": resp.CorrelationID,
		"confidence":     0.95,
		"recommendation": "approve",
		"model_version":  "m-7",
		"latency_ms":     60,
	})
	if del.Code != http.StatusNoContent {
		t.Fatalf("delivery status = %d, want 204: %s", del.Code, del.Body.String())
	}

	get := doJSON(t, router, http.MethodGet, "/api/v1/requests/"+resp.CorrelationID, nil)
	var r request.Request
	_ = json.Unmarshal(get.Body.Bytes(), &r)
	if r.Status != request.StatusCompleted {
		t.Errorf("status = %s, want completed", r.Status)
	}
	if r.Action == nil || r.Action.Type != request.ActionProceed {
		t.Errorf("action = %+v, want proceed", r.Action)
	}
}

func TestCaseLifecycleOverREST(t *testing.T) {
	router, store := newTestRouter(t, 10)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/requests", submitBody())
	var resp submitRequestResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	// Low confidence parks the request behind a case.
	del := doJSON(t, router, http.MethodPost, "/api/v1/deliveries", map[string]any{
		"correlation_id": resp.CorrelationID,
		"confidence":     0.3,
		"recommendation": "review",
	})
	if del.Code != http.StatusNoContent {
		t.Fatalf("delivery status = %d, want 204", del.Code)
	}

	list := doJSON(t, router, http.MethodGet, "/api/v1/cases", nil)
	var lr listCasesResponse
	_ = json.Unmarshal(list.Body.Bytes(), &lr)
	if len(lr.Cases) != 1 {
		t.Fatalf("open cases = %d, want 1", len(lr.Cases))
	}
	caseID := lr.Cases[0].ID

	ack := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/cases/%s/acknowledge", caseID),
		map[string]string{"actor": "alex"})
	if ack.Code != http.StatusOK {
		t.Fatalf("acknowledge status = %d, want 200: %s", ack.Code, ack.Body.String())
	}

	appr := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/cases/%s/approve", caseID),
		map[string]string{"actor": "alex", "reasoning": "verified"})
	if appr.Code != http.StatusOK {
		t.Fatalf("approve status = %d, want 200: %s", appr.Code, appr.Body.String())
	}

	get := doJSON(t, router, http.MethodGet, "/api/v1/requests/"+resp.CorrelationID, nil)
	var r request.Request
	_ = json.Unmarshal(get.Body.Bytes(), &r)
	if r.Status != request.StatusCompleted || r.Action == nil || r.Action.Type != request.ActionProceed {
		t.Errorf("request = %s/%+v, want completed/proceed", r.Status, r.Action)
	}

	// Deciding a terminal case again conflicts.
	deny := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/cases/%s/deny", caseID),
		map[string]string{"actor": "sam"})
	if deny.Code != http.StatusConflict {
		t.Errorf("deny-after-approve status = %d, want 409", deny.Code)
	}

	if len(store.audits) == 0 {
		t.Error("no audit records written")
	}
}

func TestCaseActionRequiresActor(t *testing.T) {
	router, _ := newTestRouter(t, 10)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/cases/case-1/approve", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, 10)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var rep service.HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Status != "ok" {
		t.Errorf("health status = %s, want ok", rep.Status)
	}
}
