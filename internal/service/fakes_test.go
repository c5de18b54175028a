package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/approval"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
	"github.com/WoodrowLove/advisorygate/internal/port/backend"
	"github.com/WoodrowLove/advisorygate/internal/port/database"
	"github.com/WoodrowLove/advisorygate/internal/port/messagequeue"
)

// fakeStore is an in-memory Store with the same version guards as the
// postgres adapter.
type fakeStore struct {
	mu       sync.Mutex
	requests map[string]*request.Request
	cases    map[string]*approval.Case
	audits   []database.AuditRecord
	callers  map[string]*database.Caller

	failCreate     error
	failCaseLookup error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests: make(map[string]*request.Request),
		cases:    make(map[string]*approval.Case),
		callers:  make(map[string]*database.Caller),
	}
}

func (s *fakeStore) CreateRequest(_ context.Context, r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	for _, existing := range s.requests {
		if existing.Caller == r.Caller && existing.IdempotencyKey == r.IdempotencyKey {
			return domain.ErrConflict
		}
	}
	cp := *r
	s.requests[r.CorrelationID] = &cp
	return nil
}

func (s *fakeStore) GetRequest(_ context.Context, correlationID string) (*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[correlationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) FindByIdempotency(_ context.Context, caller, key string) (*request.Request, error) {
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

func (s *fakeStore) MarkDispatched(_ context.Context, correlationID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[correlationID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Version != version || r.Status != request.StatusPending {
		return domain.ErrConflict
	}
	r.Status = request.StatusDispatched
	r.Version++
	return nil
}

func (s *fakeStore) ResolveRequest(_ context.Context, correlationID string, status request.Status, action *request.Action, version int64) error {
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

func (s *fakeStore) ListUnresolved(_ context.Context) ([]request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []request.Request
	for _, r := range s.requests {
		if !r.Status.Terminal() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *fakeStore) CreateCase(_ context.Context, c *approval.Case) error {
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

func (s *fakeStore) GetCase(_ context.Context, id string) (*approval.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) GetCaseByCorrelation(_ context.Context, correlationID string) (*approval.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCaseLookup != nil {
		return nil, s.failCaseLookup
	}
	for _, c := range s.cases {
		if c.CorrelationID == correlationID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) UpdateCase(_ context.Context, c *approval.Case) error {
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

func (s *fakeStore) ListOpenCases(_ context.Context) ([]approval.Case, error) {
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

func (s *fakeStore) ListCases(_ context.Context, status approval.Status, limit int) ([]approval.Case, error) {
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

func (s *fakeStore) AppendAudit(_ context.Context, rec database.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	return nil
}

func (s *fakeStore) CreateCaller(_ context.Context, c *database.Caller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callers[c.APIKeyHash] = c
	return nil
}

func (s *fakeStore) GetCallerByKeyHash(_ context.Context, keyHash string) (*database.Caller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.callers[keyHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

// auditKinds returns the kinds appended so far, in order.
func (s *fakeStore) auditKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, len(s.audits))
	for i, a := range s.audits {
		kinds[i] = a.Kind
	}
	return kinds
}

// fakeCache is a TTL-less in-memory Cache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// fakeQueue records published messages.
type fakeQueue struct {
	mu        sync.Mutex
	published []fakeMessage
	failWith  error
}

type fakeMessage struct {
	subject string
	data    []byte
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.published = append(q.published, fakeMessage{subject: subject, data: data})
	return nil
}

func (q *fakeQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

// fakeBackend serves canned advisory responses by correlation id.
type fakeBackend struct {
	mu        sync.Mutex
	responses map[string]*request.AdvisoryResponse
	healthy   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{responses: make(map[string]*request.AdvisoryResponse), healthy: true}
}

func (b *fakeBackend) Fetch(_ context.Context, correlationID string) (*request.AdvisoryResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	adv, ok := b.responses[correlationID]
	if !ok {
		return nil, fmt.Errorf("advisory for %s: %w", correlationID, backend.ErrNotReady)
	}
	return adv, nil
}

func (b *fakeBackend) Healthy(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}
