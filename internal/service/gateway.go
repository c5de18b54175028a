// Package service implements the gateway's application services: request
// intake, dispatch, resolution, the approval scheduler, and health.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/WoodrowLove/advisorygate/internal/adapter/otel"
	"github.com/WoodrowLove/advisorygate/internal/adapter/ws"
	"github.com/WoodrowLove/advisorygate/internal/contract"
	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/decision"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
	"github.com/WoodrowLove/advisorygate/internal/port/cache"
	"github.com/WoodrowLove/advisorygate/internal/port/database"
	"github.com/WoodrowLove/advisorygate/internal/ratelimit"
	"github.com/WoodrowLove/advisorygate/internal/resilience"
)

// Timeout bounds for caller-supplied request timeouts.
const (
	minTimeout     = time.Second
	maxTimeout     = 5 * time.Minute
	defaultTimeout = 30 * time.Second
)

// SubmitInput is the intake payload for one advisory request.
type SubmitInput struct {
	Caller         string
	IdempotencyKey string
	Type           string
	Priority       request.Priority
	Payload        request.Payload
	Timeout        time.Duration
}

// Gateway orchestrates the advisory request lifecycle.
type Gateway struct {
	store   database.Store
	idem    cache.Cache
	limiter *ratelimit.Limiter
	breaker *resilience.Breaker
	rules   *decision.Store
	hub     *ws.Hub
	metrics *otel.Metrics
	hil     *HILService
	health  *HealthService
	idemTTL time.Duration
	now     func() time.Time
}

// NewGateway creates the gateway service.
func NewGateway(store database.Store, idem cache.Cache, limiter *ratelimit.Limiter, breaker *resilience.Breaker, rules *decision.Store, hub *ws.Hub, idemTTL time.Duration) *Gateway {
	return &Gateway{
		store:   store,
		idem:    idem,
		limiter: limiter,
		breaker: breaker,
		rules:   rules,
		hub:     hub,
		idemTTL: idemTTL,
		now:     time.Now,
	}
}

// SetMetrics attaches metric instruments. Optional; nil metrics are skipped.
func (g *Gateway) SetMetrics(m *otel.Metrics) {
	g.metrics = m
}

// SetApprovals attaches the approval service so resolutions can open cases.
func (g *Gateway) SetApprovals(h *HILService) {
	g.hil = h
}

// SetHealth attaches the health aggregator for latency sampling.
func (g *Gateway) SetHealth(h *HealthService) {
	g.health = h
}

// Submit validates, deduplicates, and accepts an advisory request.
// The bool result reports whether an existing request was replayed.
// Order matters: the contract gate runs before the idempotency lookup so a
// leaking payload is always rejected, and idempotent replays are answered
// before the rate limiter so they never consume quota.
func (g *Gateway) Submit(ctx context.Context, in SubmitInput) (*request.Request, bool, error) {
	if err := g.validateInput(in); err != nil {
		g.countRejected(ctx)
		return nil, false, err
	}
	if err := contract.Validate(in.Payload); err != nil {
		g.countRejected(ctx)
		g.audit(ctx, "", "contract_reject", err.Error(), "", in.Caller)
		return nil, false, err
	}

	if existing, err := g.findReplay(ctx, in.Caller, in.IdempotencyKey); err != nil {
		return nil, false, err
	} else if existing != nil {
		if g.metrics != nil {
			g.metrics.RequestsReplayed.Add(ctx, 1)
		}
		return existing, true, nil
	}

	if retryAfter, err := g.limiter.Allow(in.Caller); err != nil {
		g.countRejected(ctx)
		if errors.Is(err, domain.ErrRateLimited) {
			return nil, false, &RateLimitedError{Caller: in.Caller, RetryAfter: retryAfter}
		}
		return nil, false, err
	}

	now := g.now()
	timeout := in.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	r := &request.Request{
		ID:             uuid.NewString(),
		CorrelationID:  "corr-" + uuid.NewString(),
		IdempotencyKey: in.IdempotencyKey,
		Caller:         in.Caller,
		Type:           in.Type,
		Priority:       in.Priority,
		Payload:        in.Payload,
		SubmittedAt:    now,
		Timeout:        timeout,
		Status:         request.StatusPending,
		Version:        1,
	}

	if err := g.store.CreateRequest(ctx, r); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost a submit race on the unique (caller, key) constraint;
			// the winner's request is the canonical one.
			winner, ferr := g.store.FindByIdempotency(ctx, in.Caller, in.IdempotencyKey)
			if ferr == nil {
				g.cacheIdem(ctx, in.Caller, in.IdempotencyKey, winner.CorrelationID)
				return winner, true, nil
			}
		}
		return nil, false, fmt.Errorf("persist request: %w", err)
	}

	g.cacheIdem(ctx, in.Caller, in.IdempotencyKey, r.CorrelationID)
	g.audit(ctx, r.CorrelationID, "submit", "accepted "+r.Type+"/"+string(r.Priority), g.payloadHash(r), in.Caller)
	if g.metrics != nil {
		g.metrics.RequestsSubmitted.Add(ctx, 1)
	}

	slog.Info("request accepted",
		"correlation_id", r.CorrelationID,
		"caller", r.Caller,
		"type", r.Type,
		"priority", r.Priority,
	)
	return r, false, nil
}

// Poll returns the request's current state for a correlation id.
func (g *Gateway) Poll(ctx context.Context, correlationID string) (*request.Request, error) {
	return g.store.GetRequest(ctx, correlationID)
}

// RateLimitedError carries the wait hint for a throttled caller.
type RateLimitedError struct {
	Caller     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("caller %s rate limited, retry after %s", e.Caller, e.RetryAfter)
}

// Unwrap ties RateLimitedError into the shared error taxonomy.
func (e *RateLimitedError) Unwrap() error { return domain.ErrRateLimited }

func (g *Gateway) validateInput(in SubmitInput) error {
	switch {
	case in.Caller == "":
		return fmt.Errorf("caller is required: %w", domain.ErrValidation)
	case in.IdempotencyKey == "":
		return fmt.Errorf("idempotency_key is required: %w", domain.ErrValidation)
	case in.Type == "":
		return fmt.Errorf("request_type is required: %w", domain.ErrValidation)
	case !request.ValidPriority(in.Priority):
		return fmt.Errorf("unknown priority %q: %w", in.Priority, domain.ErrValidation)
	case len(in.Payload) == 0:
		return fmt.Errorf("payload is required: %w", domain.ErrValidation)
	case in.Timeout != 0 && (in.Timeout < minTimeout || in.Timeout > maxTimeout):
		return fmt.Errorf("timeout must be between %s and %s: %w", minTimeout, maxTimeout, domain.ErrValidation)
	}
	return nil
}

// findReplay checks the tiered cache, then the durable store, for a prior
// request accepted under the same caller and idempotency key.
func (g *Gateway) findReplay(ctx context.Context, caller, key string) (*request.Request, error) {
	if corrID, ok, err := g.idem.Get(ctx, idemKey(caller, key)); err == nil && ok {
		r, gerr := g.store.GetRequest(ctx, string(corrID))
		if gerr == nil {
			return r, nil
		}
		// Cache points at a request the store no longer knows; fall
		// through to the durable lookup.
	}

	r, err := g.store.FindByIdempotency(ctx, caller, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	g.cacheIdem(ctx, caller, key, r.CorrelationID)
	return r, nil
}

func (g *Gateway) cacheIdem(ctx context.Context, caller, key, correlationID string) {
	if err := g.idem.Set(ctx, idemKey(caller, key), []byte(correlationID), g.idemTTL); err != nil {
		slog.Warn("idempotency cache set failed", "error", err)
	}
}

func idemKey(caller, key string) string {
	return "idem:" + caller + ":" + key
}

// payloadHash produces a stable digest of the request's certified inputs
// for the audit trail. Fields are hashed in sorted order.
func (g *Gateway) payloadHash(r *request.Request) string {
	h := sha256.New()
	h.Write([]byte(r.Caller))
	h.Write([]byte{0})
	h.Write([]byte(r.Type))
	h.Write([]byte{0})

	fields := make([]string, 0, len(r.Payload))
	for k := range r.Payload {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, k := range fields {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(r.Payload[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (g *Gateway) countRejected(ctx context.Context) {
	if g.metrics != nil {
		g.metrics.RequestsRejected.Add(ctx, 1)
	}
}

// audit appends to the audit sink, logging rather than failing the caller
// when the sink write itself fails.
func (g *Gateway) audit(ctx context.Context, correlationID, kind, detail, inputHash, actor string) {
	rec := database.AuditRecord{
		CorrelationID: correlationID,
		Kind:          kind,
		Detail:        detail,
		InputHash:     inputHash,
		Actor:         actor,
	}
	if err := g.store.AppendAudit(ctx, rec); err != nil {
		slog.Error("audit append failed", "kind", kind, "correlation_id", correlationID, "error", err)
	}
}
