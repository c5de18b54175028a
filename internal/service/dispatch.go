package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
	"github.com/WoodrowLove/advisorygate/internal/port/backend"
	"github.com/WoodrowLove/advisorygate/internal/port/database"
	"github.com/WoodrowLove/advisorygate/internal/port/messagequeue"
	"github.com/WoodrowLove/advisorygate/internal/resilience"
)

// Dispatcher moves accepted requests to the backend and resolves the ones
// the backend cannot serve: it publishes pending requests, polls the pull
// path for answers, and sweeps deadlines into fallback resolutions.
type Dispatcher struct {
	gw      *Gateway
	store   database.Store
	queue   messagequeue.Queue
	client  backend.Client
	breaker *resilience.Breaker

	sem           *semaphore.Weighted
	interval      time.Duration
	sweepInterval time.Duration
	pollInterval  time.Duration
	now           func() time.Time
}

// NewDispatcher creates the background dispatcher.
func NewDispatcher(gw *Gateway, store database.Store, queue messagequeue.Queue, client backend.Client, breaker *resilience.Breaker, maxInflight int64, interval, sweepInterval, pollInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		gw:            gw,
		store:         store,
		queue:         queue,
		client:        client,
		breaker:       breaker,
		sem:           semaphore.NewWeighted(maxInflight),
		interval:      interval,
		sweepInterval: sweepInterval,
		pollInterval:  pollInterval,
		now:           time.Now,
	}
}

// Run drives the dispatch, poll, and sweep loops until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	dispatchTick := time.NewTicker(d.interval)
	defer dispatchTick.Stop()
	sweepTick := time.NewTicker(d.sweepInterval)
	defer sweepTick.Stop()
	pollTick := time.NewTicker(d.pollInterval)
	defer pollTick.Stop()

	slog.Info("dispatcher started",
		"interval", d.interval,
		"sweep_interval", d.sweepInterval,
		"poll_interval", d.pollInterval,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")
			return
		case <-dispatchTick.C:
			d.dispatchPending(ctx)
		case <-pollTick.C:
			d.pollDispatched(ctx)
		case <-sweepTick.C:
			d.sweepDeadlines(ctx)
		}
	}
}

// Reload re-enters unresolved requests into the lifecycle after a restart.
// Pending requests are re-dispatched on the next tick; dispatched ones are
// picked up by the poller and sweeper, so no request is orphaned.
func (d *Dispatcher) Reload(ctx context.Context) error {
	unresolved, err := d.store.ListUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("reload unresolved: %w", err)
	}
	if len(unresolved) > 0 {
		slog.Info("reloaded unresolved requests", "count", len(unresolved))
	}
	return nil
}

func (d *Dispatcher) dispatchPending(ctx context.Context) {
	unresolved, err := d.store.ListUnresolved(ctx)
	if err != nil {
		slog.Error("list unresolved failed", "error", err)
		return
	}

	for i := range unresolved {
		r := unresolved[i]
		if r.Status != request.StatusPending {
			continue
		}
		parked, err := d.awaitingApproval(ctx, r.CorrelationID)
		if err != nil {
			slog.Warn("case lookup failed, skipping this tick", "correlation_id", r.CorrelationID, "error", err)
			continue
		}
		if parked {
			continue
		}

		if err := d.breaker.Allow(); err != nil {
			// Backend is shielded: resolve through the fallback table
			// instead of queueing against a dead dependency.
			if rerr := d.gw.ResolveFallback(ctx, &r, false); rerr != nil {
				slog.Error("breaker-open fallback failed", "correlation_id", r.CorrelationID, "error", rerr)
			}
			continue
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(r request.Request) {
			defer d.sem.Release(1)
			d.dispatchOne(ctx, &r)
		}(r)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, r *request.Request) {
	payload := DispatchPayload{
		CorrelationID: r.CorrelationID,
		Type:          r.Type,
		Priority:      r.Priority,
		Payload:       r.Payload,
		DeadlineUnix:  r.Deadline().Unix(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal dispatch payload", "correlation_id", r.CorrelationID, "error", err)
		return
	}

	if err := d.queue.Publish(ctx, dispatchSubject(r.Type), data); err != nil {
		// Queue trouble, not backend trouble; the request stays pending
		// and the next tick retries.
		slog.Error("dispatch publish failed", "correlation_id", r.CorrelationID, "error", err)
		return
	}

	if err := d.store.MarkDispatched(ctx, r.CorrelationID, r.Version); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			slog.Error("mark dispatched failed", "correlation_id", r.CorrelationID, "error", err)
		}
		return
	}

	d.gw.audit(ctx, r.CorrelationID, "dispatch", "published to "+dispatchSubject(r.Type), "", "system")
	if d.gw.metrics != nil {
		d.gw.metrics.Dispatches.Add(ctx, 1)
	}
}

// pollDispatched drives the pull path: for every in-flight request the
// backend is asked directly, complementing the push subscription.
func (d *Dispatcher) pollDispatched(ctx context.Context) {
	if d.client == nil {
		return
	}

	unresolved, err := d.store.ListUnresolved(ctx)
	if err != nil {
		slog.Error("list unresolved failed", "error", err)
		return
	}

	for i := range unresolved {
		r := unresolved[i]
		if r.Status != request.StatusDispatched {
			continue
		}
		parked, err := d.awaitingApproval(ctx, r.CorrelationID)
		if err != nil {
			slog.Warn("case lookup failed, skipping this tick", "correlation_id", r.CorrelationID, "error", err)
			continue
		}
		if parked {
			continue
		}

		adv, err := d.client.Fetch(ctx, r.CorrelationID)
		if err != nil {
			if errors.Is(err, backend.ErrNotReady) || errors.Is(err, resilience.ErrCircuitOpen) {
				continue
			}
			slog.Warn("poll fetch failed", "correlation_id", r.CorrelationID, "error", err)
			continue
		}

		if d.gw.metrics != nil {
			d.gw.metrics.Deliveries.Add(ctx, 1)
			d.gw.metrics.BackendLatency.Record(ctx, float64(adv.LatencyMs)/1000)
		}
		if err := d.gw.resolveWithAdvisory(ctx, adv); err != nil {
			slog.Error("poll resolve failed", "correlation_id", r.CorrelationID, "error", err)
		}
	}
}

// sweepDeadlines expires requests whose deadline passed without a usable
// advisory. Requests parked behind an open approval case are left to the
// case's own SLA clock.
func (d *Dispatcher) sweepDeadlines(ctx context.Context) {
	unresolved, err := d.store.ListUnresolved(ctx)
	if err != nil {
		slog.Error("list unresolved failed", "error", err)
		return
	}

	now := d.now()
	for i := range unresolved {
		r := unresolved[i]
		if now.Before(r.Deadline()) {
			continue
		}
		parked, err := d.awaitingApproval(ctx, r.CorrelationID)
		if err != nil {
			slog.Warn("case lookup failed, skipping this tick", "correlation_id", r.CorrelationID, "error", err)
			continue
		}
		if parked {
			continue
		}
		if err := d.gw.ResolveFallback(ctx, &r, true); err != nil {
			slog.Error("timeout fallback failed", "correlation_id", r.CorrelationID, "error", err)
		}
	}
}

// awaitingApproval reports whether the request is parked behind an open
// approval case. A lookup error is returned as such: the caller must skip
// the request for the tick rather than read the failure as "not parked".
func (d *Dispatcher) awaitingApproval(ctx context.Context, correlationID string) (bool, error) {
	c, err := d.store.GetCaseByCorrelation(ctx, correlationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return !c.Status.Terminal(), nil
}
