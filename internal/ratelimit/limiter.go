// Package ratelimit provides per-caller submission budgets over fixed,
// deterministic window boundaries. Budgets are versioned immutable records
// updated by compare-and-swap, so no budget is ever mutated in place.
package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/domain"
)

// Budget is the immutable rate record for one caller and one window.
// A new window produces a new record; records are never mutated.
type Budget struct {
	Caller      string
	WindowStart time.Time
	Count       int
	Limit       int
	Version     int64
}

// maxCASRetries bounds optimistic-concurrency retries before surfacing
// a transient conflict to the caller.
const maxCASRetries = 8

// Limiter tracks per-caller budgets. Throttling is independent of backend
// health; the circuit breaker never influences these decisions.
type Limiter struct {
	budgets    sync.Map // caller -> *Budget
	limit      int
	window     time.Duration
	maxCallers int
	size       atomic.Int64
	now        func() time.Time // for testing
}

// New creates a limiter allowing limit submissions per caller per window.
// maxCallers caps the number of tracked callers to bound memory.
func New(limit int, window time.Duration, maxCallers int) *Limiter {
	return &Limiter{
		limit:      limit,
		window:     window,
		maxCallers: maxCallers,
		now:        time.Now,
	}
}

// Allow consumes one unit of the caller's budget. On success it returns
// (0, nil). When the budget is exhausted it returns the duration until the
// next window boundary and domain.ErrRateLimited. Exhausted CAS retries
// surface domain.ErrConflict.
func (l *Limiter) Allow(caller string) (retryAfter time.Duration, err error) {
	for range maxCASRetries {
		now := l.now()
		start := now.Truncate(l.window)

		cur, ok := l.loadBudget(caller)
		if !ok {
			if l.size.Load() >= int64(l.maxCallers) {
				// At capacity: reject rather than evict, so counts stay exact.
				return l.window, fmt.Errorf("limiter at caller capacity: %w", domain.ErrRateLimited)
			}
			fresh := &Budget{Caller: caller, WindowStart: start, Count: 1, Limit: l.limit, Version: 1}
			if _, loaded := l.budgets.LoadOrStore(caller, fresh); loaded {
				continue // lost the race, retry against the stored record
			}
			l.size.Add(1)
			return 0, nil
		}

		if !cur.WindowStart.Equal(start) {
			// Window rolled over: replace with a fresh record. The stale
			// record is swapped out whole, never decremented, so a roll-over
			// can never double count.
			fresh := &Budget{Caller: caller, WindowStart: start, Count: 1, Limit: l.limit, Version: cur.Version + 1}
			if l.budgets.CompareAndSwap(caller, cur, fresh) {
				return 0, nil
			}
			continue
		}

		if cur.Count >= cur.Limit {
			return start.Add(l.window).Sub(now), domain.ErrRateLimited
		}

		next := &Budget{
			Caller:      caller,
			WindowStart: cur.WindowStart,
			Count:       cur.Count + 1,
			Limit:       cur.Limit,
			Version:     cur.Version + 1,
		}
		if l.budgets.CompareAndSwap(caller, cur, next) {
			return 0, nil
		}
	}
	return 0, fmt.Errorf("rate budget for %s: %w", caller, domain.ErrConflict)
}

// Snapshot returns the caller's current budget record, if any.
func (l *Limiter) Snapshot(caller string) (Budget, bool) {
	cur, ok := l.loadBudget(caller)
	if !ok {
		return Budget{}, false
	}
	return *cur, true
}

// Utilization reports the mean fraction of budget consumed across callers
// with a live window. Used by the health endpoint.
func (l *Limiter) Utilization() float64 {
	now := l.now()
	start := now.Truncate(l.window)

	var used, capacity int
	l.budgets.Range(func(_, v any) bool {
		b := v.(*Budget)
		if b.WindowStart.Equal(start) {
			used += b.Count
			capacity += b.Limit
		}
		return true
	})
	if capacity == 0 {
		return 0
	}
	return float64(used) / float64(capacity)
}

func (l *Limiter) loadBudget(caller string) (*Budget, bool) {
	v, ok := l.budgets.Load(caller)
	if !ok {
		return nil, false
	}
	return v.(*Budget), true
}
