// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is a point-in-time, side-effect-free view of the breaker record.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	LastTransitionAt    time.Time `json:"last_transition_at"`
	Version             uint64    `json:"version"`
}

// Breaker gates dispatch to the advisory backend.
//
// Closed -> Open after maxFailures consecutive failures; Open -> HalfOpen
// after the cooldown elapses; HalfOpen -> Closed only after probeSuccesses
// consecutive probe successes; any HalfOpen failure reopens immediately.
//
// A HalfOpen failure preserves the consecutive-failure count: the backend
// has given no evidence of recovery, so the count is only cleared by
// reaching Closed.
//
// The breaker is a single versioned record guarded by its mutex; the
// version counter advances on every transition so observers can detect
// state changes cheaply.
type Breaker struct {
	mu                sync.Mutex
	state             State
	failures          int
	halfOpenSuccesses int
	maxFailures       int
	probeSuccesses    int
	cooldown          time.Duration
	lastTransition    time.Time
	version           uint64
	now               func() time.Time // for testing
	onTransition      func(from, to State, failures int)
}

// NewBreaker creates a circuit breaker that opens after maxFailures
// consecutive failures, cools down for cooldown before probing, and closes
// again only after probeSuccesses consecutive half-open successes.
func NewBreaker(maxFailures int, cooldown time.Duration, probeSuccesses int) *Breaker {
	return &Breaker{
		state:          StateClosed,
		maxFailures:    maxFailures,
		probeSuccesses: probeSuccesses,
		cooldown:       cooldown,
		now:            time.Now,
	}
}

// SetOnTransition installs a state-change observer. The hook runs outside
// the breaker lock, so it may safely call back into the breaker.
func (b *Breaker) SetOnTransition(fn func(from, to State, failures int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a dispatch may proceed. While Open it returns
// ErrCircuitOpen until the cooldown elapses, at which point the breaker
// moves to HalfOpen and admits probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.now().Sub(b.lastTransition) >= b.cooldown {
			notify := b.transition(StateHalfOpen)
			b.mu.Unlock()
			notify()
			return nil
		}
	}
	b.mu.Unlock()
	return ErrCircuitOpen
}

// Execute runs fn under the breaker gate, recording its outcome.
// Returns ErrCircuitOpen without calling fn when the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordSuccess notes a successful backend outcome. Dispatch outcomes are
// asynchronous (responses arrive via deliver), so recording is decoupled
// from Allow.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	notify := noTransition

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.probeSuccesses {
			b.failures = 0
			notify = b.transition(StateClosed)
		}
	case StateOpen:
		// A success can land while Open when a slow response arrives after
		// the breaker tripped. It carries no probe weight.
	}
	b.mu.Unlock()
	notify()
}

// RecordFailure notes a failed or timed-out backend outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	notify := noTransition

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			notify = b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.failures++
		notify = b.transition(StateOpen)
	case StateOpen:
	}
	b.mu.Unlock()
	notify()
}

// Health returns a snapshot of the breaker record. O(1) and side-effect
// free: it never performs the Open -> HalfOpen transition.
func (b *Breaker) Health() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		LastTransitionAt:    b.lastTransition,
		Version:             b.version,
	}
}

func noTransition() {}

// transition must be called with b.mu held. The returned func delivers the
// observer callback and must be invoked after the lock is released.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	b.halfOpenSuccesses = 0
	b.lastTransition = b.now()
	b.version++

	if b.onTransition == nil || from == to {
		return noTransition
	}
	hook, failures := b.onTransition, b.failures
	return func() { hook(from, to, failures) }
}
