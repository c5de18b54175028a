// Package request defines the advisory request lifecycle model: the
// Request submitted by a business service, the AdvisoryResponse produced
// by the analysis backend, and the Action the gateway resolves to.
package request

import "time"

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusPending    Status = "pending"    // accepted, not yet sent to the backend
	StatusDispatched Status = "dispatched" // handed to the backend, awaiting response
	StatusCompleted  Status = "completed"  // resolved with an advisory-backed Action
	StatusExpired    Status = "expired"    // deadline passed; resolved via fallback
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// Priority orders requests and selects the SLA for approval cases.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityStandard Priority = "standard"
	PriorityLow      Priority = "low"
)

// ValidPriority reports whether p is one of the defined priorities.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityStandard, PriorityLow:
		return true
	}
	return false
}

// Payload carries only privacy-preserving fields: reference ids, hashed
// identifiers, coarse tiers, and tagged risk factors. It is certified by
// the contract validator before anything leaves the boundary.
type Payload map[string]string

// Request is an advisory request accepted by the gateway.
// Immutable once validated; only Status and Action change afterwards.
type Request struct {
	ID             string        `json:"id"`
	CorrelationID  string        `json:"correlation_id"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Caller         string        `json:"caller"`
	Type           string        `json:"request_type"`
	Priority       Priority      `json:"priority"`
	Payload        Payload       `json:"payload"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	Timeout        time.Duration `json:"timeout"`
	Status         Status        `json:"status"`
	Action         *Action       `json:"action,omitempty"`
	Version        int64         `json:"version"`
}

// Deadline is the instant after which the request must be resolved
// without the backend.
func (r *Request) Deadline() time.Time {
	return r.SubmittedAt.Add(r.Timeout)
}

// Recommendation is the advisory backend's non-authoritative suggestion.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReject  Recommendation = "reject"
	RecommendReview  Recommendation = "review"
	RecommendHold    Recommendation = "hold"
)

// AdvisoryResponse is the backend's answer for one correlation id.
type AdvisoryResponse struct {
	CorrelationID  string         `json:"correlation_id"`
	ModelVersion   string         `json:"model_version"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
	LatencyMs      int64          `json:"latency_ms"`
}

// ActionType is one of the fixed set of outcomes a request resolves to.
type ActionType string

const (
	ActionProceed         ActionType = "proceed"
	ActionRequireApproval ActionType = "require_approval"
	ActionHold            ActionType = "hold"
	ActionBlock           ActionType = "block"
)

// Source records which path produced an Action.
type Source string

const (
	SourceAI       Source = "ai"       // advisory-backed decision
	SourceRules    Source = "rules"    // explicit rule (block list, human outcome)
	SourceFallback Source = "fallback" // breaker open, timeout, or SLA expiry
)

// Action is the resolved outcome of a request.
type Action struct {
	Type        ActionType `json:"type"`
	Reason      string     `json:"reason"`
	Confidence  float64    `json:"confidence"`
	Source      Source     `json:"source"`
	RuleVersion int        `json:"rule_version"`
	DecidedAt   time.Time  `json:"decided_at"`
}
