package decision

import (
	"fmt"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/domain/request"
)

// Context carries the caller-side inputs to a decision.
type Context struct {
	Caller      string
	RequestType string
	Payload     request.Payload
	BreakerOpen bool
	TimedOut    bool
}

// Trace records the decision path for the audit sink.
type Trace struct {
	SnapshotVersion int      `json:"snapshot_version"`
	Path            []string `json:"path"`
}

// Decide resolves a context and an optional advisory into one Action.
// Precedence: explicit block rules always win; breaker-open or absent
// advisory falls back to the per-type table; a confident advisory maps its
// recommendation; anything below the confidence threshold resolves to
// RequireApproval regardless of recommendation. Pure: the only outputs are
// the Action and its Trace.
func (s *Snapshot) Decide(c Context, adv *request.AdvisoryResponse, now time.Time) (request.Action, Trace) {
	trace := Trace{SnapshotVersion: s.Version}

	// (a) Explicit block rules.
	if s.isBlocked(c.Caller) {
		trace.Path = append(trace.Path, "block:caller")
		return s.action(request.ActionBlock, "caller is blocked", 1, request.SourceRules, now), trace
	}
	for field, value := range c.Payload {
		if s.isBlocked(value) {
			trace.Path = append(trace.Path, "block:identifier:"+field)
			return s.action(request.ActionBlock, fmt.Sprintf("blocked identifier in field %q", field), 1, request.SourceRules, now), trace
		}
	}

	// (b) No usable advisory: deterministic fallback by request type.
	if c.BreakerOpen || c.TimedOut || adv == nil {
		switch {
		case c.BreakerOpen:
			trace.Path = append(trace.Path, "fallback:circuit_open")
		case c.TimedOut:
			trace.Path = append(trace.Path, "fallback:timeout")
		default:
			trace.Path = append(trace.Path, "fallback:no_advisory")
		}
		fb := s.fallbackFor(c.RequestType)
		trace.Path = append(trace.Path, "fallback:"+c.RequestType+"->"+string(fb))
		return s.action(fb, "advisory unavailable; fallback for "+c.RequestType, 0, request.SourceFallback, now), trace
	}

	// (c) Confident advisory: map the recommendation.
	if adv.Confidence >= s.ConfidenceThreshold {
		mapped, ok := s.Recommendations[adv.Recommendation]
		if !ok {
			trace.Path = append(trace.Path, "advisory:unknown_recommendation")
			return s.action(request.ActionRequireApproval, "unknown recommendation "+string(adv.Recommendation), adv.Confidence, request.SourceRules, now), trace
		}
		trace.Path = append(trace.Path, "advisory:"+string(adv.Recommendation)+"->"+string(mapped))
		return s.action(mapped, "advisory "+string(adv.Recommendation), adv.Confidence, request.SourceAI, now), trace
	}

	// (d) Conservative by default.
	trace.Path = append(trace.Path, "advisory:low_confidence")
	return s.action(request.ActionRequireApproval,
		fmt.Sprintf("confidence %.2f below threshold %.2f", adv.Confidence, s.ConfidenceThreshold),
		adv.Confidence, request.SourceRules, now), trace
}

func (s *Snapshot) action(t request.ActionType, reason string, confidence float64, src request.Source, now time.Time) request.Action {
	return request.Action{
		Type:        t,
		Reason:      reason,
		Confidence:  confidence,
		Source:      src,
		RuleVersion: s.Version,
		DecidedAt:   now,
	}
}
