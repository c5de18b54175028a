// Package decision implements the deterministic policy engine. Rule tables
// are loaded as versioned immutable snapshots; a decision never reads
// mutable state, so identical inputs always produce identical Actions and
// every outcome is reproducible for audit from its snapshot version.
package decision

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/WoodrowLove/advisorygate/internal/domain/request"
)

// Snapshot is one immutable version of the rule tables. Never mutated in
// place; updates install a whole new snapshot.
type Snapshot struct {
	Version             int                                           `yaml:"version"`
	ConfidenceThreshold float64                                       `yaml:"confidence_threshold"`
	BlockedIdentifiers  []string                                      `yaml:"blocked_identifiers"`
	Recommendations     map[request.Recommendation]request.ActionType `yaml:"recommendations"`
	Fallback            map[string]request.ActionType                 `yaml:"fallback"`
	FallbackDefault     request.ActionType                            `yaml:"fallback_default"`

	blocked map[string]struct{}
}

// DefaultSnapshot returns the built-in rule tables, version 1.
func DefaultSnapshot(confidenceThreshold float64) *Snapshot {
	s := &Snapshot{
		Version:             1,
		ConfidenceThreshold: confidenceThreshold,
		Recommendations: map[request.Recommendation]request.ActionType{
			request.RecommendApprove: request.ActionProceed,
			request.RecommendReject:  request.ActionBlock,
			request.RecommendReview:  request.ActionRequireApproval,
			request.RecommendHold:    request.ActionHold,
		},
		Fallback: map[string]request.ActionType{
			"payment_release":    request.ActionRequireApproval,
			"limit_increase":     request.ActionHold,
			"account_unfreeze":   request.ActionRequireApproval,
			"counterparty_check": request.ActionHold,
		},
		FallbackDefault: request.ActionHold,
	}
	s.index()
	return s
}

// LoadSnapshot reads rule tables from a YAML file, overlaying the defaults.
// The file must carry a version greater than zero.
func LoadSnapshot(path string, confidenceThreshold float64) (*Snapshot, error) {
	s := DefaultSnapshot(confidenceThreshold)

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from config
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if s.Version <= 0 {
		return nil, fmt.Errorf("rules %s: version must be > 0", path)
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("rules %s: confidence_threshold must be in [0,1]", path)
	}
	if s.FallbackDefault == "" {
		s.FallbackDefault = request.ActionHold
	}
	s.index()
	return s, nil
}

func (s *Snapshot) index() {
	s.blocked = make(map[string]struct{}, len(s.BlockedIdentifiers))
	for _, id := range s.BlockedIdentifiers {
		s.blocked[id] = struct{}{}
	}
}

// isBlocked reports whether the identifier appears in the block table.
func (s *Snapshot) isBlocked(id string) bool {
	_, ok := s.blocked[id]
	return ok
}

// fallbackFor returns the fallback action for a request type.
func (s *Snapshot) fallbackFor(requestType string) request.ActionType {
	if a, ok := s.Fallback[requestType]; ok {
		return a
	}
	return s.FallbackDefault
}

// Store holds the active snapshot behind an atomic pointer so decisions
// read a consistent version while reloads swap in new tables.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a Store with the given initial snapshot.
func NewStore(s *Snapshot) *Store {
	st := &Store{}
	st.current.Store(s)
	return st
}

// Current returns the active snapshot.
func (st *Store) Current() *Snapshot {
	return st.current.Load()
}

// Install atomically replaces the active snapshot.
func (st *Store) Install(s *Snapshot) {
	st.current.Store(s)
}
