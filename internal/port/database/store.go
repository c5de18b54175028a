// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/WoodrowLove/advisorygate/internal/domain/approval"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
)

// AuditRecord is one append-only entry in the audit sink. The gateway only
// ever writes; retention and querying belong to the audit system.
type AuditRecord struct {
	CorrelationID string `json:"correlation_id"`
	Kind          string `json:"kind"` // submit, dispatch, decision, delivery, case, discard
	Detail        string `json:"detail"`
	SnapshotVer   int    `json:"snapshot_version,omitempty"`
	InputHash     string `json:"input_hash,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// Caller is a registered business service allowed to submit requests.
type Caller struct {
	ID         string
	Name       string
	APIKeyHash string // SHA-256 hex of the issued key
	Enabled    bool
}

// Store is the port interface for gateway persistence.
type Store interface {
	// Requests
	CreateRequest(ctx context.Context, r *request.Request) error
	GetRequest(ctx context.Context, correlationID string) (*request.Request, error)
	// FindByIdempotency is the durable backstop behind the idempotency
	// cache: it returns the request previously accepted for the key.
	FindByIdempotency(ctx context.Context, caller, key string) (*request.Request, error)
	// MarkDispatched transitions Pending -> Dispatched iff the stored
	// version matches; returns domain.ErrConflict otherwise.
	MarkDispatched(ctx context.Context, correlationID string, version int64) error
	// ResolveRequest stores the final action and terminal status iff the
	// stored version matches and the request is not already terminal.
	ResolveRequest(ctx context.Context, correlationID string, status request.Status, action *request.Action, version int64) error
	// ListUnresolved returns Pending and Dispatched requests, oldest
	// first, for startup reload and the timeout sweep.
	ListUnresolved(ctx context.Context) ([]request.Request, error)

	// Approval cases
	CreateCase(ctx context.Context, c *approval.Case) error
	GetCase(ctx context.Context, id string) (*approval.Case, error)
	GetCaseByCorrelation(ctx context.Context, correlationID string) (*approval.Case, error)
	// UpdateCase persists the case iff the stored version is exactly
	// c.Version-1 (optimistic concurrency); domain.ErrConflict otherwise.
	UpdateCase(ctx context.Context, c *approval.Case) error
	ListOpenCases(ctx context.Context) ([]approval.Case, error)
	ListCases(ctx context.Context, status approval.Status, limit int) ([]approval.Case, error)

	// Audit sink (append-only)
	AppendAudit(ctx context.Context, rec AuditRecord) error

	// Callers
	CreateCaller(ctx context.Context, c *Caller) error
	GetCallerByKeyHash(ctx context.Context, keyHash string) (*Caller, error)
}
