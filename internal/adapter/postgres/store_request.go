package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
)

const requestColumns = `correlation_id, id, idempotency_key, caller, type, priority, payload,
	       submitted_at, timeout_ms, status, action, version`

func (s *Store) CreateRequest(ctx context.Context, r *request.Request) error {
	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO advisory_requests (correlation_id, id, idempotency_key, caller, type, priority, payload, submitted_at, timeout_ms, status, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.CorrelationID, r.ID, r.IdempotencyKey, r.Caller, r.Type, string(r.Priority), payloadJSON,
		r.SubmittedAt, r.Timeout.Milliseconds(), string(r.Status), r.Version)
	if err != nil {
		// The unique (caller, idempotency_key) constraint is the durable
		// backstop behind the idempotency cache.
		if isUniqueViolation(err) {
			return fmt.Errorf("create request %s: %w", r.CorrelationID, domain.ErrConflict)
		}
		return fmt.Errorf("create request %s: %w", r.CorrelationID, err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, correlationID string) (*request.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+`
		 FROM advisory_requests WHERE correlation_id = $1`, correlationID)

	r, err := scanRequest(row)
	if err != nil {
		return nil, notFoundWrap(err, "get request %s", correlationID)
	}
	return &r, nil
}

func (s *Store) FindByIdempotency(ctx context.Context, caller, key string) (*request.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+`
		 FROM advisory_requests WHERE caller = $1 AND idempotency_key = $2`, caller, key)

	r, err := scanRequest(row)
	if err != nil {
		return nil, notFoundWrap(err, "find request by idempotency key")
	}
	return &r, nil
}

func (s *Store) MarkDispatched(ctx context.Context, correlationID string, version int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE advisory_requests SET status = $2, version = version + 1
		 WHERE correlation_id = $1 AND version = $3 AND status = $4`,
		correlationID, string(request.StatusDispatched), version, string(request.StatusPending))
	return execExpectOne(tag, err, "mark dispatched %s", correlationID)
}

func (s *Store) ResolveRequest(ctx context.Context, correlationID string, status request.Status, action *request.Action, version int64) error {
	var actionJSON []byte
	if action != nil {
		var err error
		actionJSON, err = json.Marshal(action)
		if err != nil {
			return fmt.Errorf("marshal action: %w", err)
		}
	}

	// The status guard keeps terminal requests terminal even when the
	// caller-supplied version would otherwise match.
	tag, err := s.pool.Exec(ctx,
		`UPDATE advisory_requests SET status = $2, action = $3, version = version + 1, resolved_at = now()
		 WHERE correlation_id = $1 AND version = $4 AND status IN ($5, $6)`,
		correlationID, string(status), actionJSON, version,
		string(request.StatusPending), string(request.StatusDispatched))
	return execExpectOne(tag, err, "resolve request %s", correlationID)
}

func (s *Store) ListUnresolved(ctx context.Context) ([]request.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+`
		 FROM advisory_requests WHERE status IN ($1, $2) ORDER BY submitted_at ASC`,
		string(request.StatusPending), string(request.StatusDispatched))
	if err != nil {
		return nil, fmt.Errorf("list unresolved: %w", err)
	}
	defer rows.Close()

	var requests []request.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func scanRequest(row scannable) (request.Request, error) {
	var r request.Request
	var priority, status string
	var timeoutMs int64
	var payloadJSON, actionJSON []byte

	err := row.Scan(&r.CorrelationID, &r.ID, &r.IdempotencyKey, &r.Caller, &r.Type, &priority,
		&payloadJSON, &r.SubmittedAt, &timeoutMs, &status, &actionJSON, &r.Version)
	if err != nil {
		return r, err
	}

	r.Priority = request.Priority(priority)
	r.Status = request.Status(status)
	r.Timeout = time.Duration(timeoutMs) * time.Millisecond

	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
			return r, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if actionJSON != nil {
		var a request.Action
		if err := json.Unmarshal(actionJSON, &a); err != nil {
			return r, fmt.Errorf("unmarshal action: %w", err)
		}
		r.Action = &a
	}
	return r, nil
}
