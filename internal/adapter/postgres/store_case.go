package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/WoodrowLove/advisorygate/internal/domain/approval"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
)

const caseColumns = `id, correlation_id, priority, created_at, sla_deadline, status,
	       escalations, responder_group, input_hash, version, audit`

func (s *Store) CreateCase(ctx context.Context, c *approval.Case) error {
	auditJSON, err := json.Marshal(c.Audit)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO approval_cases (id, correlation_id, priority, created_at, sla_deadline, status, escalations, responder_group, input_hash, version, audit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.CorrelationID, string(c.Priority), c.CreatedAt, c.SLADeadline, string(c.Status),
		c.Escalations, c.ResponderGroup, c.InputHash, c.Version, auditJSON)
	if err != nil {
		return fmt.Errorf("create case %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, id string) (*approval.Case, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+caseColumns+`
		 FROM approval_cases WHERE id = $1`, id)

	c, err := scanCase(row)
	if err != nil {
		return nil, notFoundWrap(err, "get case %s", id)
	}
	return &c, nil
}

func (s *Store) GetCaseByCorrelation(ctx context.Context, correlationID string) (*approval.Case, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+caseColumns+`
		 FROM approval_cases WHERE correlation_id = $1`, correlationID)

	c, err := scanCase(row)
	if err != nil {
		return nil, notFoundWrap(err, "get case by correlation %s", correlationID)
	}
	return &c, nil
}

// UpdateCase persists an already-transitioned case. The domain bumped
// c.Version when it moved, so the row must still hold c.Version-1.
func (s *Store) UpdateCase(ctx context.Context, c *approval.Case) error {
	auditJSON, err := json.Marshal(c.Audit)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE approval_cases SET status = $2, escalations = $3, responder_group = $4, sla_deadline = $5, version = $6, audit = $7, updated_at = now()
		 WHERE id = $1 AND version = $8`,
		c.ID, string(c.Status), c.Escalations, c.ResponderGroup, c.SLADeadline, c.Version, auditJSON, c.Version-1)
	return execExpectOne(tag, err, "update case %s", c.ID)
}

func (s *Store) ListOpenCases(ctx context.Context) ([]approval.Case, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+caseColumns+`
		 FROM approval_cases WHERE status IN ($1, $2, $3) ORDER BY sla_deadline ASC`,
		string(approval.StatusPending), string(approval.StatusAcknowledged), string(approval.StatusEscalated))
	if err != nil {
		return nil, fmt.Errorf("list open cases: %w", err)
	}
	defer rows.Close()

	return collectCases(rows)
}

func (s *Store) ListCases(ctx context.Context, status approval.Status, limit int) ([]approval.Case, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+caseColumns+`
		 FROM approval_cases WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	return collectCases(rows)
}

func collectCases(rows interface {
	scannable
	Next() bool
	Err() error
}) ([]approval.Case, error) {
	var cases []approval.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func scanCase(row scannable) (approval.Case, error) {
	var c approval.Case
	var priority, status string
	var auditJSON []byte

	err := row.Scan(&c.ID, &c.CorrelationID, &priority, &c.CreatedAt, &c.SLADeadline, &status,
		&c.Escalations, &c.ResponderGroup, &c.InputHash, &c.Version, &auditJSON)
	if err != nil {
		return c, err
	}

	c.Priority = request.Priority(priority)
	c.Status = approval.Status(status)

	if auditJSON != nil {
		if err := json.Unmarshal(auditJSON, &c.Audit); err != nil {
			return c, fmt.Errorf("unmarshal audit: %w", err)
		}
	}
	return c, nil
}
