package postgres

import (
	"context"
	"fmt"

	"github.com/WoodrowLove/advisorygate/internal/port/database"
)

// AppendAudit writes one append-only audit record. There is no update or
// delete path; retention is the audit system's concern.
func (s *Store) AppendAudit(ctx context.Context, rec database.AuditRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (correlation_id, kind, detail, snapshot_version, input_hash, actor)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.CorrelationID, rec.Kind, rec.Detail, rec.SnapshotVer, nullIfEmpty(rec.InputHash), nullIfEmpty(rec.Actor))
	if err != nil {
		return fmt.Errorf("append audit %s/%s: %w", rec.CorrelationID, rec.Kind, err)
	}
	return nil
}
