package postgres

import (
	"context"
	"fmt"

	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/port/database"
)

func (s *Store) CreateCaller(ctx context.Context, c *database.Caller) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO callers (name, api_key_hash, enabled)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		c.Name, c.APIKeyHash, c.Enabled,
	).Scan(&c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create caller %s: %w", c.Name, domain.ErrConflict)
		}
		return fmt.Errorf("create caller %s: %w", c.Name, err)
	}
	return nil
}

func (s *Store) GetCallerByKeyHash(ctx context.Context, keyHash string) (*database.Caller, error) {
	var c database.Caller
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, api_key_hash, enabled FROM callers WHERE api_key_hash = $1`, keyHash,
	).Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.Enabled)
	if err != nil {
		return nil, notFoundWrap(err, "get caller by key hash")
	}
	return &c, nil
}
