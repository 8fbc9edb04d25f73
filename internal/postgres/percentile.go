package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lobby-ratings/internal/domain"
)

// LoadPercentile returns a serialized percentiler
func (r *Repository) LoadPercentile(ctx context.Context, gameID int, name string) ([]byte, error) {
	var data []byte
	err := r.pool.QueryRow(ctx,
		`SELECT data FROM percentile_blobs WHERE game_id = $1 AND name = $2`, gameID, name,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPercentileNotFound
		}
		return nil, fmt.Errorf("loading percentile: %w", err)
	}
	return data, nil
}

// SavePercentile inserts or replaces a serialized percentiler
func (r *Repository) SavePercentile(ctx context.Context, gameID int, name string, data []byte) error {
	query := `
		INSERT INTO percentile_blobs (game_id, name, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (game_id, name)
		DO UPDATE SET data = $3, updated_at = $4
	`
	if _, err := r.pool.Exec(ctx, query, gameID, name, data, r.now().UTC()); err != nil {
		return fmt.Errorf("saving percentile: %w", err)
	}
	return nil
}
