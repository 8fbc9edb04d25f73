package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks that the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS game_ratings (
			game_id INTEGER NOT NULL,
			player_id BIGINT NOT NULL,
			rating INTEGER NOT NULL,
			experience INTEGER NOT NULL DEFAULT 0,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (game_id, player_id)
		)`,
		`CREATE TABLE IF NOT EXISTS percentile_blobs (
			game_id INTEGER NOT NULL,
			name VARCHAR(64) NOT NULL,
			data BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (game_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_game_ratings_top ON game_ratings(game_id, rating DESC, last_updated DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_game_ratings_player ON game_ratings(player_id)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// GetRating retrieves one player's rating in a game
func (r *Repository) GetRating(ctx context.Context, gameID, playerID int) (domain.Rating, error) {
	query := `SELECT rating, experience FROM game_ratings WHERE game_id = $1 AND player_id = $2`
	var rating domain.Rating
	err := r.pool.QueryRow(ctx, query, gameID, playerID).Scan(&rating.Rating, &rating.Experience)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Rating{}, domain.ErrRatingNotFound
		}
		return domain.Rating{}, fmt.Errorf("getting rating: %w", err)
	}
	return rating, nil
}

// GetRatings retrieves the ratings that exist for the given players.
// Players without a row are absent from the result.
func (r *Repository) GetRatings(ctx context.Context, gameID int, playerIDs []int) (map[int]domain.Rating, error) {
	ratings := make(map[int]domain.Rating, len(playerIDs))
	if len(playerIDs) == 0 {
		return ratings, nil
	}

	query := `
		SELECT player_id, rating, experience
		FROM game_ratings
		WHERE game_id = $1 AND player_id = ANY($2)
	`
	rows, err := r.pool.Query(ctx, query, gameID, toInt64s(playerIDs))
	if err != nil {
		return nil, fmt.Errorf("getting ratings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var playerID int64
		var rating domain.Rating
		if err := rows.Scan(&playerID, &rating.Rating, &rating.Experience); err != nil {
			return nil, fmt.Errorf("scanning rating: %w", err)
		}
		ratings[int(playerID)] = rating
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading ratings: %w", err)
	}
	return ratings, nil
}

const upsertRatingQuery = `
	INSERT INTO game_ratings (game_id, player_id, rating, experience, last_updated)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (game_id, player_id)
	DO UPDATE SET rating = $3, experience = $4, last_updated = $5
`

// SetRating inserts or replaces a rating and returns the stored record
func (r *Repository) SetRating(ctx context.Context, rec domain.RatingRecord) (domain.RatingRecord, error) {
	rec.LastUpdated = r.now().UTC()
	_, err := r.pool.Exec(ctx, upsertRatingQuery,
		rec.GameID, rec.PlayerID, rec.Rating, rec.Experience, rec.LastUpdated)
	if err != nil {
		return rec, fmt.Errorf("upserting rating: %w", err)
	}
	return rec, nil
}

// BatchSetRatings upserts several ratings in one round trip
func (r *Repository) BatchSetRatings(ctx context.Context, recs []domain.RatingRecord) ([]domain.RatingRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	now := r.now().UTC()
	stored := make([]domain.RatingRecord, len(recs))
	batch := &pgx.Batch{}
	for i, rec := range recs {
		rec.LastUpdated = now
		stored[i] = rec
		batch.Queue(upsertRatingQuery, rec.GameID, rec.PlayerID, rec.Rating, rec.Experience, now)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range recs {
		if _, err := br.Exec(); err != nil {
			return nil, fmt.Errorf("batch upserting ratings: %w", err)
		}
	}
	return stored, nil
}

// GetTopRatings returns the best ratings of a game, most recent first on ties
func (r *Repository) GetTopRatings(ctx context.Context, q domain.TopRatingsQuery) ([]domain.RatingRecord, error) {
	var (
		where strings.Builder
		args  = []any{q.GameID}
	)
	where.WriteString("game_id = $1")
	if q.MaxAge > 0 {
		args = append(args, r.now().Add(-q.MaxAge).UTC())
		fmt.Fprintf(&where, " AND last_updated >= $%d", len(args))
	}
	if len(q.PlayerIDs) > 0 {
		args = append(args, toInt64s(q.PlayerIDs))
		fmt.Fprintf(&where, " AND player_id = ANY($%d)", len(args))
	}
	args = append(args, q.Limit)

	query := fmt.Sprintf(`
		SELECT game_id, player_id, rating, experience, last_updated
		FROM game_ratings
		WHERE %s
		ORDER BY rating DESC, last_updated DESC
		LIMIT $%d
	`, where.String(), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting top ratings: %w", err)
	}
	defer rows.Close()

	records := make([]domain.RatingRecord, 0, q.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading top ratings: %w", err)
	}
	return records, nil
}

// AllRatings returns every rating row of a game (for cache rebuilds)
func (r *Repository) AllRatings(ctx context.Context, gameID int) ([]domain.RatingRecord, error) {
	query := `
		SELECT game_id, player_id, rating, experience, last_updated
		FROM game_ratings
		WHERE game_id = $1
	`
	rows, err := r.pool.Query(ctx, query, gameID)
	if err != nil {
		return nil, fmt.Errorf("getting all ratings: %w", err)
	}
	defer rows.Close()

	var records []domain.RatingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading all ratings: %w", err)
	}
	return records, nil
}

// GameIDs lists every game that has at least one rating
func (r *Repository) GameIDs(ctx context.Context) ([]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT game_id FROM game_ratings ORDER BY game_id`)
	if err != nil {
		return nil, fmt.Errorf("listing games: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning game id: %w", err)
		}
		ids = append(ids, int(id))
	}
	return ids, rows.Err()
}

// DeleteRating removes one player's rating in a game
func (r *Repository) DeleteRating(ctx context.Context, gameID, playerID int) error {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM game_ratings WHERE game_id = $1 AND player_id = $2`, gameID, playerID)
	if err != nil {
		return fmt.Errorf("deleting rating: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrRatingNotFound
	}
	return nil
}

// PurgeGame removes every rating of a game and returns how many were removed
func (r *Repository) PurgeGame(ctx context.Context, gameID int) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM game_ratings WHERE game_id = $1`, gameID)
	if err != nil {
		return 0, fmt.Errorf("purging game ratings: %w", err)
	}
	return result.RowsAffected(), nil
}

// PurgePlayers removes every rating of the given players across all games
// and returns the games that were affected
func (r *Repository) PurgePlayers(ctx context.Context, playerIDs []int) ([]int, error) {
	if len(playerIDs) == 0 {
		return nil, nil
	}
	query := `
		WITH deleted AS (
			DELETE FROM game_ratings WHERE player_id = ANY($1) RETURNING game_id
		)
		SELECT DISTINCT game_id FROM deleted
	`
	rows, err := r.pool.Query(ctx, query, toInt64s(playerIDs))
	if err != nil {
		return nil, fmt.Errorf("purging player ratings: %w", err)
	}
	defer rows.Close()

	var games []int
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning purged game: %w", err)
		}
		games = append(games, int(id))
	}
	return games, rows.Err()
}

func scanRecord(row pgx.Row) (domain.RatingRecord, error) {
	var (
		rec      domain.RatingRecord
		gameID   int32
		playerID int64
	)
	if err := row.Scan(&gameID, &playerID, &rec.Rating, &rec.Experience, &rec.LastUpdated); err != nil {
		return rec, fmt.Errorf("scanning rating record: %w", err)
	}
	rec.GameID = int(gameID)
	rec.PlayerID = int(playerID)
	return rec, nil
}

func toInt64s(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
