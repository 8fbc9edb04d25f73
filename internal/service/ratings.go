package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
)

// RatingRepository is the durable rating store
type RatingRepository interface {
	GetRating(ctx context.Context, gameID, playerID int) (domain.Rating, error)
	GetRatings(ctx context.Context, gameID int, playerIDs []int) (map[int]domain.Rating, error)
	SetRating(ctx context.Context, rec domain.RatingRecord) (domain.RatingRecord, error)
	BatchSetRatings(ctx context.Context, recs []domain.RatingRecord) ([]domain.RatingRecord, error)
	GetTopRatings(ctx context.Context, q domain.TopRatingsQuery) ([]domain.RatingRecord, error)
	DeleteRating(ctx context.Context, gameID, playerID int) error
	PurgeGame(ctx context.Context, gameID int) (int64, error)
	PurgePlayers(ctx context.Context, playerIDs []int) ([]int, error)
	LoadPercentile(ctx context.Context, gameID int, name string) ([]byte, error)
	SavePercentile(ctx context.Context, gameID int, name string, data []byte) error
}

// RatingCache mirrors ratings for fast leaderboard reads
type RatingCache interface {
	SetRating(ctx context.Context, rec domain.RatingRecord) error
	BatchSetRatings(ctx context.Context, recs []domain.RatingRecord) error
	TopRatings(ctx context.Context, gameID, limit int) ([]domain.RatingRecord, bool, error)
	RemoveRating(ctx context.Context, gameID, playerID int) error
	DeleteGame(ctx context.Context, gameID int) error
	RemovePlayers(ctx context.Context, gameIDs, playerIDs []int) error
	LoadPercentile(ctx context.Context, gameID int, name string) ([]byte, error)
	SavePercentile(ctx context.Context, gameID int, name string, data []byte) error
}

// RatingService provides the rating store: durable rows in the repository
// mirrored into the cache. The repository is authoritative; cache failures
// are logged and never fail an operation whose durable part succeeded.
type RatingService struct {
	repo   RatingRepository
	cache  RatingCache
	config *config.RatingConfig
	logger *slog.Logger
}

// NewRatingService creates a new rating service. cache may be nil.
func NewRatingService(
	repo RatingRepository,
	cache RatingCache,
	cfg *config.RatingConfig,
	logger *slog.Logger,
) *RatingService {
	return &RatingService{
		repo:   repo,
		cache:  cache,
		config: cfg,
		logger: logger,
	}
}

// Get returns one player's rating, or domain.ErrRatingNotFound
func (s *RatingService) Get(ctx context.Context, gameID, playerID int) (domain.Rating, error) {
	return s.repo.GetRating(ctx, gameID, playerID)
}

// GetMany returns the ratings that exist for the given players. Absent
// players have no entry; callers default them.
func (s *RatingService) GetMany(ctx context.Context, gameID int, playerIDs []int) (map[int]domain.Rating, error) {
	ratings, err := s.repo.GetRatings(ctx, gameID, playerIDs)
	if err != nil {
		return nil, fmt.Errorf("loading ratings: %w", err)
	}
	return ratings, nil
}

// Set stores a rating. The write is an idempotent upsert.
func (s *RatingService) Set(ctx context.Context, rec domain.RatingRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	stored, err := s.repo.SetRating(ctx, rec)
	if err != nil {
		return fmt.Errorf("storing rating: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.SetRating(ctx, stored); err != nil {
			s.logger.Warn("failed to cache rating",
				"game_id", rec.GameID,
				"player_id", rec.PlayerID,
				"error", err,
			)
		}
	}
	return nil
}

// SetMany stores several ratings in one batch. Either all rows are written
// or an error is returned.
func (s *RatingService) SetMany(ctx context.Context, recs []domain.RatingRecord) error {
	for _, rec := range recs {
		if err := validateRecord(rec); err != nil {
			return err
		}
	}
	stored, err := s.repo.BatchSetRatings(ctx, recs)
	if err != nil {
		return fmt.Errorf("storing ratings: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.BatchSetRatings(ctx, stored); err != nil {
			s.logger.Warn("failed to cache ratings", "count", len(stored), "error", err)
		}
	}
	return nil
}

// GetTopRatings returns a game's best ratings, ordered by rating then
// recency. Unfiltered queries are served from the cache when it holds the
// game.
func (s *RatingService) GetTopRatings(ctx context.Context, q domain.TopRatingsQuery) ([]domain.RatingRecord, error) {
	if q.Limit <= 0 {
		q.Limit = s.config.DefaultLimit
	}
	if q.Limit > s.config.MaxLimit {
		q.Limit = s.config.MaxLimit
	}

	if s.cache != nil && q.MaxAge == 0 && len(q.PlayerIDs) == 0 {
		records, ok, err := s.cache.TopRatings(ctx, q.GameID, q.Limit)
		switch {
		case err != nil:
			s.logger.Warn("failed to read cached top ratings, using database",
				"game_id", q.GameID,
				"error", err,
			)
		case ok:
			return records, nil
		}
	}

	records, err := s.repo.GetTopRatings(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("getting top ratings: %w", err)
	}
	return records, nil
}

// Delete removes one player's rating
func (s *RatingService) Delete(ctx context.Context, gameID, playerID int) error {
	if err := s.repo.DeleteRating(ctx, gameID, playerID); err != nil {
		if errors.Is(err, domain.ErrRatingNotFound) {
			return err
		}
		return fmt.Errorf("deleting rating: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.RemoveRating(ctx, gameID, playerID); err != nil {
			s.logger.Warn("failed to remove cached rating", "game_id", gameID, "player_id", playerID, "error", err)
		}
	}
	return nil
}

// PurgeGame removes every rating of a game
func (s *RatingService) PurgeGame(ctx context.Context, gameID int) (int64, error) {
	n, err := s.repo.PurgeGame(ctx, gameID)
	if err != nil {
		return 0, fmt.Errorf("purging game: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.DeleteGame(ctx, gameID); err != nil {
			s.logger.Warn("failed to delete cached game", "game_id", gameID, "error", err)
		}
	}
	s.logger.Info("purged game ratings", "game_id", gameID, "count", n)
	return n, nil
}

// PurgePlayers removes every rating of the given players
func (s *RatingService) PurgePlayers(ctx context.Context, playerIDs []int) error {
	if len(playerIDs) == 0 {
		return domain.ErrInvalidRequest
	}
	games, err := s.repo.PurgePlayers(ctx, playerIDs)
	if err != nil {
		return fmt.Errorf("purging players: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.RemovePlayers(ctx, games, playerIDs); err != nil {
			s.logger.Warn("failed to remove cached players", "games", games, "error", err)
		}
	}
	s.logger.Info("purged player ratings", "players", len(playerIDs), "games", len(games))
	return nil
}

// LoadPercentile returns a serialized percentiler, preferring the cache and
// warming it from the repository on a miss.
func (s *RatingService) LoadPercentile(ctx context.Context, gameID int, name string) ([]byte, error) {
	if s.cache != nil {
		data, err := s.cache.LoadPercentile(ctx, gameID, name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, domain.ErrPercentileNotFound) {
			s.logger.Warn("failed to read cached percentile", "game_id", gameID, "name", name, "error", err)
		}
	}

	data, err := s.repo.LoadPercentile(ctx, gameID, name)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SavePercentile(ctx, gameID, name, data); err != nil {
			s.logger.Warn("failed to warm cached percentile", "game_id", gameID, "name", name, "error", err)
		}
	}
	return data, nil
}

// SavePercentile stores a serialized percentiler
func (s *RatingService) SavePercentile(ctx context.Context, gameID int, name string, data []byte) error {
	if err := s.repo.SavePercentile(ctx, gameID, name, data); err != nil {
		return fmt.Errorf("saving percentile: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.SavePercentile(ctx, gameID, name, data); err != nil {
			s.logger.Warn("failed to cache percentile", "game_id", gameID, "name", name, "error", err)
		}
	}
	return nil
}

func validateRecord(rec domain.RatingRecord) error {
	if rec.PlayerID <= 0 {
		return fmt.Errorf("%w: player id %d", domain.ErrInvalidRequest, rec.PlayerID)
	}
	if rec.Rating < domain.MinimumRating || rec.Rating > domain.MaximumRating {
		return fmt.Errorf("%w: rating %d out of range", domain.ErrInvalidRequest, rec.Rating)
	}
	if rec.Experience < 0 {
		return fmt.Errorf("%w: negative experience", domain.ErrInvalidRequest)
	}
	return nil
}
