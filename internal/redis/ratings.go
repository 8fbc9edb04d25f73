package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
	"github.com/redis/go-redis/v9"
)

// scoreScale separates the rating from the update time inside a sorted set
// score so that ties on rating order by recency.
const scoreScale = 1e10

// RatingCache mirrors ratings into per-game sorted sets for fast top-N reads
type RatingCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRatingCache creates a new Redis rating cache
func NewRatingCache(cfg *config.RedisConfig, logger *slog.Logger) (*RatingCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RatingCache{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *RatingCache) Close() error {
	return c.client.Close()
}

// Ping checks that Redis is reachable
func (c *RatingCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// topKey returns the Redis key for a game's rating sorted set
func topKey(gameID int) string {
	return fmt.Sprintf("ratings:%d:top", gameID)
}

// experienceKey returns the Redis key for a game's experience hash
func experienceKey(gameID int) string {
	return fmt.Sprintf("ratings:%d:experience", gameID)
}

// percentileKey returns the Redis key for a serialized percentiler
func percentileKey(gameID int, name string) string {
	return fmt.Sprintf("percentile:%d:%s", gameID, name)
}

// encodeScore packs a rating and its update time into one sorted set score.
func encodeScore(rating int, updated time.Time) float64 {
	return float64(rating)*scoreScale + float64(max(updated.Unix(), 0))
}

// decodeScore is the inverse of encodeScore at one-second precision.
func decodeScore(score float64) (int, time.Time) {
	rating := math.Floor(score / scoreScale)
	secs := score - rating*scoreScale
	return int(rating), time.Unix(int64(secs), 0).UTC()
}

func member(playerID int) string {
	return strconv.Itoa(playerID)
}

// SetRating mirrors one rating record
func (c *RatingCache) SetRating(ctx context.Context, rec domain.RatingRecord) error {
	pipe := c.client.Pipeline()
	pipe.ZAdd(ctx, topKey(rec.GameID), redis.Z{
		Score:  encodeScore(rec.Rating, rec.LastUpdated),
		Member: member(rec.PlayerID),
	})
	pipe.HSet(ctx, experienceKey(rec.GameID), member(rec.PlayerID), rec.Experience)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching rating: %w", err)
	}
	return nil
}

// BatchSetRatings mirrors several rating records using pipelining
func (c *RatingCache) BatchSetRatings(ctx context.Context, recs []domain.RatingRecord) error {
	if len(recs) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, rec := range recs {
		pipe.ZAdd(ctx, topKey(rec.GameID), redis.Z{
			Score:  encodeScore(rec.Rating, rec.LastUpdated),
			Member: member(rec.PlayerID),
		})
		pipe.HSet(ctx, experienceKey(rec.GameID), member(rec.PlayerID), rec.Experience)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch caching ratings: %w", err)
	}
	return nil
}

// ReplaceGame atomically swaps a game's cached ratings for recs
func (c *RatingCache) ReplaceGame(ctx context.Context, gameID int, recs []domain.RatingRecord) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, topKey(gameID), experienceKey(gameID))
	if len(recs) > 0 {
		members := make([]redis.Z, len(recs))
		experience := make(map[string]any, len(recs))
		for i, rec := range recs {
			members[i] = redis.Z{
				Score:  encodeScore(rec.Rating, rec.LastUpdated),
				Member: member(rec.PlayerID),
			}
			experience[member(rec.PlayerID)] = rec.Experience
		}
		pipe.ZAdd(ctx, topKey(gameID), members...)
		pipe.HSet(ctx, experienceKey(gameID), experience)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replacing cached game %d: %w", gameID, err)
	}
	return nil
}

// TopRatings returns the highest cached ratings of a game. The boolean is
// false when the game has no cached set, in which case the caller should
// consult the durable store.
func (c *RatingCache) TopRatings(ctx context.Context, gameID, limit int) ([]domain.RatingRecord, bool, error) {
	key := topKey(gameID)

	exists, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("checking cached game: %w", err)
	}
	if exists == 0 {
		return nil, false, nil
	}

	results, err := c.client.ZRevRangeWithScores(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("getting top ratings: %w", err)
	}
	if len(results) == 0 {
		return []domain.RatingRecord{}, true, nil
	}

	fields := make([]string, len(results))
	for i, result := range results {
		fields[i] = result.Member.(string)
	}
	experience, err := c.client.HMGet(ctx, experienceKey(gameID), fields...).Result()
	if err != nil {
		return nil, false, fmt.Errorf("getting cached experience: %w", err)
	}

	records := make([]domain.RatingRecord, 0, len(results))
	for i, result := range results {
		playerID, err := strconv.Atoi(fields[i])
		if err != nil {
			c.logger.Warn("skipping malformed cached rating member", "game_id", gameID, "member", fields[i])
			continue
		}
		rating, updated := decodeScore(result.Score)
		rec := domain.RatingRecord{
			GameID:      gameID,
			PlayerID:    playerID,
			Rating:      rating,
			LastUpdated: updated,
		}
		if s, ok := experience[i].(string); ok {
			rec.Experience, _ = strconv.Atoi(s)
		}
		records = append(records, rec)
	}
	return records, true, nil
}

// RemoveRating removes one player from a game's cached set
func (c *RatingCache) RemoveRating(ctx context.Context, gameID, playerID int) error {
	pipe := c.client.Pipeline()
	pipe.ZRem(ctx, topKey(gameID), member(playerID))
	pipe.HDel(ctx, experienceKey(gameID), member(playerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing cached rating: %w", err)
	}
	return nil
}

// DeleteGame removes a game's cached set
func (c *RatingCache) DeleteGame(ctx context.Context, gameID int) error {
	if err := c.client.Del(ctx, topKey(gameID), experienceKey(gameID)).Err(); err != nil {
		return fmt.Errorf("deleting cached game: %w", err)
	}
	return nil
}

// RemovePlayers removes players from the cached sets of the given games
func (c *RatingCache) RemovePlayers(ctx context.Context, gameIDs, playerIDs []int) error {
	if len(gameIDs) == 0 || len(playerIDs) == 0 {
		return nil
	}
	members := make([]any, len(playerIDs))
	fields := make([]string, len(playerIDs))
	for i, id := range playerIDs {
		members[i] = member(id)
		fields[i] = member(id)
	}

	pipe := c.client.Pipeline()
	for _, gameID := range gameIDs {
		pipe.ZRem(ctx, topKey(gameID), members...)
		pipe.HDel(ctx, experienceKey(gameID), fields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing cached players: %w", err)
	}
	return nil
}

// LoadPercentile returns a cached serialized percentiler
func (c *RatingCache) LoadPercentile(ctx context.Context, gameID int, name string) ([]byte, error) {
	data, err := c.client.Get(ctx, percentileKey(gameID, name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrPercentileNotFound
		}
		return nil, fmt.Errorf("loading cached percentile: %w", err)
	}
	return data, nil
}

// SavePercentile caches a serialized percentiler
func (c *RatingCache) SavePercentile(ctx context.Context, gameID int, name string, data []byte) error {
	if err := c.client.Set(ctx, percentileKey(gameID, name), data, 0).Err(); err != nil {
		return fmt.Errorf("caching percentile: %w", err)
	}
	return nil
}
