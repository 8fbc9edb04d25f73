package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// maxParallelGames bounds concurrent cache rebuilds.
const maxParallelGames = 4

// RatingSource is the durable store the cache is rebuilt from
type RatingSource interface {
	GameIDs(ctx context.Context) ([]int, error)
	AllRatings(ctx context.Context, gameID int) ([]domain.RatingRecord, error)
}

// RatingCacheWriter receives rebuilt top-ratings sets
type RatingCacheWriter interface {
	ReplaceGame(ctx context.Context, gameID int, recs []domain.RatingRecord) error
	BatchSetRatings(ctx context.Context, recs []domain.RatingRecord) error
}

// PercentileFlusher persists modified percentilers
type PercentileFlusher interface {
	Flush(ctx context.Context) (int, error)
}

// SyncWorker keeps the rating cache in step with the database and
// periodically persists the percentile trackers.
type SyncWorker struct {
	source        RatingSource
	cache         RatingCacheWriter
	percentiles   PercentileFlusher
	config        *config.SyncConfig
	flushInterval time.Duration
	logger        *slog.Logger
	stopCh        chan struct{}
	doneCh        chan struct{}
	mu            sync.Mutex
	running       bool
}

// NewSyncWorker creates a new sync worker. cache or percentiles may be nil
// to disable that half of the work.
func NewSyncWorker(
	source RatingSource,
	cache RatingCacheWriter,
	percentiles PercentileFlusher,
	cfg *config.SyncConfig,
	percentileCfg *config.PercentileConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		source:        source,
		cache:         cache,
		percentiles:   percentiles,
		config:        cfg,
		flushInterval: percentileCfg.FlushInterval,
		logger:        logger,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started",
		"interval", w.config.Interval,
		"flush_interval", w.flushInterval,
	)

	go w.run(ctx)
	return nil
}

// Stop stops the background process and writes any pending percentiles
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.FlushPercentiles(context.Background())
	w.logger.Info("sync worker stopped")
	return nil
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	syncTicker := time.NewTicker(w.config.Interval)
	defer syncTicker.Stop()
	flushTicker := time.NewTicker(w.flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-syncTicker.C:
			if w.config.Enabled {
				w.syncAll(ctx)
			}
		case <-flushTicker.C:
			w.FlushPercentiles(ctx)
		}
	}
}

// syncAll rebuilds every cached game and reports the cycle
func (w *SyncWorker) syncAll(ctx context.Context) {
	w.logger.Info("starting sync cycle")
	startTime := time.Now()

	synced, failed, err := w.rebuild(ctx)
	if err != nil {
		w.logger.Error("failed to list games for sync", "error", err)
		return
	}

	w.logger.Info("sync cycle completed",
		"duration", time.Since(startTime),
		"synced", synced,
		"errors", failed,
	)
}

func (w *SyncWorker) rebuild(ctx context.Context) (int, int, error) {
	if w.cache == nil {
		return 0, 0, nil
	}

	gameIDs := w.config.GameIDs
	if len(gameIDs) == 0 {
		var err error
		gameIDs, err = w.source.GameIDs(ctx)
		if err != nil {
			return 0, 0, err
		}
	}

	var synced, failed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(maxParallelGames)
	for _, gameID := range gameIDs {
		gameID := gameID
		g.Go(func() error {
			if err := w.SyncFromDatabase(ctx, gameID); err != nil {
				w.logger.Error("failed to sync game from database",
					"game_id", gameID,
					"error", err,
				)
				failed.Add(1)
				// Continue with other games
				return nil
			}
			synced.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(synced.Load()), int(failed.Load()), nil
}

// SyncFromDatabase replaces a game's cached top-ratings set with the rows in
// the database. Rows past the first batch are added in further batches.
func (w *SyncWorker) SyncFromDatabase(ctx context.Context, gameID int) error {
	w.logger.Debug("syncing game from database", "game_id", gameID)

	records, err := w.source.AllRatings(ctx, gameID)
	if err != nil {
		return err
	}

	batchSize := w.config.BatchSize
	if batchSize == 0 {
		batchSize = 1000
	}

	first := records[:min(batchSize, len(records))]
	if err := w.cache.ReplaceGame(ctx, gameID, first); err != nil {
		return err
	}
	for start := len(first); start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		if err := w.cache.BatchSetRatings(ctx, records[start:end]); err != nil {
			return err
		}
	}

	w.logger.Debug("synced game from database",
		"game_id", gameID,
		"player_count", len(records),
	)
	return nil
}

// SyncAllFromDatabase rebuilds every cached game from the database.
// This is used to warm the cache at startup.
func (w *SyncWorker) SyncAllFromDatabase(ctx context.Context) error {
	w.logger.Info("syncing all games from database")

	synced, failed, err := w.rebuild(ctx)
	if err != nil {
		return err
	}

	w.logger.Info("completed syncing all games from database", "synced", synced, "errors", failed)
	return nil
}

// FlushPercentiles writes every modified percentiler
func (w *SyncWorker) FlushPercentiles(ctx context.Context) {
	if w.percentiles == nil {
		return
	}
	written, err := w.percentiles.Flush(ctx)
	failed := 0
	if err != nil {
		failed = 1
		w.logger.Error("failed to flush percentiles", "written", written, "error", err)
	} else if written > 0 {
		w.logger.Debug("flushed percentiles", "written", written)
	}
	metrics.RecordPercentileFlush(written, failed)
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs a single sync cycle (useful for manual triggers)
func (w *SyncWorker) RunOnce(ctx context.Context) {
	w.syncAll(ctx)
	w.FlushPercentiles(ctx)
}
