package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/handler"
	"github.com/lobby-ratings/internal/kafka"
	"github.com/lobby-ratings/internal/percentile"
	"github.com/lobby-ratings/internal/postgres"
	"github.com/lobby-ratings/internal/redis"
	"github.com/lobby-ratings/internal/service"
	"github.com/lobby-ratings/internal/session"
	"github.com/lobby-ratings/internal/table"
	"github.com/lobby-ratings/internal/websocket"
	"github.com/lobby-ratings/internal/worker"
	"github.com/lobby-ratings/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// bots are the simulants tables may request by key.
var bots = map[string]string{
	"bot":    "Robo",
	"rookie": "Rookie",
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	metrics.Configure(
		metrics.WithNamespace(cfg.Metrics.Namespace),
		metrics.WithSubsystem(cfg.Metrics.Subsystem),
		metrics.WithHistogramBuckets(cfg.Metrics.LatencyBuckets),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// I/O started by sessions must outlive the signal so that shutdown can
	// flush it; ioCtx is cancelled last.
	ioCtx, cancelIO := context.WithCancel(context.Background())
	defer cancelIO()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	defer repo.Close()
	if err := repo.RunMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Initialize Redis; ratings stay correct without it, only slower
	var (
		cache       service.RatingCache
		cacheWriter worker.RatingCacheWriter
		checks      = map[string]handler.ReadinessCheck{"postgres": repo.Ping}
	)
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	ratingCache, err := redis.NewRatingCache(&cfg.Redis, logger)
	if err != nil {
		logger.Warn("failed to connect to Redis, continuing without cache", "error", err)
	} else {
		defer ratingCache.Close()
		cache, cacheWriter = ratingCache, ratingCache
		checks["redis"] = ratingCache.Ping
	}

	ratings := service.NewRatingService(repo, cache, &cfg.Rating, logger)
	percentiles := percentile.NewTracker(ratings, logger)

	pool := worker.NewPool(&cfg.Workers, logger)
	pool.Start(ioCtx)

	syncWorker := worker.NewSyncWorker(repo, cacheWriter, percentiles, &cfg.Sync, &cfg.Percentile, logger)
	logger.Info("syncing rating caches from database")
	if err := syncWorker.SyncAllFromDatabase(ctx); err != nil {
		logger.Warn("failed to sync from database on startup", "error", err)
	}
	if err := syncWorker.Start(ioCtx); err != nil {
		return fmt.Errorf("starting sync worker: %w", err)
	}

	ratingObserver := session.NewRatingObserver(ioCtx, ratings, percentiles, pool, &cfg.Rating, logger)
	manager := session.NewManager(logger, ratingObserver)

	// Match events go through Kafka when it is enabled so that several
	// servers share one stream; otherwise they are handled in process.
	publish := session.PublishFunc(manager.Handle)
	var (
		consumer *kafka.Consumer
		producer *kafka.Producer
	)
	if cfg.Kafka.Enabled {
		consumer, producer = connectKafka(&cfg.Kafka, manager, logger)
		if producer != nil {
			publish = producer.Publish
		}
	}
	launcher := session.NewLauncher(publish, time.Now().UnixMilli(), logger)

	simulants := table.NewSimulantRegistry()
	for key, name := range bots {
		if err := simulants.Register(key, table.BotFactory(key, name)); err != nil {
			return fmt.Errorf("registering simulant %q: %w", key, err)
		}
	}

	var (
		lobbies     *table.Lobbies
		invitations *table.Invitations
	)
	hub := websocket.NewHub(func(p *domain.Player) {
		if lobbies.ClearPlayer(ioCtx, p.BodyOID) {
			logger.Info("cleared seat of disconnected player", "body_oid", p.BodyOID)
		}
		invitations.Forget(p.BodyOID)
	}, logger)
	lobbies = table.NewLobbies(launcher, simulants, hub, &cfg.Tables, logger)
	invitations = table.NewInvitations(lobbies, hub, logger)

	httpHandler := handler.NewHandler(handler.Dependencies{
		Ratings:     ratings,
		Percentiles: percentiles,
		Lobbies:     lobbies,
		Invitations: invitations,
		Hub:         hub,
		Events:      manager,
		Checks:      checks,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run()
		return nil
	})

	g.Go(func() error {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if consumer != nil {
		g.Go(func() error {
			if err := consumer.Start(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("starting Kafka consumer: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server", "error", err)
		}
		hub.Stop()

		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				logger.Error("failed to stop Kafka consumer", "error", err)
			}
		}

		// Settle running matches before the pool and the percentile flush
		if err := ratingObserver.Close(shutdownCtx); err != nil {
			logger.Error("failed to settle rating sessions", "error", err)
		}
		if err := syncWorker.Stop(); err != nil {
			logger.Error("failed to stop sync worker", "error", err)
		}
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to drain worker pool", "error", err)
		}

		if producer != nil {
			if err := producer.Close(); err != nil {
				logger.Error("failed to close Kafka producer", "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// connectKafka creates the match event producer and consumer. Both or
// neither are returned so that published events are always consumed.
func connectKafka(cfg *config.KafkaConfig, events kafka.EventHandler, logger *slog.Logger) (*kafka.Consumer, *kafka.Producer) {
	logger.Info("initializing Kafka", "brokers", cfg.Brokers, "topic", cfg.Topic)

	producer, err := kafka.NewProducer(cfg, logger)
	if err != nil {
		logger.Warn("failed to create Kafka producer, continuing without Kafka", "error", err)
		return nil, nil
	}
	consumer, err := kafka.NewConsumer(cfg, events, logger)
	if err != nil {
		logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		if err := producer.Close(); err != nil {
			logger.Error("failed to close Kafka producer", "error", err)
		}
		return nil, nil
	}
	return consumer, producer
}
