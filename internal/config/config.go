package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Sync       SyncConfig       `yaml:"sync"`
	Rating     RatingConfig     `yaml:"rating"`
	Tables     TablesConfig     `yaml:"tables"`
	Percentile PercentileConfig `yaml:"percentile"`
	Workers    WorkersConfig    `yaml:"workers"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds the match event consumer configuration
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	GroupID        string        `yaml:"group_id"`
	Enabled        bool          `yaml:"enabled"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// SyncConfig holds background synchronization configuration
type SyncConfig struct {
	// Interval between rebuilds of the cached top-ratings sets.
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	Enabled   bool          `yaml:"enabled"`
	// GameIDs whose caches are rebuilt; empty means every game in the store.
	GameIDs []int `yaml:"game_ids"`
}

// RatingConfig holds rating session and query configuration
type RatingConfig struct {
	// MinimumGameDuration below which a finished match is not rated.
	MinimumGameDuration time.Duration `yaml:"minimum_game_duration"`
	DefaultLimit        int           `yaml:"default_limit"`
	MaxLimit            int           `yaml:"max_limit"`
}

// TablesConfig holds table registry configuration
type TablesConfig struct {
	// ManualStart leaves full tables waiting for their owner to start them.
	ManualStart bool `yaml:"manual_start"`
	// MaxSeats caps DesiredPlayerCount.
	MaxSeats int `yaml:"max_seats"`
}

// AutoStart reports whether a table starts as soon as every seat is taken.
func (c TablesConfig) AutoStart() bool {
	return !c.ManualStart
}

// PercentileConfig holds percentile tracker configuration
type PercentileConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// WorkersConfig holds the I/O worker pool configuration
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig names the exported Prometheus metrics
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
	// LatencyBuckets are the histogram buckets in seconds.
	LatencyBuckets []float64 `yaml:"latency_buckets"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "match-events"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "rating-sessions"
	}
	if c.Kafka.HandlerTimeout == 0 {
		c.Kafka.HandlerTimeout = 10 * time.Second
	}

	// Sync defaults
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Minute
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 1000
	}

	// Rating defaults
	if c.Rating.MinimumGameDuration == 0 {
		c.Rating.MinimumGameDuration = 60 * time.Second
	}
	if c.Rating.DefaultLimit == 0 {
		c.Rating.DefaultLimit = 25
	}
	if c.Rating.MaxLimit == 0 {
		c.Rating.MaxLimit = 500
	}

	// Table defaults
	if c.Tables.MaxSeats == 0 {
		c.Tables.MaxSeats = 8
	}

	// Percentile defaults
	if c.Percentile.FlushInterval == 0 {
		c.Percentile.FlushInterval = time.Minute
	}

	// Worker pool defaults
	if c.Workers.Count == 0 {
		c.Workers.Count = 8
	}
	if c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = 1024
	}

	// Metrics defaults
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "lobby"
	}
	if c.Metrics.Subsystem == "" {
		c.Metrics.Subsystem = "ratings"
	}
	if len(c.Metrics.LatencyBuckets) == 0 {
		c.Metrics.LatencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Rating.MinimumGameDuration < 0 {
		return fmt.Errorf("%w: negative minimum game duration", ErrInvalidConfig)
	}
	if c.Rating.DefaultLimit > c.Rating.MaxLimit {
		return fmt.Errorf("%w: rating default limit %d exceeds max %d",
			ErrInvalidConfig, c.Rating.DefaultLimit, c.Rating.MaxLimit)
	}
	if c.Tables.MaxSeats < 1 {
		return fmt.Errorf("%w: tables max seats %d", ErrInvalidConfig, c.Tables.MaxSeats)
	}
	if c.Workers.Count < 1 || c.Workers.QueueSize < 1 {
		return fmt.Errorf("%w: worker pool needs at least one worker and one queue slot", ErrInvalidConfig)
	}
	return nil
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sync.Enabled = true
	return cfg
}
