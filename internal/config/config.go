// Package config loads the engine configuration from defaults, an optional
// YAML file and SRS_ prefixed environment variables.
package config

import (
	"time"

	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/pkg/models"
)

// Config is the root configuration
type Config struct {
	Database        DatabaseConfig               `koanf:"database"`
	Logging         logging.Config               `koanf:"logging"`
	Cache           CacheConfig                  `koanf:"cache"`
	Analyzer        AnalyzerConfig               `koanf:"analyzer"`
	Realtime        RealtimeConfig               `koanf:"realtime"`
	Personalization models.PersonalizationConfig `koanf:"personalization"`
	Scheduler       SchedulerConfig              `koanf:"scheduler"`
	API             APIConfig                    `koanf:"api"`
	Telegram        TelegramConfig               `koanf:"telegram"`
	Import          ImportConfig                 `koanf:"import"`
}

// DatabaseConfig selects the SQL driver. sqlite3 is the default, postgres is supported.
type DatabaseConfig struct {
	Driver       string `koanf:"driver" validate:"required,oneof=sqlite3 postgres"`
	DSN          string `koanf:"dsn" validate:"required"`
	MaxOpenConns int    `koanf:"max_open_conns" validate:"gte=1"`
}

// CacheConfig controls the aggregate cache
type CacheConfig struct {
	Backend         string        `koanf:"backend" validate:"oneof=memory badger"`
	BadgerPath      string        `koanf:"badger_path" validate:"required_if=Backend badger"`
	SchemaVersion   string        `koanf:"schema_version" validate:"required"`
	PatternTTL      time.Duration `koanf:"pattern_ttl" validate:"gt=0"`
	StatsTTL        time.Duration `koanf:"stats_ttl" validate:"gt=0"`
	QueueTTL        time.Duration `koanf:"queue_ttl" validate:"gt=0"`
	DeckStatsTTL    time.Duration `koanf:"deck_stats_ttl" validate:"gt=0"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"gt=0"`
	CleanupBatch    int           `koanf:"cleanup_batch" validate:"gte=1"`
	PersistMetrics  bool          `koanf:"persist_metrics"`
}

// AnalyzerConfig bounds the review window fed to the pattern analyzer
type AnalyzerConfig struct {
	WindowSize int           `koanf:"window_size" validate:"gte=20,lte=1000"`
	Lookback   time.Duration `koanf:"lookback" validate:"gt=0"`
	MinSamples int           `koanf:"min_samples" validate:"gte=1"`
}

// RealtimeConfig controls interaction folding
type RealtimeConfig struct {
	Debounce              time.Duration `koanf:"debounce" validate:"gt=0"`
	MinUpdateInterval     time.Duration `koanf:"min_update_interval" validate:"gte=0"`
	BatchSize             int           `koanf:"batch_size" validate:"gte=1,lte=500"`
	SignificanceThreshold float64       `koanf:"significance_threshold" validate:"gt=0,lte=1"`
	BreakerFailures       uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout        time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
	QueueLimit            int           `koanf:"queue_limit" validate:"gte=1,lte=10000"`
}

// SchedulerConfig controls periodic jobs
type SchedulerConfig struct {
	RefreshInterval   time.Duration `koanf:"refresh_interval" validate:"gt=0"`
	RefreshMaxAge     time.Duration `koanf:"refresh_max_age" validate:"gt=0"`
	RefreshBatch      int           `koanf:"refresh_batch" validate:"gte=1"`
	RemindersEnabled  bool          `koanf:"reminders_enabled"`
	NotificationStart int           `koanf:"notification_start_hour" validate:"gte=0,lte=23"`
	NotificationEnd   int           `koanf:"notification_end_hour" validate:"gte=0,lte=23"`
	MetricRetention   time.Duration `koanf:"metric_retention" validate:"gt=0"`
	SnapshotRetention time.Duration `koanf:"snapshot_retention" validate:"gt=0"`
}

// APIConfig controls the HTTP API
type APIConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Addr      string        `koanf:"addr" validate:"required_if=Enabled true"`
	RateLimit float64       `koanf:"rate_limit" validate:"gt=0"`
	RateBurst int           `koanf:"rate_burst" validate:"gte=1"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
}

// TelegramConfig controls the chat front end
type TelegramConfig struct {
	Enabled bool   `koanf:"enabled"`
	Token   string `koanf:"token" validate:"required_if=Enabled true"`
	Debug   bool   `koanf:"debug"`

	// Comma separated Telegram user ids allowed to import
	AdminIDs string `koanf:"admin_ids"`
}

// ImportConfig controls spreadsheet imports
type ImportConfig struct {
	MaxRows int `koanf:"max_rows" validate:"gte=1"`
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:       "sqlite3",
			DSN:          "data/srs.db",
			MaxOpenConns: 1,
		},
		Logging: logging.Config{Level: "info", Format: "json"},
		Cache: CacheConfig{
			Backend:         "memory",
			BadgerPath:      "data/cache",
			SchemaVersion:   "v1",
			PatternTTL:      time.Hour,
			StatsTTL:        15 * time.Minute,
			QueueTTL:        5 * time.Minute,
			DeckStatsTTL:    30 * time.Minute,
			CleanupInterval: 10 * time.Minute,
			CleanupBatch:    500,
			PersistMetrics:  true,
		},
		Analyzer: AnalyzerConfig{
			WindowSize: 200,
			Lookback:   30 * 24 * time.Hour,
			MinSamples: 20,
		},
		Realtime: RealtimeConfig{
			Debounce:              2 * time.Second,
			MinUpdateInterval:     30 * time.Second,
			BatchSize:             50,
			SignificanceThreshold: 0.15,
			BreakerFailures:       5,
			BreakerTimeout:        time.Minute,
			QueueLimit:            100,
		},
		Personalization: models.DefaultPersonalizationConfig(),
		Scheduler: SchedulerConfig{
			RefreshInterval:   time.Hour,
			RefreshMaxAge:     24 * time.Hour,
			RefreshBatch:      100,
			RemindersEnabled:  true,
			NotificationStart: 9,
			NotificationEnd:   22,
			MetricRetention:   7 * 24 * time.Hour,
			SnapshotRetention: 48 * time.Hour,
		},
		API: APIConfig{
			Enabled:   true,
			Addr:      ":8080",
			RateLimit: 10,
			RateBurst: 20,
			Timeout:   15 * time.Second,
		},
		Telegram: TelegramConfig{Enabled: false},
		Import:   ImportConfig{MaxRows: 5000},
	}
}

// Default returns the built-in configuration
func Default() *Config {
	return defaultConfig()
}

// TTLFor returns the cache TTL of a logical cache name
func (c CacheConfig) TTLFor(name string) time.Duration {
	switch name {
	case "learning_pattern":
		return c.PatternTTL
	case "user_stats":
		return c.StatsTTL
	case "study_queue":
		return c.QueueTTL
	case "deck_stats":
		return c.DeckStatsTTL
	default:
		return c.StatsTTL
	}
}
