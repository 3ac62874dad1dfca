package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/example/srsengine/internal/config"
)

// Connect opens the configured database and creates the schema
func Connect(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.Driver == "sqlite3" && cfg.DSN != ":memory:" {
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite3" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
		// SQLite doesn't support multiple writers
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := InitializeSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenInMemory returns a fresh in-memory SQLite database with the schema applied
func OpenInMemory() (*sqlx.DB, error) {
	return Connect(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:", MaxOpenConns: 1})
}

var schema = []struct {
	name string
	ddl  string
}{
	{"users", `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			chat_id BIGINT UNIQUE,
			username TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			reminder_hour INTEGER NOT NULL DEFAULT 9,
			reminders_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			personalization TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`},
	{"decks", `
		CREATE TABLE IF NOT EXISTS decks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(user_id, name)
		)`},
	{"cards", `
		CREATE TABLE IF NOT EXISTS cards (
			id TEXT PRIMARY KEY,
			deck_id TEXT NOT NULL REFERENCES decks(id),
			user_id TEXT NOT NULL,
			front TEXT NOT NULL,
			back TEXT NOT NULL,
			repetition INTEGER NOT NULL DEFAULT 0,
			ease_factor DOUBLE PRECISION NOT NULL DEFAULT 2.5,
			interval_days INTEGER NOT NULL DEFAULT 1,
			due_date TIMESTAMP NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`},
	{"idx_cards_user_due", `CREATE INDEX IF NOT EXISTS idx_cards_user_due ON cards(user_id, due_date)`},
	{"reviews", `
		CREATE TABLE IF NOT EXISTS reviews (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			card_id TEXT NOT NULL,
			deck_id TEXT NOT NULL,
			reviewed_at TIMESTAMP NOT NULL,
			quality INTEGER NOT NULL,
			repetition_before INTEGER NOT NULL,
			ease_factor_before DOUBLE PRECISION NOT NULL,
			interval_before INTEGER NOT NULL,
			repetition_after INTEGER NOT NULL,
			ease_factor_after DOUBLE PRECISION NOT NULL,
			interval_after INTEGER NOT NULL,
			was_successful BOOLEAN NOT NULL,
			response_time_ms BIGINT,
			confidence_rating INTEGER,
			mastery_adjustment DOUBLE PRECISION
		)`},
	{"idx_reviews_user_time", `CREATE INDEX IF NOT EXISTS idx_reviews_user_time ON reviews(user_id, reviewed_at)`},
	{"idx_reviews_card_time", `CREATE INDEX IF NOT EXISTS idx_reviews_card_time ON reviews(card_id, reviewed_at)`},
	{"interactions", `
		CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			card_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			interaction_type TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			success BOOLEAN,
			response_time_ms BIGINT,
			confidence INTEGER,
			difficulty INTEGER,
			processed BOOLEAN NOT NULL DEFAULT FALSE
		)`},
	{"idx_interactions_pending", `CREATE INDEX IF NOT EXISTS idx_interactions_pending ON interactions(user_id, processed, occurred_at)`},
	{"learning_patterns", `
		CREATE TABLE IF NOT EXISTS learning_patterns (
			user_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			sample_count INTEGER NOT NULL,
			invalidated BOOLEAN NOT NULL DEFAULT FALSE,
			last_updated TIMESTAMP NOT NULL
		)`},
	{"pattern_refresh_attempts", `
		CREATE TABLE IF NOT EXISTS pattern_refresh_attempts (
			user_id TEXT PRIMARY KEY,
			attempted_at TIMESTAMP NOT NULL
		)`},
	{"study_path_snapshots", `
		CREATE TABLE IF NOT EXISTS study_path_snapshots (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			trigger_reason TEXT NOT NULL,
			original_order TEXT NOT NULL,
			new_order TEXT NOT NULL,
			scores TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`},
	{"idx_snapshots_user_session", `CREATE INDEX IF NOT EXISTS idx_snapshots_user_session ON study_path_snapshots(user_id, session_id, created_at)`},
	{"concept_mastery", `
		CREATE TABLE IF NOT EXISTS concept_mastery (
			user_id TEXT NOT NULL,
			concept_id TEXT NOT NULL,
			mastery_level DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			learning_velocity DOUBLE PRECISION NOT NULL,
			difficulty_trend INTEGER NOT NULL,
			category INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, concept_id)
		)`},
	{"cache_metrics", `
		CREATE TABLE IF NOT EXISTS cache_metrics (
			id {{serial}},
			user_id TEXT NOT NULL DEFAULT '',
			cache_key TEXT NOT NULL,
			cache_name TEXT NOT NULL,
			op TEXT NOT NULL,
			hit_type TEXT NOT NULL DEFAULT '',
			computation_time_ns BIGINT NOT NULL DEFAULT 0,
			ttl_ns BIGINT NOT NULL DEFAULT 0,
			recorded_at TIMESTAMP NOT NULL
		)`},
	{"idx_cache_metrics_time", `CREATE INDEX IF NOT EXISTS idx_cache_metrics_time ON cache_metrics(recorded_at)`},
}

// InitializeSchema creates necessary tables if they don't exist
func InitializeSchema(db *sqlx.DB) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.DriverName() == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	for _, s := range schema {
		ddl := strings.ReplaceAll(s.ddl, "{{serial}}", serial)
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create %s: %w", s.name, err)
		}
	}
	return nil
}
