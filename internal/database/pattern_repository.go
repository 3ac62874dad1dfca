package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/srsengine/pkg/models"
)

// PatternRepository stores one learning pattern per user as a JSON document
type PatternRepository struct {
	db *sqlx.DB
}

// NewPatternRepository creates a new repository instance
func NewPatternRepository(db *sqlx.DB) *PatternRepository {
	return &PatternRepository{db: db}
}

type patternRow struct {
	UserID      string    `db:"user_id"`
	Payload     string    `db:"payload"`
	SampleCount int       `db:"sample_count"`
	Invalidated bool      `db:"invalidated"`
	LastUpdated time.Time `db:"last_updated"`
}

// Get returns the stored pattern or errs.ErrNotFound
func (r *PatternRepository) Get(ctx context.Context, userID string) (*models.LearningPattern, error) {
	var row patternRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT user_id, payload, sample_count, invalidated, last_updated
		FROM learning_patterns WHERE user_id = ?`), userID)
	if err != nil {
		return nil, notFound(err, "learning pattern")
	}

	var p models.LearningPattern
	if err := decodeJSON(row.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode learning pattern: %w", err)
	}
	p.UserID = row.UserID
	p.Invalidated = row.Invalidated
	p.LastUpdated = row.LastUpdated
	return &p, nil
}

// Save upserts the pattern unless a newer one is already stored, so
// LastUpdated never moves backwards. It reports whether the row was written.
func (r *PatternRepository) Save(ctx context.Context, p *models.LearningPattern) (bool, error) {
	p.LastUpdated = utc(p.LastUpdated)
	payload, err := encodeJSON(p)
	if err != nil {
		return false, fmt.Errorf("failed to encode learning pattern: %w", err)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO learning_patterns (user_id, payload, sample_count, invalidated, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			payload = excluded.payload,
			sample_count = excluded.sample_count,
			invalidated = excluded.invalidated,
			last_updated = excluded.last_updated
		WHERE learning_patterns.last_updated <= excluded.last_updated`),
		p.UserID, payload, p.SampleCount, p.Invalidated, p.LastUpdated)
	if err != nil {
		return false, fmt.Errorf("failed to save learning pattern: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Invalidate flags the stored pattern for recomputation without deleting it
func (r *PatternRepository) Invalidate(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE learning_patterns SET invalidated = ? WHERE user_id = ?`), true, userID)
	if err != nil {
		return fmt.Errorf("failed to invalidate learning pattern: %w", err)
	}
	return nil
}

// ListStale returns users whose pattern is invalidated, older than cutoff, or
// missing although they have reviews. Users never attempted come first, then
// the least recently attempted, so a user who keeps failing to refresh
// cannot hold the head of the list.
func (r *PatternRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var users []string
	err := r.db.SelectContext(ctx, &users, r.db.Rebind(`
		SELECT stale.user_id FROM (
			SELECT user_id FROM learning_patterns WHERE invalidated = ? OR last_updated < ?
			UNION
			SELECT DISTINCT r.user_id FROM reviews r
			LEFT JOIN learning_patterns p ON p.user_id = r.user_id
			WHERE p.user_id IS NULL
		) stale
		LEFT JOIN pattern_refresh_attempts a ON a.user_id = stale.user_id
		ORDER BY CASE WHEN a.attempted_at IS NULL THEN 0 ELSE 1 END, a.attempted_at, stale.user_id
		LIMIT ?`), true, utc(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale patterns: %w", err)
	}
	return users, nil
}

// MarkAttempted records that a refresh of the user's pattern was tried at
func (r *PatternRepository) MarkAttempted(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO pattern_refresh_attempts (user_id, attempted_at) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET attempted_at = excluded.attempted_at`),
		userID, utc(at))
	if err != nil {
		return fmt.Errorf("failed to record pattern refresh attempt: %w", err)
	}
	return nil
}
