package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/example/srsengine/pkg/models"
)

const reviewColumns = `id, user_id, card_id, deck_id, reviewed_at, quality,
	repetition_before, ease_factor_before, interval_before,
	repetition_after, ease_factor_after, interval_after,
	was_successful, response_time_ms, confidence_rating, mastery_adjustment`

// ReviewRepository is the append-only review log
type ReviewRepository struct {
	db *sqlx.DB
}

// NewReviewRepository creates a new repository instance
func NewReviewRepository(db *sqlx.DB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

func insertReview(ctx context.Context, e sqlx.ExtContext, rec *models.ReviewRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.ReviewedAt = utc(rec.ReviewedAt)
	_, err := sqlx.NamedExecContext(ctx, e, `
		INSERT INTO reviews (`+reviewColumns+`)
		VALUES (:id, :user_id, :card_id, :deck_id, :reviewed_at, :quality,
		        :repetition_before, :ease_factor_before, :interval_before,
		        :repetition_after, :ease_factor_after, :interval_after,
		        :was_successful, :response_time_ms, :confidence_rating, :mastery_adjustment)`, rec)
	if err != nil {
		return fmt.Errorf("failed to append review: %w", err)
	}
	return nil
}

// Append adds a review record outside of a card transaction. Used by imports and tests.
func (r *ReviewRepository) Append(ctx context.Context, rec *models.ReviewRecord) error {
	return insertReview(ctx, r.db, rec)
}

// ListRecent returns the user's most recent reviews since the given time, newest first
func (r *ReviewRepository) ListRecent(ctx context.Context, userID string, since time.Time, limit int) ([]models.ReviewRecord, error) {
	var reviews []models.ReviewRecord
	err := r.db.SelectContext(ctx, &reviews, r.db.Rebind(`
		SELECT `+reviewColumns+` FROM reviews
		WHERE user_id = ? AND reviewed_at >= ?
		ORDER BY reviewed_at DESC, id DESC
		LIMIT ?`), userID, utc(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent reviews: %w", err)
	}
	return reviews, nil
}

// ListByCard returns the latest reviews of one card, newest first
func (r *ReviewRepository) ListByCard(ctx context.Context, cardID string, limit int) ([]models.ReviewRecord, error) {
	var reviews []models.ReviewRecord
	err := r.db.SelectContext(ctx, &reviews, r.db.Rebind(`
		SELECT `+reviewColumns+` FROM reviews
		WHERE card_id = ?
		ORDER BY reviewed_at DESC, id DESC
		LIMIT ?`), cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list card reviews: %w", err)
	}
	return reviews, nil
}

// CountSince returns how many reviews the user made since the given time
func (r *ReviewRepository) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COUNT(*) FROM reviews WHERE user_id = ? AND reviewed_at >= ?`), userID, utc(since))
	if err != nil {
		return 0, fmt.Errorf("failed to count reviews: %w", err)
	}
	return n, nil
}
