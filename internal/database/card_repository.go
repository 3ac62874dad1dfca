package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/pkg/models"
)

const cardColumns = `id, deck_id, user_id, front, back, repetition, ease_factor, interval_days, due_date, version, created_at, updated_at`

// CardRepository handles database operations for cards and their scheduling state
type CardRepository struct {
	db      *sqlx.DB
	reviews *ReviewRepository
}

// NewCardRepository creates a new repository instance
func NewCardRepository(db *sqlx.DB) *CardRepository {
	return &CardRepository{db: db, reviews: NewReviewRepository(db)}
}

// Create inserts a new card. A zero scheduling state is replaced by the defaults due at creation time.
func (r *CardRepository) Create(ctx context.Context, card *models.Card) error {
	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	now := utc(time.Now())
	if card.DueDate.IsZero() {
		card.SchedulingState = models.NewSchedulingState(now)
	}
	card.SchedulingState = card.SchedulingState.Normalize()
	card.DueDate = utc(card.DueDate)
	card.CreatedAt, card.UpdatedAt = now, now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO cards (`+cardColumns+`)
		VALUES (:id, :deck_id, :user_id, :front, :back, :repetition, :ease_factor, :interval_days,
		        :due_date, :version, :created_at, :updated_at)`, card)
	if err != nil {
		return fmt.Errorf("failed to create card: %w", err)
	}
	return nil
}

// GetByID returns a card by id
func (r *CardRepository) GetByID(ctx context.Context, id string) (*models.Card, error) {
	var card models.Card
	err := r.db.GetContext(ctx, &card, r.db.Rebind(`SELECT `+cardColumns+` FROM cards WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "card")
	}
	return &card, nil
}

// ListByUser returns all cards of a user
func (r *CardRepository) ListByUser(ctx context.Context, userID string) ([]models.Card, error) {
	var cards []models.Card
	err := r.db.SelectContext(ctx, &cards, r.db.Rebind(`
		SELECT `+cardColumns+` FROM cards WHERE user_id = ? ORDER BY due_date, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	return cards, nil
}

// ListDue returns cards due at now, most overdue first
func (r *CardRepository) ListDue(ctx context.Context, userID string, now time.Time, limit int) ([]models.Card, error) {
	var cards []models.Card
	err := r.db.SelectContext(ctx, &cards, r.db.Rebind(`
		SELECT `+cardColumns+` FROM cards
		WHERE user_id = ? AND due_date <= ?
		ORDER BY due_date, id
		LIMIT ?`), userID, utc(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cards: %w", err)
	}
	return cards, nil
}

// CountDue returns how many cards of the user are due at now
func (r *CardRepository) CountDue(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COUNT(*) FROM cards WHERE user_id = ? AND due_date <= ?`), userID, utc(now))
	if err != nil {
		return 0, fmt.Errorf("failed to count due cards: %w", err)
	}
	return n, nil
}

// ListSummaries returns the card texts used for topic clustering
func (r *CardRepository) ListSummaries(ctx context.Context, userID string) ([]models.CardSummary, error) {
	var summaries []models.CardSummary
	err := r.db.SelectContext(ctx, &summaries, r.db.Rebind(`
		SELECT id, deck_id, front, back FROM cards WHERE user_id = ? ORDER BY id`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list card summaries: %w", err)
	}
	return summaries, nil
}

// Delete removes a card and its reviews
func (r *CardRepository) Delete(ctx context.Context, userID, cardID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM reviews WHERE card_id = ? AND user_id = ?"), cardID, userID); err != nil {
		return fmt.Errorf("failed to delete reviews: %w", err)
	}
	result, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM cards WHERE id = ? AND user_id = ?"), cardID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete card: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("card %s: %w", cardID, errs.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReviewFunc computes the next scheduling state and the review record from the card as read inside the transaction
type ReviewFunc func(card models.Card) (models.SchedulingState, *models.ReviewRecord, error)

// ApplyReview reads the card, lets fn compute its next state and writes both the state and
// the review record in one transaction. The update is guarded by the card version, so a
// concurrent writer makes it fail with errs.ErrConflict instead of losing an update.
func (r *CardRepository) ApplyReview(ctx context.Context, cardID string, fn ReviewFunc) (*models.Card, *models.ReviewRecord, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var card models.Card
	if err := tx.GetContext(ctx, &card, tx.Rebind(`SELECT `+cardColumns+` FROM cards WHERE id = ?`), cardID); err != nil {
		return nil, nil, notFound(err, "card")
	}

	next, record, err := fn(card)
	if err != nil {
		return nil, nil, err
	}

	now := utc(time.Now())
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE cards
		SET repetition = ?, ease_factor = ?, interval_days = ?, due_date = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		next.Repetition, next.EaseFactor, next.Interval, utc(next.DueDate), now, card.ID, card.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update card: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, nil, fmt.Errorf("card %s: %w", card.ID, errs.ErrConflict)
	}

	if err := insertReview(ctx, tx, record); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	card.SchedulingState = next
	card.DueDate = utc(next.DueDate)
	card.Version++
	card.UpdatedAt = now
	return &card, record, nil
}

// Stats computes the card part of the user dashboard summary
func (r *CardRepository) Stats(ctx context.Context, userID string, now time.Time) (*models.UserStats, error) {
	var stats models.UserStats
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, now.Location())
	err := r.db.GetContext(ctx, &stats, r.db.Rebind(`
		SELECT COUNT(*) AS total_cards,
		       COALESCE(SUM(CASE WHEN due_date <= ? THEN 1 ELSE 0 END), 0) AS due_today,
		       COALESCE(SUM(CASE WHEN repetition >= ? AND interval_days >= ? THEN 1 ELSE 0 END), 0) AS mastered,
		       COALESCE(AVG(ease_factor), 0) AS average_ease_factor
		FROM cards WHERE user_id = ?`),
		utc(endOfDay), models.MasteredRepetitions, models.MasteredInterval, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute card stats: %w", err)
	}
	stats.UserID = userID
	return &stats, nil
}
