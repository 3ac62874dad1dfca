package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/example/srsengine/pkg/models"
)

const interactionColumns = `id, user_id, card_id, session_id, interaction_type, occurred_at,
	success, response_time_ms, confidence, difficulty, processed`

// InteractionRepository stores in-session interactions waiting to be folded
type InteractionRepository struct {
	db *sqlx.DB
}

// NewInteractionRepository creates a new repository instance
func NewInteractionRepository(db *sqlx.DB) *InteractionRepository {
	return &InteractionRepository{db: db}
}

// Create persists an interaction with processed=false
func (r *InteractionRepository) Create(ctx context.Context, in *models.Interaction) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now()
	}
	in.OccurredAt = utc(in.OccurredAt)
	in.Processed = false

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO interactions (`+interactionColumns+`)
		VALUES (:id, :user_id, :card_id, :session_id, :interaction_type, :occurred_at,
		        :success, :response_time_ms, :confidence, :difficulty, :processed)`, in)
	if err != nil {
		return fmt.Errorf("failed to create interaction: %w", err)
	}
	return nil
}

// ListUnprocessed returns up to limit unprocessed interactions of the user, oldest first
func (r *InteractionRepository) ListUnprocessed(ctx context.Context, userID string, limit int) ([]models.Interaction, error) {
	var list []models.Interaction
	err := r.db.SelectContext(ctx, &list, r.db.Rebind(`
		SELECT `+interactionColumns+` FROM interactions
		WHERE user_id = ? AND processed = ?
		ORDER BY occurred_at, id
		LIMIT ?`), userID, false, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed interactions: %w", err)
	}
	return list, nil
}

// ListSince returns the user's interactions that occurred at or after since, processed or not
func (r *InteractionRepository) ListSince(ctx context.Context, userID string, since time.Time) ([]models.Interaction, error) {
	var list []models.Interaction
	err := r.db.SelectContext(ctx, &list, r.db.Rebind(`
		SELECT `+interactionColumns+` FROM interactions
		WHERE user_id = ? AND occurred_at >= ?
		ORDER BY occurred_at, id`), userID, utc(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	return list, nil
}

// MarkProcessed flags the given interactions as folded
func (r *InteractionRepository) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE interactions SET processed = ? WHERE id IN (?)`, true, ids)
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark interactions processed: %w", err)
	}
	return nil
}

// UsersWithPending returns the users that have unprocessed interactions
func (r *InteractionRepository) UsersWithPending(ctx context.Context, limit int) ([]string, error) {
	var users []string
	err := r.db.SelectContext(ctx, &users, r.db.Rebind(`
		SELECT DISTINCT user_id FROM interactions WHERE processed = ? ORDER BY user_id LIMIT ?`), false, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with pending interactions: %w", err)
	}
	return users, nil
}
