package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/example/srsengine/pkg/models"
)

const masteryColumns = `user_id, concept_id, mastery_level, confidence, learning_velocity, difficulty_trend, category, updated_at`

// MasteryRepository stores per-concept mastery
type MasteryRepository struct {
	db *sqlx.DB
}

// NewMasteryRepository creates a new repository instance
func NewMasteryRepository(db *sqlx.DB) *MasteryRepository {
	return &MasteryRepository{db: db}
}

// Upsert writes the mastery of one concept
func (r *MasteryRepository) Upsert(ctx context.Context, m *models.ConceptMastery) error {
	m.UpdatedAt = utc(m.UpdatedAt)
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO concept_mastery (`+masteryColumns+`)
		VALUES (:user_id, :concept_id, :mastery_level, :confidence, :learning_velocity, :difficulty_trend, :category, :updated_at)
		ON CONFLICT (user_id, concept_id) DO UPDATE SET
			mastery_level = excluded.mastery_level,
			confidence = excluded.confidence,
			learning_velocity = excluded.learning_velocity,
			difficulty_trend = excluded.difficulty_trend,
			category = excluded.category,
			updated_at = excluded.updated_at`, m)
	if err != nil {
		return fmt.Errorf("failed to upsert concept mastery: %w", err)
	}
	return nil
}

// Get returns the mastery of one concept or errs.ErrNotFound
func (r *MasteryRepository) Get(ctx context.Context, userID, conceptID string) (*models.ConceptMastery, error) {
	var m models.ConceptMastery
	err := r.db.GetContext(ctx, &m, r.db.Rebind(`
		SELECT `+masteryColumns+` FROM concept_mastery WHERE user_id = ? AND concept_id = ?`), userID, conceptID)
	if err != nil {
		return nil, notFound(err, "concept mastery")
	}
	return &m, nil
}

// ListByUser returns all concept masteries of a user
func (r *MasteryRepository) ListByUser(ctx context.Context, userID string) ([]models.ConceptMastery, error) {
	var list []models.ConceptMastery
	err := r.db.SelectContext(ctx, &list, r.db.Rebind(`
		SELECT `+masteryColumns+` FROM concept_mastery WHERE user_id = ? ORDER BY concept_id`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list concept mastery: %w", err)
	}
	return list, nil
}
