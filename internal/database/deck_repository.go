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

// DeckRepository handles database operations for decks
type DeckRepository struct {
	db *sqlx.DB
}

// NewDeckRepository creates a new repository instance
func NewDeckRepository(db *sqlx.DB) *DeckRepository {
	return &DeckRepository{db: db}
}

// Create inserts a new deck and fills its id and timestamps
func (r *DeckRepository) Create(ctx context.Context, deck *models.Deck) error {
	if deck.ID == "" {
		deck.ID = uuid.NewString()
	}
	now := utc(time.Now())
	deck.CreatedAt, deck.UpdatedAt = now, now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO decks (id, user_id, name, created_at, updated_at)
		VALUES (:id, :user_id, :name, :created_at, :updated_at)`, deck)
	if err != nil {
		return fmt.Errorf("failed to create deck: %w", err)
	}
	return nil
}

// GetByID returns a deck by id
func (r *DeckRepository) GetByID(ctx context.Context, id string) (*models.Deck, error) {
	var deck models.Deck
	err := r.db.GetContext(ctx, &deck, r.db.Rebind(`
		SELECT id, user_id, name, created_at, updated_at FROM decks WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "deck")
	}
	return &deck, nil
}

// GetByName returns the user's deck with the given name
func (r *DeckRepository) GetByName(ctx context.Context, userID, name string) (*models.Deck, error) {
	var deck models.Deck
	err := r.db.GetContext(ctx, &deck, r.db.Rebind(`
		SELECT id, user_id, name, created_at, updated_at FROM decks WHERE user_id = ? AND name = ?`), userID, name)
	if err != nil {
		return nil, notFound(err, "deck")
	}
	return &deck, nil
}

// ListByUser returns all decks of a user ordered by name
func (r *DeckRepository) ListByUser(ctx context.Context, userID string) ([]models.Deck, error) {
	var decks []models.Deck
	err := r.db.SelectContext(ctx, &decks, r.db.Rebind(`
		SELECT id, user_id, name, created_at, updated_at FROM decks WHERE user_id = ? ORDER BY name`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decks: %w", err)
	}
	return decks, nil
}

// Delete removes a deck with its cards and their reviews
func (r *DeckRepository) Delete(ctx context.Context, userID, deckID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM reviews WHERE deck_id = ? AND user_id = ?"), deckID, userID); err != nil {
		return fmt.Errorf("failed to delete reviews: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM cards WHERE deck_id = ? AND user_id = ?"), deckID, userID); err != nil {
		return fmt.Errorf("failed to delete cards: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM concept_mastery WHERE concept_id = ? AND user_id = ?"), deckID, userID); err != nil {
		return fmt.Errorf("failed to delete concept mastery: %w", err)
	}

	result, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM decks WHERE id = ? AND user_id = ?"), deckID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete deck: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("deck %s: %w", deckID, errs.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
