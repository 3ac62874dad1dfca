package review

import (
	"context"
	"errors"
	"strings"

	"github.com/example/srsengine/internal/cache"
	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/pkg/models"
)

// ListDecks returns the user's decks
func (s *Service) ListDecks(ctx context.Context, userID string) ([]models.Deck, error) {
	if err := authorize(userID); err != nil {
		return nil, err
	}
	return s.Decks.ListByUser(ctx, userID)
}

// CreateDeck adds a deck for the user
func (s *Service) CreateDeck(ctx context.Context, userID, name string) (*models.Deck, error) {
	if err := authorize(userID); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Invalid("name", "must not be empty")
	}
	deck := &models.Deck{UserID: userID, Name: name}
	if err := s.Decks.Create(ctx, deck); err != nil {
		return nil, err
	}
	s.invalidate(ctx, userID, cache.EventDeckCreated)
	return deck, nil
}

// EnsureDeck returns the user's deck with the given name, creating it when missing
func (s *Service) EnsureDeck(ctx context.Context, userID, name string) (*models.Deck, bool, error) {
	if err := authorize(userID); err != nil {
		return nil, false, err
	}
	deck, err := s.Decks.GetByName(ctx, userID, strings.TrimSpace(name))
	if err == nil {
		return deck, false, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, false, err
	}
	deck, err = s.CreateDeck(ctx, userID, name)
	if err != nil {
		return nil, false, err
	}
	return deck, true, nil
}

// DeleteDeck removes a deck with its cards. The stored pattern is marked for recomputation.
func (s *Service) DeleteDeck(ctx context.Context, userID, deckID string) error {
	if err := authorize(userID); err != nil {
		return err
	}
	if err := s.Decks.Delete(ctx, userID, deckID); err != nil {
		return err
	}
	s.invalidatePattern(ctx, userID)
	s.invalidate(ctx, userID, cache.EventDeckDeleted)
	return nil
}

// AddCard creates a card in one of the user's decks
func (s *Service) AddCard(ctx context.Context, userID, deckID, front, back string) (*models.Card, error) {
	if err := authorize(userID); err != nil {
		return nil, err
	}
	front, back = strings.TrimSpace(front), strings.TrimSpace(back)
	if front == "" {
		return nil, errs.Invalid("front", "must not be empty")
	}
	if back == "" {
		return nil, errs.Invalid("back", "must not be empty")
	}
	deck, err := s.Decks.GetByID(ctx, deckID)
	if err != nil {
		return nil, err
	}
	if deck.UserID != userID {
		return nil, errs.ErrUnauthorized
	}

	card := &models.Card{DeckID: deck.ID, UserID: userID, Front: front, Back: back}
	if err := s.Cards.Create(ctx, card); err != nil {
		return nil, err
	}
	s.invalidate(ctx, userID, cache.EventCardCreated)
	return card, nil
}

// DeleteCard removes one of the user's cards
func (s *Service) DeleteCard(ctx context.Context, userID, cardID string) error {
	if err := authorize(userID); err != nil {
		return err
	}
	if err := s.Cards.Delete(ctx, userID, cardID); err != nil {
		return err
	}
	s.invalidatePattern(ctx, userID)
	s.invalidate(ctx, userID, cache.EventCardDeleted)
	return nil
}

func (s *Service) invalidatePattern(ctx context.Context, userID string) {
	err := s.Patterns.Invalidate(ctx, userID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to invalidate learning pattern")
	}
}
