// Package review orchestrates the synchronous review path and the user-facing
// queries built on cached aggregates.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/example/srsengine/internal/cache"
	"github.com/example/srsengine/internal/database"
	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/keylock"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/internal/metrics"
	"github.com/example/srsengine/internal/spaced_repetition"
	"github.com/example/srsengine/pkg/models"
)

// CardStore is the card persistence the service needs
type CardStore interface {
	GetByID(ctx context.Context, id string) (*models.Card, error)
	Create(ctx context.Context, card *models.Card) error
	Delete(ctx context.Context, userID, cardID string) error
	ListByUser(ctx context.Context, userID string) ([]models.Card, error)
	ListDue(ctx context.Context, userID string, now time.Time, limit int) ([]models.Card, error)
	ApplyReview(ctx context.Context, cardID string, fn database.ReviewFunc) (*models.Card, *models.ReviewRecord, error)
	Stats(ctx context.Context, userID string, now time.Time) (*models.UserStats, error)
}

// DeckStore is the deck persistence the service needs
type DeckStore interface {
	Create(ctx context.Context, deck *models.Deck) error
	GetByID(ctx context.Context, id string) (*models.Deck, error)
	GetByName(ctx context.Context, userID, name string) (*models.Deck, error)
	ListByUser(ctx context.Context, userID string) ([]models.Deck, error)
	Delete(ctx context.Context, userID, deckID string) error
}

// ReviewCounter counts past reviews
type ReviewCounter interface {
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// PatternStore reads and invalidates stored learning patterns
type PatternStore interface {
	Get(ctx context.Context, userID string) (*models.LearningPattern, error)
	Invalidate(ctx context.Context, userID string) error
}

// MasteryStore reads concept mastery
type MasteryStore interface {
	Get(ctx context.Context, userID, conceptID string) (*models.ConceptMastery, error)
	ListByUser(ctx context.Context, userID string) ([]models.ConceptMastery, error)
}

// UserStore reads and writes personalization settings
type UserStore interface {
	PersonalizationFor(ctx context.Context, userID string) (models.PersonalizationConfig, error)
	UpdatePersonalization(ctx context.Context, userID string, cfg models.PersonalizationConfig) error
}

// Updater is the deferred side of the engine
type Updater interface {
	RecordInteraction(ctx context.Context, in *models.Interaction) error
	RequestFold(userID string, force bool) error
	Recompute(ctx context.Context, userID string) (*models.LearningPattern, error)
	RankQueue(ctx context.Context, userID string) ([]models.ScoredCard, error)
	FreshSnapshot(ctx context.Context, userID, sessionID string) (*models.StudyPathSnapshot, bool, error)
}

// Deps groups the collaborators of a Service
type Deps struct {
	Cards    CardStore
	Decks    DeckStore
	Reviews  ReviewCounter
	Patterns PatternStore
	Mastery  MasteryStore
	Users    UserStore
	Updater  Updater
	Cache    *cache.Layer
	SM2      *spaced_repetition.SM2
	Clock    func() time.Time
}

// Service is the entry point of every user-facing operation
type Service struct {
	Deps
	locks    *keylock.KeyedMutex
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewService creates a review service
func NewService(deps Deps) *Service {
	if deps.SM2 == nil {
		deps.SM2 = spaced_repetition.NewSM2()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{
		Deps:     deps,
		locks:    keylock.New(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.Component("review"),
	}
}

func authorize(userID string) error {
	if userID == "" {
		return fmt.Errorf("missing user id: %w", errs.ErrUnauthorized)
	}
	return nil
}

func (s *Service) validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return errs.Invalid(f.Field(), fmt.Sprintf("failed %s=%s", f.Tag(), f.Param()))
	}
	return fmt.Errorf("%w: %v", errs.ErrValidation, err)
}

// ownedCard loads a card and checks it belongs to the user
func (s *Service) ownedCard(ctx context.Context, userID, cardID string) (*models.Card, error) {
	card, err := s.Cards.GetByID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.UserID != userID {
		return nil, fmt.Errorf("card %s: %w", cardID, errs.ErrUnauthorized)
	}
	return card, nil
}

// SubmitReview applies a graded review to a card. The state change and the
// review record are written atomically. Pattern maintenance is deferred and
// never fails the review.
func (s *Service) SubmitReview(ctx context.Context, userID string, sub models.ReviewSubmission) (*models.ReviewResult, error) {
	if err := authorize(userID); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(sub); err != nil {
		return nil, s.validationError(err)
	}
	card, err := s.ownedCard(ctx, userID, sub.CardID)
	if err != nil {
		return nil, err
	}

	// Loaded before the transaction: a single-connection store cannot serve reads inside it
	lp := s.patternForScheduling(ctx, userID)
	mastery := s.masteryFor(ctx, userID, card.DeckID)
	now := s.Clock()

	unlock := s.locks.Lock(card.ID)
	start := time.Now()
	var advanced spaced_repetition.AdvanceResult
	updated, record, err := s.Cards.ApplyReview(ctx, card.ID, func(c models.Card) (models.SchedulingState, *models.ReviewRecord, error) {
		if c.UserID != userID {
			return models.SchedulingState{}, nil, fmt.Errorf("card %s: %w", c.ID, errs.ErrUnauthorized)
		}
		res, err := s.SM2.Advance(spaced_repetition.AdvanceInput{
			Quality: sub.Quality,
			State:   c.SchedulingState,
			Pattern: lp,
			Mastery: mastery,
			Now:     now,
		})
		if err != nil {
			return models.SchedulingState{}, nil, err
		}
		advanced = res
		before := c.SchedulingState.Normalize()
		return res.State, &models.ReviewRecord{
			UserID:            userID,
			CardID:            c.ID,
			DeckID:            c.DeckID,
			ReviewedAt:        now,
			Quality:           sub.Quality,
			RepetitionBefore:  before.Repetition,
			EaseFactorBefore:  before.EaseFactor,
			IntervalBefore:    before.Interval,
			RepetitionAfter:   res.State.Repetition,
			EaseFactorAfter:   res.State.EaseFactor,
			IntervalAfter:     res.State.Interval,
			WasSuccessful:     res.Successful,
			ResponseTimeMs:    sub.ResponseTimeMs,
			ConfidenceRating:  sub.ConfidenceRating,
			MasteryAdjustment: res.MasteryAdjustment,
		}, nil
	})
	unlock()
	metrics.ReviewDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			metrics.ReviewConflicts.Inc()
		}
		return nil, err
	}

	outcome := "lapse"
	if record.WasSuccessful {
		outcome = "success"
	}
	metrics.ReviewsTotal.WithLabelValues(outcome).Inc()

	s.invalidate(ctx, userID, cache.EventCardReviewed)
	s.recordAnswer(ctx, userID, sub, record)

	logging.Ctx(ctx).Debug().
		Str("card_id", card.ID).
		Int("quality", sub.Quality).
		Int("interval", updated.Interval).
		Float64("ease", updated.EaseFactor).
		Msg("review applied")

	return &models.ReviewResult{
		NextReviewDate: updated.DueDate,
		Confidence:     advanced.Confidence,
		Message:        resultMessage(record),
	}, nil
}

func resultMessage(rec *models.ReviewRecord) string {
	if !rec.WasSuccessful {
		return "Card reset. It will come back tomorrow."
	}
	if rec.IntervalAfter == 1 {
		return "Good. Next review tomorrow."
	}
	return fmt.Sprintf("Good. Next review in %d days.", rec.IntervalAfter)
}

// RecordInteraction records an in-session interaction on one of the user's
// own cards and leaves the pattern update to the updater
func (s *Service) RecordInteraction(ctx context.Context, in *models.Interaction) error {
	if err := authorize(in.UserID); err != nil {
		return err
	}
	if err := s.validate.Struct(in); err != nil {
		return s.validationError(err)
	}
	if _, err := s.ownedCard(ctx, in.UserID, in.CardID); err != nil {
		return err
	}
	return s.Updater.RecordInteraction(ctx, in)
}

// recordAnswer hands the review to the updater as an answer interaction
func (s *Service) recordAnswer(ctx context.Context, userID string, sub models.ReviewSubmission, rec *models.ReviewRecord) {
	if s.Updater == nil {
		return
	}
	success := rec.WasSuccessful
	in := &models.Interaction{
		UserID:         userID,
		CardID:         rec.CardID,
		SessionID:      sub.SessionID,
		Type:           models.InteractionAnswer,
		OccurredAt:     rec.ReviewedAt,
		Success:        &success,
		ResponseTimeMs: sub.ResponseTimeMs,
		Confidence:     sub.ConfidenceRating,
	}
	if err := s.Updater.RecordInteraction(ctx, in); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("card_id", rec.CardID).Msg("failed to record answer interaction")
	}
}

func (s *Service) invalidate(ctx context.Context, userID string, event cache.Event) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.InvalidateFor(ctx, userID, event); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("event", string(event)).Msg("cache invalidation failed")
	}
}

// patternForScheduling returns the cached or stored pattern, nil when there
// is none or it is invalidated
func (s *Service) patternForScheduling(ctx context.Context, userID string) *models.LearningPattern {
	if s.Cache != nil {
		if p, ok, err := cache.Load[models.LearningPattern](ctx, s.Cache, userID, cache.NameLearningPattern); err == nil && ok && !p.Invalidated {
			return &p
		}
	}
	p, err := s.Patterns.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to load learning pattern")
		}
		return nil
	}
	if p.Invalidated {
		return nil
	}
	return p
}

func (s *Service) masteryFor(ctx context.Context, userID, deckID string) *models.ConceptMastery {
	if s.Mastery == nil {
		return nil
	}
	m, err := s.Mastery.Get(ctx, userID, deckID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to load concept mastery")
		}
		return nil
	}
	return m
}

// LearningPattern returns the user's pattern from cache, then store, then a
// fresh computation. A user without enough history gets errs.ErrNotFound.
func (s *Service) LearningPattern(ctx context.Context, userID string) (*models.LearningPattern, error) {
	if err := authorize(userID); err != nil {
		return nil, err
	}
	if s.Cache != nil {
		if p, ok, err := cache.Load[models.LearningPattern](ctx, s.Cache, userID, cache.NameLearningPattern); err == nil && ok && !p.Invalidated {
			return &p, nil
		}
	}

	start := time.Now()
	p, err := s.Patterns.Get(ctx, userID)
	switch {
	case err == nil && !p.Invalidated:
	case err == nil || errors.Is(err, errs.ErrNotFound):
		p, err = s.Updater.Recompute(ctx, userID)
		if errors.Is(err, errs.ErrInsufficientData) {
			return nil, fmt.Errorf("no learning pattern yet (%v): %w", err, errs.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		// Recompute already refreshed the cache
		return p, nil
	default:
		return nil, err
	}

	if s.Cache != nil {
		if err := cache.Put(ctx, s.Cache, userID, cache.NameLearningPattern, p, time.Since(start)); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to cache learning pattern")
		}
	}
	return p, nil
}

// StudyQueue returns the user's due cards in priority order. A fresh study
// path snapshot of the session wins over the cached queue, which wins over
// ranking on demand. limit <= 0 returns everything.
func (s *Service) StudyQueue(ctx context.Context, userID, sessionID string, limit int) ([]models.ScoredCard, error) {
	if err := authorize(userID); err != nil {
		return nil, err
	}

	var queue []models.ScoredCard
	snap, ok, err := s.Updater.FreshSnapshot(ctx, userID, sessionID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to load study path snapshot")
	}
	if ok {
		queue, err = s.stillDue(ctx, userID, snap.Scores)
		if err != nil {
			return nil, err
		}
	} else if s.Cache != nil {
		queue, err = cache.GetOrCompute(ctx, s.Cache, userID, cache.NameStudyQueue, func(ctx context.Context) ([]models.ScoredCard, error) {
			return s.Updater.RankQueue(ctx, userID)
		})
		if err != nil {
			return nil, err
		}
	} else {
		queue, err = s.Updater.RankQueue(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	if limit > 0 && len(queue) > limit {
		queue = queue[:limit]
	}
	return queue, nil
}

// dueScanLimit bounds the due cards loaded to filter a snapshot
const dueScanLimit = 10000

// stillDue drops snapshot entries whose card was reviewed or deleted since
func (s *Service) stillDue(ctx context.Context, userID string, scored []models.ScoredCard) ([]models.ScoredCard, error) {
	due, err := s.Cards.ListDue(ctx, userID, s.Clock(), dueScanLimit)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(due))
	for _, c := range due {
		ids[c.ID] = true
	}
	out := make([]models.ScoredCard, 0, len(scored))
	for _, sc := range scored {
		if ids[sc.CardID] {
			out = append(out, sc)
		}
	}
	return out, nil
}

// UserStats returns the cached dashboard summary
func (s *Service) UserStats(ctx context.Context, userID string) (*models.UserStats, error) {
	if err := authorize(userID); err != nil {
		return nil, err
	}
	compute := func(ctx context.Context) (*models.UserStats, error) {
		now := s.Clock()
		stats, err := s.Cards.Stats(ctx, userID, now)
		if err != nil {
			return nil, err
		}
		n, err := s.Reviews.CountSince(ctx, userID, now.Add(-7*models.Day))
		if err != nil {
			return nil, err
		}
		stats.ReviewsLast7Days = n
		stats.ComputedAt = now
		return stats, nil
	}
	if s.Cache == nil {
		return compute(ctx)
	}
	return cache.GetOrCompute(ctx, s.Cache, userID, cache.NameUserStats, compute)
}

// DeckStats returns the cached per-deck summary
func (s *Service) DeckStats(ctx context.Context, userID string) ([]models.DeckStats, error) {
	if err := authorize(userID); err != nil {
		return nil, err
	}
	compute := func(ctx context.Context) ([]models.DeckStats, error) {
		decks, err := s.Decks.ListByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		cards, err := s.Cards.ListByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		mastery := map[string]models.ConceptMastery{}
		if s.Mastery != nil {
			list, err := s.Mastery.ListByUser(ctx, userID)
			if err != nil {
				return nil, err
			}
			for _, m := range list {
				mastery[m.ConceptID] = m
			}
		}

		now := s.Clock()
		byDeck := make(map[string]*models.DeckStats, len(decks))
		out := make([]models.DeckStats, len(decks))
		for i, d := range decks {
			out[i] = models.DeckStats{DeckID: d.ID, Name: d.Name}
			if m, ok := mastery[d.ID]; ok {
				out[i].MasteryLevel = m.MasteryLevel
				out[i].Category = m.Category
			}
			byDeck[d.ID] = &out[i]
		}
		for _, c := range cards {
			ds, ok := byDeck[c.DeckID]
			if !ok {
				continue
			}
			ds.TotalCards++
			if c.IsDue(now) {
				ds.DueCards++
			}
			if c.IsMastered() {
				ds.Mastered++
			}
		}
		return out, nil
	}
	if s.Cache == nil {
		return compute(ctx)
	}
	return cache.GetOrCompute(ctx, s.Cache, userID, cache.NameDeckStats, compute)
}

// CompleteSession ends a study session: aggregates are invalidated and a forced fold is queued
func (s *Service) CompleteSession(ctx context.Context, userID, sessionID string) error {
	if err := authorize(userID); err != nil {
		return err
	}
	s.invalidate(ctx, userID, cache.EventSessionCompleted)
	if s.Updater != nil {
		if err := s.Updater.RequestFold(userID, true); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("failed to enqueue session fold")
		}
	}
	logging.Ctx(ctx).Info().Str("session_id", sessionID).Msg("study session completed")
	return nil
}

// Personalization returns the user's effective personalization config
func (s *Service) Personalization(ctx context.Context, userID string) (models.PersonalizationConfig, error) {
	if err := authorize(userID); err != nil {
		return models.PersonalizationConfig{}, err
	}
	return s.Users.PersonalizationFor(ctx, userID)
}

// UpdatePersonalization validates and stores the user's weights
func (s *Service) UpdatePersonalization(ctx context.Context, userID string, cfg models.PersonalizationConfig) error {
	if err := authorize(userID); err != nil {
		return err
	}
	if err := s.validate.Struct(cfg); err != nil {
		return s.validationError(err)
	}
	if err := s.Users.UpdatePersonalization(ctx, userID, cfg); err != nil {
		return err
	}
	s.invalidate(ctx, userID, cache.EventConfigChanged)
	return nil
}
