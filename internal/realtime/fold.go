package realtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/example/srsengine/internal/cache"
	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/internal/metrics"
	"github.com/example/srsengine/internal/pattern"
	"github.com/example/srsengine/pkg/models"
)

const (
	maxBlendWeight     = 0.3
	blendSamplesToFull = 20
	significanceWindow = 5 * time.Minute
	trendReviewLimit   = 10000
)

// Fold merges the user's unprocessed interactions into the stored learning
// pattern. Unless force is set, a fold within MinUpdateInterval of the last
// pattern update is skipped. A skipped fold is not an error.
func (u *Updater) Fold(ctx context.Context, userID string, force bool) (FoldOutcome, error) {
	out, err := u.breaker.Execute(func() (FoldOutcome, error) {
		return u.fold(ctx, userID, force)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.FoldsTotal.WithLabelValues(string(ReasonCircuitOpen)).Inc()
		return skipped(userID, ReasonCircuitOpen), nil
	}
	if err != nil {
		metrics.FoldsTotal.WithLabelValues("error").Inc()
		return FoldOutcome{UserID: userID}, err
	}
	if out.Skipped {
		metrics.FoldsTotal.WithLabelValues(string(out.Reason)).Inc()
	} else {
		metrics.FoldsTotal.WithLabelValues("folded").Inc()
		metrics.FoldedInteractions.Add(float64(out.Folded))
	}
	return out, nil
}

func (u *Updater) fold(ctx context.Context, userID string, force bool) (FoldOutcome, error) {
	unlock := u.locks.Lock(userID)
	defer unlock()

	now := u.now()
	current, err := u.stores.Patterns.Get(ctx, userID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return FoldOutcome{}, err
	}
	if current != nil && !force && now.Sub(current.LastUpdated) < u.cfg.MinUpdateInterval {
		return skipped(userID, ReasonRateLimited), nil
	}

	batch, err := u.stores.Interactions.ListUnprocessed(ctx, userID, u.cfg.BatchSize)
	if err != nil {
		return FoldOutcome{}, err
	}
	if len(batch) == 0 {
		return skipped(userID, ReasonNoWork), nil
	}
	ids := make([]string, len(batch))
	var sessionID string
	for i, in := range batch {
		ids[i] = in.ID
		if in.SessionID != "" {
			sessionID = in.SessionID
		}
	}

	var (
		updated  *models.LearningPattern
		baseline models.WindowStats
	)
	if current == nil || current.Invalidated {
		// Nothing to blend into, derive the pattern from review history instead
		updated, err = u.compute(ctx, userID, now)
		if errors.Is(err, errs.ErrInsufficientData) {
			if err := u.stores.Interactions.MarkProcessed(ctx, ids); err != nil {
				return FoldOutcome{}, err
			}
			return skipped(userID, ReasonInsufficientData), nil
		}
		if err != nil {
			return FoldOutcome{}, err
		}
		baseline = updated.RecentPerformanceTrends.Last7Days
	} else {
		baseline = current.RecentPerformanceTrends.Last7Days
		updated = current
		Blend(updated, batch, now)
		if err := u.rollTrends(ctx, updated, now); err != nil {
			return FoldOutcome{}, err
		}
	}

	// A batch is only marked once the pattern that absorbed it is stored,
	// so a failed save leaves it pending for the next fold.
	if err := u.save(ctx, updated); err != nil {
		return FoldOutcome{}, err
	}
	if err := u.stores.Interactions.MarkProcessed(ctx, ids); err != nil {
		return FoldOutcome{}, err
	}
	u.refreshMastery(ctx, userID, now)

	recent, err := u.stores.Interactions.ListSince(ctx, userID, now.Add(-significanceWindow))
	if err != nil {
		return FoldOutcome{}, err
	}
	significant := Significant(baseline, recent, u.cfg.SignificanceThreshold)

	logging.Ctx(ctx).Debug().
		Int("folded", len(batch)).
		Float64("success_rate", updated.AverageSuccessRate).
		Bool("significant", significant).
		Msg("interactions folded")
	return FoldOutcome{UserID: userID, SessionID: sessionID, Folded: len(batch), Significant: significant}, nil
}

// rollTrends recomputes the 7 and 14 day windows from the review log so
// reviews older than the windows drop out.
func (u *Updater) rollTrends(ctx context.Context, p *models.LearningPattern, now time.Time) error {
	reviews, err := u.stores.Reviews.ListRecent(ctx, p.UserID, now.Add(-14*models.Day), trendReviewLimit)
	if err != nil {
		return fmt.Errorf("failed to load reviews for trends: %w", err)
	}
	p.RecentPerformanceTrends = pattern.Trends(reviews, now)
	return nil
}

// save persists the pattern and then refreshes its cache entry
func (u *Updater) save(ctx context.Context, p *models.LearningPattern) error {
	written, err := u.stores.Patterns.Save(ctx, p)
	if err != nil {
		return err
	}
	if !written {
		logging.Ctx(ctx).Debug().Msg("newer learning pattern already stored")
		return nil
	}
	if u.cache != nil {
		if err := cache.Put(ctx, u.cache, p.UserID, cache.NameLearningPattern, p, 0); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to cache learning pattern")
		}
	}
	return nil
}

// Blend merges a batch of interactions into p with weight min(0.3, n/20).
// Time slots and per-card outcomes are updated incrementally. The trend
// windows are left alone; they are rolled from the review log. LastUpdated
// never moves backwards.
func Blend(p *models.LearningPattern, batch []models.Interaction, now time.Time) {
	n := len(batch)
	if n == 0 {
		return
	}
	w := math.Min(maxBlendWeight, float64(n)/blendSamplesToFull)

	stats := InteractionStats(batch)
	if stats.ReviewCount > 0 {
		p.AverageSuccessRate = (1-w)*p.AverageSuccessRate + w*stats.SuccessRate
		p.PersonalEaseFactorBias = pattern.EaseBias(p.AverageSuccessRate)
	}

	if p.TimeOfDayPerformance == nil {
		p.TimeOfDayPerformance = make(map[models.TimeSlot]models.SlotPerformance)
	}
	if p.CardOutcomes == nil {
		p.CardOutcomes = make(map[string][]bool)
	}
	for _, in := range batch {
		if in.Success == nil {
			continue
		}
		slot := models.SlotForHour(in.OccurredAt.UTC().Hour())
		p.TimeOfDayPerformance[slot] = addToSlot(p.TimeOfDayPerformance[slot], in)
		p.CardOutcomes[in.CardID] = pattern.AppendOutcome(p.CardOutcomes[in.CardID], *in.Success)
	}
	var eligible []models.TimeSlot
	for _, s := range models.AllTimeSlots {
		if p.TimeOfDayPerformance[s].ReviewCount >= pattern.OptimalSlotMinSamples {
			eligible = append(eligible, s)
		}
	}
	pattern.MarkOptimal(p.TimeOfDayPerformance, eligible)
	p.InconsistencyPatterns = pattern.InconsistencyFromOutcomes(p.CardOutcomes)

	p.SampleCount += n
	if now.After(p.LastUpdated) {
		p.LastUpdated = now
	}
}

func addToSlot(s models.SlotPerformance, in models.Interaction) models.SlotPerformance {
	k := float64(s.ReviewCount)
	ok := 0.0
	if *in.Success {
		ok = 1
	}
	s.SuccessRate = (s.SuccessRate*k + ok) / (k + 1)
	if in.ResponseTimeMs != nil {
		s.AverageResponseTime = (s.AverageResponseTime*k + float64(*in.ResponseTimeMs)) / (k + 1)
	}
	s.ReviewCount++
	return s
}

// InteractionStats summarizes interactions the way review windows are
// summarized. Only interactions carrying an outcome count as reviews.
func InteractionStats(batch []models.Interaction) models.WindowStats {
	var (
		stats          models.WindowStats
		ok             int
		response, conf float64
	)
	for _, in := range batch {
		if in.Success != nil {
			stats.ReviewCount++
			if *in.Success {
				ok++
			}
		}
		if in.ResponseTimeMs != nil {
			response += float64(*in.ResponseTimeMs)
			stats.ResponseSamples++
		}
		if in.Confidence != nil {
			conf += pattern.ConfidenceScale(*in.Confidence)
			stats.ConfidenceSamples++
		}
	}
	if stats.ReviewCount > 0 {
		stats.SuccessRate = float64(ok) / float64(stats.ReviewCount)
	}
	if stats.ResponseSamples > 0 {
		stats.AverageResponseTime = response / float64(stats.ResponseSamples)
	}
	if stats.ConfidenceSamples > 0 {
		stats.AverageConfidence = conf / float64(stats.ConfidenceSamples)
	}
	return stats
}

// Significant reports whether recent interactions deviate from the 7 day
// baseline by more than threshold, relative to the baseline, in success rate
// or response time.
func Significant(baseline models.WindowStats, recent []models.Interaction, threshold float64) bool {
	stats := InteractionStats(recent)
	if stats.ReviewCount > 0 && baseline.ReviewCount > 0 &&
		deviation(baseline.SuccessRate, stats.SuccessRate) > threshold {
		return true
	}
	if stats.ResponseSamples > 0 && baseline.ResponseSamples > 0 &&
		deviation(baseline.AverageResponseTime, stats.AverageResponseTime) > threshold {
		return true
	}
	return false
}

func deviation(base, v float64) float64 {
	if base == 0 {
		return math.Abs(v)
	}
	return math.Abs(v-base) / base
}

// Recompute derives the user's pattern from review history and stores it
func (u *Updater) Recompute(ctx context.Context, userID string) (*models.LearningPattern, error) {
	unlock := u.locks.Lock(userID)
	defer unlock()

	now := u.now()
	p, err := u.compute(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if err := u.save(ctx, p); err != nil {
		return nil, err
	}
	u.refreshMastery(ctx, userID, now)
	return p, nil
}

// compute runs the analyzer over the user's review window. The caller holds the user lock.
func (u *Updater) compute(ctx context.Context, userID string, now time.Time) (*models.LearningPattern, error) {
	cfg := u.analyzer.Config()
	reviews, err := u.stores.Reviews.ListRecent(ctx, userID, now.Add(-cfg.Lookback), cfg.WindowSize)
	if err != nil {
		metrics.PatternComputations.WithLabelValues("error").Inc()
		return nil, err
	}
	cards, err := u.stores.Cards.ListSummaries(ctx, userID)
	if err != nil {
		metrics.PatternComputations.WithLabelValues("error").Inc()
		return nil, err
	}
	personalization, err := u.stores.Configs.PersonalizationFor(ctx, userID)
	if err != nil {
		metrics.PatternComputations.WithLabelValues("error").Inc()
		return nil, err
	}

	p, err := u.analyzer.Compute(userID, reviews, cards, personalization, now)
	if errors.Is(err, errs.ErrInsufficientData) {
		metrics.PatternComputations.WithLabelValues("insufficient_data").Inc()
		return nil, err
	}
	if err != nil {
		metrics.PatternComputations.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.PatternComputations.WithLabelValues("computed").Inc()
	return p, nil
}

// refreshMastery recomputes concept mastery from the review window. Failures are logged.
func (u *Updater) refreshMastery(ctx context.Context, userID string, now time.Time) {
	if u.stores.Mastery == nil {
		return
	}
	cfg := u.analyzer.Config()
	reviews, err := u.stores.Reviews.ListRecent(ctx, userID, now.Add(-cfg.Lookback), cfg.WindowSize)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to load reviews for concept mastery")
		return
	}
	for _, m := range pattern.ComputeConceptMastery(userID, reviews, now) {
		if err := u.stores.Mastery.Upsert(ctx, &m); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("concept_id", m.ConceptID).Msg("failed to store concept mastery")
		}
	}
}

// RefreshStale recomputes patterns that are invalidated, older than maxAge or
// missing, and enqueues folds for users with pending interactions. It returns
// how many patterns were recomputed.
func (u *Updater) RefreshStale(ctx context.Context, maxAge time.Duration, batch int) (int, error) {
	users, err := u.stores.Patterns.ListStale(ctx, u.now().Add(-maxAge), batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale patterns: %w", err)
	}
	refreshed := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if err := u.stores.Patterns.MarkAttempted(ctx, userID, u.now()); err != nil {
			u.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to record refresh attempt")
		}
		if _, err := u.Recompute(ctx, userID); err != nil {
			if !errors.Is(err, errs.ErrInsufficientData) {
				u.logger.Warn().Err(err).Str("user_id", userID).Msg("stale pattern refresh failed")
			}
			continue
		}
		refreshed++
	}

	pending, err := u.stores.Interactions.UsersWithPending(ctx, batch)
	if err != nil {
		return refreshed, fmt.Errorf("failed to list pending interactions: %w", err)
	}
	for _, userID := range pending {
		if err := u.RequestFold(userID, false); err != nil {
			u.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to enqueue catch-up fold")
		}
	}
	return refreshed, nil
}
