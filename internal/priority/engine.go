// Package priority scores due cards and orders the study queue.
package priority

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/internal/pattern"
	"github.com/example/srsengine/pkg/models"
)

// Traditional component weights, summing to 1
const (
	overdueWeight    = 0.4
	easeWeight       = 0.3
	newnessWeight    = 0.2
	recentFailWeight = 0.1

	maxOverdueDays  = 30
	easeDeficitSpan = 1.2
	newnessSpan     = 3

	// RecentReviewsPerCard is how many of a card's latest reviews feed its recent success rate
	RecentReviewsPerCard = 5
)

// Personalized adjustments
const (
	weakBucketRate = 0.6
	decliningTrend = -10.0
	improvingTrend = 20.0
	decliningBoost = 1.15
	improvingBoost = 0.9
)

// Boost names
const (
	BoostInconsistency = "inconsistency"
	BoostPlateau       = "plateau"
	BoostTimeOfDay     = "time_of_day"
	BoostDifficulty    = "difficulty_adaptation"
	BoostDeclining     = "declining_trend"
	BoostImproving     = "improving_trend"
)

// Engine scores cards. It holds no per-user state and is safe for concurrent use.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine creates a priority engine
func NewEngine() *Engine {
	return &Engine{logger: logging.Component("priority")}
}

// Traditional returns the urgency of a card from its scheduling state and recent reviews alone
func Traditional(card models.Card, recent []models.ReviewRecord, now time.Time) (float64, []string) {
	overdueDays := math.Max(0, now.Sub(card.DueDate).Hours()/24)
	overdue := math.Min(overdueDays, maxOverdueDays) / maxOverdueDays
	ease := math.Max(0, (models.DefaultEaseFactor-card.EaseFactor)/easeDeficitSpan)
	newness := math.Max(0, float64(newnessSpan-card.Repetition)/newnessSpan)
	successRate := recentSuccessRate(recent)

	score := overdue*overdueWeight + ease*easeWeight + newness*newnessWeight + (1-successRate)*recentFailWeight

	var reasons []string
	if overdueDays >= 1 {
		reasons = append(reasons, fmt.Sprintf("overdue by %.0f days", overdueDays))
	}
	if ease > 0 {
		reasons = append(reasons, fmt.Sprintf("low ease factor %.2f", card.EaseFactor))
	}
	if card.Repetition == 0 {
		reasons = append(reasons, "new or recently lapsed card")
	}
	if len(recent) > 0 && successRate < 0.5 {
		reasons = append(reasons, fmt.Sprintf("recent success rate %.0f%%", successRate*100))
	}
	return score, reasons
}

// recentSuccessRate is the success rate of the latest reviews. No reviews count as 0.
func recentSuccessRate(recent []models.ReviewRecord) float64 {
	if len(recent) > RecentReviewsPerCard {
		recent = recent[:RecentReviewsPerCard]
	}
	if len(recent) == 0 {
		return 0
	}
	ok := 0
	for _, r := range recent {
		if r.WasSuccessful {
			ok++
		}
	}
	return float64(ok) / float64(len(recent))
}

// Score combines the traditional urgency with the learning pattern boosts.
// recent must be the card's reviews newest first. Without a pattern the
// traditional score is returned unchanged.
func (e *Engine) Score(card models.Card, recent []models.ReviewRecord, lp *models.LearningPattern,
	cfg models.PersonalizationConfig, now time.Time) models.ScoredCard {
	traditional, reasons := Traditional(card, recent, now)
	scored := models.ScoredCard{
		CardID:      card.ID,
		DueDate:     card.DueDate,
		Traditional: traditional,
		Reasoning:   reasons,
	}
	if lp == nil {
		scored.Personalized = traditional
		scored.Score = traditional
		return scored
	}

	personalized := traditional
	apply := func(name string, factor float64, reason string) {
		personalized *= factor
		scored.Boosts = append(scored.Boosts, models.Boost{Name: name, Factor: factor})
		scored.Reasoning = append(scored.Reasoning, reason)
	}

	if cfg.EnableInconsistencyBoost && lp.InconsistencyPatterns.Contains(card.ID) {
		apply(BoostInconsistency, cfg.InconsistencyBoost, "inconsistent recall")
	}
	if cfg.EnablePlateauBoost {
		if topics := lp.PlateauDetection.TopicsForCard(card.ID); len(topics) > 0 {
			apply(BoostPlateau, cfg.PlateauBoost, fmt.Sprintf("plateau in topic %q", topics[0]))
		}
	}
	if cfg.EnableTimeOfDayBoost {
		if slot, ok := lp.SlotAt(now); ok && slot.IsOptimal && slot.ReviewCount >= pattern.OptimalSlotMinSamples {
			apply(BoostTimeOfDay, cfg.TimeOfDayBoost, fmt.Sprintf("optimal study time (%s)", models.SlotForHour(now.UTC().Hour())))
		}
	}
	if cfg.EnableDifficultyAdaptation {
		if bucket, ok := lp.DifficultyFor(card.EaseFactor); ok && bucket.ReviewCount > 0 && bucket.SuccessRate < weakBucketRate {
			apply(BoostDifficulty, 1+cfg.DifficultyAdaptation,
				fmt.Sprintf("weak %s cards (%.0f%% success)", models.ClassifyDifficulty(card.EaseFactor), bucket.SuccessRate*100))
		}
	}
	if cfg.EnableTrendAdjustment {
		trend := lp.RecentPerformanceTrends.SuccessRateTrend
		switch {
		case trend < decliningTrend:
			apply(BoostDeclining, decliningBoost, fmt.Sprintf("performance declining %.0f%%", trend))
		case trend > improvingTrend:
			apply(BoostImproving, improvingBoost, fmt.Sprintf("performance improving %.0f%%", trend))
		}
	}

	scored.Personalized = personalized
	scored.Score = traditional*cfg.SRSWeight + personalized*cfg.LearningPatternWeight
	return scored
}

// GroupRecent splits reviews by card, newest first, keeping at most perCard per card
func GroupRecent(reviews []models.ReviewRecord, perCard int) map[string][]models.ReviewRecord {
	sorted := append([]models.ReviewRecord(nil), reviews...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ReviewedAt.Equal(sorted[j].ReviewedAt) {
			return sorted[i].ReviewedAt.After(sorted[j].ReviewedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})
	out := make(map[string][]models.ReviewRecord)
	for _, r := range sorted {
		if len(out[r.CardID]) < perCard {
			out[r.CardID] = append(out[r.CardID], r)
		}
	}
	return out
}

// Rank scores every card and orders them by score descending. Ties go to the
// earlier due date, then to input order.
func (e *Engine) Rank(cards []models.Card, recent map[string][]models.ReviewRecord, lp *models.LearningPattern,
	cfg models.PersonalizationConfig, now time.Time) []models.ScoredCard {
	scored := make([]models.ScoredCard, 0, len(cards))
	for _, c := range cards {
		scored = append(scored, e.Score(c, recent[c.ID], lp, cfg, now))
	}
	Sort(scored)

	e.logger.Debug().
		Int("cards", len(scored)).
		Bool("personalized", lp != nil).
		Msg("study queue ranked")
	return scored
}

// Sort orders scored cards by score descending, then due date ascending. The sort is stable.
func Sort(scored []models.ScoredCard) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].DueDate.Before(scored[j].DueDate)
	})
}

// Order returns the card ids of a ranked queue
func Order(scored []models.ScoredCard) []string {
	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.CardID
	}
	return ids
}
