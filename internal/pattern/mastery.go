package pattern

import (
	"math"
	"sort"
	"time"

	"github.com/example/srsengine/pkg/models"
)

const (
	conceptMinSamples   = 5
	conceptTrendSamples = 6
	conceptTrendDelta   = 0.1
)

// ComputeConceptMastery derives mastery per deck from the review window.
// Decks with fewer than five reviews are skipped. Results are ordered by deck id.
func ComputeConceptMastery(userID string, reviews []models.ReviewRecord, now time.Time) []models.ConceptMastery {
	byDeck := make(map[string][]models.ReviewRecord)
	for _, r := range reviews {
		byDeck[r.DeckID] = append(byDeck[r.DeckID], r)
	}
	decks := make([]string, 0, len(byDeck))
	for id := range byDeck {
		decks = append(decks, id)
	}
	sort.Strings(decks)

	var out []models.ConceptMastery
	for _, deckID := range decks {
		deckReviews := byDeck[deckID]
		if len(deckReviews) < conceptMinSamples {
			continue
		}
		sortReviews(deckReviews)
		level := masteryLevel(deckReviews)
		out = append(out, models.ConceptMastery{
			UserID:           userID,
			ConceptID:        deckID,
			MasteryLevel:     level,
			Confidence:       conceptConfidence(deckReviews),
			LearningVelocity: Velocity(deckReviews),
			DifficultyTrend:  conceptTrend(deckReviews),
			Category:         models.ClassifyMastery(level),
			UpdatedAt:        now,
		})
	}
	return out
}

// masteryLevel blends the success rate with how far each reviewed card climbed the repetition ladder
func masteryLevel(reviews []models.ReviewRecord) float64 {
	latest := make(map[string]int)
	for _, r := range reviews {
		latest[r.CardID] = r.RepetitionAfter
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ladder := 0.0
	for _, id := range ids {
		ladder += math.Min(1, float64(latest[id])/models.MasteredRepetitions)
	}
	ladder /= float64(len(latest))
	return clamp(0.5*SuccessRate(reviews)+0.5*ladder, 0, 1)
}

func conceptConfidence(reviews []models.ReviewRecord) float64 {
	stats := Stats(reviews)
	if stats.ConfidenceSamples > 0 {
		return stats.AverageConfidence
	}
	return stats.SuccessRate
}

func conceptTrend(reviews []models.ReviewRecord) models.Trend {
	if len(reviews) < conceptTrendSamples {
		return models.TrendStable
	}
	half := len(reviews) / 2
	delta := SuccessRate(reviews[half:]) - SuccessRate(reviews[:half])
	switch {
	case delta > conceptTrendDelta:
		return models.TrendImproving
	case delta < -conceptTrendDelta:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}
