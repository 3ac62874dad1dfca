// Package pattern derives per-user learning patterns from review history.
package pattern

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/pkg/models"
)

// Thresholds of the sub-computations
const (
	optimalSlotCount        = 2
	inconsistencyMinSamples = 10
	inconsistencyMaxWindow  = 5
	inconsistencyThreshold  = 0.3
	plateauMinSamples       = 8
	plateauDuration         = 14 * models.Day
	plateauMinImprovement   = 0.1
	maxBias                 = 0.5
	biasBaselineRate        = 0.8
	biasWeight              = 0.5
)

// OptimalSlotMinSamples is how many reviews a time slot needs before it can be optimal
const OptimalSlotMinSamples = 5

// MaxOutcomesPerCard bounds the per-card outcome history kept for incremental inconsistency updates
const MaxOutcomesPerCard = 20

// Config bounds the review window
type Config struct {
	WindowSize int
	Lookback   time.Duration
	MinSamples int
}

// DefaultConfig returns the 200 review, 30 day, 20 sample window
func DefaultConfig() Config {
	return Config{WindowSize: 200, Lookback: 30 * models.Day, MinSamples: 20}
}

// Analyzer computes learning patterns. It is stateless and safe for concurrent use.
type Analyzer struct {
	cfg    Config
	logger zerolog.Logger
}

// NewAnalyzer creates an analyzer, filling zero config fields with defaults
func NewAnalyzer(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	return &Analyzer{cfg: cfg, logger: logging.Component("pattern")}
}

// Config returns the effective window configuration
func (a *Analyzer) Config() Config {
	return a.cfg
}

// Window selects the reviews the analyzer looks at: inside the lookback,
// ordered oldest first by (ReviewedAt, ID), at most WindowSize most recent.
// The input slice is not modified.
func (a *Analyzer) Window(reviews []models.ReviewRecord, now time.Time) []models.ReviewRecord {
	from := now.Add(-a.cfg.Lookback)
	window := make([]models.ReviewRecord, 0, len(reviews))
	for _, r := range reviews {
		if r.ReviewedAt.Before(from) || r.ReviewedAt.After(now) {
			continue
		}
		window = append(window, r)
	}
	sortReviews(window)
	if len(window) > a.cfg.WindowSize {
		window = window[len(window)-a.cfg.WindowSize:]
	}
	return window
}

// Compute builds a learning pattern from a user's reviews and card texts.
// It returns errs.ErrInsufficientData when the window holds fewer than MinSamples reviews.
// The result only depends on the set of reviews, not on their order.
func (a *Analyzer) Compute(userID string, reviews []models.ReviewRecord, cards []models.CardSummary,
	personalization models.PersonalizationConfig, now time.Time) (*models.LearningPattern, error) {
	window := a.Window(reviews, now)
	if len(window) < a.cfg.MinSamples {
		return nil, fmt.Errorf("%d of %d reviews for user %s: %w", len(window), a.cfg.MinSamples, userID, errs.ErrInsufficientData)
	}

	successRate := SuccessRate(window)
	p := &models.LearningPattern{
		UserID:                  userID,
		AverageSuccessRate:      successRate,
		LearningVelocity:        Velocity(window),
		PersonalEaseFactorBias:  EaseBias(successRate),
		TimeOfDayPerformance:    TimeOfDay(window),
		DifficultyPatterns:      DifficultyBuckets(window),
		InconsistencyPatterns:   Inconsistency(window),
		PlateauDetection:        Plateaus(window, cards, now),
		RecentPerformanceTrends: Trends(window, now),
		PersonalizationConfig:   personalization,
		SampleCount:             len(window),
		CardOutcomes:            CardOutcomes(window),
		LastUpdated:             now,
	}

	a.logger.Debug().
		Str("user_id", userID).
		Int("samples", len(window)).
		Float64("success_rate", successRate).
		Int("inconsistent_cards", len(p.InconsistencyPatterns.Cards)).
		Int("plateau_topics", len(p.PlateauDetection.Topics)).
		Msg("learning pattern computed")
	return p, nil
}

func sortReviews(reviews []models.ReviewRecord) {
	sort.Slice(reviews, func(i, j int) bool {
		if !reviews[i].ReviewedAt.Equal(reviews[j].ReviewedAt) {
			return reviews[i].ReviewedAt.Before(reviews[j].ReviewedAt)
		}
		return reviews[i].ID < reviews[j].ID
	})
}

// SuccessRate is successes over total, 0 for no reviews
func SuccessRate(reviews []models.ReviewRecord) float64 {
	if len(reviews) == 0 {
		return 0
	}
	ok := 0
	for _, r := range reviews {
		if r.WasSuccessful {
			ok++
		}
	}
	return float64(ok) / float64(len(reviews))
}

// Velocity is the number of reviews that lifted a card to repetition 3 or more,
// per day spanned by the window (at least one day)
func Velocity(reviews []models.ReviewRecord) float64 {
	if len(reviews) == 0 {
		return 0
	}
	first, last := reviews[0].ReviewedAt, reviews[0].ReviewedAt
	mastered := 0
	for _, r := range reviews {
		if r.ReviewedAt.Before(first) {
			first = r.ReviewedAt
		}
		if r.ReviewedAt.After(last) {
			last = r.ReviewedAt
		}
		if r.RepetitionBefore < 3 && r.RepetitionAfter >= 3 {
			mastered++
		}
	}
	days := math.Max(1, last.Sub(first).Hours()/24)
	return float64(mastered) / days
}

// EaseBias maps the overall success rate to an additive ease bias in [-0.5, 0.5]
func EaseBias(successRate float64) float64 {
	return clamp((successRate-biasBaselineRate)*biasWeight, -maxBias, maxBias)
}

type accumulator struct {
	n, ok         int
	responseSum   float64
	responseN     int
	confidenceSum float64
	confidenceN   int
	intervalSum   float64
}

func (acc *accumulator) add(r models.ReviewRecord) {
	acc.n++
	if r.WasSuccessful {
		acc.ok++
	}
	if r.ResponseTimeMs != nil {
		acc.responseSum += float64(*r.ResponseTimeMs)
		acc.responseN++
	}
	if r.ConfidenceRating != nil {
		acc.confidenceSum += ConfidenceScale(*r.ConfidenceRating)
		acc.confidenceN++
	}
	acc.intervalSum += float64(r.IntervalAfter)
}

func (acc *accumulator) rate() float64        { return ratio(float64(acc.ok), float64(acc.n)) }
func (acc *accumulator) response() float64    { return ratio(acc.responseSum, float64(acc.responseN)) }
func (acc *accumulator) confidence() float64  { return ratio(acc.confidenceSum, float64(acc.confidenceN)) }
func (acc *accumulator) meanInterval() float64 { return ratio(acc.intervalSum, float64(acc.n)) }

// ConfidenceScale maps a 1-5 confidence rating into [0,1]
func ConfidenceScale(rating int) float64 {
	return clamp(float64(rating)/5, 0, 1)
}

// TimeOfDay buckets reviews into the six slots. The top two slots by success
// rate among those with at least five samples are marked optimal.
func TimeOfDay(reviews []models.ReviewRecord) map[models.TimeSlot]models.SlotPerformance {
	accs := make(map[models.TimeSlot]*accumulator, len(models.AllTimeSlots))
	for _, s := range models.AllTimeSlots {
		accs[s] = &accumulator{}
	}
	for _, r := range reviews {
		accs[models.SlotForHour(r.ReviewedAt.UTC().Hour())].add(r)
	}

	out := make(map[models.TimeSlot]models.SlotPerformance, len(accs))
	var eligible []models.TimeSlot
	for _, s := range models.AllTimeSlots {
		acc := accs[s]
		out[s] = models.SlotPerformance{
			SuccessRate:         acc.rate(),
			ReviewCount:         acc.n,
			AverageResponseTime: acc.response(),
			Confidence:          acc.confidence(),
		}
		if acc.n >= OptimalSlotMinSamples {
			eligible = append(eligible, s)
		}
	}
	MarkOptimal(out, eligible)
	return out
}

// MarkOptimal flags the top slots of the eligible set by success rate, ties going to the earlier slot
func MarkOptimal(perf map[models.TimeSlot]models.SlotPerformance, eligible []models.TimeSlot) {
	for s, p := range perf {
		p.IsOptimal = false
		perf[s] = p
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		ri, rj := perf[eligible[i]].SuccessRate, perf[eligible[j]].SuccessRate
		if ri != rj {
			return ri > rj
		}
		return eligible[i] < eligible[j]
	})
	for i := 0; i < len(eligible) && i < optimalSlotCount; i++ {
		p := perf[eligible[i]]
		p.IsOptimal = true
		perf[eligible[i]] = p
	}
}

// DifficultyBuckets groups reviews by the ease the card had before the review
func DifficultyBuckets(reviews []models.ReviewRecord) map[models.Difficulty]models.DifficultyPerformance {
	accs := make(map[models.Difficulty]*accumulator, len(models.AllDifficulties))
	for _, d := range models.AllDifficulties {
		accs[d] = &accumulator{}
	}
	for _, r := range reviews {
		accs[models.ClassifyDifficulty(r.EaseFactorBefore)].add(r)
	}
	out := make(map[models.Difficulty]models.DifficultyPerformance, len(accs))
	for d, acc := range accs {
		out[d] = models.DifficultyPerformance{
			SuccessRate:         acc.rate(),
			ReviewCount:         acc.n,
			AverageInterval:     acc.meanInterval(),
			AverageResponseTime: acc.response(),
		}
	}
	return out
}

// CardOutcomes returns the latest outcomes per card, oldest first, bounded to MaxOutcomesPerCard
func CardOutcomes(reviews []models.ReviewRecord) map[string][]bool {
	out := make(map[string][]bool)
	for _, r := range reviews {
		out[r.CardID] = AppendOutcome(out[r.CardID], r.WasSuccessful)
	}
	return out
}

// AppendOutcome appends an outcome and drops the oldest beyond MaxOutcomesPerCard
func AppendOutcome(outcomes []bool, ok bool) []bool {
	outcomes = append(outcomes, ok)
	if len(outcomes) > MaxOutcomesPerCard {
		outcomes = append([]bool(nil), outcomes[len(outcomes)-MaxOutcomesPerCard:]...)
	}
	return outcomes
}

// Inconsistency flags cards whose success rate swings between adjacent windows
func Inconsistency(reviews []models.ReviewRecord) models.InconsistencyPatterns {
	return InconsistencyFromOutcomes(CardOutcomes(reviews))
}

// InconsistencyFromOutcomes evaluates ordered per-card outcomes. Cards are listed by id.
func InconsistencyFromOutcomes(outcomes map[string][]bool) models.InconsistencyPatterns {
	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := models.InconsistencyPatterns{Cards: []models.InconsistentCard{}}
	sum := 0.0
	for _, id := range ids {
		variance, ok := WindowVariance(outcomes[id])
		if !ok || variance <= inconsistencyThreshold {
			continue
		}
		result.Cards = append(result.Cards, models.InconsistentCard{CardID: id, Variance: variance, Samples: len(outcomes[id])})
		sum += variance
	}
	if len(result.Cards) > 0 {
		result.AverageVariance = sum / float64(len(result.Cards))
	}
	return result
}

// WindowVariance slides two adjacent windows of size min(5, n/2) over the
// outcomes and returns the largest difference of their success rates. It
// reports false below ten samples.
func WindowVariance(outcomes []bool) (float64, bool) {
	n := len(outcomes)
	if n < inconsistencyMinSamples {
		return 0, false
	}
	w := n / 2
	if w > inconsistencyMaxWindow {
		w = inconsistencyMaxWindow
	}
	maxDiff := 0.0
	for i := 0; i+2*w <= n; i++ {
		d := math.Abs(boolRate(outcomes[i:i+w]) - boolRate(outcomes[i+w:i+2*w]))
		if d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff, true
}

func boolRate(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	ok := 0
	for _, o := range outcomes {
		if o {
			ok++
		}
	}
	return float64(ok) / float64(len(outcomes))
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
