package spaced_repetition

import (
	"fmt"
	"math"

	"github.com/example/srsengine/pkg/models"
)

// Bounds of the combined mastery influence
const (
	maxMasteryEaseDelta = 0.3
	minIntervalFactor   = 0.5
	maxIntervalFactor   = 2.0
)

// MasteryInfluence is the adjustment concept mastery applies on a successful review
type MasteryInfluence struct {
	EaseDelta      float64
	IntervalFactor float64
	Reasons        []string
}

type masteryRule struct {
	name     string
	applies  func(m models.ConceptMastery, velocityRatio float64) bool
	ease     float64
	interval float64
}

var masteryRules = []masteryRule{
	{"high_mastery", func(m models.ConceptMastery, _ float64) bool { return m.MasteryLevel >= 0.8 }, 0.1, 1.2},
	{"low_mastery", func(m models.ConceptMastery, _ float64) bool { return m.MasteryLevel <= 0.3 }, -0.1, 0.8},
	{"high_confidence", func(m models.ConceptMastery, _ float64) bool { return m.Confidence >= 0.8 }, 0.05, 1.1},
	{"low_confidence", func(m models.ConceptMastery, _ float64) bool { return m.Confidence <= 0.4 }, -0.05, 0.9},
	{"fast_concept", func(_ models.ConceptMastery, r float64) bool { return r >= 1.5 }, 0.05, 1.15},
	{"slow_concept", func(_ models.ConceptMastery, r float64) bool { return r <= 0.5 }, -0.05, 0.85},
	{"improving", func(m models.ConceptMastery, _ float64) bool { return m.DifficultyTrend == models.TrendImproving }, 0.05, 1.1},
	{"declining", func(m models.ConceptMastery, _ float64) bool { return m.DifficultyTrend == models.TrendDeclining }, -0.1, 0.8},
	{"beginner", func(m models.ConceptMastery, _ float64) bool { return m.Category == models.MasteryBeginner }, -0.15, 0.7},
	{"developing", func(m models.ConceptMastery, _ float64) bool { return m.Category == models.MasteryDeveloping }, -0.05, 0.9},
	{"advanced", func(m models.ConceptMastery, _ float64) bool { return m.Category == models.MasteryAdvanced }, 0.05, 1.1},
	{"expert", func(m models.ConceptMastery, _ float64) bool { return m.Category == models.MasteryExpert }, 0.15, 1.3},
}

// ComputeMasteryInfluence sums the per-factor adjustments of a concept. The
// velocity ratio compares the concept's velocity to the user's overall velocity
// and is neutral when the user has none.
func ComputeMasteryInfluence(m models.ConceptMastery, userVelocity float64) MasteryInfluence {
	ratio := 1.0
	if userVelocity > 0 {
		ratio = m.LearningVelocity / userVelocity
	}

	inf := MasteryInfluence{IntervalFactor: 1}
	for _, rule := range masteryRules {
		if !rule.applies(m, ratio) {
			continue
		}
		inf.EaseDelta += rule.ease
		inf.IntervalFactor *= rule.interval
		inf.Reasons = append(inf.Reasons, fmt.Sprintf("%s: ease %+.2f, interval x%.2f", rule.name, rule.ease, rule.interval))
	}

	inf.EaseDelta = math.Max(-maxMasteryEaseDelta, math.Min(maxMasteryEaseDelta, inf.EaseDelta))
	inf.IntervalFactor = math.Max(minIntervalFactor, math.Min(maxIntervalFactor, inf.IntervalFactor))
	return inf
}
