package spaced_repetition

import (
	"math"
	"time"

	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/pkg/models"
)

// QualityResponse represents the quality of response in SM-2
type QualityResponse int

const (
	// Complete blackout, unable to recall
	QualityBlackout QualityResponse = 0
	// Incorrect response but remembered upon seeing the correct answer
	QualityIncorrect QualityResponse = 1
	// Incorrect response but the correct answer felt familiar
	QualityIncorrectFamiliar QualityResponse = 2
	// Correct response but required significant effort
	QualityCorrectDifficult QualityResponse = 3
	// Correct response after some hesitation
	QualityCorrectHesitation QualityResponse = 4
	// Perfect response with no hesitation
	QualityPerfect QualityResponse = 5
)

// Personalization thresholds
const (
	minSlotSamples           = 5
	slotBaselineRate         = 0.75
	slotEaseWeight           = 0.2
	weakBucketRate           = 0.6
	strongBucketRate         = 0.9
	bucketEaseStep           = 0.1
	fastVelocity             = 1.5
	slowVelocity             = 0.5
	defaultAdvanceConfidence = 0.5
)

// SM2 implements the SuperMemo-2 algorithm with a personalization layer
type SM2 struct {
	// PassThreshold is the lowest quality counted as a successful recall
	PassThreshold int
	// MaxInterval caps the interval in days. Zero means no cap.
	MaxInterval int
}

// NewSM2 creates a new SM2 instance with default settings
func NewSM2() *SM2 {
	return &SM2{
		PassThreshold: models.PassThreshold,
	}
}

// AdvanceInput is everything Advance needs. Pattern and Mastery are optional.
type AdvanceInput struct {
	Quality int
	State   models.SchedulingState
	Pattern *models.LearningPattern
	Mastery *models.ConceptMastery
	Now     time.Time
}

// AdvanceResult is the outcome of one review
type AdvanceResult struct {
	State             models.SchedulingState
	Confidence        float64
	MasteryAdjustment *float64
	Successful        bool
}

// Advance computes the next scheduling state of a card. It never mutates its input.
func (sm *SM2) Advance(in AdvanceInput) (AdvanceResult, error) {
	if in.Quality < int(QualityBlackout) || in.Quality > int(QualityPerfect) {
		return AdvanceResult{}, errs.Invalid("quality", "must be between 0 and 5")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	prev := in.State.Normalize()

	result := AdvanceResult{Confidence: advanceConfidence(in.Pattern, in.Mastery, now)}

	if in.Quality < sm.PassThreshold {
		// Lapse: restart the ladder, keep the ease
		result.State = models.SchedulingState{
			Repetition: 0,
			EaseFactor: prev.EaseFactor,
			Interval:   1,
			DueDate:    now.Add(models.Day),
		}
		return result, nil
	}
	result.Successful = true

	repetition := prev.Repetition + 1
	var interval int
	switch repetition {
	case 1:
		interval = 1
	case 2:
		interval = 6
	default:
		interval = int(math.Round(float64(prev.Interval) * prev.EaseFactor))
	}

	ease := NextEaseFactor(prev.EaseFactor, in.Quality)
	if in.Pattern != nil {
		ease = personalizeEase(ease, prev.EaseFactor, in.Pattern, now)
	}
	ease = models.ClampEase(ease)

	switch {
	case in.Mastery != nil:
		userVelocity := 0.0
		if in.Pattern != nil {
			userVelocity = in.Pattern.LearningVelocity
		}
		influence := ComputeMasteryInfluence(*in.Mastery, userVelocity)
		ease = models.ClampEase(ease + influence.EaseDelta)
		interval = int(math.Round(float64(interval) * influence.IntervalFactor))
		delta := influence.EaseDelta
		result.MasteryAdjustment = &delta
	case in.Pattern != nil:
		if in.Pattern.LearningVelocity > fastVelocity {
			interval = int(math.Round(float64(interval) * 1.1))
		} else if in.Pattern.LearningVelocity < slowVelocity {
			interval = int(math.Round(float64(interval) * 0.9))
		}
	}

	if interval < 1 {
		interval = 1
	}
	if sm.MaxInterval > 0 && interval > sm.MaxInterval {
		interval = sm.MaxInterval
	}

	result.State = models.SchedulingState{
		Repetition: repetition,
		EaseFactor: ease,
		Interval:   interval,
		DueDate:    now.Add(time.Duration(interval) * models.Day),
	}
	return result, nil
}

// NextEaseFactor applies the SM-2 ease update with the 1.3 floor and no upper bound
func NextEaseFactor(ease float64, quality int) float64 {
	d := float64(5 - quality)
	next := ease + (0.1 - d*(0.08+d*0.02))
	if next < models.MinEaseFactor {
		next = models.MinEaseFactor
	}
	return next
}

// personalizeEase applies the user bias, the time-of-day adjustment and the
// difficulty bucket adjustment. The bucket comes from the pre-review ease.
func personalizeEase(ease, preReviewEase float64, p *models.LearningPattern, now time.Time) float64 {
	ease += p.PersonalEaseFactorBias

	if slot, ok := p.SlotAt(now); ok && slot.ReviewCount >= minSlotSamples {
		ease += (slot.SuccessRate - slotBaselineRate) * slotEaseWeight
	}

	if bucket, ok := p.DifficultyFor(preReviewEase); ok && bucket.ReviewCount > 0 {
		switch {
		case bucket.SuccessRate < weakBucketRate:
			ease -= bucketEaseStep
		case bucket.SuccessRate > strongBucketRate:
			ease += bucketEaseStep
		}
	}
	return ease
}

func advanceConfidence(p *models.LearningPattern, m *models.ConceptMastery, now time.Time) float64 {
	if slot, ok := p.SlotAt(now); ok && slot.ReviewCount >= minSlotSamples {
		return slot.SuccessRate
	}
	if m != nil {
		return m.Confidence
	}
	return defaultAdvanceConfidence
}
