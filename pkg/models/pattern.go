package models

import (
	"fmt"
	"time"
)

// TimeSlot is one of the six fixed parts of the day used for performance bucketing
type TimeSlot int

const (
	LateNight    TimeSlot = iota // 00-04
	EarlyMorning                 // 05-07
	Morning                      // 08-11
	Afternoon                    // 12-16
	Evening                      // 17-20
	Night                        // 21-23
)

// AllTimeSlots lists the slots in clock order
var AllTimeSlots = []TimeSlot{LateNight, EarlyMorning, Morning, Afternoon, Evening, Night}

var timeSlotNames = [...]string{
	LateNight:    "late_night",
	EarlyMorning: "early_morning",
	Morning:      "morning",
	Afternoon:    "afternoon",
	Evening:      "evening",
	Night:        "night",
}

// SlotForHour maps an hour of the 24-hour clock to its slot
func SlotForHour(hour int) TimeSlot {
	hour = ((hour % 24) + 24) % 24
	switch {
	case hour < 5:
		return LateNight
	case hour < 8:
		return EarlyMorning
	case hour < 12:
		return Morning
	case hour < 17:
		return Afternoon
	case hour < 21:
		return Evening
	default:
		return Night
	}
}

func (s TimeSlot) String() string {
	if s >= LateNight && s <= Night {
		return timeSlotNames[s]
	}
	return fmt.Sprintf("TimeSlot(%d)", int(s))
}

// MarshalText lets TimeSlot be used as a JSON object key
func (s TimeSlot) MarshalText() ([]byte, error) {
	if s < LateNight || s > Night {
		return nil, fmt.Errorf("invalid time slot %d", int(s))
	}
	return []byte(timeSlotNames[s]), nil
}

// UnmarshalText parses a slot name
func (s *TimeSlot) UnmarshalText(text []byte) error {
	for i, name := range timeSlotNames {
		if name == string(text) {
			*s = TimeSlot(i)
			return nil
		}
	}
	return fmt.Errorf("unknown time slot %q", text)
}

// Difficulty is the bucket a card falls into by its ease factor
type Difficulty int

const (
	DifficultyEasy Difficulty = iota
	DifficultyMedium
	DifficultyHard
)

// Ease thresholds separating the difficulty buckets
const (
	EasyEaseThreshold = 2.2
	HardEaseThreshold = 1.8
)

// AllDifficulties lists the buckets from easy to hard
var AllDifficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

var difficultyNames = [...]string{
	DifficultyEasy:   "easy",
	DifficultyMedium: "medium",
	DifficultyHard:   "hard",
}

// ClassifyDifficulty buckets an ease factor. Callers pass the pre-review ease.
func ClassifyDifficulty(ease float64) Difficulty {
	switch {
	case ease > EasyEaseThreshold:
		return DifficultyEasy
	case ease < HardEaseThreshold:
		return DifficultyHard
	default:
		return DifficultyMedium
	}
}

func (d Difficulty) String() string {
	if d >= DifficultyEasy && d <= DifficultyHard {
		return difficultyNames[d]
	}
	return fmt.Sprintf("Difficulty(%d)", int(d))
}

// MarshalText lets Difficulty be used as a JSON object key
func (d Difficulty) MarshalText() ([]byte, error) {
	if d < DifficultyEasy || d > DifficultyHard {
		return nil, fmt.Errorf("invalid difficulty %d", int(d))
	}
	return []byte(difficultyNames[d]), nil
}

// UnmarshalText parses a difficulty name
func (d *Difficulty) UnmarshalText(text []byte) error {
	for i, name := range difficultyNames {
		if name == string(text) {
			*d = Difficulty(i)
			return nil
		}
	}
	return fmt.Errorf("unknown difficulty %q", text)
}

// SlotPerformance aggregates reviews done within one time slot
type SlotPerformance struct {
	SuccessRate         float64 `json:"success_rate"`
	ReviewCount         int     `json:"review_count"`
	AverageResponseTime float64 `json:"average_response_time_ms"`
	Confidence          float64 `json:"confidence"` // mean confidence rating scaled to [0,1]
	IsOptimal           bool    `json:"is_optimal"`
}

// DifficultyPerformance aggregates reviews of cards within one difficulty bucket
type DifficultyPerformance struct {
	SuccessRate         float64 `json:"success_rate"`
	ReviewCount         int     `json:"review_count"`
	AverageInterval     float64 `json:"average_interval"`
	AverageResponseTime float64 `json:"average_response_time_ms"`
}

// InconsistentCard is a card whose recall swings between adjacent windows
type InconsistentCard struct {
	CardID   string  `json:"card_id"`
	Variance float64 `json:"variance"`
	Samples  int     `json:"samples"`
}

// InconsistencyPatterns lists flagged cards
type InconsistencyPatterns struct {
	Cards           []InconsistentCard `json:"cards"`
	AverageVariance float64            `json:"average_variance"`
}

// Contains reports whether the card is flagged as inconsistent
func (p InconsistencyPatterns) Contains(cardID string) bool {
	for _, c := range p.Cards {
		if c.CardID == cardID {
			return true
		}
	}
	return false
}

// PlateauTopic is a keyword topic whose performance stopped improving
type PlateauTopic struct {
	Topic                string   `json:"topic"`
	CardIDs              []string `json:"card_ids"`
	Improvement          float64  `json:"improvement"`
	DaysSinceImprovement float64  `json:"days_since_improvement"`
}

// PlateauDetection lists plateaued topics
type PlateauDetection struct {
	Topics []PlateauTopic `json:"topics"`
}

// TopicsForCard returns the plateaued topics the card belongs to
func (p PlateauDetection) TopicsForCard(cardID string) []string {
	var topics []string
	for _, t := range p.Topics {
		for _, id := range t.CardIDs {
			if id == cardID {
				topics = append(topics, t.Topic)
				break
			}
		}
	}
	return topics
}

// WindowStats summarizes reviews inside a rolling window
type WindowStats struct {
	SuccessRate         float64 `json:"success_rate"`
	AverageResponseTime float64 `json:"average_response_time_ms"`
	AverageConfidence   float64 `json:"average_confidence"`
	ReviewCount         int     `json:"review_count"`
	ResponseSamples     int     `json:"response_samples"`
	ConfidenceSamples   int     `json:"confidence_samples"`
}

// PerformanceTrends holds the 7 and 14 day windows and the percentage change between them
type PerformanceTrends struct {
	Last7Days         WindowStats `json:"last_7_days"`
	Last14Days        WindowStats `json:"last_14_days"`
	SuccessRateTrend  float64     `json:"success_rate_trend"`  // percent, 14d -> 7d
	ResponseTimeTrend float64     `json:"response_time_trend"` // percent, 14d -> 7d
	ConfidenceTrend   float64     `json:"confidence_trend"`    // percent, 14d -> 7d
}

// PersonalizationConfig holds user tunable weights for the priority engine
type PersonalizationConfig struct {
	SRSWeight             float64 `json:"srs_weight" koanf:"srs_weight" validate:"gte=0,lte=1"`
	LearningPatternWeight float64 `json:"learning_pattern_weight" koanf:"learning_pattern_weight" validate:"gte=0,lte=1"`
	DifficultyAdaptation  float64 `json:"difficulty_adaptation" koanf:"difficulty_adaptation" validate:"gte=0,lte=1"`

	InconsistencyBoost float64 `json:"inconsistency_boost" koanf:"inconsistency_boost" validate:"gte=1,lte=3"`
	PlateauBoost       float64 `json:"plateau_boost" koanf:"plateau_boost" validate:"gte=1,lte=3"`
	TimeOfDayBoost     float64 `json:"time_of_day_boost" koanf:"time_of_day_boost" validate:"gte=1,lte=3"`

	EnableInconsistencyBoost   bool `json:"enable_inconsistency_boost" koanf:"enable_inconsistency_boost"`
	EnablePlateauBoost         bool `json:"enable_plateau_boost" koanf:"enable_plateau_boost"`
	EnableTimeOfDayBoost       bool `json:"enable_time_of_day_boost" koanf:"enable_time_of_day_boost"`
	EnableDifficultyAdaptation bool `json:"enable_difficulty_adaptation" koanf:"enable_difficulty_adaptation"`
	EnableTrendAdjustment      bool `json:"enable_trend_adjustment" koanf:"enable_trend_adjustment"`
}

// DefaultPersonalizationConfig returns the weights used when a user never tuned them
func DefaultPersonalizationConfig() PersonalizationConfig {
	return PersonalizationConfig{
		SRSWeight:                  0.7,
		LearningPatternWeight:      0.3,
		DifficultyAdaptation:       0.2,
		InconsistencyBoost:         1.3,
		PlateauBoost:               1.2,
		TimeOfDayBoost:             1.1,
		EnableInconsistencyBoost:   true,
		EnablePlateauBoost:         true,
		EnableTimeOfDayBoost:       true,
		EnableDifficultyAdaptation: true,
		EnableTrendAdjustment:      true,
	}
}

// LearningPattern is the per-user aggregate derived from review history
type LearningPattern struct {
	UserID                  string                               `json:"user_id"`
	AverageSuccessRate      float64                              `json:"average_success_rate"`
	LearningVelocity        float64                              `json:"learning_velocity"` // mastered cards per day
	PersonalEaseFactorBias  float64                              `json:"personal_ease_factor_bias"`
	TimeOfDayPerformance    map[TimeSlot]SlotPerformance         `json:"time_of_day_performance"`
	DifficultyPatterns      map[Difficulty]DifficultyPerformance `json:"difficulty_patterns"`
	InconsistencyPatterns   InconsistencyPatterns                `json:"inconsistency_patterns"`
	PlateauDetection        PlateauDetection                     `json:"plateau_detection"`
	RecentPerformanceTrends PerformanceTrends                    `json:"recent_performance_trends"`
	PersonalizationConfig   PersonalizationConfig                `json:"personalization_config"`

	// SampleCount is the number of reviews and folded interactions behind the aggregate
	SampleCount int `json:"sample_count"`
	// CardOutcomes keeps the latest outcomes per card so folds can update inconsistency incrementally
	CardOutcomes map[string][]bool `json:"card_outcomes,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
	Invalidated bool      `json:"invalidated"`
}

// SlotAt returns the slot performance for the UTC hour of t. Slots are
// always derived in UTC so the same instant maps to the same slot on every host.
func (p *LearningPattern) SlotAt(t time.Time) (SlotPerformance, bool) {
	if p == nil {
		return SlotPerformance{}, false
	}
	perf, ok := p.TimeOfDayPerformance[SlotForHour(t.UTC().Hour())]
	return perf, ok
}

// DifficultyFor returns the bucket performance for the given pre-review ease
func (p *LearningPattern) DifficultyFor(ease float64) (DifficultyPerformance, bool) {
	if p == nil {
		return DifficultyPerformance{}, false
	}
	perf, ok := p.DifficultyPatterns[ClassifyDifficulty(ease)]
	return perf, ok
}
