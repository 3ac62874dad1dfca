package models

import (
	"fmt"
	"time"
)

// Trend is the direction of a concept's recent performance
type Trend int

const (
	TrendStable Trend = iota
	TrendImproving
	TrendDeclining
)

func (t Trend) String() string {
	switch t {
	case TrendImproving:
		return "improving"
	case TrendDeclining:
		return "declining"
	case TrendStable:
		return "stable"
	default:
		return fmt.Sprintf("Trend(%d)", int(t))
	}
}

// MasteryCategory is the coarse mastery tier of a concept
type MasteryCategory int

const (
	MasteryBeginner MasteryCategory = iota
	MasteryDeveloping
	MasteryProficient
	MasteryAdvanced
	MasteryExpert
)

func (c MasteryCategory) String() string {
	switch c {
	case MasteryBeginner:
		return "beginner"
	case MasteryDeveloping:
		return "developing"
	case MasteryProficient:
		return "proficient"
	case MasteryAdvanced:
		return "advanced"
	case MasteryExpert:
		return "expert"
	default:
		return fmt.Sprintf("MasteryCategory(%d)", int(c))
	}
}

// ClassifyMastery maps a mastery level in [0,1] to its category
func ClassifyMastery(level float64) MasteryCategory {
	switch {
	case level < 0.2:
		return MasteryBeginner
	case level < 0.4:
		return MasteryDeveloping
	case level < 0.6:
		return MasteryProficient
	case level < 0.8:
		return MasteryAdvanced
	default:
		return MasteryExpert
	}
}

// ConceptMastery tracks how well a user knows one concept (a deck)
type ConceptMastery struct {
	UserID           string          `json:"user_id" db:"user_id"`
	ConceptID        string          `json:"concept_id" db:"concept_id"`
	MasteryLevel     float64         `json:"mastery_level" db:"mastery_level"`         // [0,1]
	Confidence       float64         `json:"confidence" db:"confidence"`               // [0,1]
	LearningVelocity float64         `json:"learning_velocity" db:"learning_velocity"` // mastered cards per day
	DifficultyTrend  Trend           `json:"difficulty_trend" db:"difficulty_trend"`
	Category         MasteryCategory `json:"category" db:"category"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}
