package models

import "time"

// InteractionType is the kind of in-session user action
type InteractionType string

const (
	InteractionFlip             InteractionType = "flip"
	InteractionAnswer           InteractionType = "answer"
	InteractionDifficultyRating InteractionType = "difficulty_rating"
	InteractionConfidenceRating InteractionType = "confidence_rating"
)

// Valid reports whether t is one of the known interaction types
func (t InteractionType) Valid() bool {
	switch t {
	case InteractionFlip, InteractionAnswer, InteractionDifficultyRating, InteractionConfidenceRating:
		return true
	}
	return false
}

// Interaction is a single in-session event waiting to be folded into the learning pattern
type Interaction struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	CardID         string          `json:"card_id" db:"card_id" validate:"required"`
	SessionID      string          `json:"session_id" db:"session_id"`
	Type           InteractionType `json:"type" db:"interaction_type" validate:"required,oneof=flip answer difficulty_rating confidence_rating"`
	OccurredAt     time.Time       `json:"occurred_at" db:"occurred_at"`
	Success        *bool           `json:"success,omitempty" db:"success"`
	ResponseTimeMs *int64          `json:"response_time_ms,omitempty" db:"response_time_ms" validate:"omitempty,gte=0"`
	Confidence     *int            `json:"confidence,omitempty" db:"confidence" validate:"omitempty,gte=1,lte=5"`
	Difficulty     *int            `json:"difficulty,omitempty" db:"difficulty" validate:"omitempty,gte=1,lte=5"`
	Processed      bool            `json:"processed" db:"processed"`
}
