package models

import "time"

// PassThreshold is the lowest quality counted as a successful recall
const PassThreshold = 3

// ReviewRecord is an immutable fact about one review of one card
type ReviewRecord struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	CardID     string    `json:"card_id" db:"card_id"`
	DeckID     string    `json:"deck_id" db:"deck_id"`
	ReviewedAt time.Time `json:"reviewed_at" db:"reviewed_at"`
	Quality    int       `json:"quality" db:"quality"`

	RepetitionBefore int     `json:"repetition_before" db:"repetition_before"`
	EaseFactorBefore float64 `json:"ease_factor_before" db:"ease_factor_before"`
	IntervalBefore   int     `json:"interval_before" db:"interval_before"`
	RepetitionAfter  int     `json:"repetition_after" db:"repetition_after"`
	EaseFactorAfter  float64 `json:"ease_factor_after" db:"ease_factor_after"`
	IntervalAfter    int     `json:"interval_after" db:"interval_after"`

	WasSuccessful     bool     `json:"was_successful" db:"was_successful"`
	ResponseTimeMs    *int64   `json:"response_time_ms,omitempty" db:"response_time_ms"`
	ConfidenceRating  *int     `json:"confidence_rating,omitempty" db:"confidence_rating"`
	MasteryAdjustment *float64 `json:"mastery_adjustment,omitempty" db:"mastery_adjustment"`
}

// ReviewSubmission is what a client sends after answering a card
type ReviewSubmission struct {
	CardID           string `json:"card_id" validate:"required"`
	Quality          int    `json:"quality" validate:"gte=0,lte=5"`
	ResponseTimeMs   *int64 `json:"response_time_ms,omitempty" validate:"omitempty,gte=0"`
	ConfidenceRating *int   `json:"confidence_rating,omitempty" validate:"omitempty,gte=1,lte=5"`
	SessionID        string `json:"session_id,omitempty"`
}

// ReviewResult is returned to the client after a review was applied
type ReviewResult struct {
	NextReviewDate time.Time `json:"next_review_date"`
	Confidence     float64   `json:"confidence"`
	Message        string    `json:"message"`
}

// UserStats is the cached per-user summary shown on dashboards
type UserStats struct {
	UserID            string    `json:"user_id" db:"user_id"`
	TotalCards        int       `json:"total_cards" db:"total_cards"`
	DueToday          int       `json:"due_today" db:"due_today"`
	Mastered          int       `json:"mastered" db:"mastered"`
	AverageEaseFactor float64   `json:"average_ease_factor" db:"average_ease_factor"`
	ReviewsLast7Days  int       `json:"reviews_last_7_days" db:"reviews_last_7_days"`
	ComputedAt        time.Time `json:"computed_at"`
}

// DeckStats is the cached per-deck summary
type DeckStats struct {
	DeckID       string          `json:"deck_id"`
	Name         string          `json:"name"`
	TotalCards   int             `json:"total_cards"`
	DueCards     int             `json:"due_cards"`
	Mastered     int             `json:"mastered"`
	MasteryLevel float64         `json:"mastery_level"`
	Category     MasteryCategory `json:"category"`
}
