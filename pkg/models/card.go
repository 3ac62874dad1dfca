package models

import (
	"math"
	"time"
)

// Bounds and defaults of the scheduling state
const (
	DefaultEaseFactor = 2.5
	MinEaseFactor     = 1.3
	MaxEaseFactor     = 3.0
	DefaultInterval   = 1
)

// Day is the length of one scheduling interval unit
const Day = 24 * time.Hour

// SchedulingState is the SM-2 state of a single card
type SchedulingState struct {
	Repetition int       `json:"repetition" db:"repetition"`   // successful reviews since the last lapse
	EaseFactor float64   `json:"ease_factor" db:"ease_factor"` // [1.3, 3.0]
	Interval   int       `json:"interval" db:"interval_days"`  // days, >= 1
	DueDate    time.Time `json:"due_date" db:"due_date"`       // card is eligible for review after this
}

// NewSchedulingState returns the state of a card entering the scheduler
func NewSchedulingState(now time.Time) SchedulingState {
	return SchedulingState{
		Repetition: 0,
		EaseFactor: DefaultEaseFactor,
		Interval:   DefaultInterval,
		DueDate:    now.UTC(),
	}
}

// Normalize applies the defaulting policy: missing ease becomes 2.5, missing
// interval becomes 1, negative repetition becomes 0 and ease is clamped into
// its domain.
func (s SchedulingState) Normalize() SchedulingState {
	if s.EaseFactor == 0 || math.IsNaN(s.EaseFactor) {
		s.EaseFactor = DefaultEaseFactor
	}
	s.EaseFactor = ClampEase(s.EaseFactor)
	if s.Interval < DefaultInterval {
		s.Interval = DefaultInterval
	}
	if s.Repetition < 0 {
		s.Repetition = 0
	}
	return s
}

// ClampEase bounds an ease factor to [MinEaseFactor, MaxEaseFactor]
func ClampEase(ease float64) float64 {
	return math.Max(MinEaseFactor, math.Min(MaxEaseFactor, ease))
}

// Card is a study card owned by a user
type Card struct {
	ID     string `json:"id" db:"id"`
	DeckID string `json:"deck_id" db:"deck_id"`
	UserID string `json:"user_id" db:"user_id"`
	Front  string `json:"front" db:"front"`
	Back   string `json:"back" db:"back"`
	SchedulingState
	Version   int       `json:"version" db:"version"` // bumped on every scheduling write
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Summary returns the text-only view of the card used for topic clustering
func (c Card) Summary() CardSummary {
	return CardSummary{ID: c.ID, DeckID: c.DeckID, Front: c.Front, Back: c.Back}
}

// IsDue reports whether the card can be reviewed at t
func (c Card) IsDue(t time.Time) bool {
	return !c.DueDate.After(t)
}

// CardSummary is the card text consumed by the pattern analyzer
type CardSummary struct {
	ID     string `json:"id" db:"id"`
	DeckID string `json:"deck_id" db:"deck_id"`
	Front  string `json:"front" db:"front"`
	Back   string `json:"back" db:"back"`
}

// Deck groups cards; a deck is also the concept unit for mastery tracking
type Deck struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// A card counts as mastered once it survived this many repetitions and its interval reached this many days
const (
	MasteredRepetitions = 5
	MasteredInterval    = 30
)

// IsMastered reports whether the scheduling state counts as mastered
func (s SchedulingState) IsMastered() bool {
	return s.Repetition >= MasteredRepetitions && s.Interval >= MasteredInterval
}
