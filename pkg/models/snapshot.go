package models

import "time"

// SnapshotFreshness is how long a study path snapshot stays usable
const SnapshotFreshness = 30 * time.Minute

// ScoredCard is a card with its priority score and the reasoning behind it
type ScoredCard struct {
	CardID       string    `json:"card_id"`
	DueDate      time.Time `json:"due_date"`
	Score        float64   `json:"score"`
	Traditional  float64   `json:"traditional"`
	Personalized float64   `json:"personalized"`
	Boosts       []Boost   `json:"boosts,omitempty"`
	Reasoning    []string  `json:"reasoning,omitempty"`
}

// Boost is one multiplicative factor applied to a personalized score
type Boost struct {
	Name   string  `json:"name"`
	Factor float64 `json:"factor"`
}

// StudyPathSnapshot records a regenerated review order
type StudyPathSnapshot struct {
	ID            string       `json:"id" db:"id"`
	UserID        string       `json:"user_id" db:"user_id"`
	SessionID     string       `json:"session_id" db:"session_id"`
	Trigger       string       `json:"trigger" db:"trigger_reason"`
	OriginalOrder []string     `json:"original_order"`
	NewOrder      []string     `json:"new_order"`
	Scores        []ScoredCard `json:"scores"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// IsFresh reports whether the snapshot can still be served at t
func (s StudyPathSnapshot) IsFresh(t time.Time) bool {
	return t.Sub(s.CreatedAt) < SnapshotFreshness
}
