package models

import "time"

// User is an account of the engine. ChatID links it to a Telegram chat when set.
type User struct {
	ID                    string                `json:"id" db:"id"`
	ChatID                *int64                `json:"chat_id,omitempty" db:"chat_id"`
	Username              string                `json:"username" db:"username"`
	IsAdmin               bool                  `json:"is_admin" db:"is_admin"`
	ReminderHour          int                   `json:"reminder_hour" db:"reminder_hour"`
	RemindersEnabled      bool                  `json:"reminders_enabled" db:"reminders_enabled"`
	PersonalizationConfig PersonalizationConfig `json:"personalization_config"`
	CreatedAt             time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at" db:"updated_at"`
}
