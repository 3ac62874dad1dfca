package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/pkg/models"
)

const userColumns = `id, chat_id, username, is_admin, reminder_hour, reminders_enabled, personalization, created_at, updated_at`

// UserRepository handles database operations for users
type UserRepository struct {
	db       *sqlx.DB
	defaults models.PersonalizationConfig
}

// NewUserRepository creates a new repository instance. Users without stored
// personalization get the given defaults.
func NewUserRepository(db *sqlx.DB, defaults models.PersonalizationConfig) *UserRepository {
	return &UserRepository{db: db, defaults: defaults}
}

type userRow struct {
	ID               string    `db:"id"`
	ChatID           *int64    `db:"chat_id"`
	Username         string    `db:"username"`
	IsAdmin          bool      `db:"is_admin"`
	ReminderHour     int       `db:"reminder_hour"`
	RemindersEnabled bool      `db:"reminders_enabled"`
	Personalization  string    `db:"personalization"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r *UserRepository) toModel(row userRow) (*models.User, error) {
	u := &models.User{
		ID:                    row.ID,
		ChatID:                row.ChatID,
		Username:              row.Username,
		IsAdmin:               row.IsAdmin,
		ReminderHour:          row.ReminderHour,
		RemindersEnabled:      row.RemindersEnabled,
		PersonalizationConfig: r.defaults,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
	if err := decodeJSON(row.Personalization, &u.PersonalizationConfig); err != nil {
		return nil, fmt.Errorf("failed to decode personalization: %w", err)
	}
	return u, nil
}

// Create inserts a new user
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := utc(time.Now())
	u.CreatedAt, u.UpdatedAt = now, now
	if u.PersonalizationConfig == (models.PersonalizationConfig{}) {
		u.PersonalizationConfig = r.defaults
	}
	personalization, err := encodeJSON(u.PersonalizationConfig)
	if err != nil {
		return fmt.Errorf("failed to encode personalization: %w", err)
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (:id, :chat_id, :username, :is_admin, :reminder_hour, :reminders_enabled, :personalization, :created_at, :updated_at)`,
		userRow{
			ID: u.ID, ChatID: u.ChatID, Username: u.Username, IsAdmin: u.IsAdmin,
			ReminderHour: u.ReminderHour, RemindersEnabled: u.RemindersEnabled,
			Personalization: personalization, CreatedAt: now, UpdatedAt: now,
		})
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID returns a user by id
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var row userRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "user")
	}
	return r.toModel(row)
}

// GetByChatID returns the user linked to a Telegram chat
func (r *UserRepository) GetByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	var row userRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+userColumns+` FROM users WHERE chat_id = ?`), chatID); err != nil {
		return nil, notFound(err, "user")
	}
	return r.toModel(row)
}

// EnsureChatUser returns the user of a chat, creating it on first contact
func (r *UserRepository) EnsureChatUser(ctx context.Context, chatID int64, username string, reminderHour int) (*models.User, error) {
	u, err := r.GetByChatID(ctx, chatID)
	if err == nil {
		return u, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	u = &models.User{
		ChatID:           &chatID,
		Username:         username,
		ReminderHour:     reminderHour,
		RemindersEnabled: true,
	}
	if err := r.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// PersonalizationFor returns the user's personalization, or the defaults for unknown users
func (r *UserRepository) PersonalizationFor(ctx context.Context, userID string) (models.PersonalizationConfig, error) {
	u, err := r.GetByID(ctx, userID)
	if isNotFound(err) {
		return r.defaults, nil
	}
	if err != nil {
		return models.PersonalizationConfig{}, err
	}
	return u.PersonalizationConfig, nil
}

// UpdatePersonalization replaces the user's personalization config, creating the user if needed
func (r *UserRepository) UpdatePersonalization(ctx context.Context, userID string, cfg models.PersonalizationConfig) error {
	personalization, err := encodeJSON(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode personalization: %w", err)
	}
	now := utc(time.Now())
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO users (id, personalization, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET personalization = excluded.personalization, updated_at = excluded.updated_at`),
		userID, personalization, now, now)
	if err != nil {
		return fmt.Errorf("failed to update personalization: %w", err)
	}
	return nil
}

// SetReminders toggles due-card reminders and their hour
func (r *UserRepository) SetReminders(ctx context.Context, userID string, enabled bool, hour int) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE users SET reminders_enabled = ?, reminder_hour = ?, updated_at = ? WHERE id = ?`),
		enabled, hour, utc(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to update reminders: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("user %s: %w", userID, errs.ErrNotFound)
	}
	return nil
}

// ListReminderCandidates returns chat-linked users with reminders enabled for the given hour
func (r *UserRepository) ListReminderCandidates(ctx context.Context, hour int) ([]models.User, error) {
	var rows []userRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT `+userColumns+` FROM users
		WHERE chat_id IS NOT NULL AND reminders_enabled = ? AND reminder_hour = ?
		ORDER BY id`), true, hour)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminder candidates: %w", err)
	}
	users := make([]models.User, 0, len(rows))
	for _, row := range rows {
		u, err := r.toModel(row)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}
