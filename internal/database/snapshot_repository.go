package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/example/srsengine/pkg/models"
)

// SnapshotRepository stores regenerated study paths. Snapshots are write-once.
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository creates a new repository instance
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

type snapshotRow struct {
	ID            string    `db:"id"`
	UserID        string    `db:"user_id"`
	SessionID     string    `db:"session_id"`
	Trigger       string    `db:"trigger_reason"`
	OriginalOrder string    `db:"original_order"`
	NewOrder      string    `db:"new_order"`
	Scores        string    `db:"scores"`
	CreatedAt     time.Time `db:"created_at"`
}

// Save inserts a snapshot
func (r *SnapshotRepository) Save(ctx context.Context, s *models.StudyPathSnapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = utc(s.CreatedAt)

	row := snapshotRow{ID: s.ID, UserID: s.UserID, SessionID: s.SessionID, Trigger: s.Trigger, CreatedAt: s.CreatedAt}
	var err error
	if row.OriginalOrder, err = encodeJSON(s.OriginalOrder); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if row.NewOrder, err = encodeJSON(s.NewOrder); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if row.Scores, err = encodeJSON(s.Scores); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO study_path_snapshots (id, user_id, session_id, trigger_reason, original_order, new_order, scores, created_at)
		VALUES (:id, :user_id, :session_id, :trigger_reason, :original_order, :new_order, :scores, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot for the user and session, or errs.ErrNotFound
func (r *SnapshotRepository) Latest(ctx context.Context, userID, sessionID string) (*models.StudyPathSnapshot, error) {
	var row snapshotRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT id, user_id, session_id, trigger_reason, original_order, new_order, scores, created_at
		FROM study_path_snapshots
		WHERE user_id = ? AND session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`), userID, sessionID)
	if err != nil {
		return nil, notFound(err, "study path snapshot")
	}

	s := &models.StudyPathSnapshot{
		ID: row.ID, UserID: row.UserID, SessionID: row.SessionID, Trigger: row.Trigger, CreatedAt: row.CreatedAt,
	}
	if err := decodeJSON(row.OriginalOrder, &s.OriginalOrder); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := decodeJSON(row.NewOrder, &s.NewOrder); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := decodeJSON(row.Scores, &s.Scores); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}

// DeleteBefore removes snapshots created before the cutoff
func (r *SnapshotRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM study_path_snapshots WHERE created_at < ?`), utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return result.RowsAffected()
}
