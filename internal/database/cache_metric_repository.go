package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/srsengine/pkg/models"
)

// CacheMetricRepository persists cache metrics for analytics
type CacheMetricRepository struct {
	db *sqlx.DB
}

// NewCacheMetricRepository creates a new repository instance
func NewCacheMetricRepository(db *sqlx.DB) *CacheMetricRepository {
	return &CacheMetricRepository{db: db}
}

// Insert appends one metric
func (r *CacheMetricRepository) Insert(ctx context.Context, m models.CacheMetric) error {
	m.RecordedAt = utc(m.RecordedAt)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO cache_metrics (user_id, cache_key, cache_name, op, hit_type, computation_time_ns, ttl_ns, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		m.UserID, m.Key, m.Name, string(m.Op), string(m.HitType), int64(m.ComputationTime), int64(m.TTL), m.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cache metric: %w", err)
	}
	return nil
}

// Stats aggregates the metrics recorded since the given time
func (r *CacheMetricRepository) Stats(ctx context.Context, since time.Time) (models.CacheStats, error) {
	var rows []struct {
		Op      string `db:"op"`
		HitType string `db:"hit_type"`
		N       int    `db:"n"`
	}
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT op, hit_type, COUNT(*) AS n FROM cache_metrics
		WHERE recorded_at >= ?
		GROUP BY op, hit_type`), utc(since))
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("failed to aggregate cache metrics: %w", err)
	}

	var stats models.CacheStats
	for _, row := range rows {
		if models.CacheOp(row.Op) == models.CacheWrite {
			stats.Writes += row.N
			continue
		}
		stats.Reads += row.N
		switch models.HitType(row.HitType) {
		case models.CacheHit:
			stats.Hits += row.N
		case models.CacheMiss:
			stats.Misses += row.N
		case models.CacheExpired:
			stats.Expired += row.N
		}
	}
	if stats.Reads > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.Reads)
	}
	return stats, nil
}

// DeleteBefore prunes metrics recorded before the cutoff
func (r *CacheMetricRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM cache_metrics WHERE recorded_at < ?`), utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete cache metrics: %w", err)
	}
	return result.RowsAffected()
}
