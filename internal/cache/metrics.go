package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/internal/metrics"
	"github.com/example/srsengine/pkg/models"
)

// MetricSink receives every cache metric. Record must not block the caller for long.
type MetricSink interface {
	Record(m models.CacheMetric)
}

// MultiSink fans a metric out to several sinks
type MultiSink []MetricSink

func (s MultiSink) Record(m models.CacheMetric) {
	for _, sink := range s {
		sink.Record(m)
	}
}

// defaultLogCapacity bounds the in-memory metric log
const defaultLogCapacity = 10000

// MetricLog keeps the most recent metrics in memory
type MetricLog struct {
	mu       sync.Mutex
	metrics  []models.CacheMetric
	capacity int
}

// NewMetricLog creates a log holding at most capacity metrics
func NewMetricLog(capacity int) *MetricLog {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &MetricLog{capacity: capacity}
}

func (l *MetricLog) Record(m models.CacheMetric) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.metrics) >= l.capacity {
		// drop the oldest quarter in one go
		drop := l.capacity / 4
		if drop == 0 {
			drop = 1
		}
		l.metrics = append(l.metrics[:0], l.metrics[drop:]...)
	}
	l.metrics = append(l.metrics, m)
}

// Metrics returns a copy of the recorded metrics, oldest first
func (l *MetricLog) Metrics() []models.CacheMetric {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.CacheMetric(nil), l.metrics...)
}

// Stats aggregates metrics recorded at or after since
func (l *MetricLog) Stats(since time.Time) models.CacheStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats models.CacheStats
	for _, m := range l.metrics {
		if m.RecordedAt.Before(since) {
			continue
		}
		if m.Op == models.CacheWrite {
			stats.Writes++
			continue
		}
		stats.Reads++
		switch m.HitType {
		case models.CacheHit:
			stats.Hits++
		case models.CacheMiss:
			stats.Misses++
		case models.CacheExpired:
			stats.Expired++
		}
	}
	if stats.Reads > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.Reads)
	}
	return stats
}

// PrometheusSink exports metrics as Prometheus counters
type PrometheusSink struct{}

func (PrometheusSink) Record(m models.CacheMetric) {
	if m.Op == models.CacheWrite {
		metrics.CacheWrites.WithLabelValues(m.Name).Inc()
		if m.ComputationTime > 0 {
			metrics.CacheComputeDuration.WithLabelValues(m.Name).Observe(m.ComputationTime.Seconds())
		}
		return
	}
	metrics.CacheReads.WithLabelValues(m.Name, string(m.HitType)).Inc()
}

// MetricInserter persists one metric
type MetricInserter interface {
	Insert(ctx context.Context, m models.CacheMetric) error
}

const sqlSinkBuffer = 1024

// SQLSink persists metrics asynchronously. Metrics recorded while the buffer
// is full are dropped.
type SQLSink struct {
	repo   MetricInserter
	queue  chan models.CacheMetric
	logger zerolog.Logger
}

// NewSQLSink creates a sink writing to repo. Serve must run for metrics to be written.
func NewSQLSink(repo MetricInserter) *SQLSink {
	return &SQLSink{
		repo:   repo,
		queue:  make(chan models.CacheMetric, sqlSinkBuffer),
		logger: logging.Component("cache_metrics"),
	}
}

func (s *SQLSink) Record(m models.CacheMetric) {
	select {
	case s.queue <- m:
	default:
		s.logger.Warn().Str("key", m.Key).Msg("cache metric buffer full, dropping metric")
	}
}

// Serve drains the buffer until ctx is done. It implements suture.Service.
func (s *SQLSink) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-s.queue:
			if err := s.repo.Insert(ctx, m); err != nil {
				s.logger.Warn().Err(err).Str("key", m.Key).Msg("failed to persist cache metric")
			}
		}
	}
}

func (s *SQLSink) String() string { return "cache-metrics-sink" }
