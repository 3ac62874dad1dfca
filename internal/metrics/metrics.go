// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reviews

	ReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srs_reviews_total",
			Help: "Total number of applied reviews by outcome",
		},
		[]string{"outcome"}, // "success", "lapse"
	)

	ReviewDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "srs_review_apply_duration_seconds",
			Help:    "Time spent applying a review transactionally",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReviewConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "srs_review_conflicts_total",
			Help: "Reviews rejected by the optimistic version check",
		},
	)

	// Cache

	CacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srs_cache_reads_total",
			Help: "Cache reads by logical cache name and hit type",
		},
		[]string{"name", "hit_type"}, // hit_type: "hit", "miss", "expired"
	)

	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srs_cache_writes_total",
			Help: "Cache writes by logical cache name",
		},
		[]string{"name"},
	)

	CacheComputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "srs_cache_compute_duration_seconds",
			Help:    "Time spent computing a value before it was cached",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srs_cache_invalidations_total",
			Help: "Cache invalidations by triggering event",
		},
		[]string{"event"},
	)

	CacheCleanupRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "srs_cache_cleanup_removed_total",
			Help: "Expired cache entries removed by cleanup sweeps",
		},
	)

	// Pattern analysis and folding

	PatternComputations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srs_pattern_computations_total",
			Help: "Full learning pattern computations by result",
		},
		[]string{"result"}, // "computed", "insufficient_data", "error"
	)

	FoldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srs_folds_total",
			Help: "Interaction folds by outcome",
		},
		[]string{"outcome"}, // "folded", "rate_limited", "no_unprocessed_interactions", "insufficient_data", "circuit_open", "error"
	)

	FoldedInteractions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "srs_folded_interactions_total",
			Help: "Interactions folded into learning patterns",
		},
	)

	PathRegenerations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "srs_path_regenerations_total",
			Help: "Study path regenerations triggered by significant change",
		},
	)

	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "srs_fold_breaker_state",
			Help: "Fold circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// API

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srs_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "srs_http_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
	)

	// Jobs

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srs_job_runs_total",
			Help: "Scheduled job runs by job and result",
		},
		[]string{"job", "result"},
	)

	RemindersSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "srs_reminders_sent_total",
			Help: "Due-card reminders delivered",
		},
	)
)
