// Package scheduler runs the engine's periodic jobs: cache cleanup, stale
// pattern refresh, history pruning and due-card reminders.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/example/srsengine/internal/config"
	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/internal/metrics"
	"github.com/example/srsengine/pkg/models"
)

// Default notification window, used when the config leaves it empty
const (
	DefaultNotificationStartHour = 9
	DefaultNotificationEndHour   = 22
)

const (
	reminderInterval = time.Hour
	pruneInterval    = 6 * time.Hour
	maxCleanupRounds = 10
)

// Notifier delivers due-card reminders
type Notifier interface {
	SendReminders(chatID int64, count int) error
}

// CacheCleaner removes expired cache entries
type CacheCleaner interface {
	Cleanup(ctx context.Context, batch int) (int, error)
}

// PatternRefresher recomputes stale learning patterns
type PatternRefresher interface {
	RefreshStale(ctx context.Context, maxAge time.Duration, batch int) (int, error)
}

// ReminderSource lists users to remind at a given hour
type ReminderSource interface {
	ListReminderCandidates(ctx context.Context, hour int) ([]models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// DueCounter counts due cards
type DueCounter interface {
	CountDue(ctx context.Context, userID string, now time.Time) (int, error)
}

// Pruner deletes history older than a cutoff
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deps groups the collaborators of the jobs. Nil members disable their job.
type Deps struct {
	Cache     CacheCleaner
	Patterns  PatternRefresher
	Users     ReminderSource
	Cards     DueCounter
	Metrics   Pruner
	Snapshots Pruner
	Notifier  Notifier
}

// Config is the scheduler part of the engine config plus the cache cleanup cadence
type Config struct {
	config.SchedulerConfig
	CleanupInterval time.Duration
	CleanupBatch    int
}

// Scheduler manages scheduled tasks for the application
type Scheduler struct {
	scheduler *gocron.Scheduler
	cfg       Config
	deps      Deps
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a new scheduler instance
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.NotificationStart == 0 && cfg.NotificationEnd == 0 {
		cfg.NotificationStart = DefaultNotificationStartHour
		cfg.NotificationEnd = DefaultNotificationEndHour
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		cfg:       cfg,
		deps:      deps,
		now:       time.Now,
		logger:    logging.Component("scheduler"),
	}
}

// Start registers every enabled job and runs the scheduler in the background
func (s *Scheduler) Start(ctx context.Context) error {
	type job struct {
		name    string
		every   time.Duration
		enabled bool
		run     func(context.Context) error
	}
	jobs := []job{
		{"cache_cleanup", s.cfg.CleanupInterval, s.deps.Cache != nil, func(ctx context.Context) error {
			_, err := s.CleanupCache(ctx)
			return err
		}},
		{"pattern_refresh", s.cfg.RefreshInterval, s.deps.Patterns != nil, func(ctx context.Context) error {
			_, err := s.deps.Patterns.RefreshStale(ctx, s.cfg.RefreshMaxAge, s.cfg.RefreshBatch)
			return err
		}},
		{"history_prune", pruneInterval, s.deps.Metrics != nil || s.deps.Snapshots != nil, s.PruneHistory},
		{"reminders", reminderInterval, s.cfg.RemindersEnabled && s.deps.Notifier != nil && s.deps.Users != nil && s.deps.Cards != nil,
			func(ctx context.Context) error {
				_, err := s.SendReminders(ctx)
				return err
			}},
	}

	for _, j := range jobs {
		if !j.enabled || j.every <= 0 {
			continue
		}
		j := j
		_, err := s.scheduler.Every(j.every).SingletonMode().Do(func() {
			s.run(ctx, j.name, j.run)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
		s.logger.Info().Str("job", j.name).Dur("every", j.every).Msg("job scheduled")
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop terminates all scheduled tasks
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// Serve runs the scheduler until ctx is cancelled
func (s *Scheduler) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	s.scheduler.Clear()
	return ctx.Err()
}

func (s *Scheduler) String() string { return "scheduler" }

func (s *Scheduler) run(ctx context.Context, name string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	ctx = logging.WithNewCorrelationID(ctx)
	start := time.Now()
	if err := fn(ctx); err != nil {
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		logging.Ctx(ctx).Error().Err(err).Str("job", name).Msg("scheduled job failed")
		return
	}
	metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	logging.Ctx(ctx).Debug().Str("job", name).Dur("took", time.Since(start)).Msg("scheduled job done")
}

// CleanupCache removes expired cache entries in bounded batches
func (s *Scheduler) CleanupCache(ctx context.Context) (int, error) {
	batch := s.cfg.CleanupBatch
	if batch <= 0 {
		batch = 500
	}
	total := 0
	for round := 0; round < maxCleanupRounds; round++ {
		n, err := s.deps.Cache.Cleanup(ctx, batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < batch {
			break
		}
	}
	if total > 0 {
		s.logger.Debug().Int("removed", total).Msg("expired cache entries removed")
	}
	return total, nil
}

// PruneHistory deletes cache metrics and study path snapshots past their retention
func (s *Scheduler) PruneHistory(ctx context.Context) error {
	now := s.now()
	if s.deps.Metrics != nil && s.cfg.MetricRetention > 0 {
		n, err := s.deps.Metrics.DeleteBefore(ctx, now.Add(-s.cfg.MetricRetention))
		if err != nil {
			return err
		}
		s.logger.Debug().Int64("removed", n).Msg("old cache metrics pruned")
	}
	if s.deps.Snapshots != nil && s.cfg.SnapshotRetention > 0 {
		n, err := s.deps.Snapshots.DeleteBefore(ctx, now.Add(-s.cfg.SnapshotRetention))
		if err != nil {
			return err
		}
		s.logger.Debug().Int64("removed", n).Msg("old study path snapshots pruned")
	}
	return nil
}

// InNotificationWindow reports whether reminders may be sent at the given UTC hour
func (s *Scheduler) InNotificationWindow(hour int) bool {
	return hour >= s.cfg.NotificationStart && hour <= s.cfg.NotificationEnd
}

// SendReminders notifies users whose reminder hour is now and who have due cards
func (s *Scheduler) SendReminders(ctx context.Context) (int, error) {
	now := s.now().UTC()
	hour := now.Hour()
	if !s.InNotificationWindow(hour) {
		s.logger.Debug().
			Int("hour", hour).
			Int("start", s.cfg.NotificationStart).
			Int("end", s.cfg.NotificationEnd).
			Msg("outside notification hours, skipping reminders")
		return 0, nil
	}

	users, err := s.deps.Users.ListReminderCandidates(ctx, hour)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, u := range users {
		ok, err := s.remind(ctx, u, now)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("user_id", u.ID).Msg("failed to send reminder")
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// RunManualCheck sends a reminder to one user right away if they have due
// cards, ignoring the notification window. It reports whether one was sent.
func (s *Scheduler) RunManualCheck(ctx context.Context, userID string) (bool, error) {
	if s.deps.Notifier == nil || s.deps.Users == nil || s.deps.Cards == nil {
		return false, fmt.Errorf("reminders are not configured: %w", errs.ErrUnavailable)
	}
	u, err := s.deps.Users.GetByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.remind(ctx, *u, s.now().UTC())
}

func (s *Scheduler) remind(ctx context.Context, u models.User, now time.Time) (bool, error) {
	if u.ChatID == nil {
		return false, nil
	}
	count, err := s.deps.Cards.CountDue(ctx, u.ID, now)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	if err := s.deps.Notifier.SendReminders(*u.ChatID, count); err != nil {
		return false, err
	}
	metrics.RemindersSent.Inc()
	return true, nil
}
