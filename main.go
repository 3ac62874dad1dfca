package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/example/srsengine/internal/api"
	"github.com/example/srsengine/internal/bot"
	"github.com/example/srsengine/internal/cache"
	"github.com/example/srsengine/internal/config"
	"github.com/example/srsengine/internal/database"
	"github.com/example/srsengine/internal/excel"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/internal/pattern"
	"github.com/example/srsengine/internal/priority"
	"github.com/example/srsengine/internal/realtime"
	"github.com/example/srsengine/internal/review"
	"github.com/example/srsengine/internal/scheduler"
	"github.com/example/srsengine/internal/spaced_repetition"
)

// metricLogCapacity bounds the in-process cache metric history served by /v1/cache/stats
const metricLogCapacity = 10000

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("engine stopped with error")
	}
	logging.Info().Msg("engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	cards := database.NewCardRepository(db)
	decks := database.NewDeckRepository(db)
	reviews := database.NewReviewRepository(db)
	patterns := database.NewPatternRepository(db)
	interactions := database.NewInteractionRepository(db)
	mastery := database.NewMasteryRepository(db)
	snapshots := database.NewSnapshotRepository(db)
	cacheMetrics := database.NewCacheMetricRepository(db)
	users := database.NewUserRepository(db, cfg.Personalization)

	store, err := openCacheStore(cfg.Cache)
	if err != nil {
		return err
	}
	defer store.Close()

	metricLog := cache.NewMetricLog(metricLogCapacity)
	sinks := cache.MultiSink{metricLog, cache.PrometheusSink{}}
	var sqlSink *cache.SQLSink
	if cfg.Cache.PersistMetrics {
		sqlSink = cache.NewSQLSink(cacheMetrics)
		sinks = append(sinks, sqlSink)
	}
	layer := cache.New(store, cache.Options{
		Version: cfg.Cache.SchemaVersion,
		TTL:     cfg.Cache.TTLFor,
		Sink:    sinks,
	})

	analyzer := pattern.NewAnalyzer(pattern.Config{
		WindowSize: cfg.Analyzer.WindowSize,
		Lookback:   cfg.Analyzer.Lookback,
		MinSamples: cfg.Analyzer.MinSamples,
	})
	updater := realtime.NewUpdater(realtime.Config{
		Debounce:              cfg.Realtime.Debounce,
		MinUpdateInterval:     cfg.Realtime.MinUpdateInterval,
		BatchSize:             cfg.Realtime.BatchSize,
		SignificanceThreshold: cfg.Realtime.SignificanceThreshold,
		BreakerFailures:       cfg.Realtime.BreakerFailures,
		BreakerTimeout:        cfg.Realtime.BreakerTimeout,
		QueueLimit:            cfg.Realtime.QueueLimit,
	}, realtime.Stores{
		Interactions: interactions,
		Patterns:     patterns,
		Snapshots:    snapshots,
		Reviews:      reviews,
		Cards:        cards,
		Mastery:      mastery,
		Configs:      users,
	}, analyzer, priority.NewEngine(), layer)
	defer updater.Close()

	svc := review.NewService(review.Deps{
		Cards:    cards,
		Decks:    decks,
		Reviews:  reviews,
		Patterns: patterns,
		Mastery:  mastery,
		Users:    users,
		Updater:  updater,
		Cache:    layer,
		SM2:      spaced_repetition.NewSM2(),
	})

	supervisor := suture.New("srsengine", suture.Spec{
		EventHook: func(e suture.Event) {
			logging.Warn().Str("event", e.String()).Msg("supervisor event")
		},
	})
	supervisor.Add(updater)
	if sqlSink != nil {
		supervisor.Add(sqlSink)
	}

	var notifier scheduler.Notifier
	if cfg.Telegram.Enabled {
		b, err := newBot(cfg, svc, users, cards)
		if err != nil {
			return err
		}
		notifier = b
		supervisor.Add(b)
	}

	jobs := scheduler.New(scheduler.Config{
		SchedulerConfig: cfg.Scheduler,
		CleanupInterval: cfg.Cache.CleanupInterval,
		CleanupBatch:    cfg.Cache.CleanupBatch,
	}, scheduler.Deps{
		Cache:     layer,
		Patterns:  updater,
		Users:     users,
		Cards:     cards,
		Metrics:   cacheMetrics,
		Snapshots: snapshots,
		Notifier:  notifier,
	})
	supervisor.Add(jobs)

	if cfg.API.Enabled {
		deps := api.Deps{
			Service:     svc,
			Recorder:    svc,
			CacheStats:  metricLog,
			Regenerator: updater,
			Reminders:   jobs,
		}
		if cfg.Cache.PersistMetrics {
			deps.CacheHistory = cacheMetrics
		}
		supervisor.Add(api.NewServer(cfg.API, deps))
	}

	logging.Info().
		Str("driver", cfg.Database.Driver).
		Str("cache", cfg.Cache.Backend).
		Bool("api", cfg.API.Enabled).
		Bool("telegram", cfg.Telegram.Enabled).
		Msg("engine started")
	return supervisor.Serve(ctx)
}

func openCacheStore(cfg config.CacheConfig) (cache.Store, error) {
	if cfg.Backend == "badger" {
		return cache.OpenBadgerStore(cfg.BadgerPath)
	}
	return cache.NewMemoryStore(), nil
}

func newBot(cfg *config.Config, svc *review.Service, users *database.UserRepository, cards *database.CardRepository) (*bot.Bot, error) {
	botCfg := bot.DefaultConfig()
	admins, invalid := bot.ParseAdminIDs(cfg.Telegram.AdminIDs)
	for _, id := range invalid {
		logging.Warn().Str("admin_id", id).Msg("ignoring invalid admin id")
	}
	botCfg.AdminIDs = admins
	botCfg.SessionTimeout = 2 * time.Hour

	importCfg := excel.DefaultImportConfig()
	importCfg.MaxRows = cfg.Import.MaxRows

	return bot.New(cfg.Telegram.Token, cfg.Telegram.Debug, botCfg, bot.Deps{
		Service:  svc,
		Users:    users,
		Cards:    cards,
		Recorder: svc,
		Importer: excel.NewImporter(svc, importCfg),
	})
}
