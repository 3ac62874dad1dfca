// Package realtime folds in-session interactions into learning patterns and
// regenerates study paths when performance shifts.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bep/debounce"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/example/srsengine/internal/cache"
	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/keylock"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/internal/metrics"
	"github.com/example/srsengine/internal/pattern"
	"github.com/example/srsengine/internal/priority"
	"github.com/example/srsengine/pkg/models"
)

// Topics of the in-process work queue
const (
	TopicFold       = "srs.fold"
	TopicRegenerate = "srs.regenerate"
)

// InteractionStore persists interactions
type InteractionStore interface {
	Create(ctx context.Context, in *models.Interaction) error
	ListUnprocessed(ctx context.Context, userID string, limit int) ([]models.Interaction, error)
	ListSince(ctx context.Context, userID string, since time.Time) ([]models.Interaction, error)
	MarkProcessed(ctx context.Context, ids []string) error
	UsersWithPending(ctx context.Context, limit int) ([]string, error)
}

// PatternStore persists learning patterns
type PatternStore interface {
	Get(ctx context.Context, userID string) (*models.LearningPattern, error)
	Save(ctx context.Context, p *models.LearningPattern) (bool, error)
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	MarkAttempted(ctx context.Context, userID string, at time.Time) error
}

// SnapshotStore persists study path snapshots
type SnapshotStore interface {
	Save(ctx context.Context, s *models.StudyPathSnapshot) error
	Latest(ctx context.Context, userID, sessionID string) (*models.StudyPathSnapshot, error)
}

// ReviewSource lists review history
type ReviewSource interface {
	ListRecent(ctx context.Context, userID string, since time.Time, limit int) ([]models.ReviewRecord, error)
}

// CardSource lists a user's cards
type CardSource interface {
	ListDue(ctx context.Context, userID string, now time.Time, limit int) ([]models.Card, error)
	ListSummaries(ctx context.Context, userID string) ([]models.CardSummary, error)
}

// MasteryStore persists concept mastery
type MasteryStore interface {
	Upsert(ctx context.Context, m *models.ConceptMastery) error
}

// ConfigSource resolves a user's personalization config
type ConfigSource interface {
	PersonalizationFor(ctx context.Context, userID string) (models.PersonalizationConfig, error)
}

// Stores groups the persistence the updater needs
type Stores struct {
	Interactions InteractionStore
	Patterns     PatternStore
	Snapshots    SnapshotStore
	Reviews      ReviewSource
	Cards        CardSource
	Mastery      MasteryStore
	Configs      ConfigSource
}

// Config controls folding
type Config struct {
	Debounce              time.Duration
	MinUpdateInterval     time.Duration
	BatchSize             int
	SignificanceThreshold float64
	BreakerFailures       uint32
	BreakerTimeout        time.Duration
	// QueueLimit bounds how many due cards a regenerated path ranks
	QueueLimit int
}

// DefaultConfig returns 2s debounce, 30s rate limit, batches of 50 and a 15% significance threshold
func DefaultConfig() Config {
	return Config{
		Debounce:              2 * time.Second,
		MinUpdateInterval:     30 * time.Second,
		BatchSize:             50,
		SignificanceThreshold: 0.15,
		BreakerFailures:       5,
		BreakerTimeout:        time.Minute,
		QueueLimit:            100,
	}
}

// SkipReason explains a fold that did nothing
type SkipReason string

const (
	ReasonRateLimited      SkipReason = "rate_limited"
	ReasonNoWork           SkipReason = "no_unprocessed_interactions"
	ReasonInsufficientData SkipReason = "insufficient_data"
	ReasonCircuitOpen      SkipReason = "circuit_open"
)

// FoldOutcome reports what a fold did. SessionID is the latest session seen
// in the folded batch.
type FoldOutcome struct {
	UserID      string     `json:"user_id"`
	SessionID   string     `json:"session_id,omitempty"`
	Folded      int        `json:"folded"`
	Skipped     bool       `json:"skipped"`
	Reason      SkipReason `json:"reason,omitempty"`
	Significant bool       `json:"significant"`
}

func skipped(userID string, reason SkipReason) FoldOutcome {
	return FoldOutcome{UserID: userID, Skipped: true, Reason: reason}
}

// task is the payload of queue messages
type task struct {
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id,omitempty"`
	Force         bool   `json:"force,omitempty"`
	Trigger       string `json:"trigger,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Updater owns the deferred pattern maintenance of every user. Work for a
// user is serialized by a keyed lock; different users proceed in parallel.
type Updater struct {
	cfg      Config
	stores   Stores
	analyzer *pattern.Analyzer
	engine   *priority.Engine
	cache    *cache.Layer
	pubsub   *gochannel.GoChannel
	locks    *keylock.KeyedMutex
	breaker  *gobreaker.CircuitBreaker[FoldOutcome]
	validate *validator.Validate
	now      func() time.Time
	logger   zerolog.Logger

	mu         sync.Mutex
	debouncers map[string]*pendingFold
}

// pendingFold is the debounce state of one user. The entry is removed when
// its latest scheduled fold fires.
type pendingFold struct {
	debounce  func(func())
	gen       uint64
	sessionID string
}

// Option customizes an Updater
type Option func(*Updater)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

// NewUpdater wires an updater. The cache layer may be nil.
func NewUpdater(cfg Config, stores Stores, analyzer *pattern.Analyzer, engine *priority.Engine, layer *cache.Layer, opts ...Option) *Updater {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.SignificanceThreshold <= 0 {
		cfg.SignificanceThreshold = def.SignificanceThreshold
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = def.QueueLimit
	}

	u := &Updater{
		cfg:        cfg,
		stores:     stores,
		analyzer:   analyzer,
		engine:     engine,
		cache:      layer,
		pubsub:     gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NopLogger{}),
		locks:      keylock.New(),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
		logger:     logging.Component("realtime"),
		debouncers: make(map[string]*pendingFold),
	}
	for _, opt := range opts {
		opt(u)
	}

	u.breaker = gobreaker.NewCircuitBreaker[FoldOutcome](gobreaker.Settings{
		Name:    "fold",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(float64(to))
			u.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("fold circuit breaker changed state")
		},
	})
	return u
}

// RecordInteraction persists an interaction and schedules a debounced fold for its user
func (u *Updater) RecordInteraction(ctx context.Context, in *models.Interaction) error {
	if in.UserID == "" {
		return errs.ErrUnauthorized
	}
	if err := u.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = u.now()
	}
	if err := u.stores.Interactions.Create(ctx, in); err != nil {
		return err
	}
	u.ScheduleFold(ctx, in.UserID, in.SessionID)
	return nil
}

// ScheduleFold requests a fold after the debounce delay. Requests for the
// same user inside the delay collapse into one carrying the latest non-empty
// session id.
func (u *Updater) ScheduleFold(ctx context.Context, userID, sessionID string) {
	correlationID := logging.CorrelationID(ctx)
	u.mu.Lock()
	p, ok := u.debouncers[userID]
	if !ok {
		p = &pendingFold{debounce: debounce.New(u.cfg.Debounce)}
		u.debouncers[userID] = p
	}
	p.gen++
	gen := p.gen
	if sessionID != "" {
		p.sessionID = sessionID
	}
	u.mu.Unlock()

	p.debounce(func() {
		u.mu.Lock()
		sid := p.sessionID
		if cur, ok := u.debouncers[userID]; ok && cur == p && p.gen == gen {
			delete(u.debouncers, userID)
		}
		u.mu.Unlock()

		if err := u.publish(TopicFold, task{UserID: userID, SessionID: sid, CorrelationID: correlationID}); err != nil {
			u.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to enqueue fold")
		}
	})
}

// RequestFold enqueues a fold immediately, bypassing the debounce
func (u *Updater) RequestFold(userID string, force bool) error {
	return u.publish(TopicFold, task{UserID: userID, Force: force})
}

// RequestRegeneration enqueues a study path regeneration
func (u *Updater) RequestRegeneration(userID, sessionID, trigger string) error {
	return u.publish(TopicRegenerate, task{UserID: userID, SessionID: sessionID, Trigger: trigger})
}

func (u *Updater) publish(topic string, t task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := u.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Serve consumes the work queue until ctx is done. It implements suture.Service.
// Every message is acked: failed work is logged and dropped.
func (u *Updater) Serve(ctx context.Context) error {
	folds, err := u.pubsub.Subscribe(ctx, TopicFold)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", TopicFold, err)
	}
	regenerations, err := u.pubsub.Subscribe(ctx, TopicRegenerate)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", TopicRegenerate, err)
	}
	u.logger.Info().Msg("fold worker started")

	for {
		select {
		case <-ctx.Done():
			u.logger.Info().Msg("fold worker stopped")
			return ctx.Err()
		case msg, ok := <-folds:
			if !ok {
				return ctx.Err()
			}
			u.handle(ctx, msg, u.handleFold)
		case msg, ok := <-regenerations:
			if !ok {
				return ctx.Err()
			}
			u.handle(ctx, msg, u.handleRegeneration)
		}
	}
}

func (u *Updater) String() string { return "fold-worker" }

func (u *Updater) handle(ctx context.Context, msg *message.Message, fn func(context.Context, task)) {
	defer msg.Ack()
	var t task
	if err := json.Unmarshal(msg.Payload, &t); err != nil {
		u.logger.Error().Err(err).Str("message_id", msg.UUID).Msg("dropping malformed task")
		return
	}
	if t.CorrelationID == "" {
		t.CorrelationID = logging.NewCorrelationID()
	}
	ctx = logging.WithUserID(logging.WithCorrelationID(ctx, t.CorrelationID), t.UserID)
	fn(ctx, t)
}

func (u *Updater) handleFold(ctx context.Context, t task) {
	out, err := u.Fold(ctx, t.UserID, t.Force)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("fold failed")
		return
	}
	if out.Skipped {
		logging.Ctx(ctx).Debug().Str("reason", string(out.Reason)).Msg("fold skipped")
		return
	}
	if out.Significant {
		sessionID := out.SessionID
		if sessionID == "" {
			sessionID = t.SessionID
		}
		regen := task{UserID: t.UserID, SessionID: sessionID, Trigger: "significant_change", CorrelationID: t.CorrelationID}
		if err := u.publish(TopicRegenerate, regen); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to enqueue path regeneration")
		}
	}
}

func (u *Updater) handleRegeneration(ctx context.Context, t task) {
	if _, err := u.RegeneratePath(ctx, t.UserID, t.SessionID, t.Trigger); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("path regeneration failed")
	}
}

// Close stops the work queue
func (u *Updater) Close() error {
	return u.pubsub.Close()
}
