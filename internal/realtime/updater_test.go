package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/srsengine/internal/cache"
	"github.com/example/srsengine/internal/database"
	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/pattern"
	"github.com/example/srsengine/internal/priority"
	"github.com/example/srsengine/pkg/models"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	db           *sqlx.DB
	clk          *clock
	u            *Updater
	stores       Stores
	layer        *cache.Layer
	interactions *database.InteractionRepository
	patterns     *database.PatternRepository
	reviews      *database.ReviewRepository
	cards        *database.CardRepository
	decks        *database.DeckRepository
	snapshots    *database.SnapshotRepository
	mastery      *database.MasteryRepository
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{
		db:           db,
		clk:          &clock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)},
		interactions: database.NewInteractionRepository(db),
		patterns:     database.NewPatternRepository(db),
		reviews:      database.NewReviewRepository(db),
		cards:        database.NewCardRepository(db),
		decks:        database.NewDeckRepository(db),
		snapshots:    database.NewSnapshotRepository(db),
		mastery:      database.NewMasteryRepository(db),
	}
	e.layer = cache.New(cache.NewMemoryStore(), cache.Options{Version: "v1", Clock: e.clk.Now})
	stores := Stores{
		Interactions: e.interactions,
		Patterns:     e.patterns,
		Snapshots:    e.snapshots,
		Reviews:      e.reviews,
		Cards:        e.cards,
		Mastery:      e.mastery,
		Configs:      database.NewUserRepository(db, models.DefaultPersonalizationConfig()),
	}
	e.stores = stores
	e.u = NewUpdater(cfg, stores, pattern.NewAnalyzer(pattern.DefaultConfig()), priority.NewEngine(), e.layer, WithClock(e.clk.Now))
	t.Cleanup(func() { e.u.Close() })
	return e
}

func ptr[T any](v T) *T { return &v }

func (e *env) answer(t *testing.T, userID, cardID string, ok bool, at time.Time) {
	t.Helper()
	require.NoError(t, e.interactions.Create(context.Background(), &models.Interaction{
		UserID: userID, CardID: cardID, Type: models.InteractionAnswer, OccurredAt: at,
		Success: ptr(ok), ResponseTimeMs: ptr(int64(1500)),
	}))
}

func (e *env) seedPattern(t *testing.T, userID string, rate float64, age time.Duration) {
	t.Helper()
	p := &models.LearningPattern{
		UserID:             userID,
		AverageSuccessRate: rate,
		RecentPerformanceTrends: models.PerformanceTrends{
			Last7Days:  models.WindowStats{SuccessRate: rate, ReviewCount: 20, AverageResponseTime: 1500, ResponseSamples: 20},
			Last14Days: models.WindowStats{SuccessRate: rate, ReviewCount: 40, AverageResponseTime: 1500, ResponseSamples: 40},
		},
		SampleCount: 40,
		LastUpdated: e.clk.Now().Add(-age),
	}
	_, err := e.patterns.Save(context.Background(), p)
	require.NoError(t, err)
}

func (e *env) seedHistory(t *testing.T, userID string, n int) *models.Deck {
	t.Helper()
	ctx := context.Background()
	deck := &models.Deck{UserID: userID, Name: "Verbs"}
	require.NoError(t, e.decks.Create(ctx, deck))
	for i := 0; i < 4; i++ {
		c := &models.Card{DeckID: deck.ID, UserID: userID, Front: fmt.Sprintf("irregular verb %d", i), Back: "past tense"}
		c.SchedulingState = models.SchedulingState{Repetition: 1, EaseFactor: 2.0 + float64(i)*0.2, Interval: 1,
			DueDate: e.clk.Now().Add(-time.Duration(i+1) * time.Hour)}
		require.NoError(t, e.cards.Create(ctx, c))
		for j := 0; j < n/4; j++ {
			require.NoError(t, e.reviews.Append(ctx, &models.ReviewRecord{
				UserID: userID, CardID: c.ID, DeckID: deck.ID, Quality: 4, WasSuccessful: j%4 != 0,
				ReviewedAt:       e.clk.Now().Add(-time.Duration(j*4+i+1) * time.Hour),
				EaseFactorBefore: 2.5, EaseFactorAfter: 2.5, IntervalBefore: 1, IntervalAfter: 6,
				RepetitionBefore: j, RepetitionAfter: j + 1,
			}))
		}
	}
	return deck
}

func TestFoldWithoutWork(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	out, err := e.u.Fold(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, ReasonNoWork, out.Reason)
}

func TestFoldIsRateLimitedUnlessForced(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	e.seedPattern(t, "u1", 0.8, 10*time.Second)
	e.answer(t, "u1", "c1", true, e.clk.Now())

	out, err := e.u.Fold(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, ReasonRateLimited, out.Reason)

	out, err = e.u.Fold(ctx, "u1", true)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, 1, out.Folded)
}

func TestFoldBlendsAndIsIdempotent(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	e.seedPattern(t, "u1", 0.5, time.Hour)
	for i := 0; i < 10; i++ {
		e.answer(t, "u1", fmt.Sprintf("c%d", i), true, e.clk.Now().Add(-time.Duration(i)*time.Second))
	}

	out, err := e.u.Fold(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Folded)
	assert.True(t, out.Significant)

	stored, err := e.patterns.Get(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.65, stored.AverageSuccessRate, 1e-9)
	assert.Equal(t, 50, stored.SampleCount)
	assert.True(t, stored.LastUpdated.Equal(e.clk.Now()))

	cached, ok, err := cache.Load[models.LearningPattern](ctx, e.layer, "u1", cache.NameLearningPattern)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.65, cached.AverageSuccessRate, 1e-9)

	// Redelivery of the same request finds nothing left to fold
	out, err = e.u.Fold(ctx, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoWork, out.Reason)
	again, err := e.patterns.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, stored.AverageSuccessRate, again.AverageSuccessRate)
	assert.Equal(t, stored.SampleCount, again.SampleCount)
}

func TestFoldWithoutHistoryIsInsufficient(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	e.answer(t, "u1", "c1", true, e.clk.Now())

	out, err := e.u.Fold(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientData, out.Reason)

	out, err = e.u.Fold(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoWork, out.Reason)
}

func TestFirstFoldComputesFromHistory(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	deck := e.seedHistory(t, "u1", 24)
	e.answer(t, "u1", "c1", true, e.clk.Now())

	out, err := e.u.Fold(ctx, "u1", false)
	require.NoError(t, err)
	require.False(t, out.Skipped)

	stored, err := e.patterns.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 24, stored.SampleCount)
	assert.InDelta(t, 2.0/3, stored.AverageSuccessRate, 1e-9)

	m, err := e.mastery.Get(ctx, "u1", deck.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, m.Confidence, 1e-9)
}

func TestBlendUpdatesSlotsAndInconsistency(t *testing.T) {
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	p := &models.LearningPattern{
		AverageSuccessRate: 1,
		CardOutcomes:       map[string][]bool{"c1": {true, true, true, true, true}},
		LastUpdated:        at.Add(time.Hour),
	}
	var batch []models.Interaction
	for i := 0; i < 5; i++ {
		batch = append(batch, models.Interaction{
			ID: fmt.Sprint(i), CardID: "c1", Type: models.InteractionAnswer, OccurredAt: at, Success: ptr(false),
		})
	}
	batch = append(batch, models.Interaction{ID: "conf", CardID: "c1", Type: models.InteractionConfidenceRating,
		OccurredAt: at, Confidence: ptr(4)})

	Blend(p, batch, at)

	assert.InDelta(t, 0.7, p.AverageSuccessRate, 1e-9) // w = 6/20
	assert.InDelta(t, pattern.EaseBias(0.7), p.PersonalEaseFactorBias, 1e-9)
	assert.Equal(t, 6, p.SampleCount)
	assert.True(t, p.LastUpdated.Equal(at.Add(time.Hour)))

	morning := p.TimeOfDayPerformance[models.Morning]
	assert.Equal(t, 5, morning.ReviewCount)
	assert.True(t, morning.IsOptimal)
	assert.Zero(t, morning.SuccessRate)

	require.Len(t, p.InconsistencyPatterns.Cards, 1)
	assert.Equal(t, "c1", p.InconsistencyPatterns.Cards[0].CardID)
	assert.InDelta(t, 1.0, p.InconsistencyPatterns.Cards[0].Variance, 1e-9)

	// windows are rolled from the review log by the fold, not blended
	assert.Zero(t, p.RecentPerformanceTrends.Last7Days.ReviewCount)
}

func TestFoldRollsTrendWindows(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	e.seedPattern(t, "u1", 0.9, time.Hour)
	deck := e.seedHistory(t, "u1", 8)
	due, err := e.cards.ListDue(ctx, "u1", e.clk.Now(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, due)
	require.NoError(t, e.reviews.Append(ctx, &models.ReviewRecord{
		UserID: "u1", CardID: due[0].ID, DeckID: deck.ID, Quality: 5, WasSuccessful: true,
		ReviewedAt:       e.clk.Now().Add(-10 * models.Day),
		EaseFactorBefore: 2.5, EaseFactorAfter: 2.6, IntervalBefore: 6, IntervalAfter: 15,
		RepetitionBefore: 2, RepetitionAfter: 3,
	}))
	e.answer(t, "u1", due[0].ID, true, e.clk.Now())

	out, err := e.u.Fold(ctx, "u1", true)
	require.NoError(t, err)
	require.False(t, out.Skipped)

	stored, err := e.patterns.Get(ctx, "u1")
	require.NoError(t, err)
	trends := stored.RecentPerformanceTrends
	// the seeded 20 and 40 review windows are gone
	assert.Equal(t, 8, trends.Last7Days.ReviewCount)
	assert.InDelta(t, 0.5, trends.Last7Days.SuccessRate, 1e-9)
	assert.Equal(t, 9, trends.Last14Days.ReviewCount)
	assert.InDelta(t, 5.0/9, trends.Last14Days.SuccessRate, 1e-9)
}

type rejectingSaves struct {
	*database.PatternRepository
}

func (rejectingSaves) Save(context.Context, *models.LearningPattern) (bool, error) {
	return false, errors.New("disk full")
}

func TestFailedSaveLeavesInteractionsPending(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	e.seedPattern(t, "u1", 0.5, time.Hour)
	for i := 0; i < 3; i++ {
		e.answer(t, "u1", fmt.Sprintf("c%d", i), true, e.clk.Now())
	}

	stores := e.stores
	stores.Patterns = rejectingSaves{e.patterns}
	broken := NewUpdater(DefaultConfig(), stores, pattern.NewAnalyzer(pattern.DefaultConfig()), priority.NewEngine(), nil, WithClock(e.clk.Now))
	defer broken.Close()

	_, err := broken.Fold(ctx, "u1", true)
	require.Error(t, err)

	pending, err := e.interactions.ListUnprocessed(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	out, err := e.u.Fold(ctx, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Folded)
	stored, err := e.patterns.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 43, stored.SampleCount)
}

func TestSignificant(t *testing.T) {
	baseline := models.WindowStats{SuccessRate: 0.8, ReviewCount: 10, AverageResponseTime: 1000, ResponseSamples: 10}
	steady := []models.Interaction{
		{Success: ptr(true), ResponseTimeMs: ptr(int64(1000))},
		{Success: ptr(true), ResponseTimeMs: ptr(int64(1100))},
		{Success: ptr(true), ResponseTimeMs: ptr(int64(900))},
		{Success: ptr(true), ResponseTimeMs: ptr(int64(1000))},
		{Success: ptr(false), ResponseTimeMs: ptr(int64(1000))},
	}
	assert.False(t, Significant(baseline, steady, 0.15))

	slow := []models.Interaction{{ResponseTimeMs: ptr(int64(2000))}}
	assert.True(t, Significant(baseline, slow, 0.15))

	failing := []models.Interaction{{Success: ptr(false)}, {Success: ptr(true)}}
	assert.True(t, Significant(baseline, failing, 0.15))

	assert.False(t, Significant(models.WindowStats{}, failing, 0.15))
	assert.False(t, Significant(baseline, nil, 0.15))
}

func TestRegeneratePathAndFreshness(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	e.seedHistory(t, "u1", 24)

	snap, err := e.u.RegeneratePath(ctx, "u1", "s1", "significant_change")
	require.NoError(t, err)
	require.Len(t, snap.NewOrder, 4)
	assert.ElementsMatch(t, snap.OriginalOrder, snap.NewOrder)
	for i := 1; i < len(snap.Scores); i++ {
		assert.GreaterOrEqual(t, snap.Scores[i-1].Score, snap.Scores[i].Score)
	}

	fresh, ok, err := e.u.FreshSnapshot(ctx, "u1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.ID, fresh.ID)
	assert.Equal(t, snap.NewOrder, fresh.NewOrder)

	cached, ok, err := cache.Load[[]models.ScoredCard](ctx, e.layer, "u1", cache.NameStudyQueue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, cached, 4)

	e.clk.Advance(models.SnapshotFreshness)
	_, ok, err = e.u.FreshSnapshot(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = e.u.FreshSnapshot(ctx, "u1", "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRankQueueIgnoresInvalidatedPattern(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	e.seedHistory(t, "u1", 24)
	_, err := e.patterns.Save(ctx, &models.LearningPattern{
		UserID:                  "u1",
		RecentPerformanceTrends: models.PerformanceTrends{SuccessRateTrend: -40},
		LastUpdated:             e.clk.Now(),
	})
	require.NoError(t, err)

	ranked, err := e.u.RankQueue(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, ranked)
	assert.NotEmpty(t, ranked[0].Boosts)

	require.NoError(t, e.patterns.Invalidate(ctx, "u1"))
	ranked, err = e.u.RankQueue(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, ranked)
	for _, c := range ranked {
		assert.Empty(t, c.Boosts)
		assert.Equal(t, c.Traditional, c.Score)
	}
}

func TestRecordInteractionValidates(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()

	err := e.u.RecordInteraction(ctx, &models.Interaction{CardID: "c1", Type: models.InteractionFlip})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	err = e.u.RecordInteraction(ctx, &models.Interaction{UserID: "u1", CardID: "c1", Type: "shrug"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	err = e.u.RecordInteraction(ctx, &models.Interaction{UserID: "u1", CardID: "c1", Type: models.InteractionFlip, Confidence: ptr(9)})
	assert.ErrorIs(t, err, errs.ErrValidation)

	in := &models.Interaction{UserID: "u1", CardID: "c1", Type: models.InteractionFlip}
	require.NoError(t, e.u.RecordInteraction(ctx, in))
	assert.True(t, in.OccurredAt.Equal(e.clk.Now()))
	pending, err := e.interactions.ListUnprocessed(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestWorkerFoldsQueuedRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Millisecond
	e := newEnv(t, cfg)
	e.seedPattern(t, "u1", 0.9, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.u.Serve(ctx) }()

	in := &models.Interaction{UserID: "u1", CardID: "c1", Type: models.InteractionAnswer, Success: ptr(false)}
	require.NoError(t, e.u.RecordInteraction(ctx, in))

	// The worker may subscribe after the first request, so keep asking; folds are idempotent
	require.Eventually(t, func() bool {
		_ = e.u.RequestFold("u1", true)
		p, err := e.patterns.Get(context.Background(), "u1")
		return err == nil && p.SampleCount == 41
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSignificantFoldRegeneratesSessionPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Millisecond
	e := newEnv(t, cfg)
	e.seedHistory(t, "u1", 24)
	e.seedPattern(t, "u1", 0.9, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.u.Serve(ctx) }()

	for i := 0; i < 5; i++ {
		in := &models.Interaction{UserID: "u1", CardID: fmt.Sprintf("c%d", i), SessionID: "s1",
			Type: models.InteractionAnswer, Success: ptr(false), ResponseTimeMs: ptr(int64(4000))}
		require.NoError(t, e.u.RecordInteraction(ctx, in))
	}

	// A forced request carries no session; the fold takes it from the batch
	require.Eventually(t, func() bool {
		_ = e.u.RequestFold("u1", true)
		snap, ok, err := e.u.FreshSnapshot(context.Background(), "u1", "s1")
		return err == nil && ok && snap.Trigger == "significant_change"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFoldOutcomeCarriesLatestSession(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	e.seedPattern(t, "u1", 0.8, time.Hour)
	for i, sid := range []string{"s1", "", "s2", ""} {
		require.NoError(t, e.interactions.Create(ctx, &models.Interaction{
			UserID: "u1", CardID: "c1", SessionID: sid, Type: models.InteractionFlip,
			OccurredAt: e.clk.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	out, err := e.u.Fold(ctx, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Folded)
	assert.Equal(t, "s2", out.SessionID)
}

func TestDebouncerReleasedAfterFiring(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Millisecond
	e := newEnv(t, cfg)

	for _, user := range []string{"u1", "u2", "u3"} {
		e.u.ScheduleFold(context.Background(), user, "s1")
	}
	e.u.mu.Lock()
	assert.Len(t, e.u.debouncers, 3)
	e.u.mu.Unlock()

	require.Eventually(t, func() bool {
		e.u.mu.Lock()
		defer e.u.mu.Unlock()
		return len(e.u.debouncers) == 0
	}, time.Second, 10*time.Millisecond)
}

type failingPatterns struct{}

func (failingPatterns) Get(context.Context, string) (*models.LearningPattern, error) {
	return nil, errors.New("store down")
}

func (failingPatterns) Save(context.Context, *models.LearningPattern) (bool, error) {
	return false, errors.New("store down")
}

func (failingPatterns) ListStale(context.Context, time.Time, int) ([]string, error) {
	return nil, errors.New("store down")
}

func (failingPatterns) MarkAttempted(context.Context, string, time.Time) error {
	return errors.New("store down")
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerFailures = 2
	u := NewUpdater(cfg, Stores{Patterns: failingPatterns{}}, pattern.NewAnalyzer(pattern.DefaultConfig()), priority.NewEngine(), nil)
	defer u.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := u.Fold(ctx, "u1", true)
		require.Error(t, err)
	}
	out, err := u.Fold(ctx, "u1", true)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, ReasonCircuitOpen, out.Reason)
}

func TestRefreshStaleRecomputes(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	e.seedHistory(t, "u1", 24)
	e.seedHistory(t, "u2", 4)

	n, err := e.u.RefreshStale(ctx, 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.patterns.Get(ctx, "u1")
	require.NoError(t, err)
	_, err = e.patterns.Get(ctx, "u2")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRefreshStaleReachesEveryUser(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()
	for _, user := range []string{"a", "b", "c"} {
		e.seedHistory(t, user, 4)
	}
	e.seedHistory(t, "d", 24)

	// a and b stay below the sample minimum and must not block c and d
	n, err := e.u.RefreshStale(ctx, 24*time.Hour, 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clk.Advance(time.Minute)
	n, err = e.u.RefreshStale(ctx, 24*time.Hour, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.patterns.Get(ctx, "d")
	require.NoError(t, err)
}
