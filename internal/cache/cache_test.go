package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/srsengine/internal/errs"
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

func newLayer(t *testing.T, store Store) (*Layer, *MetricLog, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	log := NewMetricLog(0)
	l := New(store, Options{
		Version: "v1",
		TTL:     func(string) time.Duration { return time.Minute },
		Sink:    log,
		Clock:   clk.Now,
	})
	return l, log, clk
}

type stats struct {
	Due   int    `json:"due"`
	Label string `json:"label"`
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, log, _ := newLayer(t, NewMemoryStore())

	require.NoError(t, Put(ctx, l, "u1", NameUserStats, stats{Due: 7, Label: "x"}, 3*time.Millisecond))
	got, ok, err := Load[stats](ctx, l, "u1", NameUserStats)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stats{Due: 7, Label: "x"}, got)

	recorded := log.Metrics()
	require.Len(t, recorded, 2)
	assert.Equal(t, models.CacheWrite, recorded[0].Op)
	assert.Equal(t, 3*time.Millisecond, recorded[0].ComputationTime)
	assert.Equal(t, time.Minute, recorded[0].TTL)
	assert.Equal(t, models.CacheRead, recorded[1].Op)
	assert.Equal(t, models.CacheHit, recorded[1].HitType)
	assert.Equal(t, "u1", recorded[1].UserID)
	assert.Equal(t, NameUserStats, recorded[1].Name)
}

func TestExpiredEntryIsNeverSurfaced(t *testing.T) {
	ctx := context.Background()
	l, log, clk := newLayer(t, NewMemoryStore())
	key := Key("u1", NameStudyQueue)

	require.NoError(t, l.Set(ctx, key, []byte(`[]`), time.Minute, 0))
	clk.Advance(time.Minute)

	payload, ok, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, payload)

	recorded := log.Metrics()
	assert.Equal(t, models.CacheExpired, recorded[len(recorded)-1].HitType)
}

func TestVersionMismatchIsMiss(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l, log, _ := newLayer(t, store)
	key := Key("u1", NameLearningPattern)

	require.NoError(t, store.Set(ctx, models.CacheEntry{
		Key: key, Payload: []byte(`{}`), Version: "v0",
		ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	_, ok, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.CacheMiss, log.Metrics()[0].HitType)
	assert.Zero(t, store.Len())
}

func TestHitRate(t *testing.T) {
	ctx := context.Background()
	l, log, clk := newLayer(t, NewMemoryStore())
	start := clk.Now()

	require.NoError(t, l.Set(ctx, Key("u1", NameUserStats), []byte(`1`), time.Minute, 0))
	require.NoError(t, l.Set(ctx, Key("u1", NameDeckStats), []byte(`1`), 10*time.Second, 0))
	for i := 0; i < 3; i++ {
		_, ok, err := l.Get(ctx, Key("u1", NameUserStats))
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, _, err := l.Get(ctx, Key("u1", NameStudyQueue))
	require.NoError(t, err)
	clk.Advance(30 * time.Second)
	_, _, err = l.Get(ctx, Key("u1", NameDeckStats))
	require.NoError(t, err)

	s := log.Stats(start)
	assert.Equal(t, 5, s.Reads)
	assert.Equal(t, 3, s.Hits)
	assert.Equal(t, 1, s.Misses)
	assert.Equal(t, 1, s.Expired)
	assert.Equal(t, 2, s.Writes)
	assert.InDelta(t, 0.6, log.Stats(start).HitRate, 1e-9)
	assert.Zero(t, log.Stats(clk.Now().Add(time.Second)).HitRate)
}

func TestInvalidationTableIsExhaustive(t *testing.T) {
	known := make(map[string]bool)
	for _, n := range AllNames {
		known[n] = true
	}
	for _, ev := range AllEvents {
		names := NamesFor(ev)
		assert.NotEmpty(t, names, "event %s", ev)
		for _, n := range names {
			assert.True(t, known[n], "event %s names unknown cache %s", ev, n)
		}
	}
	assert.Len(t, invalidationTable, len(AllEvents))
	assert.ElementsMatch(t, []string{NameUserStats, NameStudyQueue, NameDeckStats}, NamesFor(EventCardReviewed))
	assert.ElementsMatch(t, AllNames, NamesFor(EventSessionCompleted))
	assert.ElementsMatch(t, []string{NameStudyQueue, NameLearningPattern}, NamesFor(EventConfigChanged))
}

func TestInvalidateFor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l, _, _ := newLayer(t, store)
	for _, n := range AllNames {
		require.NoError(t, l.Set(ctx, Key("u1", n), []byte(`1`), time.Minute, 0))
		require.NoError(t, l.Set(ctx, Key("u2", n), []byte(`1`), time.Minute, 0))
	}

	require.NoError(t, l.InvalidateFor(ctx, "u1", EventCardReviewed))
	_, ok, _ := l.Get(ctx, Key("u1", NameLearningPattern))
	assert.True(t, ok)
	_, ok, _ = l.Get(ctx, Key("u1", NameStudyQueue))
	assert.False(t, ok)
	_, ok, _ = l.Get(ctx, Key("u2", NameStudyQueue))
	assert.True(t, ok)

	err := l.InvalidateFor(ctx, "u1", Event("bogus"))
	assert.ErrorIs(t, err, errs.ErrValidation)

	require.NoError(t, l.InvalidateUser(ctx, "u2"))
	assert.Equal(t, 1, store.Len())
}

func TestInvalidateUserDoesNotMatchPrefixedIDs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l, _, _ := newLayer(t, store)
	require.NoError(t, l.Set(ctx, Key("u1", NameUserStats), []byte(`1`), time.Minute, 0))
	require.NoError(t, l.Set(ctx, Key("u10", NameUserStats), []byte(`1`), time.Minute, 0))

	require.NoError(t, l.InvalidateUser(ctx, "u1"))
	_, ok, _ := l.Get(ctx, Key("u10", NameUserStats))
	assert.True(t, ok)
}

func TestInvalidateUserDoesNotMatchIDsContainingSeparator(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l, _, _ := newLayer(t, store)
	require.NoError(t, l.Set(ctx, Key("a", NameUserStats), []byte(`1`), time.Minute, 0))
	require.NoError(t, l.Set(ctx, Key("a:b", NameUserStats), []byte(`1`), time.Minute, 0))

	require.NoError(t, l.InvalidateUser(ctx, "a"))
	_, ok, _ := l.Get(ctx, Key("a", NameUserStats))
	assert.False(t, ok)
	_, ok, _ = l.Get(ctx, Key("a:b", NameUserStats))
	assert.True(t, ok)
}

func TestCleanupIsBounded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l, _, clk := newLayer(t, store)
	for _, u := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, l.Set(ctx, Key(u, NameUserStats), []byte(`1`), time.Second, 0))
	}
	require.NoError(t, l.Set(ctx, Key("z", NameUserStats), []byte(`1`), time.Hour, 0))
	clk.Advance(time.Minute)

	n, err := l.Cleanup(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = l.Cleanup(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.Len())
}

func TestSetRejectsNonPositiveTTL(t *testing.T) {
	l, _, _ := newLayer(t, NewMemoryStore())
	err := l.Set(context.Background(), Key("u1", NameUserStats), nil, 0, 0)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestGetOrComputeComputesOnce(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLayer(t, NewMemoryStore())
	calls := 0
	compute := func(context.Context) (stats, error) {
		calls++
		return stats{Due: 3}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := GetOrCompute(ctx, l, "u1", NameUserStats, compute)
		require.NoError(t, err)
		assert.Equal(t, 3, v.Due)
	}
	assert.Equal(t, 1, calls)
}

func TestUndecodablePayloadIsMiss(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLayer(t, NewMemoryStore())
	require.NoError(t, l.Set(ctx, Key("u1", NameUserStats), []byte(`not json`), time.Minute, 0))

	_, ok, err := Load[stats](ctx, l, "u1", NameUserStats)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseKey(t *testing.T) {
	u, n, ok := ParseKey(Key("user-42", NameStudyQueue))
	require.True(t, ok)
	assert.Equal(t, "user-42", u)
	assert.Equal(t, NameStudyQueue, n)

	_, _, ok = ParseKey("other:thing")
	assert.False(t, ok)
	_, _, ok = ParseKey("user::")
	assert.False(t, ok)

	for _, id := range []string{"a:b", "50%", "x%3Ay"} {
		u, n, ok = ParseKey(Key(id, NameUserStats))
		require.True(t, ok, id)
		assert.Equal(t, id, u)
		assert.Equal(t, NameUserStats, n)
	}
}

func TestBadgerStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer store.Close()

	l, log, clk := newLayer(t, store)
	store.now = clk.Now

	require.NoError(t, Put(ctx, l, "u1", NameUserStats, stats{Due: 2}, 0))
	require.NoError(t, Put(ctx, l, "u1", NameStudyQueue, stats{Due: 4}, 0))
	require.NoError(t, Put(ctx, l, "u2", NameUserStats, stats{Due: 9}, 0))

	got, ok, err := Load[stats](ctx, l, "u1", NameUserStats)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Due)

	require.NoError(t, l.InvalidateFor(ctx, "u1", EventCardReviewed))
	_, ok, err = Load[stats](ctx, l, "u1", NameStudyQueue)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(2 * time.Minute)
	_, ok, err = Load[stats](ctx, l, "u2", NameUserStats)
	require.NoError(t, err)
	assert.False(t, ok)
	recorded := log.Metrics()
	assert.Equal(t, models.CacheExpired, recorded[len(recorded)-1].HitType)

	n, err := l.Cleanup(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type fakeInserter struct {
	mu      sync.Mutex
	metrics []models.CacheMetric
}

func (f *fakeInserter) Insert(_ context.Context, m models.CacheMetric) error {
	f.mu.Lock()
	f.metrics = append(f.metrics, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.metrics)
}

func TestSQLSinkPersistsAsynchronously(t *testing.T) {
	repo := &fakeInserter{}
	sink := NewSQLSink(repo)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Serve(ctx) }()

	MultiSink{sink, NewMetricLog(10)}.Record(models.CacheMetric{Key: "user:u1:user_stats", Op: models.CacheRead})
	require.Eventually(t, func() bool { return repo.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMetricLogIsBounded(t *testing.T) {
	log := NewMetricLog(8)
	for i := 0; i < 20; i++ {
		log.Record(models.CacheMetric{ID: int64(i)})
	}
	recorded := log.Metrics()
	assert.LessOrEqual(t, len(recorded), 8)
	assert.Equal(t, int64(19), recorded[len(recorded)-1].ID)
}
