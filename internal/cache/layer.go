package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/internal/metrics"
	"github.com/example/srsengine/pkg/models"
)

// DefaultTTL applies to names without a configured TTL
const DefaultTTL = 15 * time.Minute

// Options configure a Layer
type Options struct {
	// Version tags every entry. Entries written under another version are misses.
	Version string
	// TTL returns the time to live of a cache name
	TTL   func(name string) time.Duration
	Sink  MetricSink
	Clock func() time.Time
}

// Layer caches serialized per-user aggregates and reports a metric for every read and write
type Layer struct {
	store   Store
	version string
	ttl     func(string) time.Duration
	sink    MetricSink
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates a cache layer over store
func New(store Store, opts Options) *Layer {
	l := &Layer{
		store:   store,
		version: opts.Version,
		ttl:     opts.TTL,
		sink:    opts.Sink,
		now:     opts.Clock,
		logger:  logging.Component("cache"),
	}
	if l.ttl == nil {
		l.ttl = func(string) time.Duration { return DefaultTTL }
	}
	if l.sink == nil {
		l.sink = MultiSink{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Key builds the cache key of a user's aggregate
func Key(userID, name string) string {
	return userPrefix(userID) + name
}

// The separator is escaped inside user ids so that one user's prefix never
// matches another user's keys.
var (
	keyEscaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	keyUnescaper = strings.NewReplacer("%3A", ":", "%25", "%")
)

func userPrefix(userID string) string {
	return "user:" + keyEscaper.Replace(userID) + ":"
}

// ParseKey splits a cache key into user id and name
func ParseKey(key string) (userID, name string, ok bool) {
	rest, found := strings.CutPrefix(key, "user:")
	if !found {
		return "", "", false
	}
	escaped, name, found := strings.Cut(rest, ":")
	if !found || escaped == "" || name == "" || strings.Contains(name, ":") {
		return "", "", false
	}
	return keyUnescaper.Replace(escaped), name, true
}

// TTLFor returns the time to live used for a cache name
func (l *Layer) TTLFor(name string) time.Duration {
	if d := l.ttl(name); d > 0 {
		return d
	}
	return DefaultTTL
}

// Get returns the payload stored at key. Expired entries and entries of another
// version are reported as absent and never surfaced.
func (l *Layer) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, found, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}

	userID, name, _ := ParseKey(key)
	hit := models.CacheMiss
	switch {
	case !found:
	case entry.Version != l.version:
		// stale schema, drop it eagerly
		if err := l.store.Delete(ctx, key); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("failed to drop outdated cache entry")
		}
	case entry.Expired(l.now()):
		hit = models.CacheExpired
	default:
		hit = models.CacheHit
	}

	l.sink.Record(models.CacheMetric{
		UserID:     userID,
		Key:        key,
		Name:       name,
		Op:         models.CacheRead,
		HitType:    hit,
		TTL:        entry.ExpiresAt.Sub(entry.ComputedAt),
		RecordedAt: l.now(),
	})
	if hit != models.CacheHit {
		return nil, false, nil
	}
	return entry.Payload, true, nil
}

// Set stores payload at key for ttl. computeTime is how long producing the value took.
func (l *Layer) Set(ctx context.Context, key string, payload []byte, ttl, computeTime time.Duration) error {
	if ttl <= 0 {
		return errs.Invalid("ttl", "must be positive")
	}
	userID, name, _ := ParseKey(key)
	now := l.now()
	entry := models.CacheEntry{
		Key:        key,
		UserID:     userID,
		Name:       name,
		Payload:    payload,
		ComputedAt: now,
		ExpiresAt:  now.Add(ttl),
		Version:    l.version,
	}
	if err := l.store.Set(ctx, entry); err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}
	l.sink.Record(models.CacheMetric{
		UserID:          userID,
		Key:             key,
		Name:            name,
		Op:              models.CacheWrite,
		HitType:         models.CacheMiss,
		ComputationTime: computeTime,
		TTL:             ttl,
		RecordedAt:      now,
	})
	return nil
}

// Invalidate removes a single key
func (l *Layer) Invalidate(ctx context.Context, key string) error {
	return l.store.Delete(ctx, key)
}

// InvalidateUser removes every entry of a user
func (l *Layer) InvalidateUser(ctx context.Context, userID string) error {
	n, err := l.store.DeletePrefix(ctx, userPrefix(userID))
	if err != nil {
		return fmt.Errorf("failed to invalidate user cache: %w", err)
	}
	l.logger.Debug().Str("user_id", userID).Int("removed", n).Msg("user cache invalidated")
	return nil
}

// InvalidateFor removes the entries an event makes stale
func (l *Layer) InvalidateFor(ctx context.Context, userID string, event Event) error {
	names := invalidationTable[event]
	if len(names) == 0 {
		return errs.Invalid("event", fmt.Sprintf("unknown invalidation event %q", event))
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = Key(userID, name)
	}
	if err := l.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", event, err)
	}
	metrics.CacheInvalidations.WithLabelValues(string(event)).Inc()
	return nil
}

// Cleanup deletes at most batch expired entries and returns how many were removed
func (l *Layer) Cleanup(ctx context.Context, batch int) (int, error) {
	n, err := l.store.DeleteExpired(ctx, l.now(), batch)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up cache: %w", err)
	}
	metrics.CacheCleanupRemoved.Add(float64(n))
	return n, nil
}

// Load reads and decodes a user's cached aggregate. A payload that fails to
// decode is dropped and reported as a miss.
func Load[T any](ctx context.Context, l *Layer, userID, name string) (T, bool, error) {
	var v T
	key := Key(userID, name)
	payload, ok, err := l.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		if err := l.Invalidate(ctx, key); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("failed to drop cache entry")
		}
		var zero T
		return zero, false, nil
	}
	return v, true, nil
}

// Put encodes and stores a user's aggregate with the TTL of its name
func Put[T any](ctx context.Context, l *Layer, userID, name string, v T, computeTime time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return l.Set(ctx, Key(userID, name), payload, l.TTLFor(name), computeTime)
}

// GetOrCompute returns the cached aggregate or computes and stores it. A
// failing cache never fails the call.
func GetOrCompute[T any](ctx context.Context, l *Layer, userID, name string, compute func(context.Context) (T, error)) (T, error) {
	if v, ok, err := Load[T](ctx, l, userID, name); err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Str("name", name).Msg("cache read failed")
	} else if ok {
		return v, nil
	}

	start := time.Now()
	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	if err := Put(ctx, l, userID, name, v, time.Since(start)); err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Str("name", name).Msg("cache write failed")
	}
	return v, nil
}
