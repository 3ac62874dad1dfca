package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/example/srsengine/internal/cache"
	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/internal/metrics"
	"github.com/example/srsengine/internal/priority"
	"github.com/example/srsengine/pkg/models"
)

// recentReviewLimit bounds the reviews loaded to compute per-card recent success
const recentReviewLimit = 1000

// RankQueue ranks the user's due cards with the current learning pattern.
// A missing or invalidated pattern ranks by the traditional score alone.
func (u *Updater) RankQueue(ctx context.Context, userID string) ([]models.ScoredCard, error) {
	now := u.now()
	cards, err := u.stores.Cards.ListDue(ctx, userID, now, u.cfg.QueueLimit)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return []models.ScoredCard{}, nil
	}

	lp, err := u.stores.Patterns.Get(ctx, userID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	if lp != nil && lp.Invalidated {
		lp = nil
	}
	cfg, err := u.stores.Configs.PersonalizationFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	reviews, err := u.stores.Reviews.ListRecent(ctx, userID, now.Add(-u.analyzer.Config().Lookback), recentReviewLimit)
	if err != nil {
		return nil, err
	}

	return u.engine.Rank(cards, priority.GroupRecent(reviews, priority.RecentReviewsPerCard), lp, cfg, now), nil
}

// RegeneratePath re-ranks the user's queue and records the new order as a snapshot
func (u *Updater) RegeneratePath(ctx context.Context, userID, sessionID, trigger string) (*models.StudyPathSnapshot, error) {
	ranked, err := u.RankQueue(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to rank study queue: %w", err)
	}

	now := u.now()
	original := dueOrder(ranked)
	if prev, err := u.stores.Snapshots.Latest(ctx, userID, sessionID); err == nil && prev.IsFresh(now) {
		original = prev.NewOrder
	} else if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	snap := &models.StudyPathSnapshot{
		ID:            uuid.NewString(),
		UserID:        userID,
		SessionID:     sessionID,
		Trigger:       trigger,
		OriginalOrder: original,
		NewOrder:      priority.Order(ranked),
		Scores:        ranked,
		CreatedAt:     now,
	}
	if err := u.stores.Snapshots.Save(ctx, snap); err != nil {
		return nil, err
	}
	if u.cache != nil {
		if err := cache.Put(ctx, u.cache, userID, cache.NameStudyQueue, ranked, 0); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to cache study queue")
		}
	}
	metrics.PathRegenerations.Inc()

	logging.Ctx(ctx).Info().
		Str("session_id", sessionID).
		Str("trigger", trigger).
		Int("cards", len(ranked)).
		Msg("study path regenerated")
	return snap, nil
}

// FreshSnapshot returns the latest snapshot of the session if it is younger than models.SnapshotFreshness
func (u *Updater) FreshSnapshot(ctx context.Context, userID, sessionID string) (*models.StudyPathSnapshot, bool, error) {
	snap, err := u.stores.Snapshots.Latest(ctx, userID, sessionID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !snap.IsFresh(u.now()) {
		return nil, false, nil
	}
	return snap, true, nil
}

// dueOrder is the order cards had before ranking: by due date
func dueOrder(ranked []models.ScoredCard) []string {
	byDue := append([]models.ScoredCard(nil), ranked...)
	sort.SliceStable(byDue, func(i, j int) bool {
		return byDue[i].DueDate.Before(byDue[j].DueDate)
	})
	return priority.Order(byDue)
}
