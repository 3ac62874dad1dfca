package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/srsengine/internal/config"
	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/pkg/models"
)

type mockService struct {
	result     *models.ReviewResult
	queue      []models.ScoredCard
	pattern    *models.LearningPattern
	stats      *models.UserStats
	decks      []models.DeckStats
	config     models.PersonalizationConfig
	err        error
	gotUser    string
	gotSub     models.ReviewSubmission
	gotLimit   int
	gotSession string
	gotConfig  *models.PersonalizationConfig
}

func (m *mockService) SubmitReview(_ context.Context, userID string, sub models.ReviewSubmission) (*models.ReviewResult, error) {
	m.gotUser, m.gotSub = userID, sub
	return m.result, m.err
}

func (m *mockService) StudyQueue(_ context.Context, userID, sessionID string, limit int) ([]models.ScoredCard, error) {
	m.gotUser, m.gotSession, m.gotLimit = userID, sessionID, limit
	return m.queue, m.err
}

func (m *mockService) LearningPattern(_ context.Context, userID string) (*models.LearningPattern, error) {
	m.gotUser = userID
	return m.pattern, m.err
}

func (m *mockService) UserStats(_ context.Context, userID string) (*models.UserStats, error) {
	m.gotUser = userID
	return m.stats, m.err
}

func (m *mockService) DeckStats(_ context.Context, userID string) ([]models.DeckStats, error) {
	m.gotUser = userID
	return m.decks, m.err
}

func (m *mockService) Personalization(_ context.Context, userID string) (models.PersonalizationConfig, error) {
	m.gotUser = userID
	return m.config, m.err
}

func (m *mockService) UpdatePersonalization(_ context.Context, userID string, cfg models.PersonalizationConfig) error {
	m.gotUser, m.gotConfig = userID, &cfg
	return m.err
}

func (m *mockService) CompleteSession(_ context.Context, userID, sessionID string) error {
	m.gotUser, m.gotSession = userID, sessionID
	return m.err
}

type mockRecorder struct {
	got *models.Interaction
	err error
}

func (m *mockRecorder) RecordInteraction(_ context.Context, in *models.Interaction) error {
	m.got = in
	if m.err == nil {
		in.ID = "i1"
	}
	return m.err
}

type fixedStats struct {
	since time.Time
}

func (f *fixedStats) Stats(since time.Time) models.CacheStats {
	f.since = since
	return models.CacheStats{Reads: 5, Hits: 3, Misses: 1, Expired: 1, Writes: 2, HitRate: 0.6}
}

type fixedHistory struct {
	since time.Time
}

func (f *fixedHistory) Stats(_ context.Context, since time.Time) (models.CacheStats, error) {
	f.since = since
	return models.CacheStats{Reads: 10, Hits: 9, HitRate: 0.9}, nil
}

type mockRegenerator struct {
	user, session, trigger string
}

func (m *mockRegenerator) RequestRegeneration(userID, sessionID, trigger string) error {
	m.user, m.session, m.trigger = userID, sessionID, trigger
	return nil
}

type mockReminders struct {
	sent bool
	user string
}

func (m *mockReminders) RunManualCheck(_ context.Context, userID string) (bool, error) {
	m.user = userID
	return m.sent, nil
}

func testConfig() config.APIConfig {
	return config.APIConfig{Enabled: true, Addr: ":0", RateLimit: 100, RateBurst: 100, Timeout: time.Second}
}

func do(t *testing.T, h http.Handler, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := NewServer(testConfig(), Deps{Service: &mockService{}, Recorder: &mockRecorder{}})
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMissingUserIsUnauthorized(t *testing.T) {
	s := NewServer(testConfig(), Deps{Service: &mockService{}, Recorder: &mockRecorder{}})
	for _, path := range []string{"/v1/pattern", "/v1/queue", "/v1/stats"} {
		rec := do(t, s.Handler(), http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestSubmitReview(t *testing.T) {
	next := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	svc := &mockService{result: &models.ReviewResult{NextReviewDate: next, Confidence: 0.5, Message: "Good. Next review tomorrow."}}
	s := NewServer(testConfig(), Deps{Service: svc, Recorder: &mockRecorder{}})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/reviews", "u1", models.ReviewSubmission{CardID: "c1", Quality: 4})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", svc.gotUser)
	assert.Equal(t, "c1", svc.gotSub.CardID)
	assert.Equal(t, 4, svc.gotSub.Quality)

	var body struct {
		Data models.ReviewResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Data.NextReviewDate.Equal(next))
	assert.Equal(t, "Good. Next review tomorrow.", body.Data.Message)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errs.Invalid("quality", "must be between 0 and 5"), http.StatusBadRequest},
		{fmt.Errorf("card c1: %w", errs.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("card c1: %w", errs.ErrUnauthorized), http.StatusForbidden},
		{errs.ErrConflict, http.StatusConflict},
		{fmt.Errorf("reminders: %w", errs.ErrUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		s := NewServer(testConfig(), Deps{Service: &mockService{err: tc.err}, Recorder: &mockRecorder{}})
		rec := do(t, s.Handler(), http.MethodPost, "/v1/reviews", "u1", models.ReviewSubmission{CardID: "c1", Quality: 4})
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
	}

	s := NewServer(testConfig(), Deps{Service: &mockService{err: fmt.Errorf("disk on fire")}, Recorder: &mockRecorder{}})
	rec := do(t, s.Handler(), http.MethodGet, "/v1/stats", "u1", nil)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	s := NewServer(testConfig(), Deps{Service: &mockService{}, Recorder: &mockRecorder{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/reviews", bytes.NewBufferString("{not json"))
	req.Header.Set(UserHeader, "u1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueParameters(t *testing.T) {
	svc := &mockService{queue: []models.ScoredCard{{CardID: "a", Score: 0.9}, {CardID: "b", Score: 0.4}}}
	s := NewServer(testConfig(), Deps{Service: svc, Recorder: &mockRecorder{}})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/queue?limit=2&session_id=s1", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, svc.gotLimit)
	assert.Equal(t, "s1", svc.gotSession)

	var body struct {
		Data []models.ScoredCard `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
	assert.Equal(t, "a", body.Data[0].CardID)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/queue?limit=-1", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordInteractionUsesHeaderUser(t *testing.T) {
	recorder := &mockRecorder{}
	s := NewServer(testConfig(), Deps{Service: &mockService{}, Recorder: recorder})

	ok := true
	rec := do(t, s.Handler(), http.MethodPost, "/v1/interactions", "u1", models.Interaction{
		UserID: "someone-else", CardID: "c1", Type: models.InteractionAnswer, Success: &ok, Processed: true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, recorder.got)
	assert.Equal(t, "u1", recorder.got.UserID)
	assert.False(t, recorder.got.Processed)
	assert.Contains(t, rec.Body.String(), `"i1"`)

	recorder.err = errs.Invalid("type", "unknown")
	rec = do(t, s.Handler(), http.MethodPost, "/v1/interactions", "u1", models.Interaction{CardID: "c1", Type: "shrug"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteSession(t *testing.T) {
	svc := &mockService{}
	s := NewServer(testConfig(), Deps{Service: svc, Recorder: &mockRecorder{}})
	rec := do(t, s.Handler(), http.MethodPost, "/v1/sessions/s42/complete", "u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "s42", svc.gotSession)
	assert.Equal(t, "u1", svc.gotUser)
}

func TestCacheStatsWindow(t *testing.T) {
	stats := &fixedStats{}
	s := NewServer(testConfig(), Deps{Service: &mockService{}, Recorder: &mockRecorder{}, CacheStats: stats})
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	rec := do(t, s.Handler(), http.MethodGet, "/v1/cache/stats?window=30m", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, stats.since.Equal(now.Add(-30*time.Minute)))
	assert.Contains(t, rec.Body.String(), `"hit_rate":0.6`)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/cache/stats?window=soon", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/cache/stats?source=persisted", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPersistedCacheStats(t *testing.T) {
	history := &fixedHistory{}
	s := NewServer(testConfig(), Deps{Service: &mockService{}, Recorder: &mockRecorder{}, CacheHistory: history})
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	rec := do(t, s.Handler(), http.MethodGet, "/v1/cache/stats?source=persisted&window=24h", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, history.since.Equal(now.Add(-24*time.Hour)))
	assert.Contains(t, rec.Body.String(), `"hit_rate":0.9`)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/cache/stats?source=disk", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegenerateSessionPath(t *testing.T) {
	regen := &mockRegenerator{}
	s := NewServer(testConfig(), Deps{Service: &mockService{}, Recorder: &mockRecorder{}, Regenerator: regen})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/sessions/s7/regenerate", "u1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "u1", regen.user)
	assert.Equal(t, "s7", regen.session)
	assert.Equal(t, "manual", regen.trigger)

	s = NewServer(testConfig(), Deps{Service: &mockService{}, Recorder: &mockRecorder{}})
	rec = do(t, s.Handler(), http.MethodPost, "/v1/sessions/s7/regenerate", "u1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReminderCheck(t *testing.T) {
	reminders := &mockReminders{sent: true}
	s := NewServer(testConfig(), Deps{Service: &mockService{}, Recorder: &mockRecorder{}, Reminders: reminders})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/reminders/check", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", reminders.user)
	assert.Contains(t, rec.Body.String(), `"sent":true`)

	rec = do(t, s.Handler(), http.MethodPost, "/v1/reminders/check", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitPerUser(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	s := NewServer(cfg, Deps{Service: &mockService{stats: &models.UserStats{}}, Recorder: &mockRecorder{}})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/v1/stats", "u1", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(t, s.Handler(), http.MethodGet, "/v1/stats", "u1", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/v1/stats", "u2", nil).Code)

	assert.Equal(t, 2, s.limiter.prune(time.Now().Add(time.Minute)))
}

func TestPersonalizationRoundTrip(t *testing.T) {
	svc := &mockService{config: models.DefaultPersonalizationConfig()}
	s := NewServer(testConfig(), Deps{Service: svc, Recorder: &mockRecorder{}})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/personalization", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"srs_weight":0.7`)

	custom := models.DefaultPersonalizationConfig()
	custom.SRSWeight = 0.5
	rec = do(t, s.Handler(), http.MethodPut, "/v1/personalization", "u1", custom)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.gotConfig)
	assert.InDelta(t, 0.5, svc.gotConfig.SRSWeight, 1e-9)

	svc.err = errs.Invalid("srs_weight", "must be at most 1")
	rec = do(t, s.Handler(), http.MethodPut, "/v1/personalization", "u1", custom)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeckStatsEmptyList(t *testing.T) {
	s := NewServer(testConfig(), Deps{Service: &mockService{}, Recorder: &mockRecorder{}})
	rec := do(t, s.Handler(), http.MethodGet, "/v1/decks/stats", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}
