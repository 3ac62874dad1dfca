package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/excel"
	"github.com/example/srsengine/pkg/models"
)

type fakeAPI struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(string) (string, error) {
	return "", errors.New("not available")
}

func (f *fakeAPI) last() tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return tgbotapi.MessageConfig{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

type fakeService struct {
	queue       []models.ScoredCard
	pattern     *models.LearningPattern
	patternErr  error
	submissions []models.ReviewSubmission
	queueSess   string
	completed   []string
}

func (s *fakeService) SubmitReview(_ context.Context, _ string, sub models.ReviewSubmission) (*models.ReviewResult, error) {
	s.submissions = append(s.submissions, sub)
	return &models.ReviewResult{Message: "Good. Next review tomorrow."}, nil
}

func (s *fakeService) StudyQueue(_ context.Context, _, sessionID string, limit int) ([]models.ScoredCard, error) {
	s.queueSess = sessionID
	if limit > 0 && limit < len(s.queue) {
		return s.queue[:limit], nil
	}
	return s.queue, nil
}

func (s *fakeService) LearningPattern(context.Context, string) (*models.LearningPattern, error) {
	return s.pattern, s.patternErr
}

func (s *fakeService) UserStats(context.Context, string) (*models.UserStats, error) {
	return &models.UserStats{TotalCards: 12, DueToday: 3, Mastered: 4, AverageEaseFactor: 2.4, ReviewsLast7Days: 30}, nil
}

func (s *fakeService) DeckStats(context.Context, string) ([]models.DeckStats, error) {
	return []models.DeckStats{{DeckID: "d1", Name: "Spanish", TotalCards: 12, DueCards: 3}}, nil
}

func (s *fakeService) CompleteSession(_ context.Context, _, sessionID string) error {
	s.completed = append(s.completed, sessionID)
	return nil
}

type fakeUsers struct {
	enabled bool
	hour    int
	calls   int
}

func (u *fakeUsers) EnsureChatUser(_ context.Context, chatID int64, username string, reminderHour int) (*models.User, error) {
	return &models.User{ID: "u1", ChatID: &chatID, Username: username, ReminderHour: reminderHour}, nil
}

func (u *fakeUsers) SetReminders(_ context.Context, _ string, enabled bool, hour int) error {
	u.enabled, u.hour = enabled, hour
	u.calls++
	return nil
}

type fakeCards map[string]*models.Card

func (c fakeCards) GetByID(_ context.Context, id string) (*models.Card, error) {
	card, ok := c[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return card, nil
}

type fakeRecorder struct {
	got []models.Interaction
}

func (r *fakeRecorder) RecordInteraction(_ context.Context, in *models.Interaction) error {
	r.got = append(r.got, *in)
	return nil
}

type fixture struct {
	bot      *Bot
	api      *fakeAPI
	svc      *fakeService
	users    *fakeUsers
	recorder *fakeRecorder
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		api: &fakeAPI{},
		svc: &fakeService{queue: []models.ScoredCard{
			{CardID: "c1", Score: 0.9, Reasoning: []string{"overdue"}},
			{CardID: "c2", Score: 0.5},
		}},
		users:    &fakeUsers{},
		recorder: &fakeRecorder{},
		clock:    time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	cfg := DefaultConfig()
	cfg.AdminIDs = map[int64]bool{99: true}
	b, err := New("token", false, cfg, Deps{
		Service: f.svc,
		Users:   f.users,
		Cards: fakeCards{
			"c1": {ID: "c1", Front: "perro", Back: "dog"},
			"c2": {ID: "c2", Front: "gato", Back: "cat"},
		},
		Recorder: f.recorder,
	})
	require.NoError(t, err)
	b.api = f.api
	b.now = func() time.Time { return f.clock }
	f.bot = b
	return f
}

func command(text string, fromID int64) tgbotapi.Update {
	length := len(text)
	for i, r := range text {
		if r == ' ' {
			length = i
			break
		}
	}
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: 1},
		From:     &tgbotapi.User{ID: fromID, UserName: "ana"},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
	}}
}

func callback(data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: 7, UserName: "ana"},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}},
		Data:    data,
	}}
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New("", false, nil, Deps{})
	assert.Error(t, err)
}

func TestStartCommandShowsMenu(t *testing.T) {
	f := newFixture(t)
	f.bot.handleUpdate(context.Background(), command("/start", 7))

	msg := f.api.last()
	assert.Contains(t, msg.Text, "/review")
	assert.Equal(t, createKeyboard(f.bot.MainMenuButtons()), msg.ReplyMarkup)
}

func TestReviewSessionFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bot.handleUpdate(ctx, callback("start_review"))
	assert.Contains(t, f.api.last().Text, "perro")
	assert.Contains(t, f.api.last().Text, "Card 1/2")
	require.NotEmpty(t, f.svc.queueSess)

	f.clock = f.clock.Add(3 * time.Second)
	f.bot.handleUpdate(ctx, callback("show_answer"))
	assert.Contains(t, f.api.last().Text, "dog")
	require.Len(t, f.recorder.got, 1)
	assert.Equal(t, models.InteractionFlip, f.recorder.got[0].Type)
	assert.Equal(t, f.svc.queueSess, f.recorder.got[0].SessionID)
	assert.Equal(t, int64(3000), *f.recorder.got[0].ResponseTimeMs)

	f.clock = f.clock.Add(2 * time.Second)
	f.bot.handleUpdate(ctx, callback("grade_5"))
	require.Len(t, f.svc.submissions, 1)
	sub := f.svc.submissions[0]
	assert.Equal(t, "c1", sub.CardID)
	assert.Equal(t, 5, sub.Quality)
	assert.Equal(t, f.svc.queueSess, sub.SessionID)
	assert.Equal(t, int64(5000), *sub.ResponseTimeMs)
	assert.Contains(t, f.api.last().Text, "gato")

	f.bot.handleUpdate(ctx, callback("finish_session"))
	assert.Equal(t, []string{f.svc.queueSess}, f.svc.completed)
	assert.Contains(t, f.api.last().Text, "Reviewed: 1")
	assert.Nil(t, f.bot.session(1))
}

func TestSessionFollowsRegeneratedQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot.deps.Cards.(fakeCards)["c3"] = &models.Card{ID: "c3", Front: "pájaro", Back: "bird"}
	f.svc.queue = append(f.svc.queue, models.ScoredCard{CardID: "c3", Score: 0.2})

	f.bot.handleUpdate(ctx, callback("start_review"))
	assert.Contains(t, f.api.last().Text, "Card 1/3")

	// the path was regenerated while c1 was on screen
	f.svc.queue = []models.ScoredCard{{CardID: "c3", Score: 0.8}, {CardID: "c1", Score: 0.6}, {CardID: "c2", Score: 0.4}}
	f.bot.handleUpdate(ctx, callback("show_answer"))
	f.bot.handleUpdate(ctx, callback("grade_4"))
	assert.Contains(t, f.api.last().Text, "pájaro")
	assert.Contains(t, f.api.last().Text, "Card 2/3")

	f.bot.handleUpdate(ctx, callback("show_answer"))
	f.bot.handleUpdate(ctx, callback("grade_4"))
	assert.Contains(t, f.api.last().Text, "gato")
	assert.Contains(t, f.api.last().Text, "Card 3/3")

	var reviewed []string
	for _, sub := range f.svc.submissions {
		reviewed = append(reviewed, sub.CardID)
	}
	assert.Equal(t, []string{"c1", "c3"}, reviewed)
}

func TestGradeBeforeFlipIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bot.handleUpdate(ctx, callback("start_review"))
	f.bot.handleUpdate(ctx, callback("grade_4"))
	assert.Empty(t, f.svc.submissions)
}

func TestSessionEndsAfterLastCard(t *testing.T) {
	f := newFixture(t)
	f.svc.queue = f.svc.queue[:1]
	ctx := context.Background()

	f.bot.handleUpdate(ctx, command("/review", 7))
	f.bot.handleUpdate(ctx, callback("show_answer"))
	f.bot.handleUpdate(ctx, callback("grade_1"))

	assert.Len(t, f.svc.completed, 1)
	assert.Contains(t, f.api.last().Text, "Remembered: 0 (0%)")
}

func TestEmptyQueue(t *testing.T) {
	f := newFixture(t)
	f.svc.queue = nil
	f.bot.handleUpdate(context.Background(), command("/review", 7))

	assert.Contains(t, f.api.last().Text, "No cards are due")
	assert.Nil(t, f.bot.session(1))
}

func TestQueueCommandListsFronts(t *testing.T) {
	f := newFixture(t)
	f.bot.handleUpdate(context.Background(), command("/queue", 7))

	text := f.api.last().Text
	assert.Contains(t, text, "1. perro (0.90) - overdue")
	assert.Contains(t, text, "2. gato (0.50)")
}

func TestPatternWithoutData(t *testing.T) {
	f := newFixture(t)
	f.svc.patternErr = errs.ErrNotFound
	f.bot.handleUpdate(context.Background(), command("/pattern", 7))

	assert.Contains(t, f.api.last().Text, "Not enough reviews")
}

func TestFormatPattern(t *testing.T) {
	p := &models.LearningPattern{
		AverageSuccessRate: 0.75,
		LearningVelocity:   2.5,
		SampleCount:        40,
		TimeOfDayPerformance: map[models.TimeSlot]models.SlotPerformance{
			models.AllTimeSlots[0]: {IsOptimal: true, SuccessRate: 0.9, ReviewCount: 10},
			models.AllTimeSlots[1]: {SuccessRate: 0.5, ReviewCount: 10},
		},
	}
	text := FormatPattern(p)
	assert.Contains(t, text, "Success rate: 75%")
	assert.Contains(t, text, "2.50 cards/day")
	assert.Contains(t, text, "Best time: ")
	assert.Contains(t, text, "Based on 40 reviews")
}

func TestStatsCommand(t *testing.T) {
	f := newFixture(t)
	f.bot.handleUpdate(context.Background(), command("/stats", 7))

	text := f.api.last().Text
	assert.Contains(t, text, "Cards: 12")
	assert.Contains(t, text, "Due today: 3")
	assert.Contains(t, text, "• Spanish: 12 cards, 3 due")
}

func TestRemindersCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bot.handleUpdate(ctx, command("/reminders 20", 7))
	assert.True(t, f.users.enabled)
	assert.Equal(t, 20, f.users.hour)

	f.bot.handleUpdate(ctx, command("/reminders off", 7))
	assert.False(t, f.users.enabled)

	f.bot.handleUpdate(ctx, command("/reminders 25", 7))
	assert.Equal(t, 2, f.users.calls)
	assert.Contains(t, f.api.last().Text, "between 0 and 23")
}

func TestImportRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bot.handleUpdate(ctx, command("/import", 7))
	assert.Contains(t, f.api.last().Text, "only available for administrators")

	f.bot.handleUpdate(ctx, command("/import", 99))
	assert.Contains(t, f.api.last().Text, ".xlsx")
	assert.Equal(t, stateAwaitingImport, f.bot.takeState(99))
}

func TestSendReminders(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bot.SendReminders(5, 1))

	msg := f.api.last()
	assert.Equal(t, int64(5), msg.ChatID)
	assert.Contains(t, msg.Text, "1 card due")

	f.bot.api = nil
	assert.Error(t, f.bot.SendReminders(5, 3))
}

func TestParseAdminIDs(t *testing.T) {
	ids, invalid := ParseAdminIDs("1, 2,,abc, 3")
	assert.Equal(t, map[int64]bool{1: true, 2: true, 3: true}, ids)
	assert.Equal(t, []string{"abc"}, invalid)
}

func TestFormatImportResult(t *testing.T) {
	res := &excel.ImportResult{TotalProcessed: 8, Created: 6, DecksCreated: 1, Skipped: 2, Truncated: true,
		Errors: []string{"a", "b", "c", "d", "e", "f", "g"}}
	text := FormatImportResult(res)
	assert.Contains(t, text, "Cards created: 6")
	assert.Contains(t, text, "truncated")
	assert.Contains(t, text, "... and 2 more")
}
