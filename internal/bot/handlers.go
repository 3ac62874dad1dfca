package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/pkg/models"
)

// learningSession is the review session of one chat. Queue[:Current] are the
// cards already shown; the rest is refreshed from the ranked queue after
// every grade.
type learningSession struct {
	ID        string
	UserID    string
	Queue     []string
	Current   int
	ShownAt   time.Time
	Flipped   bool
	Reviewed  int
	Correct   int
	StartedAt time.Time
}

func (s *learningSession) currentCard() (string, bool) {
	if s.Current >= len(s.Queue) {
		return "", false
	}
	return s.Queue[s.Current], true
}

func (b *Bot) session(chatID int64) *learningSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[chatID]
	if !ok {
		return nil
	}
	if b.now().Sub(s.StartedAt) > b.config.SessionTimeout {
		delete(b.sessions, chatID)
		return nil
	}
	return s
}

func (b *Bot) dropSession(chatID int64) *learningSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sessions[chatID]
	delete(b.sessions, chatID)
	return s
}

// startSession loads the ranked queue and shows the first card
func (b *Bot) startSession(ctx context.Context, u *models.User, chatID int64) {
	if s := b.session(chatID); s != nil {
		b.showCard(ctx, chatID, s)
		return
	}

	sessionID := uuid.NewString()
	queue, err := b.deps.Service.StudyQueue(ctx, u.ID, sessionID, b.config.SessionSize)
	if err != nil {
		b.reportError(ctx, chatID, err)
		return
	}
	if len(queue) == 0 {
		b.send(chatID, "🎉 No cards are due right now. Come back later!", b.MainMenuButtons())
		return
	}

	s := &learningSession{ID: sessionID, UserID: u.ID, StartedAt: b.now()}
	for _, sc := range queue {
		s.Queue = append(s.Queue, sc.CardID)
	}
	b.mu.Lock()
	b.sessions[chatID] = s
	b.mu.Unlock()

	b.showCard(ctx, chatID, s)
}

// showCard shows the front of the current card
func (b *Bot) showCard(ctx context.Context, chatID int64, s *learningSession) {
	cardID, ok := s.currentCard()
	if !ok {
		b.finishSession(ctx, &models.User{ID: s.UserID}, chatID)
		return
	}
	card, err := b.deps.Cards.GetByID(ctx, cardID)
	if errors.Is(err, errs.ErrNotFound) {
		// deleted mid-session
		b.mu.Lock()
		s.Current++
		b.mu.Unlock()
		b.showCard(ctx, chatID, s)
		return
	}
	if err != nil {
		b.reportError(ctx, chatID, err)
		return
	}

	b.mu.Lock()
	s.ShownAt = b.now()
	s.Flipped = false
	b.mu.Unlock()

	text := fmt.Sprintf("Card %d/%d\n\n%s", s.Current+1, len(s.Queue), card.Front)
	b.send(chatID, text, [][]MenuButton{
		{{Text: "👀 Show answer", CallbackData: "show_answer"}},
		{{Text: "🏁 Finish", CallbackData: "finish_session"}},
	})
}

// showAnswer reveals the back of the card and asks for a grade
func (b *Bot) showAnswer(ctx context.Context, u *models.User, chatID int64) {
	s := b.session(chatID)
	if s == nil {
		b.send(chatID, "No active session. Use /review to start one.", b.MainMenuButtons())
		return
	}
	cardID, ok := s.currentCard()
	if !ok {
		b.finishSession(ctx, u, chatID)
		return
	}
	card, err := b.deps.Cards.GetByID(ctx, cardID)
	if err != nil {
		b.reportError(ctx, chatID, err)
		return
	}

	b.mu.Lock()
	s.Flipped = true
	elapsed := b.now().Sub(s.ShownAt).Milliseconds()
	b.mu.Unlock()

	b.record(ctx, &models.Interaction{
		UserID:         u.ID,
		CardID:         cardID,
		SessionID:      s.ID,
		Type:           models.InteractionFlip,
		OccurredAt:     b.now(),
		ResponseTimeMs: &elapsed,
	})

	b.send(chatID, fmt.Sprintf("%s\n\n➡️ %s\n\nHow well did you remember it?", card.Front, card.Back), GradeButtons())
}

// GradeButtons returns the quality keyboard, 0 (blackout) to 5 (perfect)
func GradeButtons() [][]MenuButton {
	return [][]MenuButton{
		{
			{Text: "0 ❌", CallbackData: "grade_0"},
			{Text: "1", CallbackData: "grade_1"},
			{Text: "2", CallbackData: "grade_2"},
		},
		{
			{Text: "3", CallbackData: "grade_3"},
			{Text: "4", CallbackData: "grade_4"},
			{Text: "5 ✅", CallbackData: "grade_5"},
		},
	}
}

// grade submits the review of the current card and moves on
func (b *Bot) grade(ctx context.Context, u *models.User, chatID int64, quality int) {
	s := b.session(chatID)
	if s == nil {
		b.send(chatID, "No active session. Use /review to start one.", b.MainMenuButtons())
		return
	}
	cardID, ok := s.currentCard()
	if !ok || !s.Flipped {
		return
	}

	b.mu.Lock()
	elapsed := b.now().Sub(s.ShownAt).Milliseconds()
	b.mu.Unlock()

	res, err := b.deps.Service.SubmitReview(ctx, u.ID, models.ReviewSubmission{
		CardID:         cardID,
		Quality:        quality,
		ResponseTimeMs: &elapsed,
		SessionID:      s.ID,
	})
	switch {
	case errors.Is(err, errs.ErrConflict):
		b.send(chatID, "This card was just reviewed somewhere else. Skipping it.", nil)
	case err != nil:
		b.reportError(ctx, chatID, err)
		return
	default:
		b.mu.Lock()
		s.Reviewed++
		if quality >= 3 {
			s.Correct++
		}
		b.mu.Unlock()
		b.send(chatID, res.Message, nil)
	}

	b.advance(ctx, s)
	b.showCard(ctx, chatID, s)
}

// advance moves past the current card and re-reads the ranked queue, so a
// study path regenerated mid-session reorders the cards still ahead
func (b *Bot) advance(ctx context.Context, s *learningSession) {
	b.mu.Lock()
	s.Current++
	seen := make(map[string]bool, s.Current)
	for _, id := range s.Queue[:s.Current] {
		seen[id] = true
	}
	b.mu.Unlock()

	queue, err := b.deps.Service.StudyQueue(ctx, s.UserID, s.ID, b.config.SessionSize)
	if err != nil {
		b.logger.Warn().Err(err).Str("session_id", s.ID).Msg("failed to refresh study queue")
		return
	}
	room := max(b.config.SessionSize-len(seen), 0)
	ahead := make([]string, 0, room)
	for _, sc := range queue {
		if len(ahead) == room {
			break
		}
		if !seen[sc.CardID] {
			ahead = append(ahead, sc.CardID)
		}
	}

	b.mu.Lock()
	s.Queue = append(s.Queue[:s.Current:s.Current], ahead...)
	b.mu.Unlock()
}

// finishSession closes the session and lets the engine fold its interactions
func (b *Bot) finishSession(ctx context.Context, u *models.User, chatID int64) {
	s := b.dropSession(chatID)
	if s == nil {
		b.send(chatID, "No active session.", b.MainMenuButtons())
		return
	}
	if err := b.deps.Service.CompleteSession(ctx, u.ID, s.ID); err != nil {
		b.reportError(ctx, chatID, err)
		return
	}

	text := "🏁 Session finished!\n\n"
	if s.Reviewed > 0 {
		text += fmt.Sprintf("Reviewed: %d\nRemembered: %d (%.0f%%)",
			s.Reviewed, s.Correct, float64(s.Correct)/float64(s.Reviewed)*100)
	} else {
		text += "No cards were reviewed."
	}
	b.send(chatID, text, b.MainMenuButtons())
}

func (b *Bot) record(ctx context.Context, in *models.Interaction) {
	if b.deps.Recorder == nil {
		return
	}
	if err := b.deps.Recorder.RecordInteraction(ctx, in); err != nil {
		b.logger.Warn().Err(err).Str("card_id", in.CardID).Msg("failed to record interaction")
	}
}
