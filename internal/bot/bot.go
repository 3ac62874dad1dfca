// Package bot is the Telegram front end: review sessions, queue and pattern
// views, statistics, reminders and spreadsheet import.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/internal/excel"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/pkg/models"
)

// MenuButton represents a button in the menu
type MenuButton struct {
	Text         string
	CallbackData string
}

// createKeyboard creates a keyboard from menu buttons
func createKeyboard(buttons [][]MenuButton) tgbotapi.InlineKeyboardMarkup {
	var keyboard [][]tgbotapi.InlineKeyboardButton
	for _, row := range buttons {
		var keyboardRow []tgbotapi.InlineKeyboardButton
		for _, button := range row {
			keyboardRow = append(keyboardRow, tgbotapi.NewInlineKeyboardButtonData(button.Text, button.CallbackData))
		}
		keyboard = append(keyboard, keyboardRow)
	}
	return tgbotapi.NewInlineKeyboardMarkup(keyboard...)
}

// Service is the part of the review service the bot drives
type Service interface {
	SubmitReview(ctx context.Context, userID string, sub models.ReviewSubmission) (*models.ReviewResult, error)
	StudyQueue(ctx context.Context, userID, sessionID string, limit int) ([]models.ScoredCard, error)
	LearningPattern(ctx context.Context, userID string) (*models.LearningPattern, error)
	UserStats(ctx context.Context, userID string) (*models.UserStats, error)
	DeckStats(ctx context.Context, userID string) ([]models.DeckStats, error)
	CompleteSession(ctx context.Context, userID, sessionID string) error
}

// Users resolves Telegram chats to engine users
type Users interface {
	EnsureChatUser(ctx context.Context, chatID int64, username string, reminderHour int) (*models.User, error)
	SetReminders(ctx context.Context, userID string, enabled bool, hour int) error
}

// Cards loads card text for display
type Cards interface {
	GetByID(ctx context.Context, id string) (*models.Card, error)
}

// InteractionRecorder accepts in-session events
type InteractionRecorder interface {
	RecordInteraction(ctx context.Context, in *models.Interaction) error
}

// Importer loads spreadsheets into a user's decks
type Importer interface {
	Import(ctx context.Context, userID, name string, r io.Reader) (*excel.ImportResult, error)
}

// botAPI is the subset of *tgbotapi.BotAPI the bot uses
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// UserState represents the current state of a user in conversation with the bot
type UserState struct {
	State     string
	Timestamp time.Time
}

const stateAwaitingImport = "awaiting_import"

// Deps groups the collaborators of a Bot
type Deps struct {
	Service  Service
	Users    Users
	Cards    Cards
	Recorder InteractionRecorder
	Importer Importer
}

// Bot represents the Telegram bot application
type Bot struct {
	api    botAPI
	token  string
	debug  bool
	deps   Deps
	config *BotConfig
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger

	mu         sync.Mutex
	userStates map[int64]UserState
	sessions   map[int64]*learningSession
}

// New creates a new bot instance. The Telegram connection is made by Serve.
func New(token string, debug bool, cfg *BotConfig, deps Deps) (*Bot, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is not set")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Bot{
		token:      token,
		debug:      debug,
		deps:       deps,
		config:     cfg,
		client:     &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		logger:     logging.Component("bot"),
		userStates: make(map[int64]UserState),
		sessions:   make(map[int64]*learningSession),
	}, nil
}

// Serve connects to Telegram and handles updates until ctx is cancelled
func (b *Bot) Serve(ctx context.Context) error {
	api, err := tgbotapi.NewBotAPI(b.token)
	if err != nil {
		return fmt.Errorf("unable to create bot: %w", err)
	}
	api.Debug = b.debug
	b.api = api
	b.logger.Info().Str("account", api.Self.UserName).Msg("authorized on Telegram")

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := api.GetUpdatesChan(updateConfig)
	defer api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) String() string { return "telegram-bot" }

// SendReminders implements the scheduler.Notifier interface
func (b *Bot) SendReminders(chatID int64, count int) error {
	if b.api == nil {
		return errors.New("bot is not connected")
	}
	cardForm := "cards"
	if count == 1 {
		cardForm = "card"
	}
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("You have %d %s due for review. Tap Start Review to begin.", count, cardForm))
	msg.ReplyMarkup = createKeyboard([][]MenuButton{{{Text: "🎯 Start Review", CallbackData: "start_review"}}})
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send reminder: %w", err)
	}
	return nil
}

// isAdmin checks if a user is an admin
func (b *Bot) isAdmin(userID int64) bool {
	return b.config.AdminIDs[userID]
}

func (b *Bot) send(chatID int64, text string, buttons [][]MenuButton) {
	msg := tgbotapi.NewMessage(chatID, text)
	if buttons != nil {
		msg.ReplyMarkup = createKeyboard(buttons)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

// user resolves the engine user of a Telegram sender
func (b *Bot) user(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, error) {
	username := ""
	if from != nil {
		username = from.UserName
	}
	return b.deps.Users.EnsureChatUser(ctx, chatID, username, b.config.DefaultReminderHour)
}

// handleUpdate handles incoming updates from Telegram
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("update handler panicked")
		}
	}()

	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	u, err := b.user(ctx, message.From, chatID)
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to resolve user")
		b.send(chatID, "Something went wrong, please try again later.", nil)
		return
	}
	ctx = logging.WithUserID(ctx, u.ID)

	if message.IsCommand() {
		switch message.Command() {
		case "start":
			b.handleStartCommand(chatID)
		case "menu":
			b.showMainMenu(chatID)
		case "review":
			b.startSession(ctx, u, chatID)
		case "done":
			b.finishSession(ctx, u, chatID)
		case "queue":
			b.handleQueueCommand(ctx, u, chatID)
		case "pattern":
			b.handlePatternCommand(ctx, u, chatID)
		case "stats":
			b.handleStatsCommand(ctx, u, chatID)
		case "reminders":
			b.handleRemindersCommand(ctx, u, chatID, message.CommandArguments())
		case "import":
			if !b.isAdmin(message.From.ID) {
				b.send(chatID, "This command is only available for administrators.", b.MainMenuButtons())
				return
			}
			b.setState(message.From.ID, stateAwaitingImport)
			b.send(chatID, "Send me an .xlsx or .csv file with columns Front, Back and optionally Deck.", nil)
		default:
			b.send(chatID, "Unknown command. Use /menu to show the main menu.", b.MainMenuButtons())
		}
		return
	}

	if message.Document != nil && b.takeState(message.From.ID) == stateAwaitingImport {
		b.handleImport(ctx, u, chatID, message.Document)
		return
	}
	b.send(chatID, "I don't understand. Use /menu to show the main menu.", b.MainMenuButtons())
}

func (b *Bot) setState(userID int64, state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userStates[userID] = UserState{State: state, Timestamp: b.now()}
}

func (b *Bot) takeState(userID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.userStates[userID]
	if !ok {
		return ""
	}
	delete(b.userStates, userID)
	return st.State
}

// handleStartCommand handles the /start command
func (b *Bot) handleStartCommand(chatID int64) {
	welcomeText := `Welcome! 🎓 Cards come back right before you would forget them.

Available commands:
/review - Start a review session
/done - Finish the current session
/queue - Show what is due next
/pattern - Show your learning pattern
/stats - Show your statistics
/reminders on|off|HOUR - Configure reminders (UTC)`

	b.send(chatID, welcomeText, b.MainMenuButtons())
}

// showMainMenu shows the main menu
func (b *Bot) showMainMenu(chatID int64) {
	b.send(chatID, "Main Menu - choose an option:", b.MainMenuButtons())
}

// MainMenuButtons returns the buttons for the main menu
func (b *Bot) MainMenuButtons() [][]MenuButton {
	return [][]MenuButton{
		{
			{Text: "🎯 Start Review", CallbackData: "start_review"},
			{Text: "📋 Queue", CallbackData: "show_queue"},
		},
		{
			{Text: "📈 Pattern", CallbackData: "show_pattern"},
			{Text: "📊 Statistics", CallbackData: "show_stats"},
		},
	}
}

// handleCallbackQuery handles callback queries from buttons
func (b *Bot) handleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		b.logger.Debug().Err(err).Msg("failed to answer callback")
	}
	if callback.Message == nil {
		return
	}
	chatID := callback.Message.Chat.ID
	u, err := b.user(ctx, callback.From, chatID)
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to resolve user")
		return
	}
	ctx = logging.WithUserID(ctx, u.ID)

	switch data := callback.Data; {
	case data == "main_menu":
		b.showMainMenu(chatID)
	case data == "start_review":
		b.startSession(ctx, u, chatID)
	case data == "show_answer":
		b.showAnswer(ctx, u, chatID)
	case data == "finish_session":
		b.finishSession(ctx, u, chatID)
	case data == "show_queue":
		b.handleQueueCommand(ctx, u, chatID)
	case data == "show_pattern":
		b.handlePatternCommand(ctx, u, chatID)
	case data == "show_stats":
		b.handleStatsCommand(ctx, u, chatID)
	case strings.HasPrefix(data, "grade_"):
		quality, err := strconv.Atoi(strings.TrimPrefix(data, "grade_"))
		if err != nil {
			b.logger.Warn().Err(err).Str("data", data).Msg("bad grade callback")
			return
		}
		b.grade(ctx, u, chatID, quality)
	}
}

func (b *Bot) handleQueueCommand(ctx context.Context, u *models.User, chatID int64) {
	queue, err := b.deps.Service.StudyQueue(ctx, u.ID, "", b.config.QueuePreview)
	if err != nil {
		b.reportError(ctx, chatID, err)
		return
	}
	if len(queue) == 0 {
		b.send(chatID, "Nothing is due right now. 🎉", b.MainMenuButtons())
		return
	}

	var sb strings.Builder
	sb.WriteString("Next up:\n")
	for i, sc := range queue {
		front := sc.CardID
		if card, err := b.deps.Cards.GetByID(ctx, sc.CardID); err == nil {
			front = card.Front
		}
		fmt.Fprintf(&sb, "%d. %s (%.2f)", i+1, front, sc.Score)
		if len(sc.Reasoning) > 0 {
			fmt.Fprintf(&sb, " - %s", strings.Join(sc.Reasoning, ", "))
		}
		sb.WriteString("\n")
	}
	b.send(chatID, sb.String(), [][]MenuButton{{{Text: "🎯 Start Review", CallbackData: "start_review"}}})
}

func (b *Bot) handlePatternCommand(ctx context.Context, u *models.User, chatID int64) {
	p, err := b.deps.Service.LearningPattern(ctx, u.ID)
	if errors.Is(err, errs.ErrNotFound) {
		b.send(chatID, "Not enough reviews yet to describe your learning pattern. Keep going!", b.MainMenuButtons())
		return
	}
	if err != nil {
		b.reportError(ctx, chatID, err)
		return
	}
	b.send(chatID, FormatPattern(p), b.MainMenuButtons())
}

// FormatPattern renders a learning pattern as chat text
func FormatPattern(p *models.LearningPattern) string {
	var sb strings.Builder
	sb.WriteString("Your learning pattern\n\n")
	fmt.Fprintf(&sb, "Success rate: %.0f%%\n", p.AverageSuccessRate*100)
	fmt.Fprintf(&sb, "Learning velocity: %.2f cards/day\n", p.LearningVelocity)
	fmt.Fprintf(&sb, "Ease bias: %+.2f\n", p.PersonalEaseFactorBias)

	var best []string
	for _, slot := range models.AllTimeSlots {
		if perf, ok := p.TimeOfDayPerformance[slot]; ok && perf.IsOptimal {
			best = append(best, strings.ReplaceAll(slot.String(), "_", " "))
		}
	}
	if len(best) > 0 {
		fmt.Fprintf(&sb, "Best time: %s\n", strings.Join(best, ", "))
	}

	trend := p.RecentPerformanceTrends.SuccessRateTrend
	fmt.Fprintf(&sb, "7-day trend: %+.0f%%\n", trend)
	if n := len(p.InconsistencyPatterns.Cards); n > 0 {
		fmt.Fprintf(&sb, "Inconsistent cards: %d\n", n)
	}
	for _, t := range p.PlateauDetection.Topics {
		fmt.Fprintf(&sb, "Plateau: %s\n", t.Topic)
	}
	fmt.Fprintf(&sb, "Based on %d reviews", p.SampleCount)
	return sb.String()
}

func (b *Bot) handleStatsCommand(ctx context.Context, u *models.User, chatID int64) {
	stats, err := b.deps.Service.UserStats(ctx, u.ID)
	if err != nil {
		b.reportError(ctx, chatID, err)
		return
	}
	decks, err := b.deps.Service.DeckStats(ctx, u.ID)
	if err != nil {
		b.reportError(ctx, chatID, err)
		return
	}

	var sb strings.Builder
	sb.WriteString("📊 Your statistics\n\n")
	fmt.Fprintf(&sb, "Cards: %d\n", stats.TotalCards)
	fmt.Fprintf(&sb, "Due today: %d\n", stats.DueToday)
	fmt.Fprintf(&sb, "Mastered: %d\n", stats.Mastered)
	fmt.Fprintf(&sb, "Average ease: %.2f\n", stats.AverageEaseFactor)
	fmt.Fprintf(&sb, "Reviews in the last 7 days: %d\n", stats.ReviewsLast7Days)
	if len(decks) > 0 {
		sb.WriteString("\nDecks:\n")
		for _, d := range decks {
			fmt.Fprintf(&sb, "• %s: %d cards, %d due", d.Name, d.TotalCards, d.DueCards)
			if d.MasteryLevel > 0 {
				fmt.Fprintf(&sb, ", %s", d.Category)
			}
			sb.WriteString("\n")
		}
	}
	b.send(chatID, sb.String(), b.MainMenuButtons())
}

// handleRemindersCommand handles /reminders on, /reminders off and /reminders HOUR
func (b *Bot) handleRemindersCommand(ctx context.Context, u *models.User, chatID int64, args string) {
	args = strings.TrimSpace(strings.ToLower(args))
	enabled, hour := u.RemindersEnabled, u.ReminderHour
	switch args {
	case "on":
		enabled = true
	case "off":
		enabled = false
	case "":
		b.send(chatID, fmt.Sprintf("Reminders are %s at %02d:00 UTC.\nUse /reminders on, /reminders off or /reminders HOUR.",
			boolToEnabledString(u.RemindersEnabled), u.ReminderHour), nil)
		return
	default:
		h, err := strconv.Atoi(args)
		if err != nil || h < 0 || h > 23 {
			b.send(chatID, "Please enter an hour between 0 and 23.", nil)
			return
		}
		enabled, hour = true, h
	}

	if err := b.deps.Users.SetReminders(ctx, u.ID, enabled, hour); err != nil {
		b.reportError(ctx, chatID, err)
		return
	}
	b.send(chatID, fmt.Sprintf("Reminders %s at %02d:00 UTC.", boolToEnabledString(enabled), hour), b.MainMenuButtons())
}

func boolToEnabledString(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func (b *Bot) handleImport(ctx context.Context, u *models.User, chatID int64, doc *tgbotapi.Document) {
	if b.deps.Importer == nil {
		b.send(chatID, "Import is not available.", nil)
		return
	}
	url, err := b.api.GetFileDirectURL(doc.FileID)
	if err != nil {
		b.reportError(ctx, chatID, err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		b.reportError(ctx, chatID, err)
		return
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.reportError(ctx, chatID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.reportError(ctx, chatID, fmt.Errorf("file download failed: %s", resp.Status))
		return
	}

	res, err := b.deps.Importer.Import(ctx, u.ID, doc.FileName, resp.Body)
	if err != nil {
		b.send(chatID, "❌ Import failed: "+err.Error(), b.MainMenuButtons())
		return
	}
	b.send(chatID, FormatImportResult(res), b.MainMenuButtons())
}

// FormatImportResult renders an import summary as chat text
func FormatImportResult(res *excel.ImportResult) string {
	var sb strings.Builder
	sb.WriteString("✅ Import finished\n\n")
	fmt.Fprintf(&sb, "Rows: %d\nCards created: %d\nDecks created: %d\nSkipped: %d\n",
		res.TotalProcessed, res.Created, res.DecksCreated, res.Skipped)
	if res.Truncated {
		sb.WriteString("The file was longer than the row limit and was truncated.\n")
	}
	if len(res.Errors) > 0 {
		fmt.Fprintf(&sb, "Errors: %d\n", len(res.Errors))
		for i, e := range res.Errors {
			if i == 5 {
				fmt.Fprintf(&sb, "... and %d more\n", len(res.Errors)-5)
				break
			}
			sb.WriteString(e + "\n")
		}
	}
	return sb.String()
}

func (b *Bot) reportError(ctx context.Context, chatID int64, err error) {
	logging.Ctx(ctx).Error().Err(err).Int64("chat_id", chatID).Msg("bot request failed")
	b.send(chatID, "Something went wrong, please try again later.", b.MainMenuButtons())
}
