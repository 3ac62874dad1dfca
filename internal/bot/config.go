package bot

import (
	"strconv"
	"strings"
	"time"
)

// BotConfig represents the configuration for the bot
type BotConfig struct {
	// Cards pulled into one review session
	SessionSize int
	// Cards listed by /queue
	QueuePreview int
	// Reminder hour (UTC) given to new users
	DefaultReminderHour int
	// Idle sessions are dropped after this long
	SessionTimeout time.Duration
	// Telegram user ids allowed to import spreadsheets
	AdminIDs map[int64]bool
}

// DefaultConfig returns the default bot configuration
func DefaultConfig() *BotConfig {
	return &BotConfig{
		SessionSize:         20,
		QueuePreview:        10,
		DefaultReminderHour: 9,
		SessionTimeout:      time.Hour,
		AdminIDs:            map[int64]bool{},
	}
}

// ParseAdminIDs reads a comma separated list of Telegram user ids. Invalid entries are returned separately.
func ParseAdminIDs(list string) (map[int64]bool, []string) {
	ids := map[int64]bool{}
	var invalid []string
	for _, idStr := range strings.Split(list, ",") {
		idStr = strings.TrimSpace(idStr)
		if idStr == "" {
			continue
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			invalid = append(invalid, idStr)
			continue
		}
		ids[id] = true
	}
	return ids, invalid
}
