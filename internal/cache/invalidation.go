package cache

// Logical cache names
const (
	NameLearningPattern = "learning_pattern"
	NameUserStats       = "user_stats"
	NameStudyQueue      = "study_queue"
	NameDeckStats       = "deck_stats"
)

// AllNames lists every logical cache name
var AllNames = []string{NameLearningPattern, NameUserStats, NameStudyQueue, NameDeckStats}

// Event is a domain change that makes cached aggregates stale
type Event string

const (
	EventCardReviewed     Event = "card_reviewed"
	EventSessionCompleted Event = "session_completed"
	EventDeckCreated      Event = "deck_created"
	EventDeckDeleted      Event = "deck_deleted"
	EventCardCreated      Event = "card_created"
	EventCardDeleted      Event = "card_deleted"
	EventConfigChanged    Event = "personalization_config_changed"
)

// AllEvents lists every invalidation event
var AllEvents = []Event{
	EventCardReviewed,
	EventSessionCompleted,
	EventDeckCreated,
	EventDeckDeleted,
	EventCardCreated,
	EventCardDeleted,
	EventConfigChanged,
}

// The learning pattern is refreshed by folds, so a single review leaves it alone.
var invalidationTable = map[Event][]string{
	EventCardReviewed:     {NameUserStats, NameStudyQueue, NameDeckStats},
	EventSessionCompleted: {NameLearningPattern, NameUserStats, NameStudyQueue, NameDeckStats},
	EventDeckCreated:      {NameLearningPattern, NameUserStats, NameStudyQueue, NameDeckStats},
	EventDeckDeleted:      {NameLearningPattern, NameUserStats, NameStudyQueue, NameDeckStats},
	EventCardCreated:      {NameLearningPattern, NameUserStats, NameStudyQueue, NameDeckStats},
	EventCardDeleted:      {NameLearningPattern, NameUserStats, NameStudyQueue, NameDeckStats},
	EventConfigChanged:    {NameStudyQueue, NameLearningPattern},
}

// NamesFor returns the cache names an event invalidates
func NamesFor(event Event) []string {
	return append([]string(nil), invalidationTable[event]...)
}
