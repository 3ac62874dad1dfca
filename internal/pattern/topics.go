package pattern

import (
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/example/srsengine/pkg/models"
)

const (
	topicWordMinLength = 4
	topicWordsPerCard  = 3
	topicMinCards      = 3
)

// Topics clusters cards into naive keyword topics: each card contributes its
// three most frequent words of at least four letters, and a word shared by at
// least three cards becomes a topic. Member ids are sorted.
func Topics(cards []models.CardSummary) map[string][]string {
	members := make(map[string][]string)
	for _, c := range cards {
		for _, w := range topWords(c.Front+" "+c.Back, topicWordsPerCard) {
			members[w] = append(members[w], c.ID)
		}
	}
	topics := make(map[string][]string)
	for w, ids := range members {
		if len(ids) < topicMinCards {
			continue
		}
		sort.Strings(ids)
		topics[w] = ids
	}
	return topics
}

func topWords(text string, n int) []string {
	counts := make(map[string]int)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if utf8.RuneCountInString(w) >= topicWordMinLength {
			counts[w]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

// Plateaus flags topics whose success rate did not improve by at least 0.1
// across the 14 day cutoff and whose last improving window ended at least
// 14 days ago. Reviews must be ordered oldest first.
func Plateaus(reviews []models.ReviewRecord, cards []models.CardSummary, now time.Time) models.PlateauDetection {
	topics := Topics(cards)
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	sort.Strings(names)

	result := models.PlateauDetection{Topics: []models.PlateauTopic{}}
	for _, name := range names {
		ids := topics[name]
		inTopic := make(map[string]bool, len(ids))
		for _, id := range ids {
			inTopic[id] = true
		}
		var topicReviews []models.ReviewRecord
		for _, r := range reviews {
			if inTopic[r.CardID] {
				topicReviews = append(topicReviews, r)
			}
		}
		if p, ok := plateau(topicReviews, now); ok {
			p.Topic = name
			p.CardIDs = ids
			result.Topics = append(result.Topics, p)
		}
	}
	return result
}

func plateau(reviews []models.ReviewRecord, now time.Time) (models.PlateauTopic, bool) {
	n := len(reviews)
	if n < plateauMinSamples {
		return models.PlateauTopic{}, false
	}
	w := n / 4
	if w < 1 {
		w = 1
	}

	cutoff := now.Add(-plateauDuration)
	var recent, older []float64
	lastImproving := reviews[0].ReviewedAt
	prevRate := -1.0
	for i := 0; i+w <= n; i++ {
		rate := SuccessRate(reviews[i : i+w])
		end := reviews[i+w-1].ReviewedAt
		if end.After(cutoff) {
			recent = append(recent, rate)
		} else {
			older = append(older, rate)
		}
		if prevRate >= 0 && rate > prevRate {
			lastImproving = end
		}
		prevRate = rate
	}
	if len(recent) == 0 || len(older) == 0 {
		return models.PlateauTopic{}, false
	}

	improvement := mean(recent) - mean(older)
	since := now.Sub(lastImproving)
	if improvement >= plateauMinImprovement || since < plateauDuration {
		return models.PlateauTopic{}, false
	}
	return models.PlateauTopic{
		Improvement:          improvement,
		DaysSinceImprovement: since.Hours() / 24,
	}, true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
