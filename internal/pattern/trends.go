package pattern

import (
	"time"

	"github.com/example/srsengine/pkg/models"
)

// Stats summarizes reviews into window statistics
func Stats(reviews []models.ReviewRecord) models.WindowStats {
	var acc accumulator
	for _, r := range reviews {
		acc.add(r)
	}
	return models.WindowStats{
		SuccessRate:         acc.rate(),
		AverageResponseTime: acc.response(),
		AverageConfidence:   acc.confidence(),
		ReviewCount:         acc.n,
		ResponseSamples:     acc.responseN,
		ConfidenceSamples:   acc.confidenceN,
	}
}

// Trends computes the 7 and 14 day windows ending at now and the percentage change from 14d to 7d
func Trends(reviews []models.ReviewRecord, now time.Time) models.PerformanceTrends {
	from7 := now.Add(-7 * models.Day)
	from14 := now.Add(-14 * models.Day)
	var last7, last14 []models.ReviewRecord
	for _, r := range reviews {
		if r.ReviewedAt.After(now) {
			continue
		}
		if r.ReviewedAt.After(from14) {
			last14 = append(last14, r)
		}
		if r.ReviewedAt.After(from7) {
			last7 = append(last7, r)
		}
	}
	return TrendsFromWindows(Stats(last7), Stats(last14))
}

// TrendsFromWindows derives the percentage changes of two window summaries
func TrendsFromWindows(last7, last14 models.WindowStats) models.PerformanceTrends {
	return models.PerformanceTrends{
		Last7Days:         last7,
		Last14Days:        last14,
		SuccessRateTrend:  PercentChange(last14.SuccessRate, last7.SuccessRate),
		ResponseTimeTrend: PercentChange(last14.AverageResponseTime, last7.AverageResponseTime),
		ConfidenceTrend:   PercentChange(last14.AverageConfidence, last7.AverageConfidence),
	}
}

// PercentChange returns (to-from)/from in percent, 0 when from is 0
func PercentChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}
