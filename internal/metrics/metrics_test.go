package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCacheReadsLabels(t *testing.T) {
	before := testutil.ToFloat64(CacheReads.WithLabelValues("user_stats", "hit"))
	CacheReads.WithLabelValues("user_stats", "hit").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CacheReads.WithLabelValues("user_stats", "hit")))
}

func TestFoldsOutcomeLabels(t *testing.T) {
	before := testutil.ToFloat64(FoldsTotal.WithLabelValues("rate_limited"))
	FoldsTotal.WithLabelValues("rate_limited").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FoldsTotal.WithLabelValues("rate_limited")))
}
