package promotion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScore_BoundedToZeroOne(t *testing.T) {
	now := time.Now()
	w := Weights{Frequency: 0.3, Recency: 0.3, Quality: 0.2, Semantic: 0.2}

	c := Candidate{
		AccessCount:  1000,
		LastAccessAt: now,
		CreatedAt:    now.Add(-time.Hour),
		Score:        1.0,
	}

	s := Score(c, w, now)
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestScore_HighlyAccessedRecentRecordScoresHigh(t *testing.T) {
	now := time.Now()
	w := NewWeightsForTest()

	fresh := Candidate{AccessCount: 50, LastAccessAt: now, CreatedAt: now.Add(-time.Hour), Score: 0.9}
	stale := Candidate{AccessCount: 0, LastAccessAt: now.Add(-30 * 24 * time.Hour), CreatedAt: now.Add(-31 * 24 * time.Hour), Score: 0.1}

	assert.Greater(t, Score(fresh, w, now), Score(stale, w, now))
}

func TestQualifies(t *testing.T) {
	now := time.Now()
	w := NewWeightsForTest()

	highActivity := Candidate{AccessCount: 100, LastAccessAt: now, CreatedAt: now.Add(-time.Hour), Score: 1.0}
	assert.True(t, Qualifies(highActivity, w, 0.7, now))

	untouched := Candidate{AccessCount: 0, LastAccessAt: now.Add(-100 * 24 * time.Hour), CreatedAt: now.Add(-100 * 24 * time.Hour), Score: 0}
	assert.False(t, Qualifies(untouched, w, 0.7, now))
}

// NewWeightsForTest mirrors the documented defaults without importing internal/config,
// keeping this package's tests free of a cross-package dependency.
func NewWeightsForTest() Weights {
	return Weights{Frequency: 0.3, Recency: 0.3, Quality: 0.2, Semantic: 0.2}
}
