package promotion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestModel_PredictInRange(t *testing.T) {
	m := NewModel(Features{Frequency: 1, Recency: 1, Quality: 1, Semantic: 1}, 0, 0.9)

	p := m.Predict(Features{Frequency: 1, Recency: 1, Quality: 1, Semantic: 1})
	assert.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 1.0)
}

func TestModel_MaybeRollback_RestoresOnRegression(t *testing.T) {
	m := NewModel(Features{Frequency: 1, Recency: 1, Quality: 1, Semantic: 1}, 0, 0.9)

	m.UpdateLive(Features{Frequency: 5, Recency: 5, Quality: 5, Semantic: 5}, 1)
	rolledBack := m.MaybeRollback(0.85) // 0.9 - 0.05 < 0.9 - 0.02 threshold breach

	assert.True(t, rolledBack)
	assert.Equal(t, Features{Frequency: 1, Recency: 1, Quality: 1, Semantic: 1}, m.weights)
}

func TestModel_MaybeRollback_KeepsLiveWhenWithinGuard(t *testing.T) {
	m := NewModel(Features{Frequency: 1, Recency: 1, Quality: 1, Semantic: 1}, 0, 0.9)

	m.UpdateLive(Features{Frequency: 2, Recency: 2, Quality: 2, Semantic: 2}, 0.5)
	rolledBack := m.MaybeRollback(0.89) // within 2% guard

	assert.False(t, rolledBack)
	assert.Equal(t, Features{Frequency: 2, Recency: 2, Quality: 2, Semantic: 2}, m.weights)
}

func TestModel_MaybeRollback_UpdatesSnapshotOnImprovement(t *testing.T) {
	m := NewModel(Features{Frequency: 1, Recency: 1, Quality: 1, Semantic: 1}, 0, 0.9)

	m.UpdateLive(Features{Frequency: 3, Recency: 3, Quality: 3, Semantic: 3}, 0.2)
	rolledBack := m.MaybeRollback(0.95)

	assert.False(t, rolledBack)
	assert.Equal(t, 0.95, m.bestAccuracy)
}

func TestFeaturesFromCandidate(t *testing.T) {
	now := time.Now()
	c := Candidate{AccessCount: 10, LastAccessAt: now, CreatedAt: now, Score: 0.5}

	f := FeaturesFromCandidate(c, now)
	assert.GreaterOrEqual(t, f.Frequency, 0.0)
	assert.InDelta(t, 1.0, f.Recency, 1e-9)
	assert.Equal(t, 0.5, f.Quality)
}
