package promotion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/domain/record"
)

func TestEvaluate_SkipsTerminalTier(t *testing.T) {
	now := time.Now()
	r, err := record.New("hello", embedding.Vector{1, 0}, "note", "proj", "sess", nil, now)
	require.NoError(t, err)
	for r.Tier() != record.TierAssets {
		require.True(t, r.Promote())
	}

	decisions := Evaluate([]*record.Record{r}, NewWeightsForTest(), Thresholds{Interact: 0.7, Insights: 0.8}, now)
	assert.Empty(t, decisions)
}

func TestEvaluate_PromotesHighScoringInteractRecord(t *testing.T) {
	now := time.Now()
	r, err := record.New("hello", embedding.Vector{1, 0}, "note", "proj", "sess", nil, now.Add(-time.Hour))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Touch(now))
	}
	r.SetScore(1.0)

	decisions := Evaluate([]*record.Record{r}, NewWeightsForTest(), Thresholds{Interact: 0.5, Insights: 0.8}, now)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Promote)
	assert.Equal(t, record.TierInteract, decisions[0].FromTier)
	assert.Equal(t, record.TierInsights, decisions[0].ToTier)
}

func TestEvaluate_DoesNotPromoteLowScoringRecord(t *testing.T) {
	now := time.Now()
	r, err := record.New("hello", embedding.Vector{1, 0}, "note", "proj", "sess", nil, now.Add(-100*24*time.Hour))
	require.NoError(t, err)

	decisions := Evaluate([]*record.Record{r}, NewWeightsForTest(), Thresholds{Interact: 0.7, Insights: 0.8}, now)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Promote)
}
