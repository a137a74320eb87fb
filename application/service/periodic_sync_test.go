package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/memtier/tvme/domain/event"
	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/domain/search"
	"github.com/memtier/tvme/infrastructure/persistence"
	infrasearch "github.com/memtier/tvme/infrastructure/search"
	"github.com/memtier/tvme/internal/config"
	"github.com/memtier/tvme/internal/testdb"
)

func newTestPromotionCycle(t *testing.T, cfg config.PromotionCycleConfig, weights config.PromotionWeights, tierCfg config.TierConfig) (*PromotionCycle, record.Store, map[record.Tier]TierIndex, *event.Bus) {
	t.Helper()
	db := testdb.New(t)
	records := persistence.NewRecordStore(db)

	tiers := make(map[record.Tier]TierIndex, len(record.AllTiers()))
	for _, tier := range record.AllTiers() {
		tiers[tier] = TierIndex{
			Vector: infrasearch.NewVectorIndex(testDimension, nil),
			Text:   infrasearch.NewBM25Index(db.GORM(), "bm25_promo_"+tier.TableSuffix(), nil),
		}
	}

	bus := event.NewBus(16, 10*time.Millisecond)
	cycle := NewPromotionCycle(cfg, tierCfg, weights, records, tiers, bus, nil)
	return cycle, records, tiers, bus
}

// seedPromotable stores a record directly into TierInteract with the
// access-count and score a strong promotion candidate would have, and
// indexes it the way MemoryIngest would.
func seedPromotable(t *testing.T, ctx context.Context, records record.Store, tiers map[record.Tier]TierIndex, text string, accessCount uint64, score float32, lastAccess time.Time) *record.Record {
	t.Helper()
	vec := make([]float32, testDimension)
	vec[0] = 1
	r, err := record.Hydrate(uuid.New(), text, vec, record.TierInteract, "note", nil, "", "", lastAccess.Add(-time.Hour), lastAccess, accessCount, score)
	require.NoError(t, err)
	require.NoError(t, records.Store(ctx, r))

	idx := tiers[record.TierInteract]
	require.NoError(t, idx.Vector.SaveAll(ctx, []search.Embedding{search.NewEmbedding(r.ID().String(), r.Vector())}))
	require.NoError(t, idx.Text.Index(ctx, search.NewIndexRequest([]search.Document{search.NewDocument(r.ID().String(), text)})))
	return r
}

func TestPromotionCycle_PromotesQualifyingRecords(t *testing.T) {
	ctx := context.Background()
	tierCfg := config.NewTierConfig()
	weights := config.NewPromotionWeights()
	cfg := config.NewPromotionCycleConfig()

	cycle, records, tiers, bus := newTestPromotionCycle(t, cfg, weights, tierCfg)
	sub := bus.Subscribe(event.TopicPromotion)

	now := time.Now()
	const n = 10
	for i := 0; i < n; i++ {
		seedPromotable(t, ctx, records, tiers, "frequently accessed note", 50, 0.95, now)
	}

	cycle.runCycle(ctx)

	interactCount, err := records.CountByTier(ctx, record.TierInteract)
	require.NoError(t, err)
	insightsCount, err := records.CountByTier(ctx, record.TierInsights)
	require.NoError(t, err)
	require.Zero(t, interactCount)
	require.EqualValues(t, n, insightsCount)

	events := 0
	for {
		select {
		case <-sub:
			events++
		default:
			require.Equal(t, n, events)
			return
		}
	}
}

func TestPromotionCycle_RewiresIndicesAcrossTiers(t *testing.T) {
	ctx := context.Background()
	tierCfg := config.NewTierConfig()
	weights := config.NewPromotionWeights()
	cfg := config.NewPromotionCycleConfig()

	cycle, records, tiers, _ := newTestPromotionCycle(t, cfg, weights, tierCfg)

	now := time.Now()
	r := seedPromotable(t, ctx, records, tiers, "promote me across indices", 50, 0.95, now)

	cycle.runCycle(ctx)

	promoted, err := records.PeekByID(ctx, r.ID())
	require.NoError(t, err)
	require.Equal(t, record.TierInsights, promoted.Tier())

	oldIDs, err := tiers[record.TierInteract].Vector.RecordIDs(ctx)
	require.NoError(t, err)
	require.NotContains(t, oldIDs, r.ID().String())

	newIDs, err := tiers[record.TierInsights].Vector.RecordIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, newIDs, r.ID().String())

	results, err := tiers[record.TierInsights].Text.Search(ctx, search.NewRequest("promote me across indices", search.Filters{}, 5))
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestPromotionCycle_LeavesLowScoringRecordsInPlace(t *testing.T) {
	ctx := context.Background()
	tierCfg := config.NewTierConfig()
	weights := config.NewPromotionWeights()
	cfg := config.NewPromotionCycleConfig()

	cycle, records, tiers, _ := newTestPromotionCycle(t, cfg, weights, tierCfg)

	now := time.Now()
	r := seedPromotable(t, ctx, records, tiers, "barely touched note", 0, 0.1, now.Add(-48*time.Hour))

	cycle.runCycle(ctx)

	still, err := records.PeekByID(ctx, r.ID())
	require.NoError(t, err)
	require.Equal(t, record.TierInteract, still.Tier())
}

func TestPromotionCycle_SkipsConcurrentCycleOnSameTier(t *testing.T) {
	tierCfg := config.NewTierConfig()
	weights := config.NewPromotionWeights()
	cfg := config.NewPromotionCycleConfig()

	cycle, _, _, _ := newTestPromotionCycle(t, cfg, weights, tierCfg)

	require.True(t, cycle.tryLock(record.TierInteract))
	err := cycle.runTier(context.Background(), record.TierInteract)
	require.ErrorIs(t, err, ErrCycleAlreadyRunning)
	cycle.unlock(record.TierInteract)
}

func TestPromotionCycle_StartStop(t *testing.T) {
	tierCfg := config.NewTierConfig()
	weights := config.NewPromotionWeights()
	cfg := config.NewPromotionCycleConfig()

	cycle, _, _, _ := newTestPromotionCycle(t, cfg, weights, tierCfg)
	cycle.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	cycle.Stop()
}
