package service

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/memtier/tvme/domain/event"
	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/domain/search"
	"github.com/memtier/tvme/infrastructure/persistence"
	infrasearch "github.com/memtier/tvme/infrastructure/search"
	"github.com/memtier/tvme/infrastructure/provider"
	"github.com/memtier/tvme/internal/config"
	"github.com/memtier/tvme/internal/testdb"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, record.Store, map[record.Tier]TierIndex) {
	t.Helper()
	db := testdb.New(t)
	records := persistence.NewRecordStore(db)
	embedder := provider.NewMockEmbedder(testDimension)
	reranker := provider.NewLexicalReranker()

	tiers := make(map[record.Tier]TierIndex, len(record.AllTiers()))
	for _, tier := range record.AllTiers() {
		tiers[tier] = TierIndex{
			Vector: infrasearch.NewVectorIndex(testDimension, nil),
			Text:   infrasearch.NewBM25Index(db.GORM(), "bm25_"+tier.TableSuffix(), nil),
		}
	}

	bus := event.NewBus(16, time.Second)
	closed := &atomic.Bool{}
	ingest := NewMemoryIngest(records, embedder, tiers, bus, closed, nil)
	searchCoord := NewSearchCoordinator(records, embedder, reranker, tiers, config.NewSearchConfig(), closed, nil)
	promotion := NewPromotionCycle(config.NewPromotionCycleConfig(), config.NewTierConfig(), config.NewPromotionWeights(), records, tiers, bus, nil)

	orchestrator := NewOrchestrator(
		ingest, searchCoord, promotion,
		records, tiers, bus,
		config.NewOrchestratorConfig(), config.NewBreakerConfig(), config.NewRetryPolicy(),
		closed, nil,
	)
	return orchestrator, records, tiers
}

func TestOrchestrator_BackupRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	o, records, _ := newTestOrchestrator(t)

	inserted, err := o.InsertBatch(ctx, []InsertRequest{
		{Text: "tokio provides an async runtime for rust", Kind: "note"},
		{Text: "goroutines are lightweight threads", Kind: "note"},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 2)

	path := filepath.Join(t.TempDir(), "backup.tvme")
	manifest, err := o.Backup(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 2, manifest.RecordCount)

	// Delete one record to prove Restore actually repopulates the store.
	require.NoError(t, o.ingest.Delete(ctx, inserted[0].RecordID))
	remaining, err := records.TotalCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, remaining)

	restored, err := o.Restore(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 2, restored)

	total, err := records.TotalCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)

	r, err := records.PeekByID(ctx, inserted[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, "tokio provides an async runtime for rust", r.Text())

	matches, err := o.Search(ctx, NewSearchQuery("tokio async runtime", search.ModeHybrid, WithQueryTopK(5)))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
}

func TestOrchestrator_Restore_RejectsBadMagic(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)

	path := filepath.Join(t.TempDir(), "not-a-backup.tvme")
	require.NoError(t, os.WriteFile(path, []byte("not a tvme backup file at all"), 0o644))

	_, err := o.Restore(ctx, path)
	require.ErrorIs(t, err, ErrBackupFormat)
}

func TestOrchestrator_Restore_MissingFile(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)

	_, err := o.Restore(ctx, filepath.Join(t.TempDir(), "missing.tvme"))
	require.Error(t, err)
}

func TestOrchestrator_Backup_EmptyStore(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)

	path := filepath.Join(t.TempDir(), "empty.tvme")
	manifest, err := o.Backup(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 0, manifest.RecordCount)

	restored, err := o.Restore(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 0, restored)
}
