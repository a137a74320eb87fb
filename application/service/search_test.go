package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/domain/search"
	"github.com/memtier/tvme/internal/config"
	"github.com/memtier/tvme/internal/testdb"
	"github.com/memtier/tvme/infrastructure/persistence"
	infrasearch "github.com/memtier/tvme/infrastructure/search"
	"github.com/memtier/tvme/infrastructure/provider"
)

const testDimension = 16

func newTestCoordinator(t *testing.T) (*SearchCoordinator, record.Store) {
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

	coordinator := NewSearchCoordinator(records, embedder, reranker, tiers, config.NewSearchConfig(), &atomic.Bool{}, nil)
	return coordinator, records
}

func seedRecord(t *testing.T, ctx context.Context, records record.Store, tiers map[record.Tier]TierIndex, embedder search.Embedder, text, project string, tags []string) *record.Record {
	t.Helper()
	vecs, err := embedder.Embed(ctx, []string{text})
	require.NoError(t, err)

	r, err := record.New(text, vecs[0], "note", project, "", tags, time.Now())
	require.NoError(t, err)
	require.NoError(t, records.Store(ctx, r))

	idx := tiers[record.TierInteract]
	require.NoError(t, idx.Vector.SaveAll(ctx, []search.Embedding{search.NewEmbedding(r.ID().String(), r.Vector())}))
	require.NoError(t, idx.Text.Index(ctx, search.NewIndexRequest([]search.Document{search.NewDocument(r.ID().String(), text)})))
	return r
}

func TestSearchCoordinator_EmptyQuery(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	_, err := coordinator.Search(context.Background(), NewSearchQuery("", search.ModeHybrid))
	require.ErrorIs(t, err, ErrEmptyQuery)
}

func TestSearchCoordinator_ClosedEngine(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	coordinator.closed.Store(true)
	_, err := coordinator.Search(context.Background(), NewSearchQuery("hello", search.ModeHybrid))
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestSearchCoordinator_VectorMode_FindsExactTextMatch(t *testing.T) {
	ctx := context.Background()
	coordinator, records := newTestCoordinator(t)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "the quick brown fox jumps", "proj-a", nil)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "a totally unrelated sentence about weather", "proj-a", nil)

	matches, err := coordinator.Search(ctx, NewSearchQuery("the quick brown fox jumps", search.ModeVector, WithQueryTopK(5)))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	require.Equal(t, "the quick brown fox jumps", matches[0].Record.Text())
	require.InDelta(t, 1.0, matches[0].Relevance, 1e-6)
}

func TestSearchCoordinator_TextMode_FindsKeywordMatch(t *testing.T) {
	ctx := context.Background()
	coordinator, records := newTestCoordinator(t)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "deploying kubernetes clusters on bare metal", "proj-a", nil)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "baking sourdough bread at home", "proj-a", nil)

	matches, err := coordinator.Search(ctx, NewSearchQuery("kubernetes clusters", search.ModeText, WithQueryTopK(5)))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	require.Equal(t, "deploying kubernetes clusters on bare metal", matches[0].Record.Text())
	require.Equal(t, "text", matches[0].MatchReason)
}

func TestSearchCoordinator_HybridMode_CombinesBothSignals(t *testing.T) {
	ctx := context.Background()
	coordinator, records := newTestCoordinator(t)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "notes about the release pipeline", "proj-a", nil)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "an unrelated entry", "proj-a", nil)

	matches, err := coordinator.Search(ctx, NewSearchQuery("notes about the release pipeline", search.ModeHybrid, WithQueryTopK(5)))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	require.Equal(t, "notes about the release pipeline", matches[0].Record.Text())
}

func TestSearchCoordinator_FiltersByProject(t *testing.T) {
	ctx := context.Background()
	coordinator, records := newTestCoordinator(t)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "alpha project design notes", "alpha", nil)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "beta project design notes", "beta", nil)

	filters := search.NewFilters(search.WithProject("alpha"))
	matches, err := coordinator.Search(ctx, NewSearchQuery("design notes", search.ModeHybrid, WithQueryFilters(filters), WithQueryTopK(5)))
	require.NoError(t, err)
	for _, m := range matches {
		require.Equal(t, "alpha", m.Record.Project())
	}
	require.NotEmpty(t, matches)
}

func TestSearchCoordinator_RerankedMode_ReturnsHydratedResults(t *testing.T) {
	ctx := context.Background()
	coordinator, records := newTestCoordinator(t)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "how to configure the vector index", "proj-a", nil)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "unrelated gardening tips", "proj-a", nil)

	matches, err := coordinator.Search(ctx, NewSearchQuery("configure the vector index", search.ModeReranked, WithQueryTopK(5)))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	require.Equal(t, "how to configure the vector index", matches[0].Record.Text())
}

func TestSearchCoordinator_ScoreThreshold_DropsWeakMatches(t *testing.T) {
	ctx := context.Background()
	coordinator, records := newTestCoordinator(t)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "alpha beta gamma", "proj-a", nil)

	matches, err := coordinator.Search(ctx, NewSearchQuery("alpha beta gamma", search.ModeVector, WithQueryScoreThreshold(1.1)))
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestSearchCoordinator_CursorPagination_SkipsPriorPage(t *testing.T) {
	ctx := context.Background()
	coordinator, records := newTestCoordinator(t)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "first matching note about testing", "proj-a", nil)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "second matching note about testing", "proj-a", nil)
	seedRecord(t, ctx, records, coordinator.tiers, coordinator.embedder, "third matching note about testing", "proj-a", nil)

	firstPage, err := coordinator.Search(ctx, NewSearchQuery("matching note about testing", search.ModeVector, WithQueryTopK(1)))
	require.NoError(t, err)
	require.Len(t, firstPage, 1)

	cursor := NextCursor(firstPage)
	require.NotNil(t, cursor)

	secondPage, err := coordinator.Search(ctx, NewSearchQuery("matching note about testing", search.ModeVector, WithQueryTopK(1), WithQueryCursor(*cursor)))
	require.NoError(t, err)
	require.Len(t, secondPage, 1)
	require.NotEqual(t, firstPage[0].Record.ID(), secondPage[0].Record.ID())
}
