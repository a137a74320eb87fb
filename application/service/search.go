// Package service provides application layer services that orchestrate domain operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/memtier/tvme/domain/promotion"
	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/domain/repository"
	"github.com/memtier/tvme/domain/search"
	"github.com/memtier/tvme/internal/config"
)

// ErrEmptyQuery is returned when a search is issued with empty query text.
var ErrEmptyQuery = errors.New("search: query text must not be empty")

// ErrSearchTimeout is returned when a search exceeds its total time budget.
var ErrSearchTimeout = errors.New("search: exceeded total time budget")

// TierIndex pairs one tier's vector and keyword indices, mirroring the
// per-tier physical partitioning used throughout the storage layer.
type TierIndex struct {
	Vector search.EmbeddingStore
	Text   search.BM25Store
}

// Match is one hydrated search result: the record itself, its fused
// relevance score in [0,1], and the signal(s) that produced it.
type Match struct {
	Record      *record.Record
	Relevance   float64
	MatchReason string
}

// Cursor identifies a seek position in a result page by the stable
// (relevance, id) tuple results are ordered on, so pagination can be
// cursor-based rather than offset-based.
type Cursor struct {
	Relevance float64
	ID        string
}

// SearchQuery is a coordinator-level search request. Build one with
// NewSearchQuery and SearchQueryOption functional options.
type SearchQuery struct {
	text           string
	mode           search.Mode
	tiers          []record.Tier
	topK           int
	scoreThreshold float64
	filters        search.Filters
	cursor         *Cursor
}

// SearchQueryOption configures a SearchQuery.
type SearchQueryOption func(*SearchQuery)

// NewSearchQuery creates a SearchQuery for text in the given mode.
func NewSearchQuery(text string, mode search.Mode, opts ...SearchQueryOption) SearchQuery {
	q := SearchQuery{text: text, mode: mode}
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

// WithQueryTiers restricts the search to the given tiers. Omitted, all
// tiers are searched.
func WithQueryTiers(tiers ...record.Tier) SearchQueryOption {
	return func(q *SearchQuery) { q.tiers = tiers }
}

// WithQueryTopK sets the number of results to return (1..1000).
func WithQueryTopK(k int) SearchQueryOption {
	return func(q *SearchQuery) { q.topK = k }
}

// WithQueryScoreThreshold drops results scoring below threshold (0..1).
func WithQueryScoreThreshold(threshold float64) SearchQueryOption {
	return func(q *SearchQuery) { q.scoreThreshold = threshold }
}

// WithQueryFilters narrows the search to records matching filters.
func WithQueryFilters(filters search.Filters) SearchQueryOption {
	return func(q *SearchQuery) { q.filters = filters }
}

// WithQueryCursor resumes a prior paginated search after cursor.
func WithQueryCursor(cursor Cursor) SearchQueryOption {
	return func(q *SearchQuery) { q.cursor = &cursor }
}

// SearchCoordinator is the hybrid vector+text memory search engine:
// it fans a query out to each requested tier's
// vector and BM25 indices concurrently, fuses the two ranked lists,
// optionally reranks the fused top candidates with a cross-encoder,
// and hydrates the winners back into full records.
type SearchCoordinator struct {
	records  record.Store
	embedder search.Embedder
	reranker search.Reranker
	tiers    map[record.Tier]TierIndex
	cfg      config.SearchConfig
	logger   *slog.Logger
	closed   *atomic.Bool
}

// NewSearchCoordinator creates a SearchCoordinator. closed, if non-nil,
// is checked on every call and causes ErrClientClosed once set — it is
// normally shared with the owning engine so a single shutdown closes
// every coordinated component at once.
func NewSearchCoordinator(
	records record.Store,
	embedder search.Embedder,
	reranker search.Reranker,
	tiers map[record.Tier]TierIndex,
	cfg config.SearchConfig,
	closed *atomic.Bool,
	logger *slog.Logger,
) *SearchCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if closed == nil {
		closed = &atomic.Bool{}
	}
	return &SearchCoordinator{
		records:  records,
		embedder: embedder,
		reranker: reranker,
		tiers:    tiers,
		cfg:      cfg,
		logger:   logger,
		closed:   closed,
	}
}

// Search runs q against the coordinated tiers and returns hydrated
// matches ordered by descending relevance, (relevance, id) stable.
func (s *SearchCoordinator) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	if s.closed.Load() {
		return nil, ErrClientClosed
	}
	if q.text == "" {
		return nil, ErrEmptyQuery
	}

	topK := q.topK
	if topK <= 0 {
		topK = s.cfg.DefaultLimit()
	}
	if topK > 1000 {
		topK = 1000
	}

	tiers := q.tiers
	if len(tiers) == 0 {
		tiers = record.AllTiers()
	}

	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.TotalBudget())
	defer cancel()

	allowed, hasFilter, err := s.resolveFilterIDs(budgetCtx, q.filters)
	if err != nil {
		return nil, fmt.Errorf("search: resolve filters: %w", err)
	}

	// Fetch generously more than topK so that fusion, filtering, and
	// (in reranked mode) the cross-encoder pass all have real signal
	// to work with, rather than re-searching if the raw top-topK
	// candidates get trimmed by the score threshold or a rerank pass.
	fanOutK := topK * 3
	if fanOutK < topK {
		fanOutK = topK // overflow guard for very large topK
	}

	vectorList, textList, err := s.fanOut(budgetCtx, q, tiers, fanOutK, allowed)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrSearchTimeout
		}
		return nil, err
	}

	fused := s.fuse(q.mode, vectorList, textList)

	if hasFilter {
		fused = filterFused(fused, allowed)
	}

	matches, err := s.hydrate(budgetCtx, fused, q.mode, q.filters)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrSearchTimeout
		}
		return nil, err
	}

	if q.mode == search.ModeReranked {
		matches, err = s.rerank(budgetCtx, q.text, matches, fanOutK)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrSearchTimeout
			}
			return nil, err
		}
	}

	sortMatches(matches)

	if q.scoreThreshold > 0 {
		matches = aboveThreshold(matches, q.scoreThreshold)
	}
	if q.cursor != nil {
		matches = afterCursor(matches, *q.cursor)
	}
	if len(matches) > topK {
		matches = matches[:topK]
	}

	return matches, nil
}

// fanOut runs the vector and text sub-searches concurrently, each under
// its own SubSearchTimeout. A sub-search that fails
// or times out contributes nothing rather than failing the request —
// only the overall budget context failing is a hard error.
func (s *SearchCoordinator) fanOut(
	ctx context.Context,
	q SearchQuery,
	tiers []record.Tier,
	fanOutK int,
	allowed map[string]struct{},
) ([]search.FusionRequest, []search.FusionRequest, error) {
	var vectorList, textList []search.FusionRequest
	needVector := q.mode != search.ModeText
	needText := q.mode != search.ModeVector

	g, gctx := errgroup.WithContext(ctx)

	if needVector {
		g.Go(func() error {
			list, err := s.searchVector(gctx, q.text, tiers, fanOutK, allowed)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err() // overall budget exhausted, not just the sub-search
				}
				s.logger.Warn("vector sub-search failed", "error", err)
				return nil
			}
			vectorList = list
			return nil
		})
	}
	if needText {
		g.Go(func() error {
			list, err := s.searchText(gctx, q.text, tiers, fanOutK, allowed)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("text sub-search failed", "error", err)
				return nil
			}
			textList = list
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return vectorList, textList, nil
}

func (s *SearchCoordinator) searchVector(
	ctx context.Context,
	text string,
	tiers []record.Tier,
	limit int,
	allowed map[string]struct{},
) ([]search.FusionRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubSearchTimeout())
	defer cancel()

	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	query := vectors[0]

	opts := []repository.Option{
		search.WithEmbedding([]float32(query)),
		repository.WithLimit(limit),
	}
	if len(allowed) > 0 {
		opts = append(opts, search.WithRecordIDs(idsFromSet(allowed)))
	}

	var out []search.FusionRequest
	for _, tier := range tiers {
		idx, ok := s.tiers[tier]
		if !ok || idx.Vector == nil {
			continue
		}
		results, err := idx.Vector.Find(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("vector find in %s: %w", tier, err)
		}
		for _, r := range results {
			out = append(out, search.NewFusionRequest(r.RecordID(), r.Score()))
		}
	}
	return out, nil
}

func (s *SearchCoordinator) searchText(
	ctx context.Context,
	text string,
	tiers []record.Tier,
	limit int,
	allowed map[string]struct{},
) ([]search.FusionRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubSearchTimeout())
	defer cancel()

	request := search.NewRequest(text, search.Filters{}, limit)

	var out []search.FusionRequest
	for _, tier := range tiers {
		idx, ok := s.tiers[tier]
		if !ok || idx.Text == nil {
			continue
		}
		results, err := idx.Text.Search(ctx, request)
		if err != nil {
			return nil, fmt.Errorf("text search in %s: %w", tier, err)
		}
		for _, r := range results {
			if len(allowed) > 0 {
				if _, ok := allowed[r.RecordID()]; !ok {
					continue
				}
			}
			out = append(out, search.NewFusionRequest(r.RecordID(), r.Score()))
		}
	}
	return out, nil
}

// fuse combines the vector and text candidate lists per mode. Vector
// and text modes degenerate WeightedSumFuse to a single-list min-max
// normalization so every mode reports relevance on the same [0,1]
// scale.
func (s *SearchCoordinator) fuse(mode search.Mode, vectorList, textList []search.FusionRequest) []search.FusionResult {
	switch mode {
	case search.ModeVector:
		return search.WeightedSumFuse(1, 0, vectorList, nil)
	case search.ModeText:
		return search.WeightedSumFuse(0, 1, nil, textList)
	default: // hybrid, smart, reranked all start from the hybrid fusion
		return search.WeightedSumFuse(s.cfg.VectorWeight(), s.cfg.TextWeight(), vectorList, textList)
	}
}

// hydrate loads the full record for each fused candidate (via FindByID,
// which records the access — a search result that reaches the user
// is a user-initiated access), tags it with its
// match reason, and applies the smart-mode boost when applicable.
// Records that no longer exist (deleted concurrently) are skipped.
func (s *SearchCoordinator) hydrate(
	ctx context.Context,
	fused []search.FusionResult,
	mode search.Mode,
	filters search.Filters,
) ([]Match, error) {
	now := time.Now()
	matches := make([]Match, 0, len(fused))

	for _, f := range fused {
		id, err := uuid.Parse(f.ID())
		if err != nil {
			continue
		}
		rec, err := s.records.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			continue // deleted since it was indexed
		}

		relevance := f.Score()
		reason := matchReason(f, filters)

		if mode == search.ModeSmart {
			if rec.Expired(now) {
				relevance *= 0.1
			} else {
				boost := smartBoost(rec, s.cfg.SmartBoostCap(), now)
				relevance += boost
				if boost > 0 {
					reason = combineReason(reason, "access-pattern")
				}
			}
			if relevance > 1 {
				relevance = 1
			}
		}

		matches = append(matches, Match{Record: rec, Relevance: relevance, MatchReason: reason})
	}
	return matches, nil
}

// smartBoost returns a bounded recency/access-frequency boost reusing
// the promotion scorer's normalized features (domain/promotion), so
// "frequently and recently accessed records rank higher" uses the same
// decay curves the promotion engine scores candidates with.
func smartBoost(r *record.Record, cap float64, now time.Time) float64 {
	f := promotion.FeaturesFromCandidate(promotion.FromRecord(r), now)
	boost := (f.Frequency + f.Recency) / 2 * cap
	if boost > cap {
		boost = cap
	}
	return boost
}

func matchReason(f search.FusionResult, filters search.Filters) string {
	orig := f.OriginalScores()
	var reasons []string
	if len(orig) > 0 && orig[0] > 0 {
		reasons = append(reasons, "vector")
	}
	if len(orig) > 1 && orig[1] > 0 {
		reasons = append(reasons, "text")
	}
	if filters.Project() != "" {
		reasons = append(reasons, "project")
	}
	if len(filters.Tags()) > 0 {
		reasons = append(reasons, "tags")
	}
	switch len(reasons) {
	case 0:
		return "vector"
	case 1:
		return reasons[0]
	default:
		return "multiple"
	}
}

func combineReason(reason, extra string) string {
	if reason == extra {
		return reason
	}
	return "multiple"
}

// rerank runs the cross-encoder (or lexical fallback) reranker over
// the hydrated candidates and replaces their relevance with the
// reranker's min-max normalized score.
func (s *SearchCoordinator) rerank(ctx context.Context, queryText string, matches []Match, topK int) ([]Match, error) {
	if s.reranker == nil || len(matches) == 0 {
		return matches, nil
	}

	candidates := make([]search.RerankCandidate, len(matches))
	for i, m := range matches {
		candidates[i] = search.NewRerankCandidate(m.Record.ID().String(), m.Record.Text())
	}

	results, err := s.reranker.Rerank(ctx, queryText, candidates, topK)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	asFusion := make([]search.FusionRequest, len(results))
	for i, r := range results {
		asFusion[i] = search.NewFusionRequest(r.RecordID(), r.Score())
	}
	normalized := search.WeightedSumFuse(1, 0, asFusion, nil)

	byID := make(map[string]*record.Record, len(matches))
	reasonByID := make(map[string]string, len(matches))
	for _, m := range matches {
		id := m.Record.ID().String()
		byID[id] = m.Record
		reasonByID[id] = m.MatchReason
	}

	out := make([]Match, 0, len(normalized))
	for _, n := range normalized {
		rec, ok := byID[n.ID()]
		if !ok {
			continue
		}
		out = append(out, Match{Record: rec, Relevance: n.Score(), MatchReason: reasonByID[n.ID()]})
	}
	return out, nil
}

// resolveFilterIDs pre-resolves Filters into an allow-list of record
// IDs, since neither the vector nor the BM25 index applies Filters
// internally (see infrastructure/search doc comments). An empty,
// unset Filters returns hasFilter=false so callers skip filtering
// entirely rather than intersecting against an (incorrectly) empty set.
func (s *SearchCoordinator) resolveFilterIDs(ctx context.Context, f search.Filters) (map[string]struct{}, bool, error) {
	if f.IsEmpty() {
		return nil, false, nil
	}

	var sets []map[string]struct{}

	if p := f.Project(); p != "" {
		recs, err := s.records.FindByProject(ctx, p)
		if err != nil {
			return nil, false, err
		}
		sets = append(sets, idSetOf(recs))
	}
	if sess := f.Session(); sess != "" {
		recs, err := s.records.FindBySession(ctx, sess)
		if err != nil {
			return nil, false, err
		}
		sets = append(sets, idSetOf(recs))
	}
	if k := f.Kind(); k != "" {
		recs, err := s.records.FindByKind(ctx, k)
		if err != nil {
			return nil, false, err
		}
		sets = append(sets, idSetOf(recs))
	}
	for _, tag := range f.Tags() {
		recs, err := s.records.FindByTag(ctx, tag)
		if err != nil {
			return nil, false, err
		}
		sets = append(sets, idSetOf(recs))
	}

	if len(sets) == 0 {
		return nil, false, nil
	}
	return intersectSets(sets), true, nil
}

func idSetOf(records []*record.Record) map[string]struct{} {
	set := make(map[string]struct{}, len(records))
	for _, r := range records {
		set[r.ID().String()] = struct{}{}
	}
	return set
}

func intersectSets(sets []map[string]struct{}) map[string]struct{} {
	out := sets[0]
	for _, s := range sets[1:] {
		next := make(map[string]struct{})
		for id := range out {
			if _, ok := s[id]; ok {
				next[id] = struct{}{}
			}
		}
		out = next
	}
	return out
}

func idsFromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func filterFused(fused []search.FusionResult, allowed map[string]struct{}) []search.FusionResult {
	out := make([]search.FusionResult, 0, len(fused))
	for _, f := range fused {
		if _, ok := allowed[f.ID()]; ok {
			out = append(out, f)
		}
	}
	return out
}

func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Relevance != matches[j].Relevance {
			return matches[i].Relevance > matches[j].Relevance
		}
		return matches[i].Record.ID().String() < matches[j].Record.ID().String()
	})
}

func aboveThreshold(matches []Match, threshold float64) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Relevance >= threshold {
			out = append(out, m)
		}
	}
	return out
}

// afterCursor returns the matches strictly after cursor in (relevance
// desc, id asc) order — the seek-pagination continuation point, so
// pagination never relies on offsets.
func afterCursor(matches []Match, cursor Cursor) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		id := m.Record.ID().String()
		if m.Relevance < cursor.Relevance ||
			(m.Relevance == cursor.Relevance && id > cursor.ID) {
			out = append(out, m)
		}
	}
	return out
}

// NextCursor returns the cursor to resume a page after the last match
// in matches, or nil if matches is empty.
func NextCursor(matches []Match) *Cursor {
	if len(matches) == 0 {
		return nil
	}
	last := matches[len(matches)-1]
	return &Cursor{Relevance: last.Relevance, ID: last.Record.ID().String()}
}
