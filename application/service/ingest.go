package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/domain/event"
	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/domain/search"
)

// InsertRequest describes one piece of text to embed and persist. New
// records always land in TierInteract; promotion out of it is handled
// separately by PromotionCycle.
type InsertRequest struct {
	Text    string
	Kind    string
	Project string
	Session string
	Tags    []string
}

// InsertResult identifies the record an Insert/InsertBatch call created.
type InsertResult struct {
	RecordID uuid.UUID
	Tier     record.Tier
}

// MemoryIngest implements the write path: text is truncated and batched
// to the embedder's token/capacity budget, embedded (through a
// caller-supplied Embedder, typically a CachedEmbedder composing the
// embedding runtime with the content-addressed cache), assembled into
// a Record, persisted to the tiered record store, and indexed into
// that tier's vector and keyword indices before a memory.upsert event
// is published. All four steps must succeed for an insert to be
// considered durable; a failure partway through is reported to the
// caller rather than silently rolled back, since the record store and
// the search indices are separate systems with no shared transaction.
type MemoryIngest struct {
	records  record.Store
	embedder search.Embedder
	budget   search.TokenBudget
	tiers    map[record.Tier]TierIndex
	bus      *event.Bus
	logger   *slog.Logger
	closed   *atomic.Bool
}

// NewMemoryIngest creates a MemoryIngest. closed, when non-nil, is
// checked before every operation so the ingest path refuses new work
// once the engine has begun shutting down; callers not wired to an
// engine lifecycle may pass nil. The embed batch size is capped at the
// embedder's own reported Capacity, so InsertBatch never hands it more
// texts per call than it accepts.
func NewMemoryIngest(
	records record.Store,
	embedder search.Embedder,
	tiers map[record.Tier]TierIndex,
	bus *event.Bus,
	closed *atomic.Bool,
	logger *slog.Logger,
) *MemoryIngest {
	if logger == nil {
		logger = slog.Default()
	}
	if closed == nil {
		closed = &atomic.Bool{}
	}
	budget := search.DefaultTokenBudget()
	if batchCap := embedder.Capacity(); batchCap > 0 {
		budget = budget.WithMaxBatchSize(batchCap)
	}
	return &MemoryIngest{
		records:  records,
		embedder: embedder,
		budget:   budget,
		tiers:    tiers,
		bus:      bus,
		closed:   closed,
		logger:   logger,
	}
}

// Insert embeds and persists a single record, returning its assigned ID.
func (m *MemoryIngest) Insert(ctx context.Context, req InsertRequest) (InsertResult, error) {
	results, err := m.InsertBatch(ctx, []InsertRequest{req})
	if err != nil {
		return InsertResult{}, err
	}
	return results[0], nil
}

// InsertBatch embeds and persists multiple records in one pass: one
// embed call per token-budget sub-batch, one atomic store write, and one index
// update per touched tier. Since every new record starts in
// TierInteract, a batch touches at most one tier's indices regardless
// of size.
func (m *MemoryIngest) InsertBatch(ctx context.Context, reqs []InsertRequest) ([]InsertResult, error) {
	if m.closed.Load() {
		return nil, ErrClientClosed
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	documents := make([]search.Document, len(reqs))
	for i, req := range reqs {
		if strings.TrimSpace(req.Text) == "" {
			return nil, fmt.Errorf("insert batch[%d]: %w", i, record.ErrEmptyText)
		}
		documents[i] = search.NewDocument(strconv.Itoa(i), req.Text)
	}

	vectors, err := m.embedBatched(ctx, documents)
	if err != nil {
		return nil, fmt.Errorf("embed insert batch: %w", err)
	}
	if len(vectors) != len(reqs) {
		return nil, fmt.Errorf("insert batch: expected %d vectors, got %d", len(reqs), len(vectors))
	}

	now := time.Now().UTC()
	records := make([]*record.Record, len(reqs))
	for i, req := range reqs {
		rec, err := record.New(req.Text, vectors[i], req.Kind, req.Project, req.Session, req.Tags, now)
		if err != nil {
			return nil, fmt.Errorf("insert batch[%d]: %w", i, err)
		}
		records[i] = rec
	}

	if err := m.records.StoreBatch(ctx, records); err != nil {
		return nil, fmt.Errorf("store insert batch: %w", err)
	}

	if err := m.indexBatch(ctx, record.TierInteract, records); err != nil {
		return nil, fmt.Errorf("index insert batch: %w", err)
	}

	results := make([]InsertResult, len(records))
	for i, rec := range records {
		results[i] = InsertResult{RecordID: rec.ID(), Tier: rec.Tier()}
		m.publishUpsert(now, rec)
	}
	return results, nil
}

// embedBatched truncates each document to the ingest budget's character
// limit and splits the set into sub-batches that stay within both the
// budget's character total and the embedder's reported Capacity, with
// one embed call per sub-batch. Vectors are returned in the same order
// as documents.
func (m *MemoryIngest) embedBatched(ctx context.Context, documents []search.Document) ([]embedding.Vector, error) {
	vectors := make([]embedding.Vector, len(documents))
	offset := 0

	for _, batch := range m.budget.Batches(documents) {
		texts := make([]string, len(batch))
		for i, doc := range batch {
			texts[i] = m.budget.Truncate(doc.Text())
		}

		batchVectors, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", offset, offset+len(batch), err)
		}
		if len(batchVectors) != len(batch) {
			return nil, fmt.Errorf("embed batch [%d:%d]: expected %d vectors, got %d", offset, offset+len(batch), len(batch), len(batchVectors))
		}

		copy(vectors[offset:offset+len(batch)], batchVectors)
		offset += len(batch)
	}

	return vectors, nil
}

// indexBatch writes the given records, all belonging to tier, into
// tier's vector and keyword indices.
func (m *MemoryIngest) indexBatch(ctx context.Context, tier record.Tier, records []*record.Record) error {
	idx, ok := m.tiers[tier]
	if !ok {
		return fmt.Errorf("index insert batch: no indices configured for tier %s", tier)
	}

	embeddings := make([]search.Embedding, len(records))
	documents := make([]search.Document, len(records))
	for i, rec := range records {
		embeddings[i] = search.NewEmbedding(rec.ID().String(), rec.Vector())
		documents[i] = search.NewDocument(rec.ID().String(), rec.Text())
	}

	if idx.Vector != nil {
		if err := idx.Vector.SaveAll(ctx, embeddings); err != nil {
			return fmt.Errorf("vector index: %w", err)
		}
	}
	if idx.Text != nil {
		if err := idx.Text.Index(ctx, search.NewIndexRequest(documents)); err != nil {
			return fmt.Errorf("bm25 index: %w", err)
		}
	}
	return nil
}

func (m *MemoryIngest) publishUpsert(now time.Time, rec *record.Record) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event.New(event.TopicMemoryUpsert, now.UnixMilli(), map[string]any{
		"record_id": rec.ID().String(),
		"tier":      rec.Tier().String(),
		"kind":      rec.Kind(),
		"project":   rec.Project(),
		"session":   rec.Session(),
	}))
}

// Delete removes a record from the store and from whichever tier's
// vector and keyword indices it was indexed under.
func (m *MemoryIngest) Delete(ctx context.Context, id uuid.UUID) error {
	if m.closed.Load() {
		return ErrClientClosed
	}

	rec, err := m.records.PeekByID(ctx, id)
	if err != nil {
		return fmt.Errorf("delete: lookup record: %w", err)
	}

	if err := m.records.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	idx, ok := m.tiers[rec.Tier()]
	if !ok {
		return nil
	}
	deleteReq := search.NewDeleteRequest([]string{id.String()})
	if idx.Vector != nil {
		if err := idx.Vector.DeleteBy(ctx, search.WithRecordIDs([]string{id.String()})); err != nil {
			return fmt.Errorf("delete: vector index: %w", err)
		}
	}
	if idx.Text != nil {
		if err := idx.Text.Delete(ctx, deleteReq); err != nil {
			return fmt.Errorf("delete: bm25 index: %w", err)
		}
	}
	return nil
}
