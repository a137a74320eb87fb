package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/domain/repository"
	"github.com/memtier/tvme/domain/search"
)

// LinearThreshold is the record count at or below which the index
// serves searches via exhaustive cosine scan instead of HNSW.
const LinearThreshold = 1000

// VectorIndex is a dual-mode implementation of search.EmbeddingStore: an
// always-maintained linear map of (id, vector) pairs, plus an HNSW
// graph that takes over once the live count exceeds LinearThreshold.
// Both representations are kept in sync so the mode switch is
// reversible without a rebuild.
type VectorIndex struct {
	mu         sync.RWMutex
	dimension  int
	threshold  int
	vectors    map[string]embedding.Vector
	tombstoned map[string]struct{}
	hnsw       *HNSWIndex
	logger     *slog.Logger
}

// NewVectorIndex creates a VectorIndex for vectors of the given
// dimension. Callers are responsible for computing embeddings
// (typically via an Embedder) before calling SaveAll or Upsert.
func NewVectorIndex(dimension int, logger *slog.Logger) *VectorIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorIndex{
		dimension:  dimension,
		threshold:  LinearThreshold,
		vectors:    make(map[string]embedding.Vector),
		tombstoned: make(map[string]struct{}),
		logger:     logger,
	}
}

func (v *VectorIndex) liveCountLocked() int {
	return len(v.vectors)
}

// SaveAll upserts a batch of pre-computed embeddings.
func (v *VectorIndex) SaveAll(ctx context.Context, embeddings []search.Embedding) error {
	for _, emb := range embeddings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.Upsert(emb.RecordID(), emb.Vector()); err != nil {
			return err
		}
	}
	return nil
}

// Upsert inserts or replaces the vector for a record ID directly,
// bypassing the embedder. Used when the caller already has a vector
// (e.g. from the embedding cache, or on reindex).
func (v *VectorIndex) Upsert(recordID string, vector embedding.Vector) error {
	if len(vector) != v.dimension {
		return fmt.Errorf("vector index: %w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(vector))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	vec := make(embedding.Vector, len(vector))
	copy(vec, vector)
	v.vectors[recordID] = vec
	delete(v.tombstoned, recordID)

	if v.hnsw == nil && v.liveCountLocked() > v.threshold {
		v.buildHNSWLocked()
	} else if v.hnsw != nil {
		_ = v.hnsw.Add(recordID, vec)
	}
	return nil
}

func (v *VectorIndex) buildHNSWLocked() {
	v.logger.Info("vector index switching to hnsw", "count", v.liveCountLocked())
	h := NewHNSWIndex(v.dimension, DefaultHNSWConfig())
	for id, vec := range v.vectors {
		_ = h.Add(id, vec)
	}
	v.hnsw = h
}

// Find performs vector similarity search. The query embedding is taken
// from options (search.WithEmbedding); results come from the HNSW
// graph once it is active, otherwise from a full linear scan.
func (v *VectorIndex) Find(ctx context.Context, options ...repository.Option) ([]search.Result, error) {
	q := repository.Build(options...)
	queryVec, ok := search.EmbeddingFrom(q)
	if !ok || len(queryVec) == 0 {
		return []search.Result{}, nil
	}

	limit := q.LimitValue()
	if limit <= 0 {
		limit = 10
	}

	allowed := toSet(search.RecordIDsFrom(q))

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.hnsw != nil && len(allowed) == 0 && v.liveCountLocked() > v.threshold {
		matches, err := v.hnsw.Search(ctx, queryVec, limit, -1)
		if err != nil {
			return nil, err
		}
		return toResultsFromHNSW(matches), nil
	}

	stored := make([]StoredVector, 0, len(v.vectors))
	for id, vec := range v.vectors {
		stored = append(stored, NewStoredVector(id, vec))
	}
	matches := TopKSimilarFiltered(queryVec, stored, limit, allowed)
	return toResults(matches), nil
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func toResults(matches []SimilarityMatch) []search.Result {
	results := make([]search.Result, len(matches))
	for i, m := range matches {
		results[i] = search.NewResult(m.RecordID(), m.Similarity())
	}
	return results
}

func toResultsFromHNSW(matches []HNSWMatch) []search.Result {
	results := make([]search.Result, len(matches))
	for i, m := range matches {
		results[i] = search.NewResult(m.ID, m.Score)
	}
	return results
}

// Exists checks whether a record ID has a live vector.
func (v *VectorIndex) Exists(ctx context.Context, options ...repository.Option) (bool, error) {
	q := repository.Build(options...)
	ids := search.RecordIDsFrom(q)

	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, id := range ids {
		if _, ok := v.vectors[id]; ok {
			return true, nil
		}
	}
	return false, nil
}

// RecordIDs returns the live record IDs matching the given options
// (currently only the record_id IN condition is honored).
func (v *VectorIndex) RecordIDs(ctx context.Context, options ...repository.Option) ([]string, error) {
	q := repository.Build(options...)
	ids := search.RecordIDsFrom(q)

	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(ids) == 0 {
		out := make([]string, 0, len(v.vectors))
		for id := range v.vectors {
			out = append(out, id)
		}
		return out, nil
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := v.vectors[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// DeleteBy tombstones the record IDs named in options. The entry is
// removed from the linear map immediately; the HNSW graph (if active)
// tombstones it and defers topology repair to Rebuild.
func (v *VectorIndex) DeleteBy(ctx context.Context, options ...repository.Option) error {
	q := repository.Build(options...)
	ids := search.RecordIDsFrom(q)
	if len(ids) == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, id := range ids {
		delete(v.vectors, id)
		v.tombstoned[id] = struct{}{}
		if v.hnsw != nil {
			v.hnsw.Remove(id)
		}
	}
	return nil
}

// Rebuild discards tombstones and rebuilds the HNSW graph (if active)
// from the current live vector set.
func (v *VectorIndex) Rebuild() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tombstoned = make(map[string]struct{})
	if v.hnsw != nil {
		v.buildHNSWLocked()
	}
}

// Size returns the number of live vectors.
func (v *VectorIndex) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.liveCountLocked()
}

// Mode reports whether the index is currently serving via "hnsw" or
// "linear".
func (v *VectorIndex) Mode() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.hnsw != nil && v.liveCountLocked() > v.threshold {
		return "hnsw"
	}
	return "linear"
}
