package provider

import (
	"context"
	"fmt"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/domain/search"
	"github.com/memtier/tvme/infrastructure/persistence"
)

// CacheStore is the subset of persistence.CacheStore the embedding
// cache wrapper depends on, declared locally so this package doesn't
// import persistence's full GORM surface into its test doubles.
type CacheStore interface {
	GetBatch(ctx context.Context, modelID string, texts []string) ([]embedding.Vector, error)
	InsertBatch(ctx context.Context, modelID string, texts []string, vectors []embedding.Vector) error
}

var _ CacheStore = (*persistence.CacheStore)(nil)

// CachedEmbedder wraps an Embedder with a content-addressed cache,
// looking up every text by (modelID, text) before falling through to
// the wrapped embedder for cache misses, then writing the misses back.
// modelID is supplied at construction since no Embedder implementation
// exposes one — the cache key must stay stable across a process
// restart without depending on the in-memory provider identity.
type CachedEmbedder struct {
	inner   search.Embedder
	cache   CacheStore
	modelID string
}

// NewCachedEmbedder creates a CachedEmbedder. modelID identifies the
// embedding model/provider generating vectors for inner, so cache
// entries don't collide across model changes.
func NewCachedEmbedder(inner search.Embedder, cache CacheStore, modelID string) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache, modelID: modelID}
}

// Capacity delegates to the wrapped embedder's batch limit; the cache
// itself imposes no batch size limit of its own.
func (c *CachedEmbedder) Capacity() int { return c.inner.Capacity() }

// Embed returns a vector per text, served from cache where possible. A
// mixed batch does at most one cache lookup round-trip and one embed
// call against the uncached subset, then writes the misses back to
// cache before returning.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([]embedding.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	cached, err := c.cache.GetBatch(ctx, c.modelID, texts)
	if err != nil {
		return nil, fmt.Errorf("cached embedder: cache lookup: %w", err)
	}

	out := make([]embedding.Vector, len(texts))
	var missTexts []string
	var missIndex []int
	for i, v := range cached {
		if v != nil {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, texts[i])
		missIndex = append(missIndex, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("cached embedder: expected %d vectors, got %d", len(missTexts), len(fresh))
	}
	for i, v := range fresh {
		out[missIndex[i]] = v
	}

	if err := c.cache.InsertBatch(ctx, c.modelID, missTexts, fresh); err != nil {
		return nil, fmt.Errorf("cached embedder: cache write-back: %w", err)
	}
	return out, nil
}

var _ search.Embedder = (*CachedEmbedder)(nil)
