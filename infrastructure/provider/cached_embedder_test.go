package provider

import (
	"context"
	"testing"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCacheStore struct {
	entries map[string]embedding.Vector
	gets    int
	inserts int
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{entries: make(map[string]embedding.Vector)}
}

func (f *fakeCacheStore) GetBatch(ctx context.Context, modelID string, texts []string) ([]embedding.Vector, error) {
	f.gets++
	out := make([]embedding.Vector, len(texts))
	for i, t := range texts {
		out[i] = f.entries[modelID+"|"+t]
	}
	return out, nil
}

func (f *fakeCacheStore) InsertBatch(ctx context.Context, modelID string, texts []string, vectors []embedding.Vector) error {
	f.inserts++
	for i, t := range texts {
		f.entries[modelID+"|"+t] = vectors[i]
	}
	return nil
}

func TestCachedEmbedder_MissThenHit(t *testing.T) {
	inner := NewMockEmbedder(8)
	cache := newFakeCacheStore()
	embedder := NewCachedEmbedder(inner, cache, "mock-v1")

	ctx := context.Background()
	first, err := embedder.Embed(ctx, []string{"hello world"})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, cache.inserts)

	second, err := embedder.Embed(ctx, []string{"hello world"})
	require.NoError(t, err)
	assert.Equal(t, first[0], second[0])
	assert.Equal(t, 1, cache.inserts, "second call should be served entirely from cache")
}

func TestCachedEmbedder_MixedBatch(t *testing.T) {
	inner := NewMockEmbedder(8)
	cache := newFakeCacheStore()
	embedder := NewCachedEmbedder(inner, cache, "mock-v1")

	ctx := context.Background()
	_, err := embedder.Embed(ctx, []string{"one"})
	require.NoError(t, err)

	out, err := embedder.Embed(ctx, []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotNil(t, out[0])
	assert.NotNil(t, out[1])
}

func TestCachedEmbedder_Capacity(t *testing.T) {
	inner := NewMockEmbedder(8)
	cache := newFakeCacheStore()
	embedder := NewCachedEmbedder(inner, cache, "mock-v1")
	assert.Equal(t, inner.Capacity(), embedder.Capacity())
}
