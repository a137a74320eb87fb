package search

import (
	"context"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/domain/repository"
)

// Embedding pairs a record ID with a pre-computed embedding vector, for
// persistence by an EmbeddingStore.
type Embedding struct {
	recordID string
	vector   embedding.Vector
}

// NewEmbedding creates an Embedding.
func NewEmbedding(recordID string, vector embedding.Vector) Embedding {
	vec := make(embedding.Vector, len(vector))
	copy(vec, vector)
	return Embedding{recordID: recordID, vector: vec}
}

// RecordID returns the record identifier.
func (e Embedding) RecordID() string { return e.recordID }

// Vector returns the embedding vector.
func (e Embedding) Vector() embedding.Vector {
	vec := make(embedding.Vector, len(e.vector))
	copy(vec, e.vector)
	return vec
}

// EmbeddingStore defines persistence operations for pre-computed vector
// embeddings.
type EmbeddingStore interface {
	// SaveAll persists pre-computed embeddings.
	SaveAll(ctx context.Context, embeddings []Embedding) error

	// Find performs vector similarity search using options.
	// Embedding must be passed via WithEmbedding.
	Find(ctx context.Context, options ...repository.Option) ([]Result, error)

	// Exists checks whether any row matches the given options.
	Exists(ctx context.Context, options ...repository.Option) (bool, error)

	// RecordIDs returns record IDs matching the given options.
	RecordIDs(ctx context.Context, options ...repository.Option) ([]string, error)

	// DeleteBy removes documents matching the given options.
	DeleteBy(ctx context.Context, options ...repository.Option) error
}
