package search

import (
	"context"

	"github.com/memtier/tvme/domain/embedding"
)

// Embedder converts text into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]embedding.Vector, error)

	// Capacity returns the maximum number of texts accepted per Embed call.
	Capacity() int
}
