package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/domain/search"
)

// ErrEmptyText is returned when Embed receives an empty string
// (empty strings fail validation rather than being embedded).
var ErrEmptyText = errors.New("mock embedder: text must not be empty")

const mockEmbedderBatchMax = 64

// MockEmbedder is the deterministic hash-based fallback embedder used
// when no model artifact is available: lowercase-tokenize → fold bytes
// into a fixed-dim accumulator → normalize. It fails only on an empty
// text (ErrEmptyText) and never touches disk or the network, so it also doubles as the
// embedder used by tests that don't want a real model dependency.
type MockEmbedder struct {
	dimension int
}

// NewMockEmbedder creates a MockEmbedder producing vectors of the
// given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &MockEmbedder{dimension: dimension}
}

// Capacity returns the maximum number of texts accepted per Embed call.
func (m *MockEmbedder) Capacity() int { return mockEmbedderBatchMax }

// Mock reports that this embedder produces deterministic hash vectors
// rather than a learned representation, the capability flag callers
// use to detect degraded-quality embeddings.
func (m *MockEmbedder) Mock() bool { return true }

// Embed hashes each text into a unit-norm vector of the configured
// dimension. The mapping is purely a function of the text: identical
// input always produces the identical vector.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([]embedding.Vector, error) {
	vectors := make([]embedding.Vector, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if text == "" {
			return nil, ErrEmptyText
		}
		vectors[i] = hashEmbed(text, m.dimension)
	}
	return vectors, nil
}

// hashEmbed lowercases and tokenizes text on whitespace, folds each
// token's bytes into a fixed-dimension accumulator via FNV-1a-style
// mixing, then L2-normalizes. The result is deterministic and stable
// across runs and platforms.
func hashEmbed(text string, dimension int) embedding.Vector {
	acc := make([]float64, dimension)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{strings.ToLower(text)}
	}

	for _, tok := range tokens {
		var h uint64 = 14695981039346656037 // FNV-1a offset basis
		for i := 0; i < len(tok); i++ {
			h ^= uint64(tok[i])
			h *= 1099511628211 // FNV-1a prime
			slot := int(h % uint64(dimension))
			sign := 1.0
			if h&1 == 1 {
				sign = -1.0
			}
			acc[slot] += sign * float64((h>>1)&0xFF) / 255.0
		}
	}

	vec := make(embedding.Vector, dimension)
	for i, v := range acc {
		vec[i] = float32(v)
	}
	return vec.Normalized()
}

var _ search.Embedder = (*MockEmbedder)(nil)
