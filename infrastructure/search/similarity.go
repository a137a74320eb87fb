package search

import (
	"sort"

	"github.com/memtier/tvme/domain/embedding"
)

// SimilarityMatch holds a record ID and its similarity score.
type SimilarityMatch struct {
	recordID   string
	similarity float64
}

// NewSimilarityMatch creates a new SimilarityMatch.
func NewSimilarityMatch(recordID string, similarity float64) SimilarityMatch {
	return SimilarityMatch{
		recordID:   recordID,
		similarity: similarity,
	}
}

// RecordID returns the record identifier.
func (m SimilarityMatch) RecordID() string { return m.recordID }

// Similarity returns the similarity score.
func (m SimilarityMatch) Similarity() float64 { return m.similarity }

// StoredVector holds an embedding vector with its record ID.
type StoredVector struct {
	recordID string
	vector   embedding.Vector
}

// NewStoredVector creates a new StoredVector.
func NewStoredVector(recordID string, vector embedding.Vector) StoredVector {
	vec := make(embedding.Vector, len(vector))
	copy(vec, vector)
	return StoredVector{
		recordID: recordID,
		vector:   vec,
	}
}

// RecordID returns the record identifier.
func (v StoredVector) RecordID() string { return v.recordID }

// Vector returns the embedding vector (copy).
func (v StoredVector) Vector() embedding.Vector {
	result := make(embedding.Vector, len(v.vector))
	copy(result, v.vector)
	return result
}

// TopKSimilar finds the top-k most similar vectors to the query via
// exhaustive cosine scan. Returns results sorted by similarity
// descending (highest similarity first). This is the linear-mode path
// the vector index uses at or below its linear threshold.
func TopKSimilar(query embedding.Vector, vectors []StoredVector, k int) []SimilarityMatch {
	if len(vectors) == 0 || k <= 0 {
		return []SimilarityMatch{}
	}

	matches := make([]SimilarityMatch, 0, len(vectors))
	for _, v := range vectors {
		similarity := embedding.CosineSimilarity(query, v.vector)
		matches = append(matches, NewSimilarityMatch(v.recordID, similarity))
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].similarity > matches[j].similarity
	})

	if k > len(matches) {
		k = len(matches)
	}
	return matches[:k]
}

// TopKSimilarFiltered finds the top-k most similar vectors, restricting
// the scan to allowedIDs when non-empty.
func TopKSimilarFiltered(query embedding.Vector, vectors []StoredVector, k int, allowedIDs map[string]struct{}) []SimilarityMatch {
	if len(vectors) == 0 || k <= 0 {
		return []SimilarityMatch{}
	}

	if len(allowedIDs) == 0 {
		return TopKSimilar(query, vectors, k)
	}

	matches := make([]SimilarityMatch, 0, len(vectors))
	for _, v := range vectors {
		if _, ok := allowedIDs[v.recordID]; !ok {
			continue
		}
		similarity := embedding.CosineSimilarity(query, v.vector)
		matches = append(matches, NewSimilarityMatch(v.recordID, similarity))
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].similarity > matches[j].similarity
	})

	if k > len(matches) {
		k = len(matches)
	}
	return matches[:k]
}
