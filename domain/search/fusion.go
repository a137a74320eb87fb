package search

import "sort"

// Fusion combines results from multiple search methods using
// Reciprocal Rank Fusion (RRF) algorithm.
type Fusion struct {
	k float64 // RRF constant (typically 60)
}

// NewFusion creates a Fusion with the default RRF constant.
func NewFusion() Fusion {
	return Fusion{k: 60.0}
}

// NewFusionWithK creates a Fusion with a custom RRF constant.
func NewFusionWithK(k float64) Fusion {
	if k <= 0 {
		k = 60.0
	}
	return Fusion{k: k}
}

// Fuse combines multiple ranked result lists using Reciprocal Rank Fusion.
// Each input list should be sorted by score (descending).
// Returns a fused list sorted by combined RRF score.
func (f Fusion) Fuse(lists ...[]FusionRequest) []FusionResult {
	if len(lists) == 0 {
		return []FusionResult{}
	}

	// Track accumulated RRF scores and original scores per document
	scores := make(map[string]float64)
	originals := make(map[string][]float64)

	// Process each ranked list
	for listIdx, list := range lists {
		for rank, req := range list {
			id := req.ID()

			// RRF formula: 1 / (k + rank)
			rrfScore := 1.0 / (f.k + float64(rank))
			scores[id] += rrfScore

			// Track original scores for this document
			if _, exists := originals[id]; !exists {
				originals[id] = make([]float64, len(lists))
			}
			originals[id][listIdx] = req.Score()
		}
	}

	// Convert to result slice
	results := make([]FusionResult, 0, len(scores))
	for id, score := range scores {
		results = append(results, NewFusionResult(id, score, originals[id]))
	}

	// Sort by fused score descending
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score() > results[j].Score()
	})

	return results
}

// FuseTopK combines multiple ranked result lists and returns the top K results.
func (f Fusion) FuseTopK(topK int, lists ...[]FusionRequest) []FusionResult {
	results := f.Fuse(lists...)

	if topK <= 0 || topK >= len(results) {
		return results
	}

	return results[:topK]
}

// K returns the RRF constant used by this service.
func (f Fusion) K() float64 {
	return f.k
}

// WeightedSumFuse combines a vector result list and a text (BM25) result
// list into one ranking: each list's scores are min-max normalized to
// [0,1] independently (vector cosine scores and BM25 scores live on
// unrelated scales), then combined as
// vectorWeight*vectorScore + textWeight*textScore. A document present in
// only one list is scored using 0 for the missing list's contribution.
// Matches the coordinator's hybrid mode default weights (0.7 vector / 0.3 text).
func WeightedSumFuse(vectorWeight, textWeight float64, vectorResults, textResults []FusionRequest) []FusionResult {
	vectorNorm := normalizeScores(vectorResults)
	textNorm := normalizeScores(textResults)

	ids := make(map[string]struct{}, len(vectorNorm)+len(textNorm))
	for id := range vectorNorm {
		ids[id] = struct{}{}
	}
	for id := range textNorm {
		ids[id] = struct{}{}
	}

	results := make([]FusionResult, 0, len(ids))
	for id := range ids {
		v := vectorNorm[id]
		t := textNorm[id]
		fused := vectorWeight*v + textWeight*t
		results = append(results, NewFusionResult(id, fused, []float64{v, t}))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score() != results[j].Score() {
			return results[i].Score() > results[j].Score()
		}
		return results[i].ID() < results[j].ID()
	})
	return results
}

// normalizeScores min-max normalizes a FusionRequest list's scores to
// [0,1]. A list with zero range (all equal scores, including the
// single-element and empty cases) maps every score to 1 so the
// contribution is neutral rather than collapsing to 0.
func normalizeScores(reqs []FusionRequest) map[string]float64 {
	out := make(map[string]float64, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	min, max := reqs[0].Score(), reqs[0].Score()
	for _, r := range reqs[1:] {
		if r.Score() < min {
			min = r.Score()
		}
		if r.Score() > max {
			max = r.Score()
		}
	}

	span := max - min
	for _, r := range reqs {
		if span == 0 {
			out[r.ID()] = 1
			continue
		}
		out[r.ID()] = (r.Score() - min) / span
	}
	return out
}
