package search

import "context"

// RerankCandidate is one document submitted for reranking: a record
// ID paired with the text the cross-encoder (or lexical fallback)
// should score against the query.
type RerankCandidate struct {
	recordID string
	text     string
}

// NewRerankCandidate creates a RerankCandidate.
func NewRerankCandidate(recordID, text string) RerankCandidate {
	return RerankCandidate{recordID: recordID, text: text}
}

// RecordID returns the candidate's record ID.
func (c RerankCandidate) RecordID() string { return c.recordID }

// Text returns the candidate's text.
func (c RerankCandidate) Text() string { return c.text }

// RerankResult is one reranked candidate: its original position in
// the input slice, the relevance score assigned to it, and its
// record ID.
type RerankResult struct {
	index    int
	recordID string
	score    float64
}

// NewRerankResult creates a RerankResult.
func NewRerankResult(index int, recordID string, score float64) RerankResult {
	return RerankResult{index: index, recordID: recordID, score: score}
}

// Index returns the candidate's position in the original input slice.
func (r RerankResult) Index() int { return r.index }

// RecordID returns the candidate's record ID.
func (r RerankResult) RecordID() string { return r.recordID }

// Score returns the relevance score assigned by the reranker.
func (r RerankResult) Score() float64 { return r.score }

// Reranker reorders candidate documents by relevance to a query.
// Implementations MUST return a result for every candidate (no
// silent drops) and MUST be deterministic for identical input.
type Reranker interface {
	// Rerank scores every candidate against query and returns results
	// sorted by descending score. topK caps the number of results
	// returned; topK <= 0 means return all candidates.
	Rerank(ctx context.Context, query string, candidates []RerankCandidate, topK int) ([]RerankResult, error)

	// Mock reports whether this reranker is the deterministic lexical
	// fallback rather than a learned cross-encoder model.
	Mock() bool
}
