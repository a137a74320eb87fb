package provider

import (
	"context"
	"sort"
	"strings"

	"github.com/memtier/tvme/domain/search"
)

// LexicalReranker scores candidates by token Jaccard overlap with the
// query plus a small BM25-like length-normalized prior, used when no
// cross-encoder model is loaded or the model fails at inference time.
// It always succeeds and preserves a sensible
// ordering: any overlap beats none.
type LexicalReranker struct{}

// NewLexicalReranker creates a LexicalReranker.
func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{}
}

// Mock reports true: lexical overlap is a fallback signal, not a
// learned cross-encoder score.
func (r *LexicalReranker) Mock() bool { return true }

// Rerank scores each candidate by Jaccard(query tokens, doc tokens)
// plus a length-prior term, then sorts descending. Ties are broken by
// original input order for determinism.
func (r *LexicalReranker) Rerank(ctx context.Context, query string, candidates []search.RerankCandidate, topK int) ([]search.RerankResult, error) {
	queryTokens := tokenSet(query)

	results := make([]search.RerankResult, len(candidates))
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docTokens := tokenSet(c.Text())
		score := jaccard(queryTokens, docTokens) + lengthPrior(docTokens)
		results[i] = search.NewRerankResult(i, c.RecordID(), score)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score() > results[j].Score()
	})

	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// lengthPrior is a small BM25-style bias favoring neither extremely
// short nor extremely long documents, kept well below the Jaccard
// term's scale so overlap always dominates ordering.
func lengthPrior(docTokens map[string]struct{}) float64 {
	n := len(docTokens)
	if n == 0 {
		return 0
	}
	const ideal = 50.0
	ratio := float64(n) / ideal
	if ratio > 1 {
		ratio = 1 / ratio
	}
	return 0.01 * ratio
}

var _ search.Reranker = (*LexicalReranker)(nil)
