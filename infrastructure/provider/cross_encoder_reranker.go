package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/memtier/tvme/domain/search"
)

const crossEncoderMaxLength = 512

// crossEncoderSingleton mirrors ortSingleton in hugot.go: ORT allows a
// single active session per process, so every CrossEncoderReranker in
// the process shares one session and pipeline, whatever its cacheDir.
var crossEncoderSingleton struct {
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	mu       sync.Mutex
	ready    bool
}

// CrossEncoderReranker scores (query, document) pairs with a
// sequence-classification model: the pair is joined into a single
// "[CLS] query [SEP] doc [SEP]"-style input and the model's class
// logit becomes the relevance score. When the
// model is unavailable or inference fails, it falls back to
// LexicalReranker and reports that fallback via Mock().
type CrossEncoderReranker struct {
	cacheDir string
	fallback *LexicalReranker

	mu          sync.Mutex
	usedFallback bool
}

// NewCrossEncoderReranker creates a CrossEncoderReranker backed by a
// model directory under cacheDir, following the same disk/embedded
// resolution HugotEmbedding uses.
func NewCrossEncoderReranker(cacheDir string) *CrossEncoderReranker {
	return &CrossEncoderReranker{
		cacheDir: cacheDir,
		fallback: NewLexicalReranker(),
	}
}

func (r *CrossEncoderReranker) initialize() error {
	crossEncoderSingleton.mu.Lock()
	defer crossEncoderSingleton.mu.Unlock()

	if crossEncoderSingleton.ready {
		return nil
	}

	session, err := newHugotSession()
	if err != nil {
		return fmt.Errorf("create hugot session: %w", err)
	}

	modelPath, err := (&HugotEmbedding{cacheDir: r.cacheDir}).resolveModelPath()
	if err != nil {
		_ = session.Destroy()
		return err
	}

	config := hugot.TextClassificationConfig{
		ModelPath: modelPath,
		Name:      "builtin-reranker",
	}
	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		_ = session.Destroy()
		return fmt.Errorf("create text classification pipeline: %w", err)
	}

	crossEncoderSingleton.session = session
	crossEncoderSingleton.pipeline = pipeline
	crossEncoderSingleton.ready = true
	return nil
}

// Mock reports whether the most recent Rerank call fell back to the
// lexical scorer (no model loaded, or inference failed).
func (r *CrossEncoderReranker) Mock() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usedFallback
}

func (r *CrossEncoderReranker) setUsedFallback(v bool) {
	r.mu.Lock()
	r.usedFallback = v
	r.mu.Unlock()
}

// Rerank scores each candidate by running the cross-encoder over the
// paired (query, doc) input, truncating the document side first when
// the combined sequence would exceed crossEncoderMaxLength. If the
// model cannot be loaded or inference fails, it falls back to
// LexicalReranker's Jaccard scoring so callers always get a usable
// ordering.
func (r *CrossEncoderReranker) Rerank(ctx context.Context, query string, candidates []search.RerankCandidate, topK int) ([]search.RerankResult, error) {
	if len(candidates) == 0 {
		r.setUsedFallback(false)
		return nil, nil
	}

	if err := r.initialize(); err != nil {
		r.setUsedFallback(true)
		return r.fallback.Rerank(ctx, query, candidates, topK)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputs := make([]string, len(candidates))
	for i, c := range candidates {
		inputs[i] = pairSequence(query, c.Text(), crossEncoderMaxLength)
	}

	crossEncoderSingleton.mu.Lock()
	output, err := crossEncoderSingleton.pipeline.RunPipeline(inputs)
	crossEncoderSingleton.mu.Unlock()
	if err != nil {
		r.setUsedFallback(true)
		return r.fallback.Rerank(ctx, query, candidates, topK)
	}

	r.setUsedFallback(false)

	results := make([]search.RerankResult, len(candidates))
	for i, c := range candidates {
		score := classLogit(output.ClassificationOutputs[i])
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

// classLogit extracts the relevance score from a classification
// output row: the score of its highest-scoring class, which for a
// binary relevance cross-encoder is the "relevant" logit.
func classLogit(row []pipelines.ClassificationOutput) float64 {
	best := 0.0
	for i, out := range row {
		if i == 0 || float64(out.Score) > best {
			best = float64(out.Score)
		}
	}
	return best
}

// pairSequence joins query and doc into the cross-encoder's expected
// input, truncating the document side first (it's usually longer and
// less information-dense per token) when the combined length would
// exceed maxLength characters.
func pairSequence(query, doc string, maxLength int) string {
	budget := maxLength - len(query) - len(sepMarker)*2 - len(clsMarker)
	if budget < 0 {
		budget = 0
	}
	if len(doc) > budget {
		doc = doc[:budget]
	}
	return clsMarker + query + sepMarker + doc + sepMarker
}

const (
	clsMarker = "[CLS]"
	sepMarker = "[SEP]"
)

var _ search.Reranker = (*CrossEncoderReranker)(nil)
