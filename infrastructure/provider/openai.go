package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/domain/search"
	openai "github.com/sashabaranov/go-openai"
)

const openAIBatchMax = 10

// OpenAIEmbedder implements search.Embedder using OpenAI's embeddings API.
// It is the remote alternative to HugotEmbedding — useful when no local
// ONNX model is available, at the cost of network latency and a per-call
// API bill.
type OpenAIEmbedder struct {
	client        *openai.Client
	model         string
	baseURL       string
	httpClient    *http.Client
	maxRetries    int
	initialDelay  time.Duration
	backoffFactor float64
}

// OpenAIOption configures an OpenAIEmbedder.
type OpenAIOption func(*OpenAIEmbedder)

// WithEmbeddingModel sets the embedding model. Default: text-embedding-3-small.
func WithEmbeddingModel(model string) OpenAIOption {
	return func(p *OpenAIEmbedder) { p.model = model }
}

// WithMaxRetries sets the maximum retry count.
func WithMaxRetries(n int) OpenAIOption {
	return func(p *OpenAIEmbedder) { p.maxRetries = n }
}

// WithInitialDelay sets the initial retry delay.
func WithInitialDelay(d time.Duration) OpenAIOption {
	return func(p *OpenAIEmbedder) { p.initialDelay = d }
}

// WithBackoffFactor sets the backoff multiplier.
func WithBackoffFactor(f float64) OpenAIOption {
	return func(p *OpenAIEmbedder) { p.backoffFactor = f }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint other than
// the default API (local inference servers, proxies).
func WithBaseURL(url string) OpenAIOption {
	return func(p *OpenAIEmbedder) {
		// applied at construction time via config, see NewOpenAIEmbedder
		p.baseURL = url
	}
}

// WithHTTPClient overrides the HTTP client used for API requests, e.g. to
// wrap the transport in a CachingTransport so repeated embed calls for the
// same text during development don't re-hit the API.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIEmbedder) { p.httpClient = client }
}

// NewOpenAIEmbedder creates an OpenAIEmbedder for apiKey.
func NewOpenAIEmbedder(apiKey string, opts ...OpenAIOption) *OpenAIEmbedder {
	p := &OpenAIEmbedder{
		model:         "text-embedding-3-small",
		maxRetries:    5,
		initialDelay:  2 * time.Second,
		backoffFactor: 2.0,
	}

	for _, opt := range opts {
		opt(p)
	}

	config := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		config.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		config.HTTPClient = p.httpClient
	}
	p.client = openai.NewClientWithConfig(config)

	return p
}

// Capacity returns the maximum number of texts per Embed call.
func (p *OpenAIEmbedder) Capacity() int { return openAIBatchMax }

// Close is a no-op for the OpenAI embedder; the HTTP client has no
// persistent resources to release.
func (p *OpenAIEmbedder) Close() error { return nil }

// Embed generates unit-norm embeddings for the given texts, satisfying
// search.Embedder. Batches larger than Capacity() are split into concurrent
// requests of at most openAIBatchMax texts each.
func (p *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([]embedding.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if len(texts) <= openAIBatchMax {
		return p.embedBatch(ctx, texts)
	}

	type batchResult struct {
		vectors []embedding.Vector
		err     error
	}

	batches := partition(texts, openAIBatchMax)
	results := make([]batchResult, len(batches))

	var wg sync.WaitGroup
	for i, batch := range batches {
		wg.Add(1)
		go func(idx int, batch []string) {
			defer wg.Done()
			vectors, err := p.embedBatch(ctx, batch)
			results[idx] = batchResult{vectors: vectors, err: err}
		}(i, batch)
	}
	wg.Wait()

	vectors := make([]embedding.Vector, 0, len(texts))
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		vectors = append(vectors, r.vectors...)
	}
	return vectors, nil
}

// embedBatch sends a single embedding request for the given texts.
func (p *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([]embedding.Vector, error) {
	openaiReq := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: texts,
	}

	var resp openai.EmbeddingResponse
	var err error

	err = p.withRetry(ctx, func() error {
		resp, err = p.client.CreateEmbeddings(ctx, openaiReq)
		return err
	})
	if err != nil {
		return nil, p.wrapError("embedding", err)
	}

	vectors := make([]embedding.Vector, len(resp.Data))
	for i, data := range resp.Data {
		vec := make(embedding.Vector, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = v
		}
		vectors[i] = vec.Normalized()
	}
	return vectors, nil
}

// partition splits a slice into sub-slices of at most batchSize.
func partition(texts []string, batchSize int) [][]string {
	var batches [][]string
	for i := 0; i < len(texts); i += batchSize {
		end := min(i+batchSize, len(texts))
		batches = append(batches, texts[i:end])
	}
	return batches
}

// withRetry executes fn with exponential backoff retry.
func (p *OpenAIEmbedder) withRetry(ctx context.Context, fn func() error) error {
	delay := p.initialDelay
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !p.isRetryable(lastErr) {
			return lastErr
		}

		if attempt < p.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * p.backoffFactor)
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable determines if an error should be retried.
func (p *OpenAIEmbedder) isRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return true
	}

	return false
}

// wrapError wraps an OpenAI error with operation context.
func (p *OpenAIEmbedder) wrapError(operation string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai %s: status %d: %s: %w", operation, apiErr.HTTPStatusCode, apiErr.Message, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("openai %s: status %d: %w", operation, reqErr.HTTPStatusCode, err)
	}

	return fmt.Errorf("openai %s: %w", operation, err)
}

var _ search.Embedder = (*OpenAIEmbedder)(nil)
