package tvme

import (
	"log/slog"
	"net/http"

	"github.com/memtier/tvme/domain/search"
	"github.com/memtier/tvme/infrastructure/provider"
	"github.com/memtier/tvme/internal/config"
)

// embedderKind selects which built-in embedding backend New wires up when
// the caller doesn't supply a fully custom search.Embedder.
type embedderKind int

const (
	embedderUnset embedderKind = iota
	embedderHugot
	embedderOpenAI
	embedderMock
)

// engineConfig holds everything Option mutates before New builds the
// object graph: tunable values (delegated to internal/config.EngineConfig)
// plus the runtime provider objects config values alone can't express.
type engineConfig struct {
	cfg config.EngineConfig

	embedderKind embedderKind
	embedder     search.Embedder // fully custom override, bypasses kind/device-selector wiring
	accelerator  search.Embedder // optional accelerator path paired with the CPU backend below

	modelDir  string
	modelID   string
	dimension int

	openAIAPIKey  string
	openAIOpts    []provider.OpenAIOption
	openAICaching bool

	reranker        search.Reranker
	rerankerCache   string
	useCrossEncoder bool

	dataDir string
	logger  *slog.Logger

	skipAutoMigrate bool
}

func newEngineConfig() *engineConfig {
	return &engineConfig{
		cfg:       config.NewEngineConfig(),
		dataDir:   ".tvme",
		modelID:   "hash-fallback-v1",
		dimension: config.DefaultEmbeddingDimension,
	}
}

// Option configures the Engine before construction.
type Option func(*engineConfig)

// WithEngineConfig overrides every subsystem tuning value in one call
// (tier TTLs, promotion weights, breaker thresholds, and so on; the
// vector index parameters are logged but not applied to the indices).
// Options applied after this one still win.
func WithEngineConfig(cfg config.EngineConfig) Option {
	return func(c *engineConfig) { c.cfg = cfg }
}

// WithDBURL sets the storage connection URL ("sqlite:///path.db",
// "sqlite:///:memory:", or "postgresql://..."). Defaults to an
// in-memory SQLite database.
func WithDBURL(url string) Option {
	return func(c *engineConfig) { c.cfg = c.cfg.Apply(config.WithDBURL(url)) }
}

// WithDataDir sets the directory that holds the OpenAI response cache
// file (http_cache.db) and, when the configured DBURL is empty, the
// engine's SQLite file (tvme.db). Defaults to ".tvme".
func WithDataDir(dir string) Option {
	return func(c *engineConfig) { c.dataDir = dir }
}

// WithHugotEmbedding selects the local ONNX/hugot embedding runtime
// (C1's CPU path) as the engine's embedder, looking for model files
// under modelDir. Falls back to the deterministic hash embedder at
// construction time if no model artifacts are found there — never a
// construction error, per spec.md §7's ModelLoad degraded-mode policy.
func WithHugotEmbedding(modelDir string) Option {
	return func(c *engineConfig) {
		c.embedderKind = embedderHugot
		c.modelDir = modelDir
		c.modelID = "hugot-st-codesearch-distilroberta"
	}
}

// WithAccelerator pairs an accelerator-backed embedder (e.g. a GPU ONNX
// session) with the engine's CPU backend behind a DeviceSelector, so
// accelerator failures trip the embedding circuit and fall back to CPU
// per spec.md §4.1.
func WithAccelerator(e search.Embedder) Option {
	return func(c *engineConfig) { c.accelerator = e }
}

// WithOpenAIEmbedding selects OpenAI's embeddings API as the engine's
// embedder.
func WithOpenAIEmbedding(apiKey string, opts ...provider.OpenAIOption) Option {
	return func(c *engineConfig) {
		c.embedderKind = embedderOpenAI
		c.openAIAPIKey = apiKey
		c.openAIOpts = opts
		c.modelID = "openai-text-embedding-3-small"
	}
}

// WithOpenAIResponseCaching wraps the OpenAI embedder's HTTP transport in
// a CachingTransport backed by a SQLite database under the data
// directory, so repeated embed calls for identical request bodies
// during development don't re-hit the API.
func WithOpenAIResponseCaching() Option {
	return func(c *engineConfig) { c.openAICaching = true }
}

// WithEmbedder installs a fully custom search.Embedder, bypassing the
// built-in hugot/OpenAI/mock wiring and the DeviceSelector. The engine
// still wraps it in the content-addressed embedding cache under modelID.
func WithEmbedder(e search.Embedder, modelID string) Option {
	return func(c *engineConfig) {
		c.embedder = e
		c.modelID = modelID
	}
}

// WithEmbeddingDimension overrides the dimension used by the hash
// fallback embedder and the vector index. Ignored once a real model is
// loaded successfully, since the model's own output dimension governs.
func WithEmbeddingDimension(d int) Option {
	return func(c *engineConfig) {
		if d > 0 {
			c.dimension = d
		}
	}
}

// WithCrossEncoderReranker selects the cross-encoder reranker (C6's
// primary path), looking for model files under cacheDir and falling
// back to LexicalReranker at call time if none are found or inference
// fails.
func WithCrossEncoderReranker(cacheDir string) Option {
	return func(c *engineConfig) {
		c.useCrossEncoder = true
		c.rerankerCache = cacheDir
	}
}

// WithReranker installs a fully custom search.Reranker.
func WithReranker(r search.Reranker) Option {
	return func(c *engineConfig) { c.reranker = r }
}

// WithLogger sets the structured logger every component shares.
// Defaults to a logger built from internal/log at EngineConfig's
// configured level/format.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithSkipAutoMigrate skips schema auto-migration on New, for callers
// that manage migrations out of band (e.g. a prior New call already
// migrated the same database file).
func WithSkipAutoMigrate() Option {
	return func(c *engineConfig) { c.skipAutoMigrate = true }
}

// openAIHTTPClient builds the *http.Client OpenAI embedding requests use,
// wrapping it in a CachingTransport when response caching was requested.
func (c *engineConfig) openAIHTTPClient() (*http.Client, error) {
	if !c.openAICaching {
		return nil, nil
	}
	transport, err := provider.NewCachingTransport(c.dataDir, nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}
