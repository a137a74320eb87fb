// Package tvme is the tiered vector memory engine: a local, single-process
// long-term memory store for an AI agent. Free-form text is embedded,
// persisted into one of three retention tiers (Interact, Insights, Assets),
// and retrieved through hybrid vector+keyword search with optional
// cross-encoder reranking. Records are auto-promoted between tiers on a
// timer based on access frequency, recency, and quality signals.
//
// Basic usage:
//
//	engine, err := tvme.New(
//	    tvme.WithDBURL("sqlite:///./data/memory.db"),
//	    tvme.WithHugotEmbedding("./data/models"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Shutdown(context.Background())
//
//	result, err := engine.Insert(ctx, service.InsertRequest{
//	    Text: "tokio provides an async runtime for rust",
//	    Kind: "note",
//	})
//
//	matches, err := engine.Search(ctx, service.NewSearchQuery(
//	    "async rust runtime", search.ModeHybrid,
//	    service.WithQueryTopK(10),
//	))
package tvme

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/memtier/tvme/application/service"
	"github.com/memtier/tvme/domain/event"
	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/domain/search"
	"github.com/memtier/tvme/infrastructure/persistence"
	"github.com/memtier/tvme/infrastructure/provider"
	infrasearch "github.com/memtier/tvme/infrastructure/search"
	"github.com/memtier/tvme/internal/config"
	"github.com/memtier/tvme/internal/database"
	tvmelog "github.com/memtier/tvme/internal/log"
)

// dimensionProbeText is embedded once at startup to learn the active
// embedder's declared output dimension, the way kodit.go probes its
// embedding provider before sizing PostgreSQL vector columns — here it
// sizes every tier's VectorIndex instead.
const dimensionProbeText = "dimension probe"

// Engine is the library's entry point: the orchestrator façade plus the
// resources (database connection, background promotion cycle) it owns
// and must release on Shutdown.
type Engine struct {
	*service.Orchestrator

	db     database.Database
	bus    *event.Bus
	closed *atomic.Bool
	logger *slog.Logger
}

// New wires a complete engine instance: opens (and, unless
// WithSkipAutoMigrate was given, migrates) the database, constructs the
// embedding pipeline (cache-wrapped, device-selecting) and reranker,
// builds one VectorIndex/BM25Index pair per tier, and assembles the
// ingest, search and promotion services behind an Orchestrator. The
// background promotion cycle is started before New returns.
func New(opts ...Option) (*Engine, error) {
	c := newEngineConfig()
	for _, opt := range opts {
		opt(c)
	}

	logger := c.logger
	if logger == nil {
		logger = tvmelog.NewLogger(config.FromEngineConfig(c.cfg)).Slog()
	}

	ctx := context.Background()

	dbURL := c.cfg.DBURL()
	if dbURL == "" {
		dbURL = "sqlite:///" + c.dataDir + "/tvme.db"
	}
	db, err := database.NewDatabase(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("tvme: open database: %w", err)
	}

	if !c.skipAutoMigrate {
		if err := persistence.AutoMigrate(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("tvme: automigrate: %w", err)
		}
	}

	rawEmbedder, err := c.buildEmbedder()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tvme: build embedder: %w", err)
	}

	probe, err := rawEmbedder.Embed(ctx, []string{dimensionProbeText})
	if err != nil || len(probe) == 0 {
		_ = db.Close()
		return nil, fmt.Errorf("tvme: probe embedding dimension: %w", err)
	}
	dimension := probe[0].Dim()

	cacheStore := persistence.NewCacheStore(db, c.cfg.Cache())
	embedder := provider.NewCachedEmbedder(rawEmbedder, cacheStore, c.modelID)

	reranker := c.buildReranker()

	tiers := make(map[record.Tier]service.TierIndex, len(record.AllTiers()))
	for _, tier := range record.AllTiers() {
		tiers[tier] = service.TierIndex{
			Vector: infrasearch.NewVectorIndex(dimension, logger),
			Text:   infrasearch.NewBM25Index(db.GORM(), "bm25_"+tier.TableSuffix(), logger),
		}
	}

	records := persistence.NewRecordStore(db)
	bus := event.NewBus(c.cfg.EventBus().Capacity(), c.cfg.EventBus().PublishWait())
	closed := &atomic.Bool{}

	ingest := service.NewMemoryIngest(records, embedder, tiers, bus, closed, logger)
	searchCoord := service.NewSearchCoordinator(records, embedder, reranker, tiers, c.cfg.Search(), closed, logger)
	promotionCycle := service.NewPromotionCycle(c.cfg.PromotionCycle(), c.cfg.Tier(), c.cfg.Promotion(), records, tiers, bus, logger)

	orchestrator := service.NewOrchestrator(
		ingest, searchCoord, promotionCycle,
		records, tiers, bus,
		c.cfg.Orchestrator(), c.cfg.Breaker(), c.cfg.Retry(),
		closed, logger,
	)

	promotionCycle.Start(ctx)

	return &Engine{
		Orchestrator: orchestrator,
		db:           db,
		bus:          bus,
		closed:       closed,
		logger:       logger,
	}, nil
}

// buildEmbedder constructs the not-yet-cached embedding backend from the
// engine options: a fully custom override if given, otherwise the
// selected built-in kind (hugot, OpenAI, or the deterministic hash
// fallback), wrapped in a DeviceSelector so an optional accelerator path
// participates in C1's circuit-breaking device decision even when the
// caller never installs one.
func (c *engineConfig) buildEmbedder() (search.Embedder, error) {
	if c.embedder != nil {
		return c.embedder, nil
	}

	var cpu search.Embedder
	switch c.embedderKind {
	case embedderHugot:
		hugot := provider.NewHugotEmbedding(c.modelDir)
		if hugot.Available() {
			cpu = hugot
		} else {
			cpu = provider.NewMockEmbedder(c.dimension)
		}
	case embedderOpenAI:
		httpClient, err := c.openAIHTTPClient()
		if err != nil {
			return nil, fmt.Errorf("openai response cache: %w", err)
		}
		opts := c.openAIOpts
		if httpClient != nil {
			opts = append(opts, provider.WithHTTPClient(httpClient))
		}
		cpu = provider.NewOpenAIEmbedder(c.openAIAPIKey, opts...)
	default:
		cpu = provider.NewMockEmbedder(c.dimension)
	}

	return provider.NewDeviceSelector(c.accelerator, cpu, provider.DefaultDeviceSelectorConfig()), nil
}

// buildReranker selects the reranker: a fully custom override, the
// cross-encoder path (degrading to LexicalReranker internally if no
// model is available), or the lexical fallback directly.
func (c *engineConfig) buildReranker() search.Reranker {
	if c.reranker != nil {
		return c.reranker
	}
	if c.useCrossEncoder {
		return provider.NewCrossEncoderReranker(c.rerankerCache)
	}
	return provider.NewLexicalReranker()
}

// Insert embeds and persists a single record.
func (e *Engine) Insert(ctx context.Context, req service.InsertRequest) (service.InsertResult, error) {
	return e.Orchestrator.Insert(ctx, req)
}

// InsertBatch embeds and persists multiple records in one pass.
func (e *Engine) InsertBatch(ctx context.Context, reqs []service.InsertRequest) ([]service.InsertResult, error) {
	return e.Orchestrator.InsertBatch(ctx, reqs)
}

// Search runs a hybrid/vector/text/smart query across the coordinated tiers.
func (e *Engine) Search(ctx context.Context, q service.SearchQuery) ([]service.Match, error) {
	return e.Orchestrator.Search(ctx, q)
}

// Delete removes a record from the store and its tier's indices.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) error {
	return e.Orchestrator.Delete(ctx, id)
}

// RunPromotion runs one promotion cycle on demand, outside its ticker.
func (e *Engine) RunPromotion(ctx context.Context) error {
	return e.Orchestrator.RunPromotion(ctx)
}

// Backup snapshots every tier's records to a single file at path, per
// spec.md §6's persisted-state layout.
func (e *Engine) Backup(ctx context.Context, path string) (service.BackupManifest, error) {
	return e.Orchestrator.Backup(ctx, path)
}

// Restore replays a backup file written by Backup, overwriting any
// record already present under the same ID, and returns the number of
// records restored.
func (e *Engine) Restore(ctx context.Context, path string) (int, error) {
	return e.Orchestrator.Restore(ctx, path)
}

// Health reports aggregated component health.
func (e *Engine) Health(ctx context.Context) service.Health {
	return e.Orchestrator.Health(ctx)
}

// Stats returns a point-in-time snapshot of engine counters.
func (e *Engine) Stats(ctx context.Context) (service.Stats, error) {
	return e.Orchestrator.Stats(ctx)
}

// Subscribe returns a channel of events for topic (memory.upsert,
// memory.search, promotion, circuit_breaker.state, backup, error).
func (e *Engine) Subscribe(topic event.Topic) <-chan event.Event {
	return e.bus.Subscribe(topic)
}

// Shutdown refuses new work, stops the background promotion cycle, waits
// for inflight operations up to the configured grace period, and closes
// the database connection.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.Orchestrator.Shutdown(ctx)
	if closeErr := e.db.Close(); closeErr != nil {
		e.logger.Error("tvme: close database", slog.Any("error", closeErr))
		if err == nil {
			err = closeErr
		}
	}
	return err
}
