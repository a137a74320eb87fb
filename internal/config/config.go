// Package config provides engine tuning defaults. It holds constant
// defaults and small value types (intervals, thresholds, weights) that
// callers override with functional options; there is no file or
// environment loader — configuration loading is out of scope for this
// engine.
package config

import (
	"log/slog"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultLogLevel = "INFO"

	// Embedding dimension used by the mock/hash embedder and by the
	// vector index when no real model has reported its own dimension.
	DefaultEmbeddingDimension = 1024

	// Tier TTLs.
	DefaultInteractTTL = 24 * time.Hour
	DefaultInsightsTTL = 90 * 24 * time.Hour

	// Vector index tuning.
	DefaultLinearThreshold  = 1000
	DefaultHNSWM            = 24
	DefaultHNSWEfConstruct  = 200
	DefaultHNSWEfSearch     = 50

	// BM25 tuning.
	DefaultBM25K1 = 1.2
	DefaultBM25B  = 0.75

	// Embedding cache tuning.
	DefaultCacheEvictionBatchSize = 100
	DefaultCacheTTL               = 30 * 24 * time.Hour

	// Promotion scoring.
	DefaultPromotionWeightFrequency = 0.3
	DefaultPromotionWeightRecency   = 0.3
	DefaultPromotionWeightQuality   = 0.2
	DefaultPromotionWeightSemantic  = 0.2
	DefaultInteractPromoteThreshold = 0.7
	DefaultInsightsPromoteThreshold = 0.8
	DefaultPromotionCycleInterval   = 15 * time.Minute
	DefaultPromotionCycleBudget     = 60 * time.Second

	// Search coordinator timeouts.
	DefaultSubSearchTimeout = 2 * time.Second
	DefaultSearchBudget     = 5 * time.Second
	DefaultSearchLimit      = 10
	DefaultVectorWeight     = 0.7
	DefaultTextWeight       = 0.3
	DefaultSmartBoostCap    = 0.2

	// Embedding runtime timeouts.
	DefaultEmbedTimeout = 30 * time.Second

	// Orchestrator concurrency and shutdown.
	DefaultConcurrencyCap  = 100
	DefaultShutdownGrace   = 10 * time.Second

	// Retry policy (idempotent reads only).
	DefaultRetryBaseDelay = 100 * time.Millisecond
	DefaultRetryCapDelay  = 30 * time.Second
	DefaultRetryMaxCount  = 3

	// Circuit breaker defaults (internal/breaker).
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerWindow           = 60 * time.Second
	DefaultBreakerOpenDuration     = 30 * time.Second
	DefaultBreakerSuccessThreshold = 2

	// Event bus backpressure (domain/event).
	DefaultEventBusCapacity = 256
	DefaultEventPublishWait = 250 * time.Millisecond
)

// LogFormat represents the log output format.
type LogFormat string

// LogFormat values.
const (
	LogFormatPretty LogFormat = "pretty"
	LogFormatJSON   LogFormat = "json"
)

// TierConfig configures tier TTLs and promotion thresholds.
type TierConfig struct {
	interactTTL              time.Duration
	insightsTTL               time.Duration
	interactPromoteThreshold float64
	insightsPromoteThreshold float64
}

// NewTierConfig creates a TierConfig with documented defaults.
func NewTierConfig() TierConfig {
	return TierConfig{
		interactTTL:              DefaultInteractTTL,
		insightsTTL:              DefaultInsightsTTL,
		interactPromoteThreshold: DefaultInteractPromoteThreshold,
		insightsPromoteThreshold: DefaultInsightsPromoteThreshold,
	}
}

// InteractTTL returns the Interact tier TTL.
func (t TierConfig) InteractTTL() time.Duration { return t.interactTTL }

// InsightsTTL returns the Insights tier TTL.
func (t TierConfig) InsightsTTL() time.Duration { return t.insightsTTL }

// InteractPromoteThreshold returns the score threshold for Interact→Insights promotion.
func (t TierConfig) InteractPromoteThreshold() float64 { return t.interactPromoteThreshold }

// InsightsPromoteThreshold returns the score threshold for Insights→Assets promotion.
func (t TierConfig) InsightsPromoteThreshold() float64 { return t.insightsPromoteThreshold }

// PromotionWeights holds the weighting of each promotion scoring feature.
// The weighted sum is bounded to [0,1] since every feature is itself
// normalized to [0,1] before weighting.
type PromotionWeights struct {
	Frequency float64
	Recency   float64
	Quality   float64
	Semantic  float64
}

// NewPromotionWeights creates PromotionWeights with documented defaults
// (0.3/0.3/0.2/0.2).
func NewPromotionWeights() PromotionWeights {
	return PromotionWeights{
		Frequency: DefaultPromotionWeightFrequency,
		Recency:   DefaultPromotionWeightRecency,
		Quality:   DefaultPromotionWeightQuality,
		Semantic:  DefaultPromotionWeightSemantic,
	}
}

// PromotionCycleConfig configures the promotion engine's background cycle:
// how often it scans each tier and the wall-clock budget for one
// full cycle before it's abandoned and retried next tick.
type PromotionCycleConfig struct {
	interval time.Duration
	budget   time.Duration
}

// NewPromotionCycleConfig creates a PromotionCycleConfig with the documented
// defaults (15m interval, 60s budget).
func NewPromotionCycleConfig() PromotionCycleConfig {
	return PromotionCycleConfig{
		interval: DefaultPromotionCycleInterval,
		budget:   DefaultPromotionCycleBudget,
	}
}

// Interval returns the period between promotion cycle runs.
func (p PromotionCycleConfig) Interval() time.Duration { return p.interval }

// Budget returns the wall-clock budget for one promotion cycle.
func (p PromotionCycleConfig) Budget() time.Duration { return p.budget }

// VectorIndexConfig configures the HNSW/linear vector index.
type VectorIndexConfig struct {
	linearThreshold int
	m               int
	efConstruction  int
	efSearch        int
}

// NewVectorIndexConfig creates a VectorIndexConfig with documented defaults.
// The engine reports these values in its config log but does not pass
// them to its vector indices, which use the defaults of
// infrastructure/search.
func NewVectorIndexConfig() VectorIndexConfig {
	return VectorIndexConfig{
		linearThreshold: DefaultLinearThreshold,
		m:               DefaultHNSWM,
		efConstruction:  DefaultHNSWEfConstruct,
		efSearch:        DefaultHNSWEfSearch,
	}
}

// LinearThreshold returns the record count at or below which linear scan is used
// instead of HNSW.
func (v VectorIndexConfig) LinearThreshold() int { return v.linearThreshold }

// M returns the HNSW graph degree parameter.
func (v VectorIndexConfig) M() int { return v.m }

// EfConstruction returns the HNSW build-time search width.
func (v VectorIndexConfig) EfConstruction() int { return v.efConstruction }

// EfSearch returns the HNSW query-time search width.
func (v VectorIndexConfig) EfSearch() int { return v.efSearch }

// WithLinearThreshold overrides the linear/HNSW switchover point.
func (v VectorIndexConfig) WithLinearThreshold(n int) VectorIndexConfig {
	v.linearThreshold = n
	return v
}

// WithEfSearch overrides the query-time search width.
func (v VectorIndexConfig) WithEfSearch(ef int) VectorIndexConfig {
	v.efSearch = ef
	return v
}

// CacheConfig configures the embedding cache.
type CacheConfig struct {
	evictionBatchSize int
	ttl               time.Duration
	maxBytes          int64
}

// NewCacheConfig creates a CacheConfig with documented defaults.
func NewCacheConfig() CacheConfig {
	return CacheConfig{
		evictionBatchSize: DefaultCacheEvictionBatchSize,
		ttl:               DefaultCacheTTL,
		maxBytes:          0, // 0 means unbounded by size; only lazy TTL expiry on read removes entries
	}
}

// EvictionBatchSize returns how many entries are evicted per LRU sweep.
func (c CacheConfig) EvictionBatchSize() int { return c.evictionBatchSize }

// TTL returns the cache entry time-to-live.
func (c CacheConfig) TTL() time.Duration { return c.ttl }

// MaxBytes returns the cache byte budget, or 0 if unbounded.
func (c CacheConfig) MaxBytes() int64 { return c.maxBytes }

// WithMaxBytes sets a byte cap that triggers LRU eviction on insert.
func (c CacheConfig) WithMaxBytes(n int64) CacheConfig {
	c.maxBytes = n
	return c
}

// SearchConfig configures the hybrid search coordinator.
type SearchConfig struct {
	subSearchTimeout time.Duration
	totalBudget      time.Duration
	defaultLimit     int
	vectorWeight     float64
	textWeight       float64
	smartBoostCap    float64
}

// NewSearchConfig creates a SearchConfig with documented defaults.
func NewSearchConfig() SearchConfig {
	return SearchConfig{
		subSearchTimeout: DefaultSubSearchTimeout,
		totalBudget:      DefaultSearchBudget,
		defaultLimit:     DefaultSearchLimit,
		vectorWeight:     DefaultVectorWeight,
		textWeight:       DefaultTextWeight,
		smartBoostCap:    DefaultSmartBoostCap,
	}
}

// SubSearchTimeout returns the per-sub-search (vector or text) timeout.
func (s SearchConfig) SubSearchTimeout() time.Duration { return s.subSearchTimeout }

// TotalBudget returns the overall search request budget.
func (s SearchConfig) TotalBudget() time.Duration { return s.totalBudget }

// DefaultLimit returns the default result count when a query omits one.
func (s SearchConfig) DefaultLimit() int { return s.defaultLimit }

// VectorWeight returns the weighted-sum fusion weight for vector results.
func (s SearchConfig) VectorWeight() float64 { return s.vectorWeight }

// TextWeight returns the weighted-sum fusion weight for BM25 results.
func (s SearchConfig) TextWeight() float64 { return s.textWeight }

// SmartBoostCap returns the maximum recency/access boost added in smart mode.
func (s SearchConfig) SmartBoostCap() float64 { return s.smartBoostCap }

// RetryPolicy configures exponential-backoff retry for idempotent reads.
type RetryPolicy struct {
	baseDelay time.Duration
	capDelay  time.Duration
	maxCount  int
}

// NewRetryPolicy creates a RetryPolicy with documented defaults (100ms base, 30s
// cap, 3 retries).
func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{
		baseDelay: DefaultRetryBaseDelay,
		capDelay:  DefaultRetryCapDelay,
		maxCount:  DefaultRetryMaxCount,
	}
}

// BaseDelay returns the initial retry delay.
func (r RetryPolicy) BaseDelay() time.Duration { return r.baseDelay }

// CapDelay returns the maximum retry delay.
func (r RetryPolicy) CapDelay() time.Duration { return r.capDelay }

// MaxCount returns the maximum retry attempts.
func (r RetryPolicy) MaxCount() int { return r.maxCount }

// Delay returns the backoff delay for the given 0-indexed attempt, capped at
// CapDelay.
func (r RetryPolicy) Delay(attempt int) time.Duration {
	d := r.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > r.capDelay {
			return r.capDelay
		}
	}
	return d
}

// BreakerConfig configures a circuit breaker (internal/breaker).
type BreakerConfig struct {
	failureThreshold int
	window           time.Duration
	openDuration     time.Duration
	successThreshold int
}

// NewBreakerConfig creates a BreakerConfig with documented defaults.
func NewBreakerConfig() BreakerConfig {
	return BreakerConfig{
		failureThreshold: DefaultBreakerFailureThreshold,
		window:           DefaultBreakerWindow,
		openDuration:     DefaultBreakerOpenDuration,
		successThreshold: DefaultBreakerSuccessThreshold,
	}
}

// FailureThreshold returns the failure count that trips the breaker open
// within Window.
func (b BreakerConfig) FailureThreshold() int { return b.failureThreshold }

// Window returns the rolling window over which failures are counted.
func (b BreakerConfig) Window() time.Duration { return b.window }

// OpenDuration returns how long the breaker stays open before probing
// half-open.
func (b BreakerConfig) OpenDuration() time.Duration { return b.openDuration }

// SuccessThreshold returns the consecutive half-open successes required to
// close the breaker.
func (b BreakerConfig) SuccessThreshold() int { return b.successThreshold }

// OrchestratorConfig configures the top-level engine facade.
type OrchestratorConfig struct {
	concurrencyCap int
	shutdownGrace  time.Duration
	embedTimeout   time.Duration
}

// NewOrchestratorConfig creates an OrchestratorConfig with documented defaults.
func NewOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		concurrencyCap: DefaultConcurrencyCap,
		shutdownGrace:  DefaultShutdownGrace,
		embedTimeout:   DefaultEmbedTimeout,
	}
}

// ConcurrencyCap returns the maximum number of in-flight operations.
func (o OrchestratorConfig) ConcurrencyCap() int { return o.concurrencyCap }

// ShutdownGrace returns the grace period for in-flight operations during
// shutdown.
func (o OrchestratorConfig) ShutdownGrace() time.Duration { return o.shutdownGrace }

// EmbedTimeout returns the per-call embedding runtime timeout.
func (o OrchestratorConfig) EmbedTimeout() time.Duration { return o.embedTimeout }

// WithConcurrencyCap overrides the concurrency cap.
func (o OrchestratorConfig) WithConcurrencyCap(n int) OrchestratorConfig {
	o.concurrencyCap = n
	return o
}

// EventBusConfig configures the domain event bus backpressure policy.
type EventBusConfig struct {
	capacity     int
	publishWait  time.Duration
}

// NewEventBusConfig creates an EventBusConfig with documented defaults.
func NewEventBusConfig() EventBusConfig {
	return EventBusConfig{
		capacity:    DefaultEventBusCapacity,
		publishWait: DefaultEventPublishWait,
	}
}

// Capacity returns the per-topic channel buffer size.
func (e EventBusConfig) Capacity() int { return e.capacity }

// PublishWait returns how long Publish waits for a slot before dropping the
// oldest queued event.
func (e EventBusConfig) PublishWait() time.Duration { return e.publishWait }

// EngineConfig aggregates every tunable subsystem configuration. It is the
// root value passed through functional options to the orchestrator facade.
type EngineConfig struct {
	logLevel    string
	logFormat   LogFormat
	dbURL       string
	tier        TierConfig
	promotion   PromotionWeights
	promotionCycle PromotionCycleConfig
	vectorIndex VectorIndexConfig
	bm25K1      float64
	bm25B       float64
	cache       CacheConfig
	search      SearchConfig
	retry       RetryPolicy
	breaker     BreakerConfig
	orchestrator OrchestratorConfig
	eventBus    EventBusConfig
}

// NewEngineConfig creates an EngineConfig with every subsystem at its spec
// default, backed by an in-memory sqlite database.
func NewEngineConfig() EngineConfig {
	return EngineConfig{
		logLevel:     DefaultLogLevel,
		logFormat:    LogFormatPretty,
		dbURL:        "sqlite:///:memory:",
		tier:         NewTierConfig(),
		promotion:    NewPromotionWeights(),
		promotionCycle: NewPromotionCycleConfig(),
		vectorIndex:  NewVectorIndexConfig(),
		bm25K1:       DefaultBM25K1,
		bm25B:        DefaultBM25B,
		cache:        NewCacheConfig(),
		search:       NewSearchConfig(),
		retry:        NewRetryPolicy(),
		breaker:      NewBreakerConfig(),
		orchestrator: NewOrchestratorConfig(),
		eventBus:     NewEventBusConfig(),
	}
}

// LogLevel returns the log level.
func (c EngineConfig) LogLevel() string { return c.logLevel }

// LogFormat returns the log format.
func (c EngineConfig) LogFormat() LogFormat { return c.logFormat }

// DBURL returns the database connection URL.
func (c EngineConfig) DBURL() string { return c.dbURL }

// Tier returns the tier TTL/threshold configuration.
func (c EngineConfig) Tier() TierConfig { return c.tier }

// Promotion returns the promotion scoring weights.
func (c EngineConfig) Promotion() PromotionWeights { return c.promotion }

// PromotionCycle returns the promotion engine's background cycle tuning.
func (c EngineConfig) PromotionCycle() PromotionCycleConfig { return c.promotionCycle }

// VectorIndex returns the vector index tuning configuration.
func (c EngineConfig) VectorIndex() VectorIndexConfig { return c.vectorIndex }

// BM25K1 returns the BM25 term-frequency saturation parameter.
func (c EngineConfig) BM25K1() float64 { return c.bm25K1 }

// BM25B returns the BM25 length-normalization parameter.
func (c EngineConfig) BM25B() float64 { return c.bm25B }

// Cache returns the embedding cache configuration.
func (c EngineConfig) Cache() CacheConfig { return c.cache }

// Search returns the search coordinator configuration.
func (c EngineConfig) Search() SearchConfig { return c.search }

// Retry returns the retry policy for idempotent reads.
func (c EngineConfig) Retry() RetryPolicy { return c.retry }

// Breaker returns the default circuit breaker configuration (embedding,
// search, promotion, and backup breakers all start from this).
func (c EngineConfig) Breaker() BreakerConfig { return c.breaker }

// Orchestrator returns the orchestrator facade configuration.
func (c EngineConfig) Orchestrator() OrchestratorConfig { return c.orchestrator }

// EventBus returns the event bus configuration.
func (c EngineConfig) EventBus() EventBusConfig { return c.eventBus }

// EngineConfigOption is a functional option for EngineConfig.
type EngineConfigOption func(*EngineConfig)

// WithEngineLogLevel sets the log level.
func WithEngineLogLevel(level string) EngineConfigOption {
	return func(c *EngineConfig) { c.logLevel = level }
}

// WithEngineLogFormat sets the log format.
func WithEngineLogFormat(format LogFormat) EngineConfigOption {
	return func(c *EngineConfig) { c.logFormat = format }
}

// WithDBURL sets the database connection URL.
func WithDBURL(url string) EngineConfigOption {
	return func(c *EngineConfig) { c.dbURL = url }
}

// WithTier overrides the tier configuration.
func WithTier(t TierConfig) EngineConfigOption {
	return func(c *EngineConfig) { c.tier = t }
}

// WithPromotionWeights overrides the promotion scoring weights.
func WithPromotionWeights(w PromotionWeights) EngineConfigOption {
	return func(c *EngineConfig) { c.promotion = w }
}

// WithPromotionCycle overrides the promotion engine's cycle tuning.
func WithPromotionCycle(p PromotionCycleConfig) EngineConfigOption {
	return func(c *EngineConfig) { c.promotionCycle = p }
}

// WithVectorIndex overrides the vector index configuration.
func WithVectorIndex(v VectorIndexConfig) EngineConfigOption {
	return func(c *EngineConfig) { c.vectorIndex = v }
}

// WithCache overrides the embedding cache configuration.
func WithCache(cache CacheConfig) EngineConfigOption {
	return func(c *EngineConfig) { c.cache = cache }
}

// WithSearch overrides the search coordinator configuration.
func WithSearch(s SearchConfig) EngineConfigOption {
	return func(c *EngineConfig) { c.search = s }
}

// WithOrchestrator overrides the orchestrator configuration.
func WithOrchestrator(o OrchestratorConfig) EngineConfigOption {
	return func(c *EngineConfig) { c.orchestrator = o }
}

// NewEngineConfigWithOptions creates an EngineConfig with functional options
// applied over the documented defaults.
func NewEngineConfigWithOptions(opts ...EngineConfigOption) EngineConfig {
	c := NewEngineConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Apply returns a new EngineConfig with the given options applied, safe to
// call repeatedly when composing configuration from multiple sources.
func (c EngineConfig) Apply(opts ...EngineConfigOption) EngineConfig {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// LogAttrs returns slog attributes summarizing the configuration, for
// startup logging.
func (c EngineConfig) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("log_level", c.logLevel),
		slog.String("db_url", c.maskedDBURL()),
		slog.Duration("interact_ttl", c.tier.InteractTTL()),
		slog.Duration("insights_ttl", c.tier.InsightsTTL()),
		slog.Int("linear_threshold", c.vectorIndex.LinearThreshold()),
		slog.Int("concurrency_cap", c.orchestrator.ConcurrencyCap()),
	}
}

func (c EngineConfig) maskedDBURL() string {
	if c.dbURL == "" {
		return "(default)"
	}
	if strings.HasPrefix(c.dbURL, "sqlite:") {
		return c.dbURL
	}
	return "postgres://***@***"
}

// AppConfig is the minimal logging configuration consumed by internal/log.
// It is kept distinct from EngineConfig so the logger can be constructed
// before the rest of the engine configuration is known (e.g. during
// bootstrap failure reporting).
type AppConfig struct {
	logLevel  string
	logFormat LogFormat
}

// NewAppConfig creates an AppConfig with defaults.
func NewAppConfig() AppConfig {
	return AppConfig{
		logLevel:  DefaultLogLevel,
		logFormat: LogFormatPretty,
	}
}

// LogLevel returns the log level.
func (c AppConfig) LogLevel() string { return c.logLevel }

// LogFormat returns the log format.
func (c AppConfig) LogFormat() LogFormat { return c.logFormat }

// AppConfigOption is a functional option for AppConfig.
type AppConfigOption func(*AppConfig)

// WithLogLevel sets the log level.
func WithLogLevel(level string) AppConfigOption {
	return func(c *AppConfig) { c.logLevel = level }
}

// WithLogFormat sets the log format.
func WithLogFormat(format LogFormat) AppConfigOption {
	return func(c *AppConfig) { c.logFormat = format }
}

// NewAppConfigWithOptions creates an AppConfig with functional options.
func NewAppConfigWithOptions(opts ...AppConfigOption) AppConfig {
	c := NewAppConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// FromEngineConfig derives the logging-only AppConfig from a full
// EngineConfig.
func FromEngineConfig(c EngineConfig) AppConfig {
	return AppConfig{logLevel: c.logLevel, logFormat: c.logFormat}
}
