package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/memtier/tvme/domain/event"
	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/internal/breaker"
	"github.com/memtier/tvme/internal/config"
)

// Breaker component names, used both as breaker.Breaker.Name() and as the
// "component" field on circuit_breaker.state events.
const (
	BreakerEmbedding = "embedding"
	BreakerSearch    = "search"
	BreakerPromotion = "promotion"
	BreakerBackup    = "backup"
)

// ErrRateLimited is returned when the orchestrator's concurrency semaphore
// has no free permits; callers should back off rather than retry inline.
var ErrRateLimited = errors.New("engine: rate limited, too many inflight operations")

// ComponentHealth reports one coordinated component's liveness and the
// latency of the check that produced it.
type ComponentHealth struct {
	Healthy bool
	Latency time.Duration
	Detail  string
}

// Health aggregates every coordinated component's health. Overall is
// healthy iff Embedding, RecordStore, and VectorIndex — the three
// essentials spec.md names — are all healthy; Search/Promotion
// degrade the breaker-reported component but don't by themselves flip
// Overall.
type Health struct {
	Overall     bool
	Embedding   ComponentHealth
	RecordStore ComponentHealth
	VectorIndex ComponentHealth
	Search      ComponentHealth
	Promotion   ComponentHealth
}

// Stats is a snapshot of engine-wide counters, surfaced by the
// programmatic Stats() call.
type Stats struct {
	TotalRecords      int64
	CountByTier       map[record.Tier]int64
	EventDrops        map[event.Topic]uint64
	BreakerStates     map[string]breaker.State
}

// Orchestrator is the thin façade named in spec.md §4.9 and §9: it holds
// handles to the already-constructed components (ingest, search,
// promotion), a circuit breaker per coordinated component, a global
// concurrency semaphore, and the event bus, and delegates every public
// operation to the right component after enforcing the breaker and
// semaphore. It owns no business logic of its own beyond that
// delegation, matching the "thin façade, not a god object" design note.
type Orchestrator struct {
	ingest    *MemoryIngest
	search    *SearchCoordinator
	promotion *PromotionCycle
	records   record.Store
	tiers     map[record.Tier]TierIndex
	bus       *event.Bus

	sem     *semaphore.Weighted
	semCap  int64
	retry   config.RetryPolicy
	grace   time.Duration

	breakers map[string]*breaker.Breaker

	logger *slog.Logger
	closed *atomic.Bool
}

// NewOrchestrator wires the façade around already-constructed components.
// closed is shared with ingest and search so a single CompareAndSwap in
// Shutdown closes every coordinated component's "is this engine still
// accepting work" check at once.
func NewOrchestrator(
	ingest *MemoryIngest,
	search *SearchCoordinator,
	promotion *PromotionCycle,
	records record.Store,
	tiers map[record.Tier]TierIndex,
	bus *event.Bus,
	cfg config.OrchestratorConfig,
	breakerCfg config.BreakerConfig,
	retry config.RetryPolicy,
	closed *atomic.Bool,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if closed == nil {
		closed = &atomic.Bool{}
	}

	o := &Orchestrator{
		ingest:    ingest,
		search:    search,
		promotion: promotion,
		records:   records,
		tiers:     tiers,
		bus:       bus,
		sem:       semaphore.NewWeighted(int64(cfg.ConcurrencyCap())),
		semCap:    int64(cfg.ConcurrencyCap()),
		retry:     retry,
		grace:     cfg.ShutdownGrace(),
		logger:    logger,
		closed:    closed,
	}

	o.breakers = map[string]*breaker.Breaker{
		BreakerEmbedding: breaker.New(BreakerEmbedding, breakerConfig(breakerCfg)),
		BreakerSearch:    breaker.New(BreakerSearch, breakerConfig(breakerCfg)),
		BreakerPromotion: breaker.New(BreakerPromotion, breakerConfig(breakerCfg)),
		BreakerBackup:    breaker.New(BreakerBackup, breakerConfig(breakerCfg)),
	}
	for _, b := range o.breakers {
		b.SetOnStateChange(o.publishBreakerChange)
	}

	return o
}

func breakerConfig(cfg config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.FailureThreshold(),
		Window:           cfg.Window(),
		OpenDuration:     cfg.OpenDuration(),
		SuccessThreshold: cfg.SuccessThreshold(),
	}
}

func (o *Orchestrator) publishBreakerChange(name string, from, to breaker.State) {
	o.logger.Info("circuit breaker state change",
		slog.String("component", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if o.bus == nil {
		return
	}
	o.bus.Publish(event.New(event.TopicCircuitBreaker, time.Now().UnixMilli(), map[string]any{
		"component": name,
		"from":      from.String(),
		"to":        to.String(),
	}))
}

// acquire takes one concurrency permit, failing fast with ErrRateLimited
// rather than queueing if none is free — matching spec.md §5's
// "exceeding is 503-style rejection, not queueing".
func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	if o.closed.Load() {
		return nil, ErrClientClosed
	}
	if !o.sem.TryAcquire(1) {
		return nil, ErrRateLimited
	}
	return func() { o.sem.Release(1) }, nil
}

// Insert embeds and persists a single record through the embedding
// breaker, rejecting immediately if the embedding circuit is open.
func (o *Orchestrator) Insert(ctx context.Context, req InsertRequest) (InsertResult, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return InsertResult{}, err
	}
	defer release()

	var result InsertResult
	err = o.breakers[BreakerEmbedding].Do(ctx, isFatalEmbeddingError, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = o.ingest.Insert(ctx, req)
		return innerErr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return InsertResult{}, fmt.Errorf("insert: %w: %w", ErrServiceUnavailable, err)
		}
		return InsertResult{}, err
	}
	return result, nil
}

// InsertBatch is the batch form of Insert, sharing the embedding breaker.
func (o *Orchestrator) InsertBatch(ctx context.Context, reqs []InsertRequest) ([]InsertResult, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var results []InsertResult
	err = o.breakers[BreakerEmbedding].Do(ctx, isFatalEmbeddingError, func(ctx context.Context) error {
		var innerErr error
		results, innerErr = o.ingest.InsertBatch(ctx, reqs)
		return innerErr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, fmt.Errorf("insert batch: %w: %w", ErrServiceUnavailable, err)
		}
		return nil, err
	}
	return results, nil
}

// Search runs q through the search breaker with the idempotent-read retry
// policy: timeout errors (context.DeadlineExceeded, ErrSearchTimeout) are
// retried with exponential backoff; every other error, including I/O and
// inference failures, validation and breaker-open errors, is returned
// without a retry.
func (o *Orchestrator) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var matches []Match
	err = o.withRetry(ctx, func(ctx context.Context) error {
		return o.breakers[BreakerSearch].Do(ctx, isFatalSearchError, func(ctx context.Context) error {
			var innerErr error
			matches, innerErr = o.search.Search(ctx, q)
			return innerErr
		})
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, fmt.Errorf("search: %w: %w", ErrServiceUnavailable, err)
		}
		if errors.Is(err, ErrEmptyQuery) {
			return nil, err // validation errors are never retried; the search breaker still counts them as failures
		}
		return nil, err
	}
	if o.bus != nil {
		o.bus.Publish(event.New(event.TopicMemorySearch, time.Now().UnixMilli(), map[string]any{
			"query":   q.text,
			"mode":    string(q.mode),
			"results": len(matches),
		}))
	}
	return matches, nil
}

// withRetry retries fn with exponential backoff for retryable failures,
// per the orchestrator-boundary retry policy (idempotent reads only; see
// spec.md §7). Validation errors and breaker-open are returned
// immediately without retrying.
func (o *Orchestrator) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= o.retry.MaxCount(); attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == o.retry.MaxCount() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.retry.Delay(attempt)):
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	if errors.Is(err, breaker.ErrOpen) || errors.Is(err, ErrEmptyQuery) || errors.Is(err, ErrClientClosed) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrSearchTimeout)
}

func isFatalEmbeddingError(err error) bool {
	// ModelLoad-class failures degrade the runtime to the mock embedder
	// rather than tripping the breaker fatally; every other embedding
	// failure counts toward the rolling-window threshold instead.
	return false
}

func isFatalSearchError(err error) bool {
	return errors.Is(err, ErrSearchTimeout)
}

// Delete removes a record, bypassing the embedding/search breakers since
// it touches neither.
func (o *Orchestrator) Delete(ctx context.Context, id uuid.UUID) error {
	release, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return o.ingest.Delete(ctx, id)
}

// RunPromotion runs one promotion cycle on demand (outside the
// ticker), through the promotion breaker.
func (o *Orchestrator) RunPromotion(ctx context.Context) error {
	release, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return o.breakers[BreakerPromotion].Do(ctx, nil, func(ctx context.Context) error {
		o.promotion.runCycle(ctx)
		return nil
	})
}

// Health aggregates the essentials (embedding, record store, vector
// index) plus the search and promotion breaker states.
func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{}

	h.Embedding = ComponentHealth{
		Healthy: o.breakers[BreakerEmbedding].State() != breaker.Open,
		Detail:  o.breakers[BreakerEmbedding].State().String(),
	}

	start := time.Now()
	_, err := o.records.TotalCount(ctx)
	h.RecordStore = ComponentHealth{
		Healthy: err == nil,
		Latency: time.Since(start),
	}
	if err != nil {
		h.RecordStore.Detail = err.Error()
	}

	vectorHealthy := len(o.tiers) > 0
	for _, idx := range o.tiers {
		if idx.Vector == nil {
			vectorHealthy = false
			break
		}
	}
	h.VectorIndex = ComponentHealth{Healthy: vectorHealthy}

	h.Search = ComponentHealth{
		Healthy: o.breakers[BreakerSearch].State() != breaker.Open,
		Detail:  o.breakers[BreakerSearch].State().String(),
	}
	h.Promotion = ComponentHealth{
		Healthy: o.breakers[BreakerPromotion].State() != breaker.Open,
		Detail:  o.breakers[BreakerPromotion].State().String(),
	}

	h.Overall = h.Embedding.Healthy && h.RecordStore.Healthy && h.VectorIndex.Healthy
	return h
}

// Stats returns a point-in-time snapshot of engine counters.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		CountByTier:   make(map[record.Tier]int64, len(record.AllTiers())),
		EventDrops:    make(map[event.Topic]uint64),
		BreakerStates: make(map[string]breaker.State, len(o.breakers)),
	}

	total, err := o.records.TotalCount(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: total count: %w", err)
	}
	stats.TotalRecords = total

	for _, tier := range record.AllTiers() {
		n, err := o.records.CountByTier(ctx, tier)
		if err != nil {
			return Stats{}, fmt.Errorf("stats: count by tier %s: %w", tier, err)
		}
		stats.CountByTier[tier] = n
	}

	if o.bus != nil {
		for _, topic := range []event.Topic{
			event.TopicMemoryUpsert, event.TopicMemorySearch, event.TopicPromotion,
			event.TopicCircuitBreaker, event.TopicBackup, event.TopicError,
		} {
			stats.EventDrops[topic] = o.bus.Drops(topic)
		}
	}

	for name, b := range o.breakers {
		stats.BreakerStates[name] = b.State()
	}

	return stats, nil
}

// Shutdown refuses new work immediately, waits up to the configured grace
// period for inflight operations to drain, then returns regardless —
// persistence is already durable per-operation (C5's integrity
// guarantee), so there is nothing left to flush once inflight work has
// finished or been abandoned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}

	o.promotion.Stop()

	grace, cancel := context.WithTimeout(ctx, o.grace)
	defer cancel()

	// Acquiring every permit proves no operation is still inflight; a
	// failure here (ctx/grace expired first) means we force-stop anyway.
	if err := o.sem.Acquire(grace, o.semCap); err != nil {
		o.logger.Warn("shutdown: grace period elapsed with operations still inflight")
	}

	o.logger.Info("orchestrator shut down")
	return nil
}
