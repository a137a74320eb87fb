package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memtier/tvme/domain/event"
	"github.com/memtier/tvme/domain/promotion"
	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/domain/search"
	"github.com/memtier/tvme/internal/config"
)

// PromotionCycle runs the promotion engine on a timer: each cycle,
// every non-terminal tier is scanned for promotion candidates, scored
// against the configured weights and thresholds, and qualifying
// records are moved to their next tier. Ticker-driven background
// goroutine lifecycle mirrors the engine's other periodic services.
type PromotionCycle struct {
	records    record.Store
	tiers      map[record.Tier]TierIndex
	bus        *event.Bus
	logger     *slog.Logger
	weights    config.PromotionWeights
	thresholds promotion.Thresholds
	interval   time.Duration
	budget     time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	running map[record.Tier]bool
	runMu   sync.Mutex
}

// NewPromotionCycle creates a PromotionCycle from config and dependencies.
func NewPromotionCycle(
	cfg config.PromotionCycleConfig,
	tierCfg config.TierConfig,
	weights config.PromotionWeights,
	records record.Store,
	tiers map[record.Tier]TierIndex,
	bus *event.Bus,
	logger *slog.Logger,
) *PromotionCycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromotionCycle{
		records: records,
		tiers:   tiers,
		bus:     bus,
		logger:  logger,
		weights: weights,
		thresholds: promotion.Thresholds{
			Interact: tierCfg.InteractPromoteThreshold(),
			Insights: tierCfg.InsightsPromoteThreshold(),
		},
		interval: cfg.Interval(),
		budget:   cfg.Budget(),
		running:  make(map[record.Tier]bool),
	}
}

// Start begins the background promotion cycle.
func (p *PromotionCycle) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Go(func() {
		p.run(ctx)
	})

	p.logger.Info("promotion cycle started", slog.Duration("interval", p.interval))
}

// Stop cancels the background goroutine and waits for the current cycle
// to finish.
func (p *PromotionCycle) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.logger.Info("promotion cycle stopped")
}

func (p *PromotionCycle) run(ctx context.Context) {
	p.runCycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

func (p *PromotionCycle) runCycle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	for _, tier := range record.AllTiers() {
		if _, ok := tier.PromotionTarget(); !ok {
			continue // Assets is terminal, never a promotion source
		}
		if err := p.runTier(ctx, tier); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("promotion cycle failed", slog.String("tier", tier.String()), slog.String("error", err.Error()))
		}
	}
}

// runTier scores and promotes one tier's candidates. A per-tier
// advisory lock skips the tier entirely if a prior cycle's pass over
// it is still running (a slow promotion store write outlasting the
// tick interval), returning ErrCycleAlreadyRunning.
func (p *PromotionCycle) runTier(ctx context.Context, tier record.Tier) error {
	if !p.tryLock(tier) {
		return ErrCycleAlreadyRunning
	}
	defer p.unlock(tier)

	candidates, err := p.records.FindPromotionCandidates(ctx, tier)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	now := time.Now()
	decisions := promotion.Evaluate(candidates, promotion.Weights(p.weights), p.thresholds, now)

	promoted := 0
	for _, d := range decisions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Promote {
			continue
		}
		promotedRecord, err := p.records.Promote(ctx, d.RecordID, d.ToTier)
		if err != nil {
			p.logger.Warn("promotion failed",
				slog.String("record_id", d.RecordID.String()),
				slog.String("from", d.FromTier.String()),
				slog.String("to", d.ToTier.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := p.reindex(ctx, d.FromTier, d.ToTier, promotedRecord); err != nil {
			p.logger.Error("promotion reindex failed",
				slog.String("record_id", d.RecordID.String()),
				slog.String("from", d.FromTier.String()),
				slog.String("to", d.ToTier.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		promoted++
		p.publish(now, d)
	}

	p.logger.Debug("promotion cycle scanned tier",
		slog.String("tier", tier.String()),
		slog.Int("candidates", len(candidates)),
		slog.Int("promoted", promoted),
	)
	return nil
}

// reindex rewrites a promoted record's secondary indices: removed from its
// old tier's vector and keyword indices, added to the new tier's. The
// record store's own tier partition move is already durable by the time
// this runs, so a failure here only strands the record from search until
// the next rebuild — it does not unwind the promotion.
func (p *PromotionCycle) reindex(ctx context.Context, from, to record.Tier, rec *record.Record) error {
	id := rec.ID().String()

	if oldIdx, ok := p.tiers[from]; ok {
		if oldIdx.Vector != nil {
			if err := oldIdx.Vector.DeleteBy(ctx, search.WithRecordIDs([]string{id})); err != nil {
				return fmt.Errorf("remove from old tier vector index: %w", err)
			}
		}
		if oldIdx.Text != nil {
			if err := oldIdx.Text.Delete(ctx, search.NewDeleteRequest([]string{id})); err != nil {
				return fmt.Errorf("remove from old tier bm25 index: %w", err)
			}
		}
	}

	newIdx, ok := p.tiers[to]
	if !ok {
		return fmt.Errorf("no indices configured for tier %s", to)
	}
	if newIdx.Vector != nil {
		if err := newIdx.Vector.SaveAll(ctx, []search.Embedding{search.NewEmbedding(id, rec.Vector())}); err != nil {
			return fmt.Errorf("add to new tier vector index: %w", err)
		}
	}
	if newIdx.Text != nil {
		if err := newIdx.Text.Index(ctx, search.NewIndexRequest([]search.Document{search.NewDocument(id, rec.Text())})); err != nil {
			return fmt.Errorf("add to new tier bm25 index: %w", err)
		}
	}
	return nil
}

func (p *PromotionCycle) publish(now time.Time, d promotion.Decision) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(event.New(event.TopicPromotion, now.UnixMilli(), map[string]any{
		"record_id": d.RecordID.String(),
		"from_tier": d.FromTier.String(),
		"to_tier":   d.ToTier.String(),
		"score":     d.Score,
	}))
}

func (p *PromotionCycle) tryLock(tier record.Tier) bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running[tier] {
		return false
	}
	p.running[tier] = true
	return true
}

func (p *PromotionCycle) unlock(tier record.Tier) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	delete(p.running, tier)
}
