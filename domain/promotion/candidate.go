package promotion

import (
	"time"

	"github.com/google/uuid"
	"github.com/memtier/tvme/domain/record"
)

// Thresholds holds the per-tier score threshold a candidate must meet to
// be promoted out of that tier.
type Thresholds struct {
	Interact float64 // Interact → Insights
	Insights float64 // Insights → Assets
}

func (t Thresholds) forTier(tier record.Tier) (float64, bool) {
	switch tier {
	case record.TierInteract:
		return t.Interact, true
	case record.TierInsights:
		return t.Insights, true
	default:
		return 0, false
	}
}

// Decision is the outcome of evaluating one record against the current
// promotion thresholds.
type Decision struct {
	RecordID uuid.UUID
	FromTier record.Tier
	ToTier   record.Tier
	Score    float64
	Promote  bool
}

// Evaluate scores every candidate record and returns a Decision for each,
// in the same order as records. Records already in a terminal tier
// (Assets, which has no PromotionTarget) are skipped entirely — they never
// appear in the returned slice.
func Evaluate(records []*record.Record, w Weights, thresholds Thresholds, now time.Time) []Decision {
	decisions := make([]Decision, 0, len(records))
	for _, r := range records {
		threshold, ok := thresholds.forTier(r.Tier())
		if !ok {
			continue
		}
		target, ok := r.Tier().PromotionTarget()
		if !ok {
			continue
		}

		score := Score(FromRecord(r), w, now)
		decisions = append(decisions, Decision{
			RecordID: r.ID(),
			FromTier: r.Tier(),
			ToTier:   target,
			Score:    score,
			Promote:  score >= threshold,
		})
	}
	return decisions
}
