// Package promotion implements the promotion scoring used by the
// promotion engine to decide whether a record should advance to its
// next tier.
package promotion

import (
	"math"
	"time"

	"github.com/memtier/tvme/domain/record"
)

// Weights holds the four scoring feature weights. Each feature is
// normalized to [0,1] before weighting, so a well-formed Weights (summing
// to 1) keeps Score's output in [0,1], directly comparable to a tier
// threshold.
type Weights struct {
	Frequency float64
	Recency   float64
	Quality   float64
	Semantic  float64
}

// Candidate is the subset of a record's state the scorer needs. It is
// decoupled from *record.Record so callers (and tests) can construct
// scoring inputs without going through the full entity.
type Candidate struct {
	AccessCount  uint64
	LastAccessAt time.Time
	CreatedAt    time.Time
	Score        float32 // record's free-use quality/semantic hint, already in [0,1]
}

// FromRecord extracts a Candidate from r.
func FromRecord(r *record.Record) Candidate {
	return Candidate{
		AccessCount:  r.AccessCount(),
		LastAccessAt: r.LastAccessAt(),
		CreatedAt:    r.CreatedAt(),
		Score:        r.Score(),
	}
}

// frequencyHalfLife controls how quickly the frequency feature saturates
// towards 1 as access count grows; chosen so ~10 accesses reaches ~0.96.
const frequencyHalfLife = 3.0

// recencyHalfLife controls how quickly the recency feature decays towards 0
// as time since last access grows.
const recencyHalfLife = 24 * time.Hour

// Score computes the weighted promotion score S = w_f·freq + w_r·recency +
// w_q·quality + w_s·semantic, evaluated at the given instant now.
func Score(c Candidate, w Weights, now time.Time) float64 {
	freq := normalizeFrequency(c.AccessCount)
	recency := normalizeRecency(now.Sub(c.LastAccessAt))
	quality := clamp01(float64(c.Score))
	semantic := quality // semantic_importance and the record's free-use
	// Score field serve the same role here: no separate semantic model is
	// specified, so both quality and semantic_importance read the same
	// normalized record score.

	return w.Frequency*freq + w.Recency*recency + w.Quality*quality + w.Semantic*semantic
}

// Qualifies reports whether the candidate's score meets or exceeds
// threshold.
func Qualifies(c Candidate, w Weights, threshold float64, now time.Time) bool {
	return Score(c, w, now) >= threshold
}

func normalizeFrequency(accessCount uint64) float64 {
	// 1 - e^(-n/halfLife), saturating towards 1.
	return 1 - math.Exp(-float64(accessCount)/frequencyHalfLife)
}

func normalizeRecency(sinceLastAccess time.Duration) float64 {
	if sinceLastAccess < 0 {
		sinceLastAccess = 0
	}
	// Exponential decay: 1.0 at sinceLastAccess=0, 0.5 at one half-life.
	return math.Pow(0.5, float64(sinceLastAccess)/float64(recencyHalfLife))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
