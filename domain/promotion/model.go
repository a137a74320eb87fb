package promotion

import (
	"math"
	"time"
)

// Features is the input vector to the optional ML scorer: the same four
// signals Score uses, kept as raw normalized values so a trained model can
// weight them differently than the fixed weighted-sum default.
type Features struct {
	Frequency float64
	Recency   float64
	Quality   float64
	Semantic  float64
}

// FeaturesFromCandidate converts a Candidate into a Features vector using
// the same normalization Score applies, evaluated at now.
func FeaturesFromCandidate(c Candidate, now time.Time) Features {
	return Features{
		Frequency: normalizeFrequency(c.AccessCount),
		Recency:   normalizeRecency(now.Sub(c.LastAccessAt)),
		Quality:   clamp01(float64(c.Score)),
		Semantic:  clamp01(float64(c.Score)),
	}
}

// Model is a logistic-regression-style scorer: Score = sigmoid(w·x + b).
// It is the ML variant of promotion scoring, an optional drop-in replacement
// for the fixed weighted sum. Weights and bias are trained externally
// (e.g. from observed subsequent-access labels) and loaded via NewModel.
type Model struct {
	weights Features
	bias    float64

	// bestWeights is the last-known-good snapshot; see MaybeRollback.
	bestWeights Features
	bestBias    float64
	bestAccuracy float64
}

// NewModel creates a Model with the given trained weights and bias, using
// them as the initial "best" snapshot too.
func NewModel(weights Features, bias, accuracy float64) *Model {
	return &Model{
		weights:      weights,
		bias:         bias,
		bestWeights:  weights,
		bestBias:     bias,
		bestAccuracy: accuracy,
	}
}

// Predict returns the model's promotion score in [0,1] for the given
// features.
func (m *Model) Predict(f Features) float64 {
	z := m.weights.Frequency*f.Frequency +
		m.weights.Recency*f.Recency +
		m.weights.Quality*f.Quality +
		m.weights.Semantic*f.Semantic +
		m.bias
	return sigmoid(z)
}

// UpdateLive replaces the live weights and bias with a newly retrained
// set. It does not touch the best-weights snapshot; call
// MaybeRollback afterward to enforce the regression guard.
func (m *Model) UpdateLive(weights Features, bias float64) {
	m.weights = weights
	m.bias = bias
}

// MaybeRollback restores the best-known-good snapshot if liveAccuracy has
// regressed more than 2 percentage points below it. Returns
// true if a rollback occurred.
func (m *Model) MaybeRollback(liveAccuracy float64) bool {
	const regressionGuard = 0.02
	if liveAccuracy < m.bestAccuracy-regressionGuard {
		m.weights = m.bestWeights
		m.bias = m.bestBias
		return true
	}
	if liveAccuracy > m.bestAccuracy {
		m.bestWeights = m.weights
		m.bestBias = m.bias
		m.bestAccuracy = liveAccuracy
	}
	return false
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
