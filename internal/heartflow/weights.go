package heartflow

import "math"

// Weights assigns a share to each judgment dimension. Normalized sets sum to 1.
type Weights struct {
	Relevance   float64 `json:"relevance"`
	Willingness float64 `json:"willingness"`
	Social      float64 `json:"social"`
	Timing      float64 `json:"timing"`
	Continuity  float64 `json:"continuity"`
}

func DefaultReplyWeights() Weights {
	return Weights{Relevance: 0.25, Willingness: 0.2, Social: 0.2, Timing: 0.15, Continuity: 0.2}
}

func DefaultAffinityWeights() Weights {
	return Weights{Relevance: 0.3, Willingness: 0.15, Social: 0.3, Timing: 0.05, Continuity: 0.2}
}

func (w Weights) Sum() float64 {
	return w.Relevance + w.Willingness + w.Social + w.Timing + w.Continuity
}

// Normalize rescales w so it sums to 1, keeping ratios. The bool reports whether
// rescaling was needed. A set with a non-positive sum or negative entries is replaced by fallback.
func (w Weights) Normalize(fallback Weights) (Weights, bool) {
	if w.Relevance < 0 || w.Willingness < 0 || w.Social < 0 || w.Timing < 0 || w.Continuity < 0 {
		return fallback, true
	}
	sum := w.Sum()
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return fallback, true
	}
	if math.Abs(sum-1) <= 1e-6 {
		return w, false
	}
	return Weights{
		Relevance:   w.Relevance / sum,
		Willingness: w.Willingness / sum,
		Social:      w.Social / sum,
		Timing:      w.Timing / sum,
		Continuity:  w.Continuity / sum,
	}, true
}

// Apply returns the weighted sum of the five dimensions of r.
func (w Weights) Apply(r JudgeResult) float64 {
	return r.Relevance*w.Relevance +
		r.Willingness*w.Willingness +
		r.Social*w.Social +
		r.Timing*w.Timing +
		r.Continuity*w.Continuity
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}
