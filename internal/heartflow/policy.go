package heartflow

import (
	"math/rand/v2"
	"sync"
)

// Verdict is the outcome of the reply gate for one judged message.
type Verdict struct {
	MeetsThreshold bool
	Probability    float64
	Draw           float64
	ShouldReply    bool
}

// Policy turns a score and the sender's affinity into a reply decision.
// Above the threshold the reply still goes through a draw whose odds grow
// with affinity. Low affinity users get answered less often.
type Policy struct {
	affinityEnabled bool
	impact          float64

	mu   sync.Mutex
	rand func() float64
}

// NewPolicy builds a Policy. An impact above 1 steepens the penalty for low
// affinity. rnd must return values in [0,1); nil uses math/rand/v2.
func NewPolicy(affinityEnabled bool, impact float64, rnd func() float64) *Policy {
	if rnd == nil {
		rnd = rand.Float64
	}
	if impact < 0 {
		impact = 0
	}
	return &Policy{affinityEnabled: affinityEnabled, impact: impact, rand: rnd}
}

// Probability returns the reply probability for an affinity in [0,100].
func (p *Policy) Probability(affinity float64) float64 {
	if !p.affinityEnabled {
		return 1
	}
	a := clamp(affinity, minAffinity, maxAffinity) / maxAffinity
	return clamp01(1 - (1-a)*p.impact)
}

func (p *Policy) Decide(score, affinity, threshold float64) Verdict {
	v := Verdict{MeetsThreshold: score >= threshold, Probability: p.Probability(affinity)}
	if !v.MeetsThreshold {
		return v
	}
	if !p.affinityEnabled {
		v.ShouldReply = true
		return v
	}
	p.mu.Lock()
	v.Draw = p.rand()
	p.mu.Unlock()
	v.ShouldReply = v.Draw <= v.Probability
	if v.Probability <= 0 {
		v.ShouldReply = false
	}
	return v
}
