package heartflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixedDraw(v float64) func() float64 { return func() float64 { return v } }

func TestPolicyScenarioB(t *testing.T) {
	for _, draw := range []float64{0, 0.3, 0.999} {
		p := NewPolicy(true, 1.0, fixedDraw(draw))
		v := p.Decide(0.9, 0, 0.6)
		assert.True(t, v.MeetsThreshold)
		assert.Equal(t, 0.0, v.Probability)
		assert.False(t, v.ShouldReply, "draw %v", draw)
	}
}

func TestPolicyScenarioC(t *testing.T) {
	for _, draw := range []float64{0, 0.5, 0.999} {
		p := NewPolicy(true, 1.0, fixedDraw(draw))
		v := p.Decide(0.6, 100, 0.6)
		assert.Equal(t, 1.0, v.Probability)
		assert.True(t, v.ShouldReply, "draw %v", draw)
	}
}

func TestPolicyAffinityDisabled(t *testing.T) {
	p := NewPolicy(false, 1.0, fixedDraw(0.99))
	for _, score := range []float64{0, 0.59, 0.6, 1} {
		for _, aff := range []float64{0, 40, 100} {
			v := p.Decide(score, aff, 0.6)
			assert.Equal(t, v.MeetsThreshold, v.ShouldReply)
			assert.Equal(t, 1.0, v.Probability)
		}
	}
}

func TestPolicyZeroImpact(t *testing.T) {
	p := NewPolicy(true, 0, fixedDraw(0.999))
	for _, aff := range []float64{0, 20, 55, 100} {
		assert.Equal(t, 1.0, p.Probability(aff))
		assert.True(t, p.Decide(0.7, aff, 0.6).ShouldReply)
	}
}

func TestPolicyProbabilityMonotonic(t *testing.T) {
	p := NewPolicy(true, 0.5, nil)
	assert.InDelta(t, 0.5, p.Probability(0), 1e-9)
	assert.InDelta(t, 0.7, p.Probability(40), 1e-9)
	prev := -1.0
	for a := 0.0; a <= 100; a += 2.5 {
		pr := p.Probability(a)
		assert.GreaterOrEqual(t, pr, prev)
		prev = pr
	}
}

func TestPolicyBelowThresholdNoDraw(t *testing.T) {
	calls := 0
	p := NewPolicy(true, 0.5, func() float64 { calls++; return 0 })
	v := p.Decide(0.3, 100, 0.6)
	assert.False(t, v.MeetsThreshold)
	assert.False(t, v.ShouldReply)
	assert.Zero(t, calls)
}

func TestPolicyStrongImpact(t *testing.T) {
	p := NewPolicy(true, 2.0, nil)
	assert.Equal(t, 0.0, p.Probability(40))
	assert.InDelta(t, 0.6, p.Probability(80), 1e-9)
}
