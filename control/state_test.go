package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  SystemState
	}{
		{0.0, StateCritical},
		{0.49, StateCritical},
		{0.5, StateDegraded},
		{0.79, StateDegraded},
		{0.8, StateRecovering},
		{0.94, StateRecovering},
		{0.95, StateOptimal},
		{1.2, StateOptimal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.score), "score %.2f", tc.score)
	}
}

func TestCombinedScorePerfectInputs(t *testing.T) {
	assert.InDelta(t, 1.0, CombinedScore(1, 1, 0), 1e-9)
}

func TestCombinedScoreJitterSaturates(t *testing.T) {
	// 100ms of jitter zeroes the network term and larger values must not
	// push the score negative.
	atLimit := CombinedScore(1, 1, 0.1)
	beyond := CombinedScore(1, 1, 0.5)
	assert.InDelta(t, 0.7, atLimit, 1e-9)
	assert.Equal(t, atLimit, beyond)
}

func TestCombinedScoreWeights(t *testing.T) {
	assert.InDelta(t, 0.4, CombinedScore(1, 0, 0.1), 1e-9)
	assert.InDelta(t, 0.3, CombinedScore(0, 1, 0.1), 1e-9)
	assert.InDelta(t, 0.3, CombinedScore(0, 0, 0), 1e-9)
}
