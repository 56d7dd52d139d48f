package learn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRegSeparatesOneDimension(t *testing.T) {
	var x [][]float64
	var y []float64
	for i := -20; i <= 20; i++ {
		v := float64(i) / 4
		x = append(x, []float64{v})
		label := 0.0
		if v > 0 {
			label = 1
		}
		// a few flipped labels keep the problem non-separable
		if i == 3 || i == -3 {
			label = 1 - label
		}
		y = append(y, label)
	}

	lr := NewLogReg(1e-3, true)
	require.NoError(t, lr.Fit(x, y))
	require.Len(t, lr.Weights, 2)
	assert.Greater(t, lr.Weights[0], 0.0)
	assert.Greater(t, lr.Predict([]float64{4}), 0.9)
	assert.Less(t, lr.Predict([]float64{-4}), 0.1)
	assert.Len(t, lr.FeatureWeights(), 1)
}

func TestLogRegInterceptOnly(t *testing.T) {
	x := [][]float64{{}, {}, {}, {}}
	y := []float64{1, 0, 0, 0}
	lr := NewLogReg(1e-3, true)
	require.NoError(t, lr.Fit(x, y))
	assert.InDelta(t, 0.25, lr.Predict(nil), 1e-6)
}

func TestLogRegErrors(t *testing.T) {
	lr := NewLogReg(1, true)
	assert.ErrorIs(t, lr.Fit(nil, nil), ErrNoInstances)
	assert.Error(t, lr.Fit([][]float64{{1}}, []float64{1, 0}))
	assert.Error(t, lr.Fit([][]float64{{1}, {1, 2}}, []float64{1, 0}))
}

func TestSigmoidStable(t *testing.T) {
	assert.InDelta(t, 1, sigmoid(800), 1e-12)
	assert.InDelta(t, 0, sigmoid(-800), 1e-12)
	assert.False(t, math.IsNaN(sigmoid(-800)))
}

func TestDecisionTreeBox(t *testing.T) {
	var x [][]float64
	var y []bool
	for i := 0; i < 20; i++ {
		for j := 0; j < 20; j++ {
			a, b := float64(i), float64(j)
			x = append(x, []float64{a, b})
			y = append(y, a >= 10 && b < 5)
		}
	}
	pos := 0
	for _, l := range y {
		if l {
			pos++
		}
	}
	dt := NewDecisionTree(BalancedTreeConfig(len(x), pos))
	require.NoError(t, dt.Fit(x, y))

	assert.Greater(t, dt.Predict([]float64{15, 2}), 0.9)
	assert.Less(t, dt.Predict([]float64{3, 2}), 0.1)
	assert.Less(t, dt.Predict([]float64{15, 15}), 0.1)

	terms := dt.ExplainPositive()
	require.NotEmpty(t, terms)
	top := terms[0]
	require.Len(t, top.Intervals, 2)
	assert.Equal(t, 0, top.Intervals[0].Ftr)
	assert.InDelta(t, 9.5, top.Intervals[0].Lower, 1e-9)
	assert.True(t, math.IsInf(top.Intervals[0].Upper, 1))
	assert.Equal(t, 1, top.Intervals[1].Ftr)
	assert.InDelta(t, 4.5, top.Intervals[1].Upper, 1e-9)
}

func TestBalancedTreeConfig(t *testing.T) {
	cfg := BalancedTreeConfig(3200, 320)
	assert.Equal(t, 50, cfg.MinExamples)
	assert.InDelta(t, 0.05, cfg.MinPosProb, 1e-12)
	assert.InDelta(t, 0.05, cfg.MinNegProb, 1e-12)

	cfg = BalancedTreeConfig(320, 16)
	assert.Equal(t, 10, cfg.MinExamples)
	assert.InDelta(t, 0.025, cfg.MinPosProb, 1e-12)
}
