package ctmc

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// #region helpers
// cycle produces hourly records that stay three records in each state of
// 0 → 1 → 2 → 0 and carry no control features.
func cycle(rounds int) ([][]float64, []int, []int64) {
	var ftrs [][]float64
	var assign []int
	var times []int64
	for r := 0; r < rounds; r++ {
		for s := 0; s < 3; s++ {
			for k := 0; k < 3; k++ {
				ftrs = append(ftrs, []float64{})
				assign = append(assign, s)
				times = append(times, int64(len(times))*int64(ftr.Hour))
			}
		}
	}
	return ftrs, assign, times
}

func leafSets(n int) ([][]int, []int) {
	sets := make([][]int, n)
	for i := range sets {
		sets[i] = []int{i}
	}
	return sets, seq(n)
}

func noFtrs(n int) [][]float64 {
	return make([][]float64, n)
}

func newModeller(t *testing.T, cfg Config) *Modeller {
	t.Helper()
	m, err := New(cfg, ftr.Hour)
	require.NoError(t, err)
	return m
}

// #endregion helpers

func TestModellerCycle(t *testing.T) {
	m := newModeller(t, DefaultConfig())
	ftrs, assign, times := cycle(10)
	require.NoError(t, m.Init(ftrs, 3, assign, times, nil))
	assert.InDelta(t, 1, m.DeltaTm(), 1e-12)
	assert.Equal(t, 2, m.CurrentState())

	q, err := m.FullQ(noFtrs(3))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 0, floats.Sum(mat.Row(nil, i, q)), 1e-12)
	}
	assert.InDelta(t, 1.0/3, q.At(0, 1), 1e-4)
	assert.InDelta(t, 0, q.At(0, 2), 1e-12)

	sets, ids := leafSets(3)
	pi, err := m.StatDist(sets, noFtrs(3))
	require.NoError(t, err)
	assert.InDelta(t, 1, floats.Sum(pi), 1e-9)
	// the last round leaves state 2 without its final jump
	for _, p := range pi {
		assert.InDelta(t, 1.0/3, p, .03)
	}

	next, err := m.NextStates(sets, noFtrs(3), ids, 0, -1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, 1, next[0].ID)
	assert.InDelta(t, 1, next[0].Prob, 1e-9)

	prev, err := m.PrevStates(sets, noFtrs(3), ids, 0, 1)
	require.NoError(t, err)
	require.Len(t, prev, 1)
	assert.Equal(t, 2, prev[0].ID)

	holding, err := m.HoldingTimes(sets, noFtrs(3))
	require.NoError(t, err)
	assert.InDelta(t, 3, holding[0], 1e-3)
}

func TestModellerAnomalousJump(t *testing.T) {
	m := newModeller(t, DefaultConfig())
	ftrs, assign, times := cycle(5)
	require.NoError(t, m.Init(ftrs, 3, assign, times, nil))

	anomalous, err := m.IsAnomalousJump(nil, 2, 0)
	require.NoError(t, err)
	assert.True(t, anomalous)

	anomalous, err = m.IsAnomalousJump(nil, 1, 0)
	require.NoError(t, err)
	assert.False(t, anomalous)

	_, err = m.IsAnomalousJump(nil, 7, 0)
	assert.Error(t, err)
}

func TestModellerProbabilities(t *testing.T) {
	m := newModeller(t, DefaultConfig())
	ftrs, assign, times := cycle(10)
	require.NoError(t, m.Init(ftrs, 3, assign, times, nil))
	sets, ids := leafSets(3)

	fut, err := m.FutureProbs(sets, noFtrs(3), ids, 0, 2)
	require.NoError(t, err)
	sum := 0.0
	for _, p := range fut {
		sum += p.Prob
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.Greater(t, fut[1].Prob, fut[2].Prob)

	past, err := m.ProbsAtTime(sets, noFtrs(3), ids, 0, -2)
	require.NoError(t, err)
	assert.Greater(t, past[2], past[1])

	_, err = m.FutureProbs(sets, noFtrs(3), ids, 9, 1)
	assert.Error(t, err)
}

func TestModellerAggregated(t *testing.T) {
	m := newModeller(t, DefaultConfig())
	ftrs, assign, times := cycle(10)
	require.NoError(t, m.Init(ftrs, 3, assign, times, nil))

	sets := [][]int{{0, 1}, {2}}
	q, err := m.QMatrix(sets, noFtrs(3))
	require.NoError(t, err)
	r, _ := q.Dims()
	assert.Equal(t, 2, r)
	pi, err := m.StatDist(sets, noFtrs(3))
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, pi[0], .03)
}

func TestModellerPrediction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Horizon = 10
	cfg.PredictionThreshold = .3
	cfg.PdfBins = 4
	m := newModeller(t, cfg)
	ftrs, assign, times := cycle(10)
	require.NoError(t, m.Init(ftrs, 3, assign, times, nil))
	sets, ids := leafSets(3)

	pred, ok, err := m.PredictOccurrence(noFtrs(3), sets, ids, 0, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, pred.Prob, .3)
	assert.LessOrEqual(t, pred.Prob, 1.0)
	assert.Len(t, pred.Pdf, 4)
	assert.Len(t, pred.Times, 4)

	m.cfg.PredictionThreshold = 1.01
	_, ok, err = m.PredictOccurrence(noFtrs(3), sets, ids, 0, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestModellerHiddenState(t *testing.T) {
	ftrs, assign, times := cycle(8)
	batchEnd := make([]bool, len(assign))
	batchEnd[35] = true
	batchEnd[len(batchEnd)-1] = true

	plain := newModeller(t, DefaultConfig())
	assert.Error(t, plain.Init(ftrs, 3, assign, times, batchEnd))

	cfg := DefaultConfig()
	cfg.HiddenState = true
	m := newModeller(t, cfg)
	require.NoError(t, m.Init(ftrs, 3, assign, times, batchEnd))
	assert.Equal(t, 3, m.CurrentState())
	assert.Equal(t, 1.0, m.hiddenCounts[0])

	sets, ids := leafSets(3)
	q, err := m.QMatrix(sets, noFtrs(3))
	require.NoError(t, err)
	r, _ := q.Dims()
	assert.Equal(t, 4, r)

	pi, err := m.StatDist(sets, noFtrs(3))
	require.NoError(t, err)
	assert.Len(t, pi, 3)
	assert.InDelta(t, 1, floats.Sum(pi), 1e-9)

	j, err := m.JumpMatrix(sets, noFtrs(3))
	require.NoError(t, err)
	jr, jc := j.Dims()
	assert.Equal(t, 3, jr)
	assert.Equal(t, 3, jc)

	fut, err := m.FutureProbs(sets, noFtrs(3), ids, 0, 1)
	require.NoError(t, err)
	assert.Len(t, fut, 3)

	leaf, err := m.LeafQ(noFtrs(3))
	require.NoError(t, err)
	lr, _ := leaf.Dims()
	assert.Equal(t, 3, lr)

	// the record following a batch end is counted towards the hidden exit
	require.NoError(t, m.OnAddRec(1, times[len(times)-1]+int64(ftr.Hour), false))
	assert.Equal(t, 1.0, m.hiddenCounts[1])
}

func TestModellerTimeGoesBack(t *testing.T) {
	m := newModeller(t, DefaultConfig())
	ftrs, assign, times := cycle(3)
	require.NoError(t, m.Init(ftrs, 3, assign, times, nil))

	require.NoError(t, m.OnAddRec(0, times[0], false))
	assert.Equal(t, 2, m.CurrentState())

	assert.Error(t, m.OnAddRec(0, times[len(times)-1], true))
	assert.Error(t, m.OnAddRec(5, times[len(times)-1], false))
}

func TestModellerInitErrors(t *testing.T) {
	m := newModeller(t, DefaultConfig())
	ftrs, assign, times := cycle(2)
	times[4] = times[3]
	assert.Error(t, m.Init(ftrs, 3, assign, times, nil))

	_, assign, times = cycle(2)
	assign[0] = 3
	assert.Error(t, m.Init(ftrs, 3, assign, times, nil))

	assert.Error(t, m.Init(ftrs[:1], 3, assign[:1], times[:1], nil))

	_, err := New(Config{Horizon: 0}, ftr.Hour)
	assert.Error(t, err)
}

func TestModellerSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HiddenState = true
	m := newModeller(t, cfg)
	ftrs, assign, times := cycle(6)
	batchEnd := make([]bool, len(assign))
	batchEnd[26] = true
	require.NoError(t, m.Init(ftrs, 3, assign, times, batchEnd))

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(m.Snapshot()))
	var snap Snapshot
	require.NoError(t, gob.NewDecoder(&buf).Decode(&snap))
	back, err := Restore(snap)
	require.NoError(t, err)

	sets, _ := leafSets(3)
	want, err := m.StatDist(sets, noFtrs(3))
	require.NoError(t, err)
	got, err := back.StatDist(sets, noFtrs(3))
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-12)
	assert.Equal(t, m.CurrentState(), back.CurrentState())

	snap.NStates = 5
	_, err = Restore(snap)
	assert.Error(t, err)
}
