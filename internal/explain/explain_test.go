package explain

import (
	"bytes"
	"context"
	"encoding/gob"
	"math"
	"testing"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoLeafTree has leaves 0 and 1 under root 2.
type twoLeafTree struct{}

func (twoLeafTree) States() int { return 3 }

func (twoLeafTree) Height(id int) (float64, error) {
	if id == 2 {
		return 1, nil
	}
	return 0, nil
}

func (twoLeafTree) StateSetsAtHeight(h float64) ([]int, [][]int, error) {
	if h < 1 {
		return []int{0, 1}, [][]int{{0}, {1}}, nil
	}
	return []int{2}, [][]int{{0, 1}}, nil
}

var spaces = ftr.Spaces{
	Obs:   []ftr.Info{ftr.NewNumeric("level", 0)},
	Contr: []ftr.Info{ftr.NewCategorical("mode", 0, 2)},
}

// blobs puts leaf 0 on [0, 1) with mode 0 and leaf 1 on [10, 11) with mode 1.
func blobs() ([][]float64, []int) {
	var obs, contr, ign [][]float64
	var assign []int
	for leaf := 0; leaf < 2; leaf++ {
		for i := 0; i < 50; i++ {
			obs = append(obs, []float64{float64(10*leaf) + float64(i)/50})
			mode := []float64{0, 0}
			mode[leaf] = 1
			contr = append(contr, mode)
			ign = append(ign, []float64{})
			assign = append(assign, leaf)
		}
	}
	return Join(obs, contr, ign), assign
}

func fitted(t *testing.T) *Explainer {
	t.Helper()
	e, err := New(Config{Lambda: 1, Workers: 2})
	require.NoError(t, err)
	x, assign := blobs()
	require.NoError(t, e.Init(context.Background(), spaces, x, assign, twoLeafTree{}, nil))
	return e
}

func TestJoin(t *testing.T) {
	x := Join([][]float64{{1}}, [][]float64{{2, 3}}, [][]float64{{4}})
	assert.Equal(t, [][]float64{{1, 2, 3, 4}}, x)
}

func TestInitWeights(t *testing.T) {
	e := fitted(t)

	w, err := e.FeatureWeights(1, 0)
	require.NoError(t, err)
	require.Len(t, w, 1)
	assert.Greater(t, w[0], 0.0)

	w, err = e.FeatureWeights(0, 0)
	require.NoError(t, err)
	assert.Less(t, w[0], 0.0)

	w, err = e.FeatureWeights(1, 1)
	require.NoError(t, err)
	require.Len(t, w, 2)
	assert.Greater(t, w[1], w[0])

	_, err = e.Weights(1, 2, 5)
	assert.Error(t, err)
	_, err = e.FeatureWeights(1, 9)
	assert.Error(t, err)
}

func TestInitExplain(t *testing.T) {
	e := fitted(t)

	terms, err := e.Explain(1)
	require.NoError(t, err)
	require.Len(t, terms, 1)
	require.Len(t, terms[0].Intervals, 1)
	iv := terms[0].Intervals[0]
	assert.Equal(t, 0, iv.Ftr)
	assert.InDelta(t, 5.49, iv.Lower, 1e-9)
	assert.True(t, math.IsInf(iv.Upper, 1))
	assert.Equal(t, 50, terms[0].Pos)

	terms, err = e.Explain(2)
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Empty(t, terms[0].Intervals)

	tree, err := e.Classifier(0)
	require.NoError(t, err)
	assert.Less(t, tree.Predict([]float64{10.5, 0, 1}), .5)

	_, err = e.Explain(3)
	assert.Error(t, err)
}

func TestInitRootIsConstant(t *testing.T) {
	e := fitted(t)

	// every record belongs to the root, so nothing is fitted for it
	w, err := e.Weights(2, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, w)

	tree, err := e.Classifier(2)
	require.NoError(t, err)
	require.True(t, tree.Root.IsLeaf())
	assert.Equal(t, 100, tree.Root.Pos)
	assert.Equal(t, 0, tree.Root.Neg)
	assert.Equal(t, 1.0, tree.Predict([]float64{5, 1, 0}))
}

func TestBounds(t *testing.T) {
	e := fitted(t)

	b, err := e.Bounds(0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Min)
	assert.InDelta(t, 10.98, b.Max, 1e-12)

	b, err = e.Bounds(1)
	require.NoError(t, err)
	assert.Equal(t, Bound{0, 1}, b)

	_, err = e.Bounds(2)
	assert.Error(t, err)
}

func TestInitProgressAndErrors(t *testing.T) {
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	_, err = e.Explain(0)
	assert.ErrorIs(t, err, ErrNotInitialized)

	x, assign := blobs()
	calls, last := 0, 0
	require.NoError(t, e.Init(context.Background(), spaces, x, assign, twoLeafTree{}, func(done, total int) {
		calls++
		last = done
		assert.Equal(t, 3, total)
	}))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, last)

	x[4] = x[4][:2]
	assert.Error(t, e.Init(context.Background(), spaces, x, assign, twoLeafTree{}, nil))
	assert.Error(t, e.Init(context.Background(), spaces, x[:3], assign, twoLeafTree{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	x, assign = blobs()
	assert.ErrorIs(t, e.Init(ctx, spaces, x, assign, twoLeafTree{}, nil), context.Canceled)

	_, err = New(Config{Lambda: -1})
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	e := fitted(t)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(e.Snapshot()))
	var snap Snapshot
	require.NoError(t, gob.NewDecoder(&buf).Decode(&snap))
	back, err := Restore(snap)
	require.NoError(t, err)

	for id := 0; id < 3; id++ {
		want, _ := e.Explain(id)
		got, err := back.Explain(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	want, _ := e.FeatureWeights(1, 0)
	got, err := back.FeatureWeights(1, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
