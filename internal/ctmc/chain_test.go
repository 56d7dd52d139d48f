package ctmc

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// #region helpers
func twoState() *mat.Dense {
	return mat.NewDense(2, 2, []float64{
		-1, 1,
		2, -2,
	})
}

// twoBlocks has fast transitions inside {0,1} and {2,3} and slow ones
// between them.
func twoBlocks(between float64) *mat.Dense {
	q := mat.NewDense(4, 4, []float64{
		0, 10, between, 0,
		10, 0, 0, between,
		between, 0, 0, 10,
		0, between, 10, 0,
	})
	for i := 0; i < 4; i++ {
		q.Set(i, i, -floats.Sum(mat.Row(nil, i, q)))
	}
	return q
}

func sorted(sets ...[]int) [][]int {
	out := make([][]int, len(sets))
	for i, s := range sets {
		out[i] = append([]int(nil), s...)
		sort.Ints(out[i])
	}
	sort.Slice(out, func(a, b int) bool { return out[a][0] < out[b][0] })
	return out
}

// #endregion helpers

func TestStatDistTwoState(t *testing.T) {
	pi, err := StatDist(twoState())
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, pi[0], 1e-9)
	assert.InDelta(t, 1.0/3, pi[1], 1e-9)

	pi, err = StatDist(mat.NewDense(1, 1, []float64{0}))
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, pi)
}

func TestStatDistIsNullVector(t *testing.T) {
	q := twoBlocks(.5)
	pi, err := StatDist(q)
	require.NoError(t, err)
	assert.InDelta(t, 1, floats.Sum(pi), 1e-12)

	var res mat.VecDense
	res.MulVec(q.T(), mat.NewVecDense(4, pi))
	assert.Less(t, mat.Norm(&res, 2), 1e-9)
}

func TestStatDistErrors(t *testing.T) {
	_, err := StatDist(twoBlocks(0))
	assert.ErrorIs(t, err, ErrNonErgodic)

	q := twoState()
	q.Set(0, 1, math.NaN())
	_, err = StatDist(q)
	assert.ErrorIs(t, err, ErrNaN)
}

func TestAggregateDisconnected(t *testing.T) {
	q := twoBlocks(0)
	_, err := AggregateQ(q, [][]int{{0, 1}, {2, 3}})
	assert.ErrorIs(t, err, ErrNonErgodic)

	_, err = aggregate(q, []float64{.25, .25, .25, .25}, [][]int{{0, 1}, {2, 3}})
	assert.ErrorIs(t, err, ErrNonErgodic)

	_, err = aggregate(q, []float64{.25, .25, .25, .25}, [][]int{{0, 1, 2, 3}, {}})
	assert.Error(t, err)
}

func TestAggregateClosedSetWithRoundOff(t *testing.T) {
	// -0.3+0.1+0.2 sums to ~2.8e-17, not 0, so {0,1,2} looks like it leaks
	q := mat.NewDense(4, 4, []float64{
		-.3, .1, .2, 0,
		.2, -.2, 0, 0,
		0, .1, -.1, 0,
		.5, 0, 0, -.5,
	})
	sets := [][]int{{0, 1, 2}, {3}}
	_, err := aggregate(q, []float64{.3, .3, .3, .1}, sets)
	assert.ErrorIs(t, err, ErrNonErgodic)
}

func TestAggregateRowsSumToZero(t *testing.T) {
	q := twoBlocks(.5)
	agg, err := AggregateQ(q, [][]int{{0, 1}, {2, 3}})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 0, floats.Sum(mat.Row(nil, i, agg)), 1e-12)
	}
	assert.InDelta(t, .5, agg.At(0, 1), 1e-9)

	all, err := AggregateQ(q, [][]int{{0, 1, 2, 3}})
	require.NoError(t, err)
	assert.InDelta(t, 0, all.At(0, 0), 1e-12)
}

func TestRevQAndJump(t *testing.T) {
	q := twoState()
	pi, err := StatDist(q)
	require.NoError(t, err)
	rev := RevQ(q, pi)
	// two-state chains are reversible
	assert.True(t, mat.EqualApprox(q, rev, 1e-9))

	q3 := mat.NewDense(3, 3, []float64{
		-2, 1, 1,
		0, 0, 0,
		3, 1, -4,
	})
	j := JumpMatrix(q3)
	assert.Equal(t, []float64{0, .5, .5}, mat.Row(nil, 0, j))
	assert.Equal(t, []float64{0, 1, 0}, mat.Row(nil, 1, j))
	assert.Equal(t, []float64{.75, .25, 0}, mat.Row(nil, 2, j))

	assert.Equal(t, []float64{1, .5}, HoldingTimes(q))
}

func TestSubChain(t *testing.T) {
	sub := SubChain(twoBlocks(.5), []int{0, 2})
	assert.Equal(t, []float64{-.5, .5}, mat.Row(nil, 0, sub))
	assert.Equal(t, []float64{.5, -.5}, mat.Row(nil, 1, sub))
}

func TestFutureProb(t *testing.T) {
	q := twoState()
	p, err := FutureProb(q, 0, .1)
	require.NoError(t, err)
	assert.True(t, mat.Equal(p, identity(2)))

	p, err = FutureProb(q, .5, .01)
	require.NoError(t, err)
	// closed form for a two-state chain
	want := 2.0/3 + 1.0/3*math.Exp(-3*.5)
	assert.InDelta(t, want, p.At(0, 0), 5e-3)
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 1, floats.Sum(mat.Row(nil, i, p)), 1e-9)
	}

	p, err = FutureProb(q, 50, .1)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, p.At(1, 0), 1e-6)

	_, err = FutureProb(q, -1, .1)
	assert.Error(t, err)
}

func TestFutureProbHidden(t *testing.T) {
	q := mat.NewDense(3, 3, []float64{
		-2, 1, 1,
		1, -1, 0,
		50, 50, -100,
	})
	p, err := futureProb(q, 1, .01, true)
	require.NoError(t, err)
	r, c := p.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 1, floats.Sum(mat.Row(nil, i, p)), 1e-9)
	}
}

func TestHitTimePdf(t *testing.T) {
	q := mat.NewDense(2, 2, []float64{
		-1, 1,
		.5, -.5,
	})
	prob, times, pdf, err := HitTimePdf(q, 0, 1, .001, 2, 100)
	require.NoError(t, err)
	assert.InDelta(t, 1-math.Exp(-2), prob, .02)
	require.Len(t, times, 100)
	require.Len(t, pdf, 100)
	assert.InDelta(t, .02, times[0], 1e-12)
	// the density of an exponential hitting time decreases
	assert.Greater(t, pdf[0], pdf[99])

	prob, _, _, err = HitTimePdf(q, 1, 1, .001, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, 1.0, prob)
}

func TestHitTimePdfCoarseStep(t *testing.T) {
	// a one-unit sampling interval is long next to the rates
	prob, times, pdf, err := HitTimePdf(twoState(), 0, 1, 1, 5, 5)
	require.NoError(t, err)
	assert.InDelta(t, 1-math.Exp(-5), prob, .01)
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, times)
	assert.InDelta(t, prob, floats.Sum(pdf), 1e-9)
	assert.InDelta(t, 1-math.Exp(-1), pdf[0], .02)
}

func TestBiPartition(t *testing.T) {
	q := twoBlocks(.1)
	pi, err := StatDist(q)
	require.NoError(t, err)
	a, b, err := BiPartition(q, pi)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, sorted(a, b))

	a, b, err = BiPartition(twoState(), []float64{2.0 / 3, 1.0 / 3})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, a)
	assert.Equal(t, []int{1}, b)
}

func TestSplitAtGap(t *testing.T) {
	a, b := splitAtGap([]float64{.1, .9, .2, 1})
	assert.Equal(t, []int{0, 2}, a)
	assert.Equal(t, []int{1, 3}, b)
}

func TestPartition(t *testing.T) {
	parents, heights, err := Partition(twoBlocks(.1))
	require.NoError(t, err)
	require.Len(t, parents, 7)
	require.Len(t, heights, 7)

	root := 6
	assert.Equal(t, root, parents[root])
	assert.Equal(t, parents[0], parents[1])
	assert.Equal(t, parents[2], parents[3])
	assert.NotEqual(t, parents[0], parents[2])
	assert.Equal(t, root, parents[parents[0]])
	assert.Equal(t, root, parents[parents[2]])
	for i := 0; i < 4; i++ {
		assert.Zero(t, heights[i])
	}
	for _, n := range []int{4, 5} {
		assert.Greater(t, heights[n], 0.0)
	}
}

func TestRelativeEntropyIdentity(t *testing.T) {
	d, err := RelativeEntropy(twoBlocks(.5), [][]int{{0}, {1}, {2}, {3}})
	require.NoError(t, err)
	assert.InDelta(t, 0, d, 1e-9)
}
