package visual

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"testing"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/stateid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region fakes
// fakeIdent has three leaves: one numeric observation feature over ten
// bins, one categorical control feature and hour-of-day histograms.
type fakeIdent struct {
	hists [2][3][]float64 // [feature][leaf]
	hours [3][]float64
}

func newFakeIdent() *fakeIdent {
	f := &fakeIdent{}
	for leaf := 0; leaf < 3; leaf++ {
		num := make([]float64, 10)
		num[4*leaf], num[4*leaf+1] = 5, 5
		f.hists[0][leaf] = num
		cat := make([]float64, 3)
		cat[leaf] = 10
		f.hists[1][leaf] = cat
		hours := make([]float64, 24)
		hours[8+leaf] = 10
		f.hours[leaf] = hours
	}
	return f
}

func (f *fakeIdent) ObsCentroids() [][]float64 { return [][]float64{{0}, {1}, {2}} }

func (f *fakeIdent) Spaces() ftr.Spaces {
	return ftr.Spaces{
		Obs:   []ftr.Info{ftr.NewNumeric("level", 0)},
		Contr: []ftr.Info{ftr.NewCategorical("mode", 0, 3)},
	}
}

func (f *fakeIdent) Histogram(ftrID int, states []int, _ bool) ([]float64, []float64, error) {
	if ftrID < 0 || ftrID > 1 {
		return nil, nil, fmt.Errorf("bad feature %d", ftrID)
	}
	counts := make([]float64, len(f.hists[ftrID][0]))
	for _, s := range states {
		for b, c := range f.hists[ftrID][s] {
			counts[b] += c
		}
	}
	vals := make([]float64, len(counts))
	for b := range vals {
		vals[b] = float64(b)
	}
	return vals, counts, nil
}

func (f *fakeIdent) TimeHistogram(states []int, kind stateid.TimeHist) ([]int, []float64, error) {
	bins := map[stateid.TimeHist]int{stateid.HourOfDay: 24, stateid.DayOfWeek: 7, stateid.DayOfMonth: 31, stateid.MonthOfYear: 12}[kind]
	counts := make([]float64, bins)
	if kind == stateid.HourOfDay {
		for _, s := range states {
			for b, c := range f.hours[s] {
				counts[b] += c
			}
		}
	}
	return make([]int, bins), counts, nil
}

// fakeTree has three leaves under a single root.
type fakeTree struct{}

func (fakeTree) States() int              { return 4 }
func (fakeTree) Leafs() int               { return 3 }
func (fakeTree) UniqueHeights() []float64 { return []float64{0, 1} }

func (fakeTree) LeafDescendants(id int) ([]int, error) {
	if id == 3 {
		return []int{0, 1, 2}, nil
	}
	return []int{id}, nil
}

func (fakeTree) StateSetsAtHeight(h float64) ([]int, [][]int, error) {
	if h < 1 {
		return []int{0, 1, 2}, [][]int{{0}, {1}, {2}}, nil
	}
	return []int{3}, [][]int{{0, 1, 2}}, nil
}

func uniform(sets [][]int) ([]float64, error) {
	out := make([]float64, len(sets))
	for i := range out {
		out[i] = 1 / float64(len(sets))
	}
	return out, nil
}

func initHelper(t *testing.T) *Helper {
	t.Helper()
	h, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, h.Init(newFakeIdent(), fakeTree{}, uniform, ftr.Hour))
	return h
}

// #endregion fakes

func TestMDSPreservesDistances(t *testing.T) {
	pts := MDS([][]float64{{0, 0}, {3, 0}, {0, 4}})
	dist := func(a, b Point) float64 { return math.Hypot(a.X-b.X, a.Y-b.Y) }
	assert.InDelta(t, 3, dist(pts[0], pts[1]), 1e-9)
	assert.InDelta(t, 4, dist(pts[0], pts[2]), 1e-9)
	assert.InDelta(t, 5, dist(pts[1], pts[2]), 1e-9)

	assert.Equal(t, []Point{{}}, MDS([][]float64{{7, 7}}))
}

func TestRadius(t *testing.T) {
	assert.InDelta(t, 1, Radius(math.Pi), 1e-12)
	assert.Greater(t, Overlap(Point{0, 0}, Point{1, 0}, .6, .6), 0.0)
	assert.Less(t, Overlap(Point{0, 0}, Point{2, 0}, .6, .6), 0.0)
}

func TestHasMxPeaks(t *testing.T) {
	peaks, mass, ok := HasMxPeaks(1, .7, []float64{0, 0, 5, 5, 0, 0, 0, 0})
	assert.True(t, ok)
	assert.Equal(t, [][2]int{{2, 3}}, peaks)
	assert.Equal(t, 10.0, mass)

	peaks, _, ok = HasMxPeaks(1, .7, []float64{5, 0, 0, 0, 0, 0, 0, 5})
	assert.True(t, ok)
	assert.Equal(t, [][2]int{{7, 0}}, peaks)

	_, _, ok = HasMxPeaks(1, .7, []float64{5, 0, 0, 5, 0, 0, 0, 0})
	assert.False(t, ok)

	_, _, ok = HasMxPeaks(1, .7, []float64{1, 1, 1, 1})
	assert.False(t, ok)
	_, _, ok = HasMxPeaks(1, .7, []float64{0, 0})
	assert.False(t, ok)

	// a single run that carries too little of the mass
	_, _, ok = HasMxPeaks(1, .7, []float64{3, 2, 2, 2, 2, 2, 2, 2, 2, 2})
	assert.False(t, ok)
}

func TestNumericName(t *testing.T) {
	global := make([]float64, 10)
	for b := range global {
		global[b] = 1
	}
	pvals := midBinPValues(global)
	assert.InDelta(t, .05, pvals[0], 1e-12)
	assert.InDelta(t, .95, pvals[9], 1e-12)

	top := make([]float64, 10)
	top[9] = 4
	name := numericName(0, top, pvals)
	assert.Equal(t, Highest, name.Level)
	assert.InDelta(t, .05, name.PValue, 1e-12)

	bottom := make([]float64, 10)
	bottom[0] = 4
	assert.Equal(t, Lowest, numericName(0, bottom, pvals).Level)

	assert.Equal(t, Medium, numericName(0, global, pvals).Level)

	assert.Equal(t, Low, numericLevel(.2, .2, .8))
	assert.Equal(t, High, numericLevel(.2, .8, .2))
}

func TestInitLayout(t *testing.T) {
	h := initHelper(t)
	radius := Radius(1.0/3) * initRadiusFactor
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			pi, err := h.Coords(i)
			require.NoError(t, err)
			pj, err := h.Coords(j)
			require.NoError(t, err)
			assert.LessOrEqual(t, Overlap(pi, pj, radius, radius), 0.0)
		}
	}
	_, err := h.Coords(4)
	assert.Error(t, err)

	require.NoError(t, h.SetCoords(3, Point{1, 2}))
	p, _ := h.Coords(3)
	assert.Equal(t, Point{1, 2}, p)
}

func TestInitAutoNames(t *testing.T) {
	h := initHelper(t)

	name, err := h.AutoName(0)
	require.NoError(t, err)
	assert.Equal(t, ftr.Categorical, name.Type)
	assert.Equal(t, 1, name.FtrID)
	assert.Equal(t, 0, name.Bin)
	assert.Less(t, name.PValue, .01)

	descs, err := h.Descriptions(0)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, ftr.Categorical, descs[0].Type)
	assert.Equal(t, Lowest, descs[1].Level)

	descs, err = h.Descriptions(1)
	require.NoError(t, err)
	require.Len(t, descs, 1, "the middle leaf has an unremarkable level")

	// the root is unremarkable in every feature but busy from 8AM to 10AM
	root, err := h.AutoName(3)
	require.NoError(t, err)
	assert.Equal(t, ftr.Time, root.Type)
	assert.Equal(t, TimeDesc{Hist: stateid.HourOfDay, Start: 8, End: 10}, root.Period)

	periods, err := h.TimeDescriptions(0)
	require.NoError(t, err)
	assert.Equal(t, []TimeDesc{{stateid.HourOfDay, 8, 8}}, periods)
}

func TestFromTo(t *testing.T) {
	from, to, err := FromTo(TimeDesc{stateid.HourOfDay, 8, 12}, false)
	require.NoError(t, err)
	assert.Equal(t, "8AM", from)
	assert.Equal(t, "Noon", to)

	from, to, err = FromTo(TimeDesc{stateid.DayOfWeek, 0, 4}, true)
	require.NoError(t, err)
	assert.Equal(t, "Mon", from)
	assert.Equal(t, "Fri", to)

	from, _, err = FromTo(TimeDesc{stateid.MonthOfYear, 11, 1}, false)
	require.NoError(t, err)
	assert.Equal(t, "December", from)

	from, _, err = FromTo(TimeDesc{stateid.DayOfMonth, 20, 22}, false)
	require.NoError(t, err)
	assert.Equal(t, "21st", from)

	_, _, err = FromTo(TimeDesc{stateid.DayOfWeek, 0, 7}, false)
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := initHelper(t)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(h.Snapshot()))
	var snap Snapshot
	require.NoError(t, gob.NewDecoder(&buf).Decode(&snap))
	back, err := Restore(snap)
	require.NoError(t, err)

	for id := 0; id < 4; id++ {
		want, _ := h.AutoName(id)
		got, err := back.AutoName(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		wp, _ := h.Coords(id)
		gp, _ := back.Coords(id)
		assert.Equal(t, wp, gp)
	}

	snap.Descs = snap.Descs[:1]
	_, err = Restore(snap)
	assert.Error(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{MaxRefineIter: 0, MCTrials: 1})
	assert.Error(t, err)
	_, err = New(Config{MaxRefineIter: 1, MCTrials: 0})
	assert.Error(t, err)

	h, err := New(DefaultConfig())
	require.NoError(t, err)
	_, err = h.AutoName(0)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
