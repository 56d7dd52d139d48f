package orchestrator

import (
	"bytes"
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/activity"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/cluster"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ctmc"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/hierarchy"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

// #region helpers

var centres = [][]float64{{0, 0}, {10, 0}, {0, 10}}

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// load is a control vector inside the training range.
var load = []float64{.05}

func testSpaces() ftr.Spaces {
	return ftr.Spaces{
		Obs:   []ftr.Info{ftr.NewNumeric("x", 0), ftr.NewNumeric("y", 1)},
		Contr: []ftr.Info{ftr.NewNumeric("load", 0)},
		Ign:   []ftr.Info{ftr.NewNumeric("seq", 0)},
	}
}

// cycleData walks the three centres in order, four hourly records in each,
// under a small random load.
func cycleData(n int) Dataset {
	rng := rand.New(rand.NewPCG(3, 4))
	var ds Dataset
	for i := 0; i < n; i++ {
		c := centres[(i/4)%3]
		ds.Times = append(ds.Times, start+int64(i)*int64(ftr.Hour))
		ds.Obs = append(ds.Obs, []float64{c[0] + .3*rng.NormFloat64(), c[1] + .3*rng.NormFloat64()})
		ds.Contr = append(ds.Contr, []float64{.1 * rng.Float64()})
		ds.Ign = append(ds.Ign, []float64{float64(i)})
	}
	return ds
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StateID.Clustering = cluster.Config{Algorithm: "kmeans", K: 3, Seed: 5}
	cfg.StateID.OutlierFactor = 10
	cfg.Chain.Horizon = 50
	cfg.Chain.PredictionThreshold = .01
	cfg.Visual.MCTrials = 100
	cfg.Explain.Workers = 2
	return cfg
}

type recorder struct {
	changes     [][]hierarchy.IDHeight
	anomalies   int
	outliers    int
	predictions []ctmc.Prediction
	activities  []activity.Detection
	progress    []int
}

func (r *recorder) OnStateChanged(_ int64, s []hierarchy.IDHeight) { r.changes = append(r.changes, s) }
func (r *recorder) OnAnomaly(int64, int, int)                      { r.anomalies++ }
func (r *recorder) OnOutlier(int64, []float64)                     { r.outliers++ }
func (r *recorder) OnPrediction(_ int64, p ctmc.Prediction)        { r.predictions = append(r.predictions, p) }
func (r *recorder) OnActivityDetected(d activity.Detection)        { r.activities = append(r.activities, d) }
func (r *recorder) OnProgress(p int, _ string)                     { r.progress = append(r.progress, p) }

func initModel(t *testing.T) (*Model, *recorder) {
	t.Helper()
	m, err := New(testConfig(), testSpaces())
	require.NoError(t, err)
	rec := &recorder{}
	m.SetListener(rec)
	require.NoError(t, m.Init(context.Background(), cycleData(120)))
	return m, rec
}

// leafOf returns the leaf holding a centre.
func leafOf(t *testing.T, m *Model, c int) int {
	t.Helper()
	s, err := m.ident.Assign(0, centres[c])
	require.NoError(t, err)
	return s
}

// #endregion

func TestInitBuildsEveryComponent(t *testing.T) {
	m, rec := initModel(t)

	require.Equal(t, 3, m.LeafStates())
	assert.Equal(t, 0, rec.progress[0])
	assert.Equal(t, 100, rec.progress[len(rec.progress)-1])
	for i := 1; i < len(rec.progress); i++ {
		assert.GreaterOrEqual(t, rec.progress[i], rec.progress[i-1])
	}

	leaves := map[int]bool{}
	for c := range centres {
		leaves[leafOf(t, m, c)] = true
	}
	assert.Len(t, leaves, 3, "every centre has its own state")

	ids, sets, err := m.StateSetsAtHeight(0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ids)
	assert.Len(t, sets, 3)

	_, pi, err := m.StatDist(0)
	require.NoError(t, err)
	assert.InDelta(t, 1, floats.Sum(pi), 1e-9)
	for _, p := range pi {
		assert.InDelta(t, 1.0/3, p, .1)
	}

	levels, err := m.Levels()
	require.NoError(t, err)
	require.NotEmpty(t, levels)
	for _, lv := range levels {
		sum := 0.0
		for _, s := range lv.States {
			sum += s.Prob
			assert.Greater(t, s.Radius, 0.0)
		}
		assert.InDelta(t, 1, sum, 1e-6)
		assert.Len(t, lv.Jump, len(lv.States))
	}

	_, err = m.AutoName(m.tree.Root())
	assert.NoError(t, err)
	terms, err := m.Explain(0)
	require.NoError(t, err)
	assert.NotEmpty(t, terms)
	w, err := m.Weights(0)
	require.NoError(t, err)
	assert.Len(t, w, 2)
	b, err := m.FeatureBounds(3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Min)
	assert.Equal(t, 119.0, b.Max)
}

func TestOnAddRecEmitsStateChanges(t *testing.T) {
	m, rec := initModel(t)
	last := m.LastState()
	require.GreaterOrEqual(t, last, 0)

	tm := m.LastTime()
	// staying in the current state changes nothing
	lastCentre := -1
	for c := range centres {
		if leafOf(t, m, c) == last {
			lastCentre = c
		}
	}
	require.GreaterOrEqual(t, lastCentre, 0)
	tm += int64(ftr.Hour)
	require.NoError(t, m.OnAddRec(tm, centres[lastCentre], load))
	assert.Empty(t, rec.changes)

	next := (lastCentre + 1) % 3
	tm += int64(ftr.Hour)
	require.NoError(t, m.OnAddRec(tm, centres[next], load))
	require.Len(t, rec.changes, 1)
	assert.Equal(t, leafOf(t, m, next), rec.changes[0][0].ID)
	assert.Equal(t, leafOf(t, m, next), m.LastState())
	assert.Equal(t, 0, rec.anomalies)

	_, err := m.CurrentState(0)
	require.NoError(t, err)
	assert.Error(t, m.OnAddRec(tm, centres[0], []float64{1, 2}))
}

func TestOnAddRecOutlier(t *testing.T) {
	m, rec := initModel(t)
	last := m.LastState()
	require.NoError(t, m.OnAddRec(m.LastTime()+1, []float64{500, -500}, load))
	assert.Equal(t, 1, rec.outliers)
	assert.Empty(t, rec.changes)
	assert.Equal(t, last, m.LastState())
}

func TestActivityAndPrediction(t *testing.T) {
	m, rec := initModel(t)
	reg := prometheus.NewRegistry()
	m.SetMetrics(metrics.New(reg))

	a, b, c := leafOf(t, m, 0), leafOf(t, m, 1), leafOf(t, m, 2)
	require.NoError(t, m.AddActivity("cycle", [][]int{{a}, {b}, {c}}))
	assert.Equal(t, []activity.Summary{{Name: "cycle", Steps: 3}}, m.Activities())
	require.NoError(t, m.SetTarget(c, true))
	assert.True(t, m.IsTarget(c))

	tm := m.LastTime()
	for _, centre := range []int{2, 0, 1, 2, 0} {
		tm += 4 * int64(ftr.Hour)
		require.NoError(t, m.OnAddRec(tm, centres[centre], load))
	}

	require.Len(t, rec.activities, 1)
	assert.Equal(t, "cycle", rec.activities[0].Name)
	assert.Less(t, rec.activities[0].Start, rec.activities[0].End)

	require.NotEmpty(t, rec.predictions)
	for _, p := range rec.predictions {
		assert.Equal(t, c, p.To)
		assert.NotEqual(t, c, p.From)
		assert.GreaterOrEqual(t, p.Prob, .01)
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(m.metrics.Records))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.Events.WithLabelValues(metrics.EventActivity)))

	require.NoError(t, m.RemoveActivity("cycle"))
	assert.Error(t, m.RemoveActivity("cycle"))
	require.NoError(t, m.SetTarget(c, false))
	assert.Empty(t, m.Targets())
}

func TestControls(t *testing.T) {
	m, _ := initModel(t)
	root := m.tree.Root()
	before, err := m.QMatrix(0)
	require.NoError(t, err)

	require.NoError(t, m.SetControlAll(2, 2))
	assert.True(t, m.IsAnyControlSet())
	v, set, err := m.Control(0, 2)
	require.NoError(t, err)
	assert.True(t, set)
	assert.Equal(t, 2.0, v)

	after, err := m.QMatrix(0)
	require.NoError(t, err)
	assert.False(t, floats.Equal(before.RawMatrix().Data, after.RawMatrix().Data))

	require.NoError(t, m.ResetControls(root))
	assert.False(t, m.IsAnyControlSet())

	assert.ErrorIs(t, m.SetControl(0, 0, 1), ErrNotControl)
	assert.Error(t, m.SetControl(0, 9, 1))
}

func TestQueries(t *testing.T) {
	m, _ := initModel(t)
	a := leafOf(t, m, 0)

	probs, err := m.FutureStates(0, a, 1)
	require.NoError(t, err)
	sum := 0.0
	for _, p := range probs {
		sum += p.Prob
	}
	assert.InDelta(t, 1, sum, 1e-6)
	_, err = m.FutureStates(0, a, -1)
	assert.Error(t, err)

	next, err := m.NextStates(0, a)
	require.NoError(t, err)
	require.NotEmpty(t, next)
	assert.Equal(t, leafOf(t, m, 1), next[0].ID)

	prev, err := m.PrevStates(0, a)
	require.NoError(t, err)
	require.NotEmpty(t, prev)
	assert.Equal(t, leafOf(t, m, 2), prev[0].ID)

	ids, at, err := m.ProbsAtTime(a, 0, -2)
	require.NoError(t, err)
	assert.Len(t, at, len(ids))

	centroid, err := m.Centroid(a, ftr.Observation)
	require.NoError(t, err)
	assert.InDelta(t, 0, centroid[0], .3)

	_, hist, err := m.Histogram(a, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1, floats.Sum(hist), 1e-9)

	bins, src, dst, all, err := m.TransitionHistogram(a, leafOf(t, m, 1), 1)
	require.NoError(t, err)
	assert.Len(t, src, len(bins))
	assert.InDelta(t, floats.Sum(all), floats.Sum(src)+floats.Sum(dst)+sumOf(t, m, leafOf(t, m, 2), 1), 1e-9)

	require.NoError(t, m.SetName(a, "origin"))
	name, err := m.Name(a)
	require.NoError(t, err)
	assert.Equal(t, "origin", name)

	hist2, _, _, err := m.StateHistory(0, 1, 10)
	require.NoError(t, err)
	assert.Len(t, hist2, len(m.Heights()))
}

func sumOf(t *testing.T, m *Model, id, ftrID int) float64 {
	t.Helper()
	leaves, err := m.leaves(id)
	require.NoError(t, err)
	_, counts, err := m.ident.Histogram(ftrID, leaves, false)
	require.NoError(t, err)
	return floats.Sum(counts)
}

func TestSaveLoadReproducesModel(t *testing.T) {
	m, _ := initModel(t)
	require.NoError(t, m.SetName(0, "first"))

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))
	back, err := Load(&buf)
	require.NoError(t, err)

	_, want, err := m.StatDist(0)
	require.NoError(t, err)
	_, got, err := back.StatDist(0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-12)

	name, _ := back.Name(0)
	assert.Equal(t, "first", name)
	assert.Equal(t, m.Heights(), back.Heights())
	assert.Equal(t, m.LastState(), back.LastState())

	_, wantHist, _ := m.Histogram(1, 0)
	_, gotHist, _ := back.Histogram(1, 0)
	assert.Equal(t, wantHist, gotHist)

	// the same stream drives both models through the same states
	recA, recB := &recorder{}, &recorder{}
	m.SetListener(recA)
	back.SetListener(recB)
	tm := m.LastTime()
	for i, centre := range []int{1, 1, 2, 0, 2, 1} {
		tm += int64(ftr.Hour)
		obs := []float64{centres[centre][0] + .1*float64(i), centres[centre][1]}
		require.NoError(t, m.OnAddRec(tm, obs, load))
		require.NoError(t, back.OnAddRec(tm, obs, load))
	}
	assert.Equal(t, recA.changes, recB.changes)
}

func TestNotInitialized(t *testing.T) {
	m, err := New(testConfig(), testSpaces())
	require.NoError(t, err)
	assert.ErrorIs(t, m.OnAddRec(0, []float64{0, 0}, []float64{0}), ErrNotInitialized)
	assert.ErrorIs(t, m.Save(&bytes.Buffer{}), ErrNotInitialized)
	_, err = m.Levels()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, m.InitHierarchy(context.Background(), cycleData(10)), ErrNotInitialized)

	_, err = Load(bytes.NewReader([]byte("garbage")))
	assert.Error(t, err)
}

func TestInitRejectsBadData(t *testing.T) {
	m, err := New(testConfig(), testSpaces())
	require.NoError(t, err)

	ds := cycleData(20)
	ds.Obs[3][1] = math.NaN()
	assert.Error(t, m.Init(context.Background(), ds))

	ds = cycleData(20)
	ds.BatchEnd = make([]bool, 20)
	assert.Error(t, m.Init(context.Background(), ds), "batches need a hidden state")

	ds = cycleData(20)
	ds.Contr = ds.Contr[:5]
	assert.Error(t, m.Init(context.Background(), ds))
}

func TestInitBatches(t *testing.T) {
	cfg := testConfig()
	cfg.Chain.HiddenState = true
	m, err := New(cfg, testSpaces())
	require.NoError(t, err)

	ds := cycleData(120)
	ds.BatchEnd = make([]bool, 120)
	for i := 29; i < 120; i += 30 {
		ds.BatchEnd[i] = true
	}
	require.NoError(t, m.Init(context.Background(), ds))
	assert.Equal(t, -1, m.LastState())

	_, pi, err := m.StatDist(0)
	require.NoError(t, err)
	assert.Len(t, pi, 3)
	assert.InDelta(t, 1, floats.Sum(pi), 1e-9)
}

func TestCheckBatches(t *testing.T) {
	assert.NoError(t, CheckBatches([]int64{1, 2, 3, 0, 1}, []bool{false, false, true, false, true}))
	assert.Error(t, CheckBatches([]int64{1, 2, 3}, []bool{false, true, true}))
	assert.Error(t, CheckBatches([]int64{1, 3, 2}, []bool{false, false, true}))
	assert.Error(t, CheckBatches([]int64{1}, []bool{false, true}))
}

func TestInitHierarchyRebuilds(t *testing.T) {
	m, _ := initModel(t)
	before := m.tree.States()
	require.NoError(t, m.InitHierarchy(context.Background(), cycleData(60)))
	assert.Equal(t, before, m.tree.States())
	_, err := m.AutoName(m.tree.Root())
	assert.NoError(t, err)
}
