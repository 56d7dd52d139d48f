package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region fixture-tests
func TestSyntheticLayout(t *testing.T) {
	f := Synthetic(12, 6, 1)
	require.Len(t, f.Init, 12)
	require.Len(t, f.Stream, 7, "stream ends with an outlier")
	assert.Equal(t, []float64{500, -500}, f.Stream[6].Obs)
	assert.Equal(t, f.Init[11].Time+int64(ftr.Hour), f.Stream[0].Time)
	assert.NoError(t, f.Spaces.Validate())

	ds := f.Dataset()
	assert.Equal(t, 12, ds.Len())
	assert.Nil(t, ds.BatchEnd)
	assert.Len(t, ds.Contr[0], 1)
	assert.NotNil(t, ds.Ign[0])
}

func TestDatasetBatches(t *testing.T) {
	f := Synthetic(8, 0, 1)
	f.Init[3].BatchEnd = true
	ds := f.Dataset()
	require.Len(t, ds.BatchEnd, 8)
	assert.True(t, ds.BatchEnd[3])
	assert.False(t, ds.BatchEnd[7])
}

func TestToConfig(t *testing.T) {
	cfg, err := FixtureConfig{TimeUnit: "minute", Clusters: 4, Seed: 9, HiddenState: true, MCTrials: 10}.ToConfig()
	require.NoError(t, err)
	assert.Equal(t, ftr.Minute, cfg.Unit)
	assert.Equal(t, 4, cfg.StateID.Clustering.K)
	assert.Equal(t, uint64(9), cfg.StateID.Clustering.Seed)
	assert.True(t, cfg.Chain.HiddenState)
	assert.Equal(t, 10, cfg.Visual.MCTrials)

	_, err = FixtureConfig{TimeUnit: "fortnight"}.ToConfig()
	assert.Error(t, err)
}

func TestLoadFixtureErrors(t *testing.T) {
	_, err := LoadFixture(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

// #endregion fixture-tests

// #region replay-tests
func TestRunSynthetic(t *testing.T) {
	f := Synthetic(120, 24, 3)
	m, results, err := Run(context.Background(), f, nil)
	require.NoError(t, err)
	require.Len(t, results, 25)

	for i, r := range results[:24] {
		assert.Equal(t, i%4 == 0, r.HasEvent(metrics.EventStateChanged), "record %d", i)
	}
	assert.Equal(t, []string{metrics.EventOutlier}, results[24].Events)

	target, err := m.LeafOf(Centres[2])
	require.NoError(t, err)
	for _, r := range results {
		if r.HasEvent(metrics.EventPrediction) {
			assert.NotEqual(t, target, r.Leaf, "no prediction once inside the target")
		}
	}

	s := Summarize(results, ftr.Hour)
	assert.Equal(t, 25, s.Records)
	assert.Equal(t, 6, s.StateChanges)
	assert.Equal(t, 1, s.Outliers)
	assert.Equal(t, 1, s.Activities)
	assert.Equal(t, 0, s.Anomalies)
	assert.Greater(t, s.Predictions, 0)
	assert.InDelta(t, 4, s.MeanDwell, 1e-9)
	assert.InDelta(t, 0, s.StdDwell, 1e-9)
	assert.Len(t, s.Occupancy, 3)
	for _, p := range s.Occupancy {
		assert.InDelta(t, 1.0/3, p, 1e-9)
	}
	assert.Equal(t, target, s.FinalLeaf)
}

func TestGoldenRoundTrip(t *testing.T) {
	f := Synthetic(120, 24, 3)
	_, results, err := Run(context.Background(), f, nil)
	require.NoError(t, err)
	f.ExpectedResults = Expected(results)
	assert.Empty(t, Check(f, results))

	path := filepath.Join(t.TempDir(), "golden.json")
	require.NoError(t, WriteFixture(path, f))
	loaded, err := LoadFixture(path)
	require.NoError(t, err)
	assert.Equal(t, f.Spaces, loaded.Spaces)

	_, again, err := Run(context.Background(), loaded, nil)
	require.NoError(t, err)
	assert.Empty(t, Check(loaded, again))

	loaded.ExpectedResults[0].Events = []string{metrics.EventAnomaly}
	leaf := -7
	loaded.ExpectedResults[1].Leaf = &leaf
	loaded.ExpectedResults = append(loaded.ExpectedResults, FixtureExpectedResult{Index: 99})
	assert.Len(t, Check(loaded, again), 3)
}

func TestCheckUnexpectedEvents(t *testing.T) {
	f := &Fixture{}
	results := []ReplayResult{{Index: 0}, {Index: 1, Events: []string{metrics.EventOutlier}}}
	mismatches := Check(f, results)
	require.Len(t, mismatches, 1)
	assert.Contains(t, mismatches[0], "record 1")
}

func TestReplayCancelled(t *testing.T) {
	f := Synthetic(60, 4, 2)
	m, err := Build(context.Background(), f, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := Replay(ctx, m, f.Stream, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil, ftr.Hour)
	assert.Equal(t, 0, s.Records)
	assert.Equal(t, -1, s.FinalLeaf)
}

// #endregion replay-tests
