package store

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/cluster"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region helpers
func tempDB(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testModel(t *testing.T) *orchestrator.Model {
	t.Helper()
	centres := [][]float64{{0, 0}, {10, 0}, {0, 10}}
	rng := rand.New(rand.NewPCG(1, 2))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	var ds orchestrator.Dataset
	for i := 0; i < 60; i++ {
		c := centres[(i/4)%3]
		ds.Times = append(ds.Times, start+int64(i)*int64(ftr.Hour))
		ds.Obs = append(ds.Obs, []float64{c[0] + .3*rng.NormFloat64(), c[1] + .3*rng.NormFloat64()})
		ds.Contr = append(ds.Contr, []float64{})
		ds.Ign = append(ds.Ign, []float64{})
	}

	cfg := orchestrator.DefaultConfig()
	cfg.StateID.Clustering = cluster.Config{Algorithm: "kmeans", K: 3, Seed: 2}
	cfg.Visual.MCTrials = 50
	spaces := ftr.Spaces{Obs: []ftr.Info{ftr.NewNumeric("x", 0), ftr.NewNumeric("y", 1)}}
	m, err := orchestrator.New(cfg, spaces)
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background(), ds))
	return m
}

// #endregion helpers

func TestSaveModelAndGetCurrent(t *testing.T) {
	s := tempDB(t)
	m := testModel(t)

	_, err := s.GetCurrent()
	assert.ErrorIs(t, err, ErrNoActive)

	v1, err := s.SaveModel(m)
	require.NoError(t, err)
	assert.NotEmpty(t, v1.VersionID)
	assert.Empty(t, v1.ParentID)

	cur, err := s.GetCurrent()
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, cur.VersionID)
	assert.Equal(t, v1.Blob, cur.Blob)
	assert.Equal(t, m.Spaces(), cur.Layout)
	assert.True(t, v1.CreatedAt.Equal(cur.CreatedAt))

	var sum Summary
	require.NoError(t, json.Unmarshal([]byte(cur.MetricsJSON), &sum))
	assert.Equal(t, 3, sum.States)
	assert.Equal(t, m.Nodes(), sum.Nodes)
	assert.Equal(t, len(v1.Blob), sum.BlobSize)

	back, err := s.LoadModel(v1.VersionID)
	require.NoError(t, err)
	assert.Equal(t, m.LeafStates(), back.LeafStates())
	assert.Equal(t, m.LastState(), back.LastState())
	_, wantPi, err := m.StatDist(0)
	require.NoError(t, err)
	_, gotPi, err := back.StatDist(0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, wantPi, gotPi, 1e-12)
}

func TestCommitChainAndRollback(t *testing.T) {
	s := tempDB(t)
	m := testModel(t)

	v1, err := s.SaveModel(m)
	require.NoError(t, err)
	require.NoError(t, m.SetName(0, "calm"))
	v2, err := s.SaveModel(m)
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, v2.ParentID)

	cur, err := s.GetCurrent()
	require.NoError(t, err)
	assert.Equal(t, v2.VersionID, cur.VersionID)
	named, err := cur.Model()
	require.NoError(t, err)
	name, err := named.Name(0)
	require.NoError(t, err)
	assert.Equal(t, "calm", name)

	require.NoError(t, s.Rollback(v1.VersionID))
	cur, err = s.GetCurrent()
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, cur.VersionID)

	assert.Error(t, s.Rollback("nope"))
}

func TestCreateSnapshotIsNotActive(t *testing.T) {
	s := tempDB(t)
	m := testModel(t)

	v, err := s.CreateSnapshot(m, "")
	require.NoError(t, err)
	_, err = s.GetCurrent()
	assert.ErrorIs(t, err, ErrNoActive)

	require.NoError(t, s.CommitSnapshot(v))
	cur, err := s.GetCurrent()
	require.NoError(t, err)
	assert.Equal(t, v.VersionID, cur.VersionID)
}

func TestCreateSnapshotUninitialized(t *testing.T) {
	s := tempDB(t)
	m, err := orchestrator.New(orchestrator.DefaultConfig(), ftr.Spaces{Obs: []ftr.Info{ftr.NewNumeric("x", 0)}})
	require.NoError(t, err)
	_, err = s.CreateSnapshot(m, "")
	assert.ErrorIs(t, err, orchestrator.ErrNotInitialized)
}

func TestCommitUnknownParent(t *testing.T) {
	s := tempDB(t)
	v := Version{VersionID: "v1", ParentID: "ghost", Blob: []byte{1}, CreatedAt: time.Now().UTC()}
	assert.Error(t, s.CommitSnapshot(v))
}

func TestListVersions(t *testing.T) {
	s := tempDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	parent := ""
	for i, id := range []string{"a", "b", "c"} {
		v := Version{
			VersionID: id,
			ParentID:  parent,
			Blob:      []byte{byte(i)},
			Layout:    ftr.Spaces{Obs: []ftr.Info{ftr.NewNumeric("x", 0)}},
			// .1s and .12s order correctly only with fixed-width text
			CreatedAt: base.Add(time.Duration(i) * 10 * time.Millisecond).Add(100 * time.Millisecond),
		}
		require.NoError(t, s.CommitSnapshot(v))
		parent = id
	}

	versions, err := s.ListVersions(2)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "c", versions[0].VersionID)
	assert.Equal(t, "b", versions[1].VersionID)
	assert.Equal(t, "b", versions[0].ParentID)
	assert.Nil(t, versions[0].Blob)
	assert.Equal(t, "x", versions[0].Layout.Obs[0].Name)
	assert.Equal(t, ftr.Numeric, versions[0].Layout.Obs[0].Type)
	assert.Empty(t, versions[0].MetricsJSON)
}

func TestGetVersionNotFound(t *testing.T) {
	s := tempDB(t)
	_, err := s.GetVersion("missing")
	assert.Error(t, err)
	_, err = s.LoadModel("missing")
	assert.Error(t, err)
}

func TestVersionModelBadBlob(t *testing.T) {
	_, err := Version{VersionID: "x", Blob: []byte("not gob")}.Model()
	assert.Error(t, err)
}

func TestNewStoreInvalidPath(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	assert.Error(t, err)
}

func TestClosedDB(t *testing.T) {
	s := tempDB(t)
	s.Close()
	_, err := s.GetCurrent()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoActive)
	_, err = s.ListVersions(5)
	assert.Error(t, err)
	assert.Error(t, s.Rollback("a"))
	assert.NotNil(t, s.DB())
}

type checkerFunc func(live, decoded *orchestrator.Model, blobSize int) error

func (f checkerFunc) Check(live, decoded *orchestrator.Model, blobSize int) error {
	return f(live, decoded, blobSize)
}

func TestSaveChecked(t *testing.T) {
	s := tempDB(t)
	m := testModel(t)

	var seen int
	v, err := s.SaveChecked(m, checkerFunc(func(live, decoded *orchestrator.Model, size int) error {
		require.NotNil(t, decoded)
		assert.Same(t, m, live)
		assert.Equal(t, live.LeafStates(), decoded.LeafStates())
		seen = size
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, len(v.Blob), seen)

	veto := errors.New("vetoed")
	_, err = s.SaveChecked(m, checkerFunc(func(*orchestrator.Model, *orchestrator.Model, int) error { return veto }))
	assert.ErrorIs(t, err, veto)

	cur, err := s.GetCurrent()
	require.NoError(t, err)
	assert.Equal(t, v.VersionID, cur.VersionID, "rejected snapshot is not committed")
	versions, err := s.ListVersions(10)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}
