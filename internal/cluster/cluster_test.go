package cluster

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blobs returns n points around each centre with unit variance.
func blobs(n int, centres [][]float64, seed uint64) ([][]float64, []int) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	var x [][]float64
	var labels []int
	for c, centre := range centres {
		for i := 0; i < n; i++ {
			p := make([]float64, len(centre))
			for d := range p {
				p[d] = centre[d] + rng.NormFloat64()
			}
			x = append(x, p)
			labels = append(labels, c)
		}
	}
	return x, labels
}

func TestKMeansTwoBlobs(t *testing.T) {
	centres := [][]float64{{0, 0}, {10, 10}}
	x, _ := blobs(100, centres, 7)

	c, err := New(Config{Algorithm: "kmeans", K: 2, Seed: 3})
	require.NoError(t, err)
	require.NoError(t, c.Fit(x))
	require.Len(t, c.Centroids(), 2)

	correct := 0
	for _, p := range x {
		got := c.Centroids()[c.Assign(p)]
		nearer := centres[0]
		if Euclidean(p, centres[1]) < Euclidean(p, centres[0]) {
			nearer = centres[1]
		}
		if Euclidean(got, nearer) < 2 {
			correct++
		}
	}
	assert.GreaterOrEqual(t, correct, 190)
}

func TestNewRejectsSingleCluster(t *testing.T) {
	_, err := New(Config{Algorithm: "kmeans", K: 1})
	assert.ErrorIs(t, err, ErrTooFewClusters)

	_, err = New(Config{Algorithm: "dpmeans", Lambda: 1, MinClusters: 1, MaxClusters: 4})
	assert.ErrorIs(t, err, ErrTooFewClusters)

	_, err = New(Config{Algorithm: "spectral", K: 3})
	assert.Error(t, err)
}

func TestDPMeansGrowsClusters(t *testing.T) {
	centres := [][]float64{{0, 0}, {20, 0}, {0, 20}}
	x, _ := blobs(50, centres, 11)

	c, err := New(Config{Algorithm: "dpmeans", Lambda: 8, MinClusters: 2, MaxClusters: 10, Seed: 5})
	require.NoError(t, err)
	require.NoError(t, c.Fit(x))

	// a blob may split in two, but every blob gets a centroid
	got := c.Centroids()
	assert.GreaterOrEqual(t, len(got), 3)
	assert.LessOrEqual(t, len(got), 10)
	for _, centre := range centres {
		nearest := math.Inf(1)
		for _, cent := range got {
			nearest = math.Min(nearest, Euclidean(cent, centre))
		}
		assert.Less(t, nearest, 2.0, "no centroid near %v", centre)
	}
}

func TestAssignTiesPickLowestIndex(t *testing.T) {
	c, err := New(Config{K: 2})
	require.NoError(t, err)
	c.SetCentroids([][]float64{{-1, 0}, {1, 0}})
	assert.Equal(t, 0, c.Assign([]float64{0, 5}))
	assert.Equal(t, []float64{1, 1}, c.CentroidDistances([]float64{0, 0}))

	c.RemoveCentroids([]int{0})
	assert.Equal(t, [][]float64{{1, 0}}, c.Centroids())
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 0, Cosine([]float64{1, 1}, []float64{2, 2}), 1e-12)
	assert.InDelta(t, 1, Cosine([]float64{1, 0}, []float64{0, 3}), 1e-12)
	assert.Equal(t, 1.0, Cosine([]float64{0, 0}, []float64{1, 0}))
	assert.Equal(t, 0.0, Cosine([]float64{0, 0}, []float64{0, 0}))
}

func TestAverageLinkage(t *testing.T) {
	pts := [][]float64{{0}, {1}, {10}, {12}}
	merges := AverageLinkage(pts)
	require.Len(t, merges, 3)

	assert.Equal(t, Merge{A: 0, B: 1, Dist: 1}, merges[0])
	assert.Equal(t, 2, merges[1].A)
	assert.Equal(t, 3, merges[1].B)
	assert.InDelta(t, 2, merges[1].Dist, 1e-12)
	assert.Equal(t, 0, merges[2].A)
	assert.Equal(t, 2, merges[2].B)
	assert.Greater(t, merges[2].Dist, merges[1].Dist)
}

func TestMedoids(t *testing.T) {
	pts := [][]float64{{1, 0}, {0.9, 0.1}, {0, 1}, {0.1, 0.95}}
	idx, err := Medoids(pts, 2, Cosine, 1, 100)
	require.NoError(t, err)
	require.Len(t, idx, 2)
	assert.Less(t, idx[0], 2)
	assert.GreaterOrEqual(t, idx[1], 2)

	all, err := Medoids(pts, 9, Cosine, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, all)
}
