package cluster

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/viterin/vek"
)

// #region types
// Clusterer partitions feature vectors around centroids.
type Clusterer interface {
	Fit(x [][]float64) error
	Assign(v []float64) int
	CentroidDistances(v []float64) []float64
	Centroids() [][]float64
	SetCentroids(c [][]float64)
	RemoveCentroids(ids []int)
}

// Config selects and parameterises the clustering algorithm.
type Config struct {
	Algorithm   string  `yaml:"algorithm"` // "kmeans" | "dpmeans"
	K           int     `yaml:"k"`
	Lambda      float64 `yaml:"lambda"`
	MinClusters int     `yaml:"min_clusters"`
	MaxClusters int     `yaml:"max_clusters"`
	MaxIter     int     `yaml:"max_iter"`
	Seed        uint64  `yaml:"seed"`
}

// DefaultConfig returns k-means with 12 clusters.
func DefaultConfig() Config {
	return Config{
		Algorithm:   "kmeans",
		K:           12,
		MinClusters: 2,
		MaxClusters: 50,
		MaxIter:     10000,
		Seed:        1,
	}
}

// ErrTooFewClusters is returned when fewer than two clusters are requested.
var ErrTooFewClusters = errors.New("cluster: at least 2 clusters required")

// #endregion types

// #region constructor
// New builds the clusterer named by cfg.Algorithm.
func New(cfg Config) (Clusterer, error) {
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = DefaultConfig().MaxIter
	}
	switch cfg.Algorithm {
	case "", "kmeans":
		if cfg.K < 2 {
			return nil, fmt.Errorf("kmeans k=%d: %w", cfg.K, ErrTooFewClusters)
		}
		return &KMeans{K: cfg.K, MaxIter: cfg.MaxIter, model: newModel(Euclidean, cfg.Seed)}, nil
	case "dpmeans":
		if cfg.Lambda <= 0 {
			return nil, fmt.Errorf("dpmeans: lambda must be positive, got %g", cfg.Lambda)
		}
		if cfg.MinClusters < 2 {
			return nil, fmt.Errorf("dpmeans min=%d: %w", cfg.MinClusters, ErrTooFewClusters)
		}
		if cfg.MaxClusters < cfg.MinClusters {
			return nil, fmt.Errorf("dpmeans: max clusters %d below min %d", cfg.MaxClusters, cfg.MinClusters)
		}
		return &DPMeans{
			Lambda:      cfg.Lambda,
			MinClusters: cfg.MinClusters,
			MaxClusters: cfg.MaxClusters,
			MaxIter:     cfg.MaxIter,
			model:       newModel(Euclidean, cfg.Seed),
		}, nil
	}
	return nil, fmt.Errorf("unknown clustering algorithm %q", cfg.Algorithm)
}

// #endregion constructor

// #region distances
// DistFunc measures the dissimilarity of two equal-length vectors.
type DistFunc func(a, b []float64) float64

// Euclidean is the L2 distance.
func Euclidean(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	return vek.Distance(a, b)
}

// Cosine is one minus the cosine similarity. Zero vectors are at distance 1
// from everything except other zero vectors.
func Cosine(a, b []float64) float64 {
	na, nb := vek.Norm(a), vek.Norm(b)
	if na == 0 || nb == 0 {
		if na == nb {
			return 0
		}
		return 1
	}
	return 1 - vek.Dot(a, b)/(na*nb)
}

// #endregion distances

// #region model
// model holds centroids and implements the assignment half of Clusterer.
type model struct {
	centroids [][]float64
	dist      DistFunc
	rng       *rand.Rand
}

func newModel(dist DistFunc, seed uint64) model {
	return model{dist: dist, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (m *model) Centroids() [][]float64 { return m.centroids }

func (m *model) SetCentroids(c [][]float64) {
	m.centroids = make([][]float64, len(c))
	for i := range c {
		m.centroids[i] = append([]float64(nil), c[i]...)
	}
}

func (m *model) RemoveCentroids(ids []int) {
	drop := make(map[int]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.centroids[:0]
	for i, c := range m.centroids {
		if !drop[i] {
			kept = append(kept, c)
		}
	}
	m.centroids = kept
}

func (m *model) CentroidDistances(v []float64) []float64 {
	d := make([]float64, len(m.centroids))
	for i, c := range m.centroids {
		d[i] = m.dist(v, c)
	}
	return d
}

// Assign returns the index of the nearest centroid; ties go to the lowest index.
func (m *model) Assign(v []float64) int {
	best, bestD := -1, math.Inf(1)
	for i, c := range m.centroids {
		if d := m.dist(v, c); d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

func (m *model) assignAll(x [][]float64) []int {
	out := make([]int, len(x))
	for i, v := range x {
		out[i] = m.Assign(v)
	}
	return out
}

// update recomputes centroids as means of their members. Empty clusters keep
// their previous position.
func (m *model) update(x [][]float64, assign []int) {
	k := len(m.centroids)
	dim := len(x[0])
	sums := make([][]float64, k)
	counts := make([]int, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	for i, v := range x {
		c := assign[i]
		counts[c]++
		vek.Add_Inplace(sums[c], v)
	}
	for c := range sums {
		if counts[c] == 0 {
			continue
		}
		vek.DivNumber_Inplace(sums[c], float64(counts[c]))
		m.centroids[c] = sums[c]
	}
}

// seed picks k initial centroids with k-means++.
func (m *model) seed(x [][]float64, k int) {
	m.centroids = make([][]float64, 0, k)
	first := x[m.rng.IntN(len(x))]
	m.centroids = append(m.centroids, append([]float64(nil), first...))

	d2 := make([]float64, len(x))
	for len(m.centroids) < k {
		last := m.centroids[len(m.centroids)-1]
		total := 0.0
		for i, v := range x {
			d := m.dist(v, last)
			if len(m.centroids) == 1 || d*d < d2[i] {
				d2[i] = d * d
			}
			total += d2[i]
		}
		next := 0
		if total == 0 {
			next = m.rng.IntN(len(x))
		} else {
			u := m.rng.Float64() * total
			for next < len(x)-1 && u > d2[next] {
				u -= d2[next]
				next++
			}
		}
		m.centroids = append(m.centroids, append([]float64(nil), x[next]...))
	}
}

func equalAssign(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// #endregion model
