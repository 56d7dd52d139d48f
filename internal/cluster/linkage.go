package cluster

import (
	"fmt"
	"math"
	"slices"
)

// #region average-linkage
// Merge records one agglomeration step: cluster B is joined into cluster A
// (A < B), and A represents the union from then on.
type Merge struct {
	A, B int
	Dist float64
}

// AverageLinkage builds an agglomerative dendrogram over points using
// size-weighted average linkage on squared Euclidean distances. The returned
// distances are square roots of the linkage values.
func AverageLinkage(points [][]float64) []Merge {
	n := len(points)
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
		for j := range d[i] {
			e := Euclidean(points[i], points[j])
			d[i][j] = e * e
		}
	}
	size := make([]int, n)
	for i := range size {
		size[i] = 1
	}

	merges := make([]Merge, 0, n-1)
	for len(merges) < n-1 {
		bi, bj, best := -1, -1, math.Inf(1)
		for i := 0; i < n; i++ {
			if size[i] == 0 {
				continue
			}
			for j := i + 1; j < n; j++ {
				if size[j] > 0 && d[i][j] < best {
					bi, bj, best = i, j, d[i][j]
				}
			}
		}

		merges = append(merges, Merge{A: bi, B: bj, Dist: math.Sqrt(math.Max(0, best))})

		ni, nj := float64(size[bi]), float64(size[bj])
		for k := 0; k < n; k++ {
			if size[k] == 0 || k == bi || k == bj {
				continue
			}
			v := (ni*d[bi][k] + nj*d[bj][k]) / (ni + nj)
			d[bi][k], d[k][bi] = v, v
		}
		size[bi] += size[bj]
		size[bj] = 0
	}
	return merges
}

// #endregion average-linkage

// #region medoids
// Medoids clusters points into k groups under dist and returns, per group,
// the index of the point closest to the group's mean. Indices are sorted
// ascending.
func Medoids(points [][]float64, k int, dist DistFunc, seed uint64, maxIter int) ([]int, error) {
	if k < 1 {
		return nil, fmt.Errorf("medoids: k must be positive, got %d", k)
	}
	if k >= len(points) {
		all := make([]int, len(points))
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	if maxIter <= 0 {
		maxIter = 1000
	}
	m := newModel(dist, seed)
	m.lloyd(points, k, maxIter)

	chosen := make(map[int]bool, k)
	out := make([]int, 0, k)
	for _, c := range m.centroids {
		best, bestD := -1, math.Inf(1)
		for i, p := range points {
			if chosen[i] {
				continue
			}
			if d := dist(p, c); d < bestD {
				best, bestD = i, d
			}
		}
		if best >= 0 {
			chosen[best] = true
			out = append(out, best)
		}
	}
	slices.Sort(out)
	return out, nil
}

// #endregion medoids
