package cluster

import (
	"fmt"
	"math"
)

// #region kmeans
// KMeans is Lloyd's algorithm with k-means++ seeding.
type KMeans struct {
	K       int
	MaxIter int
	model
}

// Fit clusters the rows of x.
func (km *KMeans) Fit(x [][]float64) error {
	if km.K < 2 {
		return ErrTooFewClusters
	}
	if len(x) < km.K {
		return fmt.Errorf("kmeans: %d instances for k=%d", len(x), km.K)
	}
	km.lloyd(x, km.K, km.MaxIter)
	return nil
}

func (m *model) lloyd(x [][]float64, k, maxIter int) []int {
	m.seed(x, k)
	var prev []int
	for it := 0; it < maxIter; it++ {
		assign := m.assignAll(x)
		if equalAssign(assign, prev) {
			return assign
		}
		m.update(x, assign)
		prev = assign
	}
	return prev
}

// #endregion kmeans

// #region dpmeans
// DPMeans grows the number of clusters whenever some point lies further than
// Lambda from every centroid.
type DPMeans struct {
	Lambda      float64
	MinClusters int
	MaxClusters int
	MaxIter     int
	model
}

// Fit clusters the rows of x.
func (dp *DPMeans) Fit(x [][]float64) error {
	if len(x) < dp.MinClusters {
		return fmt.Errorf("dpmeans: %d instances for min clusters %d", len(x), dp.MinClusters)
	}
	dp.seed(x, dp.MinClusters)

	var prev []int
	for it := 0; it < dp.MaxIter; it++ {
		assign := dp.assignAll(x)

		if len(dp.centroids) < dp.MaxClusters {
			far, farD := -1, math.Inf(-1)
			for i, v := range x {
				if d := dp.dist(v, dp.centroids[assign[i]]); d > farD {
					far, farD = i, d
				}
			}
			if farD > dp.Lambda {
				dp.centroids = append(dp.centroids, append([]float64(nil), x[far]...))
				assign[far] = len(dp.centroids) - 1
			}
		}

		if equalAssign(assign, prev) {
			return nil
		}
		dp.update(x, assign)
		prev = assign
	}
	return nil
}

// #endregion dpmeans
