package ftr

import (
	"math"
	"math/rand/v2"
)

// #region histogram
// Histogram counts values into equal-width bins over [Min, Max]. Values
// outside the range fall into the first or last bin.
type Histogram struct {
	Min    float64
	Max    float64
	Counts []int
	Total  int
}

// NewHistogram creates a histogram with n bins.
func NewHistogram(n int, min, max float64) Histogram {
	return Histogram{Min: min, Max: max, Counts: make([]int, n)}
}

// Bins returns the number of bins.
func (h Histogram) Bins() int { return len(h.Counts) }

// BinSize is the width of a single bin.
func (h Histogram) BinSize() float64 {
	if len(h.Counts) == 0 {
		return 0
	}
	return (h.Max - h.Min) / float64(len(h.Counts))
}

// BinValues returns the bin centres.
func (h Histogram) BinValues() []float64 {
	size := h.BinSize()
	vals := make([]float64, len(h.Counts))
	for i := range vals {
		vals[i] = h.Min + size/2 + float64(i)*size
	}
	return vals
}

// BinIndex returns the bin a value falls into.
func (h Histogram) BinIndex(v float64) int {
	n := len(h.Counts)
	size := h.BinSize()
	if size <= 0 || v < h.Min {
		return 0
	}
	idx := int(math.Floor((v - h.Min) / size))
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Update adds a value.
func (h *Histogram) Update(v float64) {
	if len(h.Counts) == 0 {
		return
	}
	h.Counts[h.BinIndex(v)]++
	h.Total++
}

// Resample redistributes the counts onto n equal-width bins over the same
// range. Each original bin moves whole into the bin containing its centre.
func (h Histogram) Resample(n int) ([]float64, []float64) {
	out := NewHistogram(n, h.Min, h.Max)
	counts := make([]float64, n)
	for i, c := range h.BinValues() {
		counts[out.BinIndex(c)] += float64(h.Counts[i])
	}
	return out.BinValues(), counts
}

// #endregion histogram

// #region sampling
// GenSamples draws trials samples from the categorical distribution
// proportional to counts and returns the per-bin tallies.
func GenSamples(counts []float64, trials int, rng *rand.Rand) []float64 {
	sum := 0.0
	for _, c := range counts {
		sum += c
	}
	sim := make([]float64, len(counts))
	if sum <= 0 || len(counts) == 0 {
		return sim
	}
	thresholds := make([]float64, len(counts))
	acc := 0.0
	for i, c := range counts {
		acc += c / sum
		thresholds[i] = acc
	}
	last := len(counts) - 1
	for t := 0; t < trials; t++ {
		u := rng.Float64()
		bin := 0
		for bin < last && u > thresholds[bin] {
			bin++
		}
		sim[bin]++
	}
	return sim
}

// #endregion sampling
