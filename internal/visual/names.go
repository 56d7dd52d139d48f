package visual

import (
	"fmt"
	"math"
	"sort"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/stateid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// #region auto-names
func (h *Helper) initAutoNames(ident Identifier, tree Tree) error {
	spaces := ident.Spaces()
	nStates := tree.States()
	all := make([]int, tree.Leafs())
	for i := range all {
		all[i] = i
	}

	nFtrs := spaces.Count()
	globalCounts := make([][]float64, nFtrs)
	globalPVals := make([][]float64, nFtrs)
	for f := 0; f < nFtrs; f++ {
		info, _ := spaces.Info(f)
		if info.Type == ftr.Time {
			continue
		}
		_, counts, err := ident.Histogram(f, all, false)
		if err != nil {
			return err
		}
		globalCounts[f] = counts
		globalPVals[f] = midBinPValues(counts)
	}

	h.autoNames = make([]AutoName, nStates)
	h.descs = make([][]AutoName, nStates)
	for id := 0; id < nStates; id++ {
		leaves, err := tree.LeafDescendants(id)
		if err != nil {
			return err
		}
		best, bestSize := -1, 0.0
		var descs []AutoName
		for f := 0; f < nFtrs; f++ {
			if globalCounts[f] == nil {
				continue
			}
			info, _ := spaces.Info(f)
			_, counts, err := ident.Histogram(f, leaves, false)
			if err != nil {
				return err
			}
			size := floats.Sum(counts)
			if size == 0 {
				continue
			}
			var desc AutoName
			switch info.Type {
			case ftr.Numeric:
				desc = numericName(f, counts, globalPVals[f])
			case ftr.Categorical:
				desc = h.categoricalName(f, counts, globalCounts[f])
			default:
				return fmt.Errorf("feature %s: cannot name %s features", info.Name, info.Type)
			}
			descs = append(descs, desc)
			k := len(descs) - 1
			if best < 0 || desc.PValue < descs[best].PValue || (desc.PValue == descs[best].PValue && size > bestSize) {
				best, bestSize = k, size
			}
		}
		if best < 0 {
			return fmt.Errorf("state %d: no feature to name it by", id)
		}
		h.autoNames[id] = descs[best]
		sort.SliceStable(descs, func(a, b int) bool { return descs[a].PValue < descs[b].PValue })
		h.descs[id] = descs
	}
	return nil
}

// midBinPValues returns, per bin, the cumulative probability up to the
// bin's middle.
func midBinPValues(counts []float64) []float64 {
	total := floats.Sum(counts)
	out := make([]float64, len(counts))
	acc := 0.0
	for b, c := range counts {
		p := 0.0
		if total > 0 {
			p = c / total
		}
		out[b] = acc + p/2
		acc += p
	}
	return out
}

// numericName compares the 40th and 60th percentile bins of the state with
// their global percentile ranks.
func numericName(ftrID int, counts, globalPVals []float64) AutoName {
	bins := make([]float64, len(counts))
	for b := range bins {
		bins[b] = float64(b)
	}
	lowBin := int(stat.Quantile(statePercentile, stat.Empirical, bins, counts))
	highBin := int(stat.Quantile(1-statePercentile, stat.Empirical, bins, counts))

	lowP := globalPVals[lowBin]
	highP := 1 - globalPVals[highBin]
	p := math.Min(lowP, highP)
	return AutoName{FtrID: ftrID, Type: ftr.Numeric, PValue: p, Level: numericLevel(p, lowP, highP)}
}

func numericLevel(p, lowP, highP float64) Level {
	switch {
	case p < lowestPValue:
		if lowP < highP {
			return Lowest
		}
		return Highest
	case p < lowPValue:
		if lowP < highP {
			return Low
		}
		return High
	}
	return Medium
}

// categoricalName estimates how likely the state's dominant category share
// is under the global category distribution.
func (h *Helper) categoricalName(ftrID int, counts, globalCounts []float64) AutoName {
	size := floats.Sum(counts)
	target, best := 0, -1.0
	for b, c := range counts {
		if p := c / size; p > best {
			target, best = b, p
		}
	}
	succ := 0
	for t := 0; t < h.cfg.MCTrials; t++ {
		sim := ftr.GenSamples(globalCounts, int(size), h.rng)
		if sim[target]/size >= best {
			succ++
		}
	}
	return AutoName{
		FtrID:  ftrID,
		Type:   ftr.Categorical,
		PValue: float64(succ) / float64(h.cfg.MCTrials),
		Bin:    target,
	}
}

// refineAutoNames names states whose best numeric feature is unremarkable
// after their first periodic description.
func (h *Helper) refineAutoNames() {
	for id, name := range h.autoNames {
		if name.Type != ftr.Numeric || name.Level != Medium || len(h.timeDescs[id]) == 0 {
			continue
		}
		h.autoNames[id] = AutoName{FtrID: -1, Type: ftr.Time, Period: h.timeDescs[id][0]}
	}
}

// AutoName returns the generated name of a node.
func (h *Helper) AutoName(id int) (AutoName, error) {
	if err := h.check(id); err != nil {
		return AutoName{}, err
	}
	return h.autoNames[id], nil
}

// Descriptions returns the remarkable features of a node ordered by
// p-value. Medium numeric levels are left out.
func (h *Helper) Descriptions(id int) ([]AutoName, error) {
	if err := h.check(id); err != nil {
		return nil, err
	}
	var out []AutoName
	for _, d := range h.descs[id] {
		if d.Type == ftr.Numeric && d.Level == Medium {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// #endregion auto-names

// #region periods
func (h *Helper) initTimeDescs(ident Identifier, tree Tree, unit ftr.TimeUnit) error {
	type check struct {
		kind stateid.TimeHist
		ok   bool
	}
	checks := []check{
		{stateid.HourOfDay, unit <= ftr.Day},
		{stateid.DayOfWeek, unit < ftr.Month},
		{stateid.DayOfMonth, unit < ftr.Month},
		{stateid.MonthOfYear, true},
	}
	h.timeDescs = make([][]TimeDesc, tree.States())
	for id := range h.timeDescs {
		leaves, err := tree.LeafDescendants(id)
		if err != nil {
			return err
		}
		for _, c := range checks {
			if !c.ok {
				continue
			}
			_, counts, err := ident.TimeHistogram(leaves, c.kind)
			if err != nil {
				return err
			}
			peaks, _, ok := HasMxPeaks(maxPeaks, minPeakMass, counts)
			if ok {
				h.timeDescs[id] = append(h.timeDescs[id], TimeDesc{Hist: c.kind, Start: peaks[0][0], End: peaks[0][1]})
			}
		}
		if n := len(h.timeDescs[id]); n > 0 {
			logger().Debug("periodic state", "state", id, "descriptions", n)
		}
	}
	return nil
}

// HasMxPeaks finds the circular runs of bins above the mean bin mass. It
// reports whether there are at most maxPeaks of them and they hold at least
// massThreshold of the total mass. Each peak is a [start, end] pair of bin
// indices; a peak wrapping past the last bin has end < start.
func HasMxPeaks(maxPeaks int, massThreshold float64, hist []float64) ([][2]int, float64, bool) {
	n := len(hist)
	total := floats.Sum(hist)
	if n == 0 || total <= 0 {
		return nil, 0, false
	}
	mean := total / float64(n)

	var peaks [][2]int
	mass := 0.0
	count := 0
	inPeak := false
	for b, v := range hist {
		if above := v > mean; above != inPeak {
			if inPeak {
				count++
				peaks[len(peaks)-1][1] = b - 1
			} else {
				peaks = append(peaks, [2]int{b, -1})
			}
			inPeak = above
		}
		if inPeak {
			mass += v
		}
	}
	if inPeak {
		count++
		if hist[0] > mean && len(peaks) >= 2 {
			// the run wraps around and joins the first one
			count--
			peaks[0][0] = peaks[len(peaks)-1][0]
			peaks = peaks[:len(peaks)-1]
		} else {
			peaks[len(peaks)-1][1] = n - 1
		}
	}
	if len(peaks) == 0 {
		return nil, 0, false
	}
	return peaks, mass, count <= maxPeaks && mass/total >= massThreshold
}

// TimeDescriptions returns the periodic descriptions of a node.
func (h *Helper) TimeDescriptions(id int) ([]TimeDesc, error) {
	if err := h.check(id); err != nil {
		return nil, err
	}
	return h.timeDescs[id], nil
}

// #endregion periods
