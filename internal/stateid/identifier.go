package stateid

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/cluster"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"gonum.org/v1/gonum/floats"
)

// #region identifier-struct
// Identifier turns observation vectors into discrete states and keeps
// per-state statistics over all three feature spaces.
type Identifier struct {
	cfg    Config
	spaces ftr.Spaces
	unit   ftr.TimeUnit
	clust  cluster.Clusterer

	contrCentroids [][]float64
	ignCentroids   [][]float64
	sizes          []int
	distSums       []float64

	hists      [3][][]ftr.Histogram // [space][state][feature]
	longHists  []ftr.Histogram
	cycleHists [4][]ftr.Histogram

	overrides [][]float64
	rng       *rand.Rand
}

func logger() *slog.Logger { return slog.With("component", "stateid") }

// #endregion identifier-struct

// #region constructor
// New validates the feature layout and builds the configured clusterer.
func New(cfg Config, spaces ftr.Spaces, unit ftr.TimeUnit) (*Identifier, error) {
	if err := spaces.Validate(); err != nil {
		return nil, fmt.Errorf("feature spaces: %w", err)
	}
	if len(spaces.Obs) == 0 {
		return nil, fmt.Errorf("no observation features")
	}
	if cfg.HistBins < 2 {
		return nil, fmt.Errorf("need at least 2 histogram bins, got %d", cfg.HistBins)
	}
	if cfg.Sample < 0 {
		return nil, fmt.Errorf("negative sample %g", cfg.Sample)
	}
	if cfg.IncludeTimeFeatures {
		if _, err := ftr.TimeFeatureDim(unit); err != nil {
			return nil, err
		}
	}
	clust, err := cluster.New(cfg.Clustering)
	if err != nil {
		return nil, fmt.Errorf("clusterer: %w", err)
	}
	return &Identifier{
		cfg:    cfg,
		spaces: spaces,
		unit:   unit,
		clust:  clust,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
	}, nil
}

// #endregion constructor

// #region init
// Init clusters the records and builds statistics. It returns the state of
// every record.
func (id *Identifier) Init(in Input) ([]int, error) {
	if err := id.checkInput(in); err != nil {
		return nil, err
	}
	n := in.Len()

	rows := id.sampleRows(n)
	clustX := make([][]float64, len(rows))
	for i, r := range rows {
		v, err := id.clusterFtr(in.Times[r], in.Obs[r])
		if err != nil {
			return nil, err
		}
		clustX[i] = v
	}
	logger().Info("clustering", "instances", len(rows), "algorithm", id.cfg.Clustering.Algorithm)
	if err := id.clust.Fit(clustX); err != nil {
		return nil, fmt.Errorf("fit clusters: %w", err)
	}

	assign, err := id.AssignAll(in.Times, in.Obs)
	if err != nil {
		return nil, err
	}
	if empty := id.emptyStates(assign); len(empty) > 0 {
		logger().Info("removing empty states", "states", empty)
		id.clust.RemoveCentroids(empty)
		if assign, err = id.AssignAll(in.Times, in.Obs); err != nil {
			return nil, err
		}
	}
	if id.States() < 2 {
		return nil, fmt.Errorf("only %d non-empty states: %w", id.States(), cluster.ErrTooFewClusters)
	}

	if err := id.initStatistics(in, assign); err != nil {
		return nil, err
	}
	id.contrCentroids = meanRows(in.Contr, assign, id.States())
	id.ignCentroids = meanRows(in.Ign, assign, id.States())
	if err := id.initHistograms(in, assign); err != nil {
		return nil, err
	}
	id.initTimeHistograms(in.Times, assign)
	id.ClearControlFtrs()

	logger().Info("states identified", "states", id.States())
	return assign, nil
}

func (id *Identifier) checkInput(in Input) error {
	n := in.Len()
	if n < 2 {
		return fmt.Errorf("need at least 2 records, got %d", n)
	}
	if len(in.Obs) != n || len(in.Contr) != n || len(in.Ign) != n {
		return fmt.Errorf("record count mismatch: times=%d obs=%d contr=%d ign=%d",
			n, len(in.Obs), len(in.Contr), len(in.Ign))
	}
	dims := [3]int{ftr.Dim(id.spaces.Obs), ftr.Dim(id.spaces.Contr), ftr.Dim(id.spaces.Ign)}
	for r := 0; r < n; r++ {
		for sp, row := range [][]float64{in.Obs[r], in.Contr[r], in.Ign[r]} {
			if len(row) != dims[sp] {
				return fmt.Errorf("record %d: %s vector has length %d, want %d", r, ftr.Space(sp), len(row), dims[sp])
			}
		}
	}
	return nil
}

func (id *Identifier) sampleRows(n int) []int {
	s := id.cfg.Sample
	if s == 0 || s == 1 {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	k := n
	if s < 1 {
		k = int(math.Ceil(float64(n) * s))
	} else if int(s) < n {
		k = int(s)
	}
	return id.rng.Perm(n)[:k]
}

func (id *Identifier) emptyStates(assign []int) []int {
	seen := make([]bool, id.States())
	for _, s := range assign {
		seen[s] = true
	}
	var empty []int
	for s, ok := range seen {
		if !ok {
			empty = append(empty, s)
		}
	}
	return empty
}

func (id *Identifier) initStatistics(in Input, assign []int) error {
	k := id.States()
	id.sizes = make([]int, k)
	id.distSums = make([]float64, k)
	for r, s := range assign {
		v, err := id.clusterFtr(in.Times[r], in.Obs[r])
		if err != nil {
			return err
		}
		id.sizes[s]++
		id.distSums[s] += id.clust.CentroidDistances(v)[s]
	}
	return nil
}

func meanRows(x [][]float64, assign []int, k int) [][]float64 {
	dim := 0
	if len(x) > 0 {
		dim = len(x[0])
	}
	out := make([][]float64, k)
	counts := make([]float64, k)
	for s := range out {
		out[s] = make([]float64, dim)
	}
	for r, s := range assign {
		floats.Add(out[s], x[r])
		counts[s]++
	}
	for s := range out {
		if counts[s] > 0 {
			floats.Scale(1/counts[s], out[s])
		}
	}
	return out
}

func (id *Identifier) initHistograms(in Input, assign []int) error {
	k := id.States()
	data := [3][][]float64{in.Obs, in.Contr, in.Ign}
	for sp := range data {
		infos := id.spaces.Infos(ftr.Space(sp))
		templates := make([]ftr.Histogram, len(infos))
		for f, info := range infos {
			switch info.Type {
			case ftr.Numeric:
				lo, hi := math.Inf(1), math.Inf(-1)
				for _, row := range data[sp] {
					v := row[info.Offset]
					lo, hi = math.Min(lo, v), math.Max(hi, v)
				}
				templates[f] = ftr.NewHistogram(id.cfg.HistBins, lo, hi)
			case ftr.Categorical:
				templates[f] = ftr.NewHistogram(info.Length, 0, float64(info.Length))
			}
		}

		id.hists[sp] = make([][]ftr.Histogram, k)
		for s := 0; s < k; s++ {
			id.hists[sp][s] = make([]ftr.Histogram, len(infos))
			for f, tpl := range templates {
				id.hists[sp][s][f] = ftr.Histogram{Min: tpl.Min, Max: tpl.Max, Counts: make([]int, tpl.Bins())}
			}
		}
		for r, s := range assign {
			if err := id.updateHists(ftr.Space(sp), s, data[sp][r]); err != nil {
				return fmt.Errorf("record %d: %w", r, err)
			}
		}
	}
	return nil
}

func (id *Identifier) updateHists(sp ftr.Space, state int, row []float64) error {
	for f, info := range id.spaces.Infos(sp) {
		if info.Type == ftr.Time {
			continue
		}
		v, err := info.Value(row)
		if err != nil {
			return err
		}
		id.hists[sp][state][f].Update(v)
	}
	return nil
}

func (id *Identifier) initTimeHistograms(times []int64, assign []int) {
	k := id.States()
	start, end := float64(times[0]), float64(times[len(times)-1])
	id.longHists = make([]ftr.Histogram, k)
	for c := range id.cycleHists {
		id.cycleHists[c] = make([]ftr.Histogram, k)
	}
	for s := 0; s < k; s++ {
		id.longHists[s] = ftr.NewHistogram(timeHistBins, start, end)
		id.cycleHists[HourOfDay][s] = ftr.NewHistogram(24, 0, 24)
		id.cycleHists[DayOfWeek][s] = ftr.NewHistogram(7, 0, 7)
		id.cycleHists[DayOfMonth][s] = ftr.NewHistogram(31, 1, 32)
		id.cycleHists[MonthOfYear][s] = ftr.NewHistogram(12, 1, 13)
	}
	for r, s := range assign {
		id.updateTimeHists(times[r], s)
	}
}

func (id *Identifier) updateTimeHists(tm int64, state int) {
	id.longHists[state].Update(float64(tm))
	t := time.UnixMilli(tm).UTC()
	id.cycleHists[HourOfDay][state].Update(float64(t.Hour()))
	id.cycleHists[DayOfWeek][state].Update(float64(ftr.DaysSinceMonday(t)))
	id.cycleHists[DayOfMonth][state].Update(float64(t.Day()))
	id.cycleHists[MonthOfYear][state].Update(float64(t.Month()))
}

// #endregion init

// #region assign
func (id *Identifier) clusterFtr(tm int64, obs []float64) ([]float64, error) {
	if want := ftr.Dim(id.spaces.Obs); len(obs) != want {
		return nil, fmt.Errorf("observation vector has length %d, want %d", len(obs), want)
	}
	if !id.cfg.IncludeTimeFeatures {
		return obs, nil
	}
	tf, err := ftr.TimeFeature(tm, id.unit)
	if err != nil {
		return nil, err
	}
	return append(tf, obs...), nil
}

// States is the number of leaf states.
func (id *Identifier) States() int { return len(id.clust.Centroids()) }

// Assign returns the state with the nearest centroid.
func (id *Identifier) Assign(tm int64, obs []float64) (int, error) {
	s, _, err := id.Nearest(tm, obs)
	return s, err
}

// Nearest returns the nearest state and the distance to its centroid.
func (id *Identifier) Nearest(tm int64, obs []float64) (int, float64, error) {
	v, err := id.clusterFtr(tm, obs)
	if err != nil {
		return -1, 0, err
	}
	dists := id.clust.CentroidDistances(v)
	best := 0
	for s, d := range dists {
		if d < dists[best] {
			best = s
		}
	}
	return best, dists[best], nil
}

// AssignAll assigns every record.
func (id *Identifier) AssignAll(times []int64, obs [][]float64) ([]int, error) {
	out := make([]int, len(obs))
	for r := range obs {
		s, err := id.Assign(times[r], obs[r])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", r, err)
		}
		out[r] = s
	}
	return out, nil
}

// AssignOrOutlier returns -1 when the record lies further from its nearest
// centroid than the configured outlier factor allows.
func (id *Identifier) AssignOrOutlier(tm int64, obs []float64) (int, error) {
	s, d, err := id.Nearest(tm, obs)
	if err != nil {
		return -1, err
	}
	if id.cfg.OutlierFactor > 0 && d > id.cfg.OutlierFactor*id.MeanCentroidDist(s) {
		return -1, nil
	}
	return s, nil
}

// Observe folds a newly assigned record into the state's statistics.
func (id *Identifier) Observe(tm int64, state int, obs, contr []float64) error {
	if err := id.checkState(state); err != nil {
		return err
	}
	v, err := id.clusterFtr(tm, obs)
	if err != nil {
		return err
	}
	if want := ftr.Dim(id.spaces.Contr); len(contr) != want {
		return fmt.Errorf("control vector has length %d, want %d", len(contr), want)
	}
	if err := id.updateHists(ftr.Observation, state, obs); err != nil {
		return err
	}
	if err := id.updateHists(ftr.Control, state, contr); err != nil {
		return err
	}
	id.sizes[state]++
	id.distSums[state] += id.clust.CentroidDistances(v)[state]
	id.updateTimeHists(tm, state)
	return nil
}

func (id *Identifier) checkState(s int) error {
	if s < 0 || s >= id.States() {
		return fmt.Errorf("state %d: %w", s, ErrInvalidState)
	}
	return nil
}

// #endregion assign

// #region statistics
// MeanCentroidDist is the mean distance of the state's records to its centroid.
func (id *Identifier) MeanCentroidDist(s int) float64 {
	if id.sizes[s] == 0 {
		return 0
	}
	return id.distSums[s] / float64(id.sizes[s])
}

// StateSize is the number of records assigned to the state.
func (id *Identifier) StateSize(s int) int { return id.sizes[s] }

// Spaces returns the feature layout.
func (id *Identifier) Spaces() ftr.Spaces { return id.spaces }

// TimeUnit returns the unit used for time features.
func (id *Identifier) TimeUnit() ftr.TimeUnit { return id.unit }

// ObsCentroid returns the observation centroid without the time block.
func (id *Identifier) ObsCentroid(s int) []float64 {
	c := id.clust.Centroids()[s]
	if id.cfg.IncludeTimeFeatures {
		dim, _ := ftr.TimeFeatureDim(id.unit)
		c = c[dim:]
	}
	return append([]float64(nil), c...)
}

// ObsCentroids returns every observation centroid.
func (id *Identifier) ObsCentroids() [][]float64 {
	out := make([][]float64, id.States())
	for s := range out {
		out[s] = id.ObsCentroid(s)
	}
	return out
}

// Centroid joins the centroids of states in a space, weighting each by its size.
func (id *Identifier) Centroid(sp ftr.Space, states []int) ([]float64, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("centroid of empty state set")
	}
	var out []float64
	total := 0.0
	for _, s := range states {
		if err := id.checkState(s); err != nil {
			return nil, err
		}
		var c []float64
		switch sp {
		case ftr.Observation:
			c = id.ObsCentroid(s)
		case ftr.Control:
			c = id.contrCentroids[s]
		case ftr.Ignored:
			c = id.ignCentroids[s]
		default:
			return nil, fmt.Errorf("invalid feature space %d", sp)
		}
		if out == nil {
			out = make([]float64, len(c))
		}
		w := float64(id.sizes[s])
		floats.AddScaled(out, w, c)
		total += w
	}
	if total > 0 {
		floats.Scale(1/total, out)
	}
	return out, nil
}

// #endregion statistics

// #region histograms
// Histogram sums the bins of a feature over a set of states. Feature ids are
// global over obs, contr and ign.
func (id *Identifier) Histogram(ftrID int, states []int, normalize bool) ([]float64, []float64, error) {
	sp, n, err := id.spaces.Locate(ftrID)
	if err != nil {
		return nil, nil, err
	}
	info := id.spaces.Infos(sp)[n]
	if info.Type == ftr.Time {
		return nil, nil, fmt.Errorf("feature %s: %w", info.Name, ErrTimeFeature)
	}
	if len(states) == 0 {
		return nil, nil, fmt.Errorf("histogram of empty state set")
	}
	var vals, counts []float64
	for _, s := range states {
		if err := id.checkState(s); err != nil {
			return nil, nil, err
		}
		h := id.hists[sp][s][n]
		if counts == nil {
			vals = h.BinValues()
			counts = make([]float64, h.Bins())
		}
		for b, c := range h.Counts {
			counts[b] += float64(c)
		}
	}
	if normalize {
		normalizeL1(counts)
	}
	return vals, counts, nil
}

// TimeHistogram sums one of the cyclic time histograms over a set of states.
func (id *Identifier) TimeHistogram(states []int, kind TimeHist) ([]int, []float64, error) {
	if kind < HourOfDay || kind > MonthOfYear {
		return nil, nil, fmt.Errorf("unknown time histogram %d", kind)
	}
	var vals []int
	var counts []float64
	for _, s := range states {
		if err := id.checkState(s); err != nil {
			return nil, nil, err
		}
		h := id.cycleHists[kind][s]
		if counts == nil {
			counts = make([]float64, h.Bins())
			for _, v := range h.BinValues() {
				vals = append(vals, int(v))
			}
		}
		for b, c := range h.Counts {
			counts[b] += float64(c)
		}
	}
	return vals, counts, nil
}

// GlobalTimeHistogram resamples the long-range time histograms of the states
// onto nbins bins.
func (id *Identifier) GlobalTimeHistogram(states []int, nbins int, normalize bool) ([]int64, []float64, error) {
	if nbins < 1 {
		return nil, nil, fmt.Errorf("need at least one bin, got %d", nbins)
	}
	times := make([]int64, nbins)
	counts := make([]float64, nbins)
	for i, s := range states {
		if err := id.checkState(s); err != nil {
			return nil, nil, err
		}
		vals, c := id.longHists[s].Resample(nbins)
		floats.Add(counts, c)
		if i == 0 {
			for b, v := range vals {
				times[b] = int64(v)
			}
		}
	}
	if normalize {
		normalizeL1(counts)
	}
	return times, counts, nil
}

func normalizeL1(v []float64) {
	if sum := floats.Sum(v); sum > 0 {
		floats.Scale(1/sum, v)
	}
}

// #endregion histograms

// #region snapshot
// Snapshot captures the identifier for persistence.
func (id *Identifier) Snapshot() Snapshot {
	return Snapshot{
		Config:         id.cfg,
		Spaces:         id.spaces,
		Unit:           id.unit,
		Centroids:      id.clust.Centroids(),
		ContrCentroids: id.contrCentroids,
		IgnCentroids:   id.ignCentroids,
		Sizes:          id.sizes,
		DistSums:       id.distSums,
		Hists:          id.hists,
		LongHists:      id.longHists,
		CycleHists:     id.cycleHists,
		Overrides:      id.overrides,
	}
}

// Restore rebuilds an identifier from a snapshot.
func Restore(s Snapshot) (*Identifier, error) {
	id, err := New(s.Config, s.Spaces, s.Unit)
	if err != nil {
		return nil, err
	}
	id.clust.SetCentroids(s.Centroids)
	id.contrCentroids = s.ContrCentroids
	id.ignCentroids = s.IgnCentroids
	id.sizes = s.Sizes
	id.distSums = s.DistSums
	id.hists = s.Hists
	id.longHists = s.LongHists
	id.cycleHists = s.CycleHists
	id.overrides = s.Overrides
	return id, nil
}

// #endregion snapshot
