package ctmc

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func logger() *slog.Logger { return slog.With("component", "ctmc") }

// #region modeller
// Modeller fits a continuous-time Markov chain over the leaf states and
// answers queries over any partition of them. With HiddenState enabled the
// chain carries an extra state after the leaves that absorbs batch ends.
type Modeller struct {
	cfg     Config
	unit    ftr.TimeUnit
	nStates int

	intens       Intensities
	hiddenCounts []float64

	currState int
	prevTm    int64
}

// New creates an unfitted modeller.
func New(cfg Config, unit ftr.TimeUnit) (*Modeller, error) {
	if unit <= 0 {
		return nil, fmt.Errorf("invalid time unit %d", unit)
	}
	if cfg.Horizon <= 0 {
		return nil, fmt.Errorf("non-positive horizon %g", cfg.Horizon)
	}
	if cfg.PdfBins < 0 {
		return nil, fmt.Errorf("negative pdf bins %d", cfg.PdfBins)
	}
	return &Modeller{cfg: cfg, unit: unit, currState: -1}, nil
}

// #endregion modeller

// #region init
// Init fits the intensities from records with control features ftrs, state
// assignments and times. batchEnd may be nil; otherwise a true entry marks
// the last record of a batch and requires a hidden state.
func (m *Modeller) Init(ftrs [][]float64, nStates int, assign []int, times []int64, batchEnd []bool) error {
	n := len(assign)
	if n < 2 {
		return fmt.Errorf("init: need at least 2 records, got %d", n)
	}
	if len(ftrs) != n || len(times) != n {
		return fmt.Errorf("init: %d assignments, %d feature rows, %d times", n, len(ftrs), len(times))
	}
	if batchEnd != nil && len(batchEnd) != n {
		return fmt.Errorf("init: %d batch flags for %d records", len(batchEnd), n)
	}
	if nStates < 1 {
		return fmt.Errorf("init: invalid number of states %d", nStates)
	}
	for r, s := range assign {
		if s < 0 || s >= nStates {
			return fmt.Errorf("init: record %d assigned to invalid state %d", r, s)
		}
	}
	endsBatch := func(r int) bool { return batchEnd != nil && batchEnd[r] }
	if !m.cfg.HiddenState {
		for r := range assign {
			if endsBatch(r) {
				return fmt.Errorf("init: record %d ends a batch but the model has no hidden state", r)
			}
		}
	}

	m.nStates = nStates
	m.hiddenCounts = make([]float64, nStates)
	m.currState = -1
	m.prevTm = 0
	dim := nStates
	if m.cfg.HiddenState {
		dim++
	}

	logger().Info("fitting intensities", "states", nStates, "records", n, "hidden", m.cfg.HiddenState)

	// per source state: features and the state jumped to
	xs := make([][][]float64, dim)
	next := make([][]int, dim)
	interval, intervals := 0.0, 0
	for r := 0; r < n; r++ {
		to := -1
		switch {
		case endsBatch(r):
			to = m.hiddenID()
		case r < n-1:
			dt := times[r+1] - times[r]
			if dt <= 0 {
				return fmt.Errorf("init: time does not increase at record %d (%d → %d)", r, times[r], times[r+1])
			}
			interval += float64(dt) / float64(m.unit)
			intervals++
			to = assign[r+1]
		}
		if to < 0 {
			continue
		}
		xs[assign[r]] = append(xs[assign[r]], ftrs[r])
		next[assign[r]] = append(next[assign[r]], to)
	}
	if intervals == 0 {
		return errors.New("init: no consecutive records inside a batch")
	}

	m.intens = newIntensities(dim, interval/float64(intervals), m.cfg.RegFactor)
	for i := 0; i < nStates; i++ {
		for _, to := range next[i] {
			m.intens.Jumped[i][to] = true
		}
		for j := 0; j < dim; j++ {
			if !m.intens.Jumped[i][j] {
				continue
			}
			y := make([]float64, len(next[i]))
			for k, to := range next[i] {
				if to == j {
					y[k] = 1
				}
			}
			if err := m.intens.fit(i, j, xs[i], y); err != nil {
				return fmt.Errorf("init: %w", err)
			}
		}
	}

	for r := range assign {
		if err := m.OnAddRec(assign[r], times[r], endsBatch(r)); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	logger().Info("chain initialized", "delta_tm", m.intens.DeltaTm)
	return nil
}

// OnAddRec moves the chain to a new state. A record ending a batch moves it
// to the hidden state.
func (m *Modeller) OnAddRec(state int, tm int64, endsBatch bool) error {
	if endsBatch && !m.cfg.HiddenState {
		return errors.New("cannot end a batch without a hidden state")
	}
	if state < 0 || state >= m.nStates {
		return fmt.Errorf("invalid state %d", state)
	}
	inHidden := m.cfg.HiddenState && m.currState == m.hiddenID()
	if m.currState != -1 && tm < m.prevTm && !inHidden {
		logger().Warn("time went backwards", "curr", tm, "prev", m.prevTm)
		m.prevTm = tm
		return nil
	}
	if inHidden {
		m.hiddenCounts[state]++
	}
	if endsBatch {
		m.currState = m.hiddenID()
	} else {
		m.currState = state
	}
	m.prevTm = tm
	return nil
}

// #endregion init

// #region accessors
// States is the number of leaf states.
func (m *Modeller) States() int { return m.nStates }

// HasHiddenState reports whether the chain carries the batch-end state.
func (m *Modeller) HasHiddenState() bool { return m.cfg.HiddenState }

// CurrentState is the last state seen, -1 before any record.
func (m *Modeller) CurrentState() int { return m.currState }

// DeltaTm is the mean sampling interval in time units.
func (m *Modeller) DeltaTm() float64 { return m.intens.DeltaTm }

// TimeUnit returns the unit of all times the modeller reports.
func (m *Modeller) TimeUnit() ftr.TimeUnit { return m.unit }

// Config returns the prediction settings.
func (m *Modeller) Config() Config { return m.cfg }

func (m *Modeller) hiddenID() int {
	if !m.cfg.HiddenState {
		return -2
	}
	return m.nStates
}

// #endregion accessors

// #region q-matrix
// FullQ returns the generator over the leaf states, plus the hidden state
// when present, using stateFtrs as the control features of each leaf.
func (m *Modeller) FullQ(stateFtrs [][]float64) (*mat.Dense, error) {
	if len(stateFtrs) != m.nStates {
		return nil, fmt.Errorf("q matrix: %d feature rows for %d states", len(stateFtrs), m.nStates)
	}
	dim := m.intens.States
	q := mat.NewDense(dim, dim, nil)
	for i := 0; i < m.nStates; i++ {
		row, err := m.intens.Row(i, stateFtrs[i])
		if err != nil {
			return nil, err
		}
		q.SetRow(i, row)
	}
	if m.cfg.HiddenState {
		h := m.hiddenID()
		counts := m.hiddenCounts
		if floats.Sum(counts) == 0 {
			counts = make([]float64, m.nStates)
			for i := range counts {
				counts[i] = 1
			}
		}
		qhh := 0.0
		for j, c := range counts {
			q.Set(h, j, hiddenIntensity*c)
			qhh -= hiddenIntensity * c
		}
		q.Set(h, h, qhh)
	}
	return q, nil
}

// LeafQ returns the generator over the leaf states only.
func (m *Modeller) LeafQ(stateFtrs [][]float64) (*mat.Dense, error) {
	q, err := m.FullQ(stateFtrs)
	if err != nil || !m.cfg.HiddenState {
		return q, err
	}
	return SubChain(q, seq(m.nStates)), nil
}

// QMatrix returns the generator aggregated onto sets. With a hidden state
// the result has one extra trailing row and column.
func (m *Modeller) QMatrix(sets [][]int, stateFtrs [][]float64) (*mat.Dense, error) {
	q, err := m.FullQ(stateFtrs)
	if err != nil {
		return nil, err
	}
	if m.cfg.HiddenState {
		sets = append(append([][]int(nil), sets...), []int{m.hiddenID()})
	}
	return AggregateQ(q, sets)
}

// RevQMatrix returns the time-reversed aggregated generator.
func (m *Modeller) RevQMatrix(sets [][]int, stateFtrs [][]float64) (*mat.Dense, error) {
	q, err := m.QMatrix(sets, stateFtrs)
	if err != nil {
		return nil, err
	}
	pi, err := StatDist(q)
	if err != nil {
		return nil, err
	}
	return RevQ(q, pi), nil
}

// #endregion q-matrix

// #region queries
// StatDist returns the stationary distribution over sets.
func (m *Modeller) StatDist(sets [][]int, stateFtrs [][]float64) ([]float64, error) {
	q, err := m.QMatrix(sets, stateFtrs)
	if err != nil {
		return nil, err
	}
	pi, err := StatDist(q)
	if err != nil {
		return nil, err
	}
	if m.cfg.HiddenState {
		pi = pi[:len(pi)-1]
		floats.Scale(1/floats.Sum(pi), pi)
	}
	return pi, nil
}

// JumpMatrix returns the embedded jump chain over sets. Rows are not
// renormalised after dropping the hidden state, so batch ends show as
// missing mass.
func (m *Modeller) JumpMatrix(sets [][]int, stateFtrs [][]float64) (*mat.Dense, error) {
	q, err := m.QMatrix(sets, stateFtrs)
	if err != nil {
		return nil, err
	}
	j := JumpMatrix(q)
	if m.cfg.HiddenState {
		k := len(sets)
		return mat.DenseCopyOf(j.Slice(0, k, 0, k)), nil
	}
	return j, nil
}

// HoldingTimes returns the expected stay in each of the sets.
func (m *Modeller) HoldingTimes(sets [][]int, stateFtrs [][]float64) ([]float64, error) {
	q, err := m.QMatrix(sets, stateFtrs)
	if err != nil {
		return nil, err
	}
	return HoldingTimes(q)[:len(sets)], nil
}

// FutureProbs returns the probability of being in each of ids t time units
// after being in state id. ids name the sets in order.
func (m *Modeller) FutureProbs(sets [][]int, stateFtrs [][]float64, ids []int, id int, t float64) ([]StateProb, error) {
	q, err := m.QMatrix(sets, stateFtrs)
	if err != nil {
		return nil, err
	}
	return m.probRow(q, ids, id, t)
}

// PastProbs returns the probability of having been in each of ids t time
// units before being in state id.
func (m *Modeller) PastProbs(sets [][]int, stateFtrs [][]float64, ids []int, id int, t float64) ([]StateProb, error) {
	q, err := m.RevQMatrix(sets, stateFtrs)
	if err != nil {
		return nil, err
	}
	return m.probRow(q, ids, id, t)
}

func (m *Modeller) probRow(q *mat.Dense, ids []int, id int, t float64) ([]StateProb, error) {
	idx, err := indexOf(ids, id)
	if err != nil {
		return nil, err
	}
	p, err := futureProb(q, t, m.intens.DeltaTm, m.cfg.HiddenState)
	if err != nil {
		return nil, err
	}
	out := make([]StateProb, len(ids))
	for k, s := range ids {
		out[k] = StateProb{ID: s, Prob: p.At(idx, k)}
	}
	return out, nil
}

// ProbsAtTime returns the state distribution t time units from state id;
// negative t looks into the past.
func (m *Modeller) ProbsAtTime(sets [][]int, stateFtrs [][]float64, ids []int, id int, t float64) ([]float64, error) {
	var probs []StateProb
	var err error
	if t >= 0 {
		probs, err = m.FutureProbs(sets, stateFtrs, ids, id, t)
	} else {
		probs, err = m.PastProbs(sets, stateFtrs, ids, id, -t)
	}
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(probs))
	for i, p := range probs {
		out[i] = p.Prob
	}
	return out, nil
}

// NextStates returns up to n most likely next states of id, most likely
// first. n < 0 returns all states with a positive jump probability.
func (m *Modeller) NextStates(sets [][]int, stateFtrs [][]float64, ids []int, id, n int) ([]StateProb, error) {
	q, err := m.QMatrix(sets, stateFtrs)
	if err != nil {
		return nil, err
	}
	return m.topJumps(q, ids, id, n)
}

// PrevStates is NextStates over the time-reversed chain.
func (m *Modeller) PrevStates(sets [][]int, stateFtrs [][]float64, ids []int, id, n int) ([]StateProb, error) {
	q, err := m.RevQMatrix(sets, stateFtrs)
	if err != nil {
		return nil, err
	}
	return m.topJumps(q, ids, id, n)
}

func (m *Modeller) topJumps(q *mat.Dense, ids []int, id, n int) ([]StateProb, error) {
	idx, err := indexOf(ids, id)
	if err != nil {
		return nil, err
	}
	row := mat.Row(nil, idx, JumpMatrix(q))
	var out []StateProb
	for k, s := range ids {
		if k != idx && row[k] > 0 {
			out = append(out, StateProb{ID: s, Prob: row[k]})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Prob > out[b].Prob })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// IsAnomalousJump reports whether the jump old→new is improbable under the
// intensities at control features x.
func (m *Modeller) IsAnomalousJump(x []float64, newState, oldState int) (bool, error) {
	if oldState < 0 || oldState >= m.nStates || newState < 0 || newState >= m.nStates {
		return false, fmt.Errorf("invalid jump %d→%d", oldState, newState)
	}
	row, err := m.intens.Row(oldState, x)
	if err != nil {
		return false, err
	}
	return row[newState]/-row[oldState] < 1e-3, nil
}

// PredictOccurrence estimates the probability of reaching target from curr
// within the horizon. ok is false when the probability is below the
// prediction threshold.
func (m *Modeller) PredictOccurrence(stateFtrs [][]float64, sets [][]int, ids []int, curr, target int) (Prediction, bool, error) {
	q, err := m.QMatrix(sets, stateFtrs)
	if err != nil {
		return Prediction{}, false, err
	}
	from, err := indexOf(ids, curr)
	if err != nil {
		return Prediction{}, false, err
	}
	to, err := indexOf(ids, target)
	if err != nil {
		return Prediction{}, false, err
	}

	prob, times, pdf, err := hitTimePdf(q, from, to, m.intens.DeltaTm, m.cfg.Horizon, m.cfg.PdfBins, m.cfg.HiddenState)
	if err != nil {
		return Prediction{}, false, fmt.Errorf("predict %d→%d: %w", curr, target, err)
	}
	logger().Debug("occurrence predicted", "from", curr, "to", target, "prob", prob, "horizon", m.cfg.Horizon)

	pred := Prediction{From: curr, To: target, Prob: prob, Times: times, Pdf: pdf}
	if prob < m.cfg.PredictionThreshold {
		return pred, false, nil
	}
	if bins := m.cfg.PdfBins; bins > 0 && len(pdf) > bins {
		rate := len(pdf) / bins
		pred.Times = make([]float64, bins)
		pred.Pdf = make([]float64, bins)
		for i := 0; i < bins; i++ {
			pred.Times[i] = times[i*rate]
			pred.Pdf[i] = pdf[i*rate]
		}
	}
	return pred, true, nil
}

func indexOf(ids []int, id int) (int, error) {
	for k, s := range ids {
		if s == id {
			return k, nil
		}
	}
	return -1, fmt.Errorf("state %d not found", id)
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// #endregion queries

// #region snapshot
// Snapshot returns the serialisable state of the modeller.
func (m *Modeller) Snapshot() Snapshot {
	return Snapshot{
		Config:       m.cfg,
		Unit:         m.unit,
		NStates:      m.nStates,
		Intens:       m.intens,
		HiddenCounts: append([]float64(nil), m.hiddenCounts...),
		CurrState:    m.currState,
		PrevTm:       m.prevTm,
	}
}

// Restore rebuilds a modeller from a snapshot.
func Restore(s Snapshot) (*Modeller, error) {
	m, err := New(s.Config, s.Unit)
	if err != nil {
		return nil, err
	}
	dim := s.NStates
	if s.Config.HiddenState {
		dim++
	}
	if s.Intens.States != dim || len(s.HiddenCounts) != s.NStates {
		return nil, fmt.Errorf("restore: snapshot has %d intensity rows for %d states", s.Intens.States, s.NStates)
	}
	if math.IsNaN(s.Intens.DeltaTm) || s.Intens.DeltaTm <= 0 {
		return nil, fmt.Errorf("restore: invalid sampling interval %g", s.Intens.DeltaTm)
	}
	m.nStates = s.NStates
	m.intens = s.Intens
	m.hiddenCounts = s.HiddenCounts
	m.currState = s.CurrState
	m.prevTm = s.PrevTm
	return m, nil
}

// #endregion snapshot
