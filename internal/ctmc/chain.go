package ctmc

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// #region errors
var (
	// ErrNonErgodic is returned when a chain or its aggregation has more
	// than one closed class or a super-state without outflow.
	ErrNonErgodic = errors.New("ctmc: non-ergodic chain")
	// ErrNaN is returned when an intensity or probability is NaN.
	ErrNaN = errors.New("ctmc: NaN in chain")
)

const (
	minStatProb = 1e-6
	nullTol     = 1e-9
)

// #endregion errors

// #region stationary
// StatDist returns the stationary distribution of the generator q, the
// normalised null vector of qᵀ. Entries below 1e-6 are clamped to 1e-6 and
// the vector renormalised, so the result is an approximation for chains
// with near-transient states.
func StatDist(q *mat.Dense) ([]float64, error) {
	n, _ := q.Dims()
	if n == 1 {
		return []float64{1}, nil
	}
	if hasNaN(q) {
		return nil, fmt.Errorf("stationary distribution: %w", ErrNaN)
	}

	var svd mat.SVD
	if !svd.Factorize(q.T(), mat.SVDFull) {
		return nil, errors.New("stationary distribution: SVD did not converge")
	}
	vals := svd.Values(nil)
	scale := math.Max(vals[0], 1)
	if vals[n-2] < nullTol*scale {
		return nil, fmt.Errorf("stationary distribution: null space has dimension > 1: %w", ErrNonErgodic)
	}

	var v mat.Dense
	svd.VTo(&v)
	pi := mat.Col(nil, n-1, &v)
	sum := floats.Sum(pi)
	if sum == 0 || math.IsNaN(sum) {
		return nil, fmt.Errorf("stationary distribution: degenerate null vector: %w", ErrNonErgodic)
	}
	floats.Scale(1/sum, pi)

	for i, p := range pi {
		if p < -1e-3 {
			return nil, fmt.Errorf("stationary distribution: negative probability %g at %d: %w", p, i, ErrNonErgodic)
		}
	}

	var resid mat.VecDense
	resid.MulVec(q.T(), mat.NewVecDense(n, pi))
	if mat.Norm(&resid, 2) > 1e-3*scale {
		return nil, fmt.Errorf("stationary distribution: |πQ| = %g", mat.Norm(&resid, 2))
	}

	for i := range pi {
		if pi[i] < minStatProb {
			pi[i] = minStatProb
		}
	}
	floats.Scale(1/floats.Sum(pi), pi)
	return pi, nil
}

// #endregion stationary

// #region derived
// RevQ returns the generator of the time-reversed chain:
// q_rev(i,j) = q(j,i)·π(j)/π(i).
func RevQ(q *mat.Dense, pi []float64) *mat.Dense {
	n, _ := q.Dims()
	rev := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			rev.Set(i, j, q.At(j, i)*pi[j]/pi[i])
		}
	}
	return rev
}

// HoldingTimes returns the expected sojourn time 1/-q(i,i) of every state.
func HoldingTimes(q *mat.Dense) []float64 {
	n, _ := q.Dims()
	out := make([]float64, n)
	for i := range out {
		out[i] = 1 / -q.At(i, i)
	}
	return out
}

// JumpMatrix returns the embedded jump chain. Absorbing states jump to
// themselves.
func JumpMatrix(q *mat.Dense) *mat.Dense {
	n, _ := q.Dims()
	j := mat.NewDense(n, n, nil)
	for r := 0; r < n; r++ {
		qii := q.At(r, r)
		if qii == 0 {
			j.Set(r, r, 1)
			continue
		}
		for c := 0; c < n; c++ {
			if c != r {
				j.Set(r, c, q.At(r, c)/-qii)
			}
		}
	}
	return j
}

// SubChain restricts q to the given states and re-derives the diagonal from
// the kept intensities.
func SubChain(q *mat.Dense, states []int) *mat.Dense {
	n := len(states)
	sub := mat.NewDense(n, n, nil)
	for r, i := range states {
		sum := 0.0
		for c, j := range states {
			if r == c {
				continue
			}
			sub.Set(r, c, q.At(i, j))
			sum += q.At(i, j)
		}
		sub.Set(r, r, -sum)
	}
	return sub
}

func hasNaN(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(m.At(i, j)) {
				return true
			}
		}
	}
	return false
}

// #endregion derived

// #region transient
// FutureProb returns P(t), the matrix of transition probabilities over a
// horizon t ≥ 0, as (I + Q·dt)^steps. deltaTm is the sampling interval of
// the data the chain was fitted on.
func FutureProb(q *mat.Dense, t, deltaTm float64) (*mat.Dense, error) {
	return futureProb(q, t, deltaTm, false)
}

// futureProb optionally treats the last state as hidden: probability mass
// flowing into it stays in the source state and the state is dropped.
func futureProb(q *mat.Dense, t, deltaTm float64, hidden bool) (*mat.Dense, error) {
	if t < 0 {
		return nil, fmt.Errorf("negative time %g", t)
	}
	if deltaTm <= 0 {
		return nil, fmt.Errorf("non-positive sampling interval %g", deltaTm)
	}
	n, _ := q.Dims()
	size := n
	if hidden {
		size--
	}
	if t == 0 {
		return identity(size), nil
	}

	qn := mat.Norm(q, 2)
	if qn == 0 {
		return identity(size), nil
	}
	dt := math.Min(math.Min(deltaTm/qn, deltaTm), 1/qn)
	steps := int(math.Ceil(t / dt))
	dt = t / float64(steps)

	step := mat.NewDense(n, n, nil)
	step.Scale(dt, q)
	for i := 0; i < n; i++ {
		step.Set(i, i, step.At(i, i)+1)
	}
	if hidden {
		h := n - 1
		for i := 0; i < h; i++ {
			step.Set(i, i, step.At(i, i)+step.At(i, h))
		}
		step = mat.DenseCopyOf(step.Slice(0, h, 0, h))
	}

	var p mat.Dense
	p.Pow(step, steps)
	if hasNaN(&p) {
		return nil, fmt.Errorf("transition probabilities: %w", ErrNaN)
	}
	return &p, nil
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// #endregion transient

// #region hitting-time
// HitTimePdf discretises the first-passage time from src to dst within
// horizon. It returns the probability of reaching dst within the horizon
// and the density sampled at multiples of the time step.
//
// Passages are detected on a grid of sub-steps no longer than
// maxHitStep/max|q_ii|, so visits to dst shorter than a sub-step can be
// missed and the probability is slightly low. The grid is capped at
// maxHitSteps points, past which the bias grows with the step.
func HitTimePdf(q *mat.Dense, src, dst int, deltaTm, horizon float64, bins int) (float64, []float64, []float64, error) {
	return hitTimePdf(q, src, dst, deltaTm, horizon, bins, false)
}

func hitTimePdf(q *mat.Dense, src, dst int, deltaTm, horizon float64, bins int, hidden bool) (float64, []float64, []float64, error) {
	if src == dst {
		return 1, nil, nil, nil
	}
	if horizon <= 0 || bins < 1 {
		return 0, nil, nil, fmt.Errorf("invalid horizon %g or bins %d", horizon, bins)
	}

	h, steps := horizon/float64(bins), bins
	if h <= 2*deltaTm {
		h = deltaTm
		steps = int(math.Ceil(horizon / h))
	}

	sub := hitSubSteps(q, h, steps)
	fine := steps * sub

	p, err := futureProb(q, h/float64(sub), deltaTm, hidden)
	if err != nil {
		return 0, nil, nil, err
	}
	n, _ := p.Dims()

	srcRow := mat.NewVecDense(n, nil)
	srcRow.SetVec(src, 1)
	dstRow := mat.NewVecDense(n, nil)
	dstRow.SetVec(dst, 1)
	srcNext := mat.NewVecDense(n, nil)
	dstNext := mat.NewVecDense(n, nil)

	// returnProb[k] is the probability of being back in dst k steps after
	// leaving it
	returnProb := make([]float64, fine+1)
	returnProb[0] = 1
	hits := make([]float64, fine+1)

	times := make([]float64, steps)
	for k := range times {
		times[k] = float64(k+1) * h
	}
	pdf := make([]float64, steps)
	cum := 0.0
	for k := 1; k <= fine; k++ {
		srcNext.MulVec(p.T(), srcRow)
		dstNext.MulVec(p.T(), dstRow)
		srcRow, srcNext = srcNext, srcRow
		dstRow, dstNext = dstNext, dstRow
		returnProb[k] = dstRow.AtVec(dst)

		mass := srcRow.AtVec(dst)
		for m := 1; m < k; m++ {
			mass -= hits[m] * returnProb[k-m]
		}
		mass = math.Max(mass, 0)
		hits[k] = mass
		cum += mass
		pdf[(k-1)/sub] += mass / h
	}
	return math.Min(cum, 1), times, pdf, nil
}

const (
	maxHitStep  = 0.1
	maxHitSteps = 4096
)

// hitSubSteps splits each output step h so that h·max|q_ii| stays below
// maxHitStep, within the maxHitSteps budget.
func hitSubSteps(q *mat.Dense, h float64, steps int) int {
	n, _ := q.Dims()
	rate := 0.0
	for i := 0; i < n; i++ {
		rate = math.Max(rate, math.Abs(q.At(i, i)))
	}
	sub := 1
	if x := h * rate; x > maxHitStep {
		sub = int(math.Ceil(x / maxHitStep))
	}
	return max(1, min(sub, maxHitSteps/steps))
}

// #endregion hitting-time

// #region aggregation
// AggregateQ collapses q onto a partition of its states, weighting each
// state by its stationary probability.
func AggregateQ(q *mat.Dense, sets [][]int) (*mat.Dense, error) {
	pi, err := StatDist(q)
	if err != nil {
		return nil, err
	}
	return aggregate(q, pi, sets)
}

func aggregate(q *mat.Dense, pi []float64, sets [][]int) (*mat.Dense, error) {
	m := len(sets)
	out := mat.NewDense(m, m, nil)
	for a, setA := range sets {
		if len(setA) == 0 {
			return nil, fmt.Errorf("aggregate: super-state %d is empty", a)
		}
		weight := 0.0
		for _, k := range setA {
			weight += pi[k]
		}
		for b, setB := range sets {
			sum := 0.0
			for _, k := range setA {
				row := 0.0
				for _, l := range setB {
					row += q.At(k, l)
				}
				sum += pi[k] * row
			}
			v := sum / weight
			if math.IsNaN(v) {
				return nil, fmt.Errorf("aggregate (%d,%d): %w", a, b, ErrNaN)
			}
			out.Set(a, b, v)
		}
	}
	if m > 1 {
		for a, setA := range sets {
			scale := 0.0
			for _, k := range setA {
				scale = math.Max(scale, math.Abs(q.At(k, k)))
			}
			if math.Abs(out.At(a, a)) <= 1e-12*scale {
				return nil, fmt.Errorf("aggregate: super-state %d has no outflow: %w", a, ErrNonErgodic)
			}
		}
	}
	return out, nil
}

// #endregion aggregation

// #region partition
// BiPartition splits the states of q in two using the eigenvector of the
// second largest eigenvalue of the generalised problem Qs·v = λ·Π·v, where
// Qs = (ΠQ + QᵀΠ)/2. It returns the local indices of both halves.
func BiPartition(q *mat.Dense, pi []float64) ([]int, []int, error) {
	n, _ := q.Dims()
	if n < 2 {
		return nil, nil, fmt.Errorf("bipartition: need at least 2 states, got %d", n)
	}
	if n == 2 {
		return []int{0}, []int{1}, nil
	}

	// symmetric form Π^{-1/2}·Qs·Π^{-1/2}
	inv := make([]float64, n)
	for i, p := range pi {
		inv[i] = 1 / math.Sqrt(p)
	}
	sym := mat.NewSymDense(n, nil)
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			qs := (pi[r]*q.At(r, c) + q.At(c, r)*pi[c]) / 2
			sym.SetSym(r, c, inv[r]*qs*inv[c])
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, nil, errors.New("bipartition: eigendecomposition failed")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// eigenvalues are ascending
	v := mat.Col(nil, n-2, &vecs)
	for i := range v {
		v[i] *= inv[i]
	}

	var a, b []int
	for i, x := range v {
		if x >= 0 {
			b = append(b, i)
		} else {
			a = append(a, i)
		}
	}
	if len(a) == 0 || len(b) == 0 {
		a, b = splitAtGap(v)
	}
	return a, b, nil
}

// splitAtGap cuts the sorted entries of v at their largest gap.
func splitAtGap(v []float64) ([]int, []int) {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool { return v[idx[x]] < v[idx[y]] })
	cut, gap := 1, -1.0
	for k := 1; k < len(idx); k++ {
		if g := v[idx[k]] - v[idx[k-1]]; g > gap {
			cut, gap = k, g
		}
	}
	a := append([]int(nil), idx[:cut]...)
	b := append([]int(nil), idx[cut:]...)
	sort.Ints(a)
	sort.Ints(b)
	return a, b
}

// RelativeEntropy measures how much the aggregation of q onto sets distorts
// the dynamics of the original chain.
func RelativeEntropy(q *mat.Dense, sets [][]int) (float64, error) {
	pi, err := StatDist(q)
	if err != nil {
		return 0, err
	}
	return relativeEntropy(q, pi, sets)
}

func relativeEntropy(q *mat.Dense, pi []float64, sets [][]int) (float64, error) {
	jq, err := aggregate(q, pi, sets)
	if err != nil {
		return 0, err
	}
	sum1, sum2 := 0.0, 0.0
	for a, setA := range sets {
		for b, setB := range sets {
			if a == b {
				continue
			}
			for _, i := range setA {
				intens := 0.0
				for _, j := range setB {
					intens += q.At(i, j)
				}
				if math.Abs(intens) > 1e-9 {
					sum1 += pi[i] * intens * math.Log(intens/jq.At(a, b))
				}
			}
		}
		for _, i := range setA {
			inner := 0.0
			for _, j := range setA {
				inner += q.At(i, j)
			}
			sum2 += pi[i] * (inner - jq.At(a, a))
		}
	}
	return sum1 + sum2, nil
}

// Partition builds a binary hierarchy over the states of q by greedy
// recursive bi-partitioning. Each round splits the super-state whose split
// yields the aggregation closest to q in relative entropy. Nodes 0..n-1 are
// the states, the root is 2n-2 and points to itself. A node's height is the
// relative entropy of aggregating only its own members.
func Partition(q *mat.Dense) ([]int, []float64, error) {
	n, _ := q.Dims()
	total := 2*n - 1
	root := total - 1

	pi, err := StatDist(q)
	if err != nil {
		return nil, nil, err
	}

	parents := make([]int, total)
	heights := make([]float64, total)

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	sets := [][]int{all}
	ids := []int{root}
	parents[root] = root
	if heights[root], err = relativeEntropy(q, pi, sets); err != nil {
		return nil, nil, err
	}

	nextID := root
	for split := 0; split < n-1; split++ {
		bestN, bestDist := -1, math.Inf(1)
		var bestA, bestB []int

		for s, set := range sets {
			if len(set) < 2 {
				continue
			}
			a, b, err := bipartitionSet(q, pi, set)
			if err != nil {
				return nil, nil, err
			}
			cand := replaceSet(sets, s, a, b)
			d, err := relativeEntropy(q, pi, cand)
			if err != nil {
				return nil, nil, err
			}
			if d < bestDist {
				bestN, bestDist, bestA, bestB = s, d, a, b
			}
		}
		if bestN < 0 {
			return nil, nil, errors.New("partition: nothing left to split")
		}

		parent := ids[bestN]
		sets = replaceSet(sets, bestN, bestA, bestB)
		ids = append(append(ids[:bestN:bestN], ids[bestN+1:]...), 0, 0)
		for k, half := range [][]int{bestA, bestB} {
			id := half[0]
			if len(half) > 1 {
				nextID--
				id = nextID
			}
			ids[len(ids)-2+k] = id
			parents[id] = parent
			h, err := relativeEntropy(q, pi, singletonsExcept(n, half))
			if err != nil {
				return nil, nil, err
			}
			heights[id] = h
		}
	}

	for i := 0; i < n; i++ {
		heights[i] = 0
	}
	return parents, heights, nil
}

func bipartitionSet(q *mat.Dense, pi []float64, set []int) ([]int, []int, error) {
	sub := SubChain(q, set)
	subPi := make([]float64, len(set))
	for i, s := range set {
		subPi[i] = pi[s]
	}
	floats.Scale(1/floats.Sum(subPi), subPi)

	la, lb, err := BiPartition(sub, subPi)
	if err != nil {
		return nil, nil, err
	}
	a := make([]int, len(la))
	for i, k := range la {
		a[i] = set[k]
	}
	b := make([]int, len(lb))
	for i, k := range lb {
		b[i] = set[k]
	}
	return a, b, nil
}

// replaceSet returns sets without sets[s] and with a and b appended.
func replaceSet(sets [][]int, s int, a, b []int) [][]int {
	out := make([][]int, 0, len(sets)+1)
	out = append(out, sets[:s]...)
	out = append(out, sets[s+1:]...)
	return append(out, a, b)
}

// singletonsExcept partitions n states into singletons plus one set.
func singletonsExcept(n int, set []int) [][]int {
	in := make(map[int]bool, len(set))
	for _, s := range set {
		in[s] = true
	}
	out := make([][]int, 0, n-len(set)+1)
	for i := 0; i < n; i++ {
		if !in[i] {
			out = append(out, []int{i})
		}
	}
	return append(out, set)
}

// #endregion partition
