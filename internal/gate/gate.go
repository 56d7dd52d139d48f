package gate

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// #region gate
// Gate decides whether a model snapshot may become the active version.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Evaluate checks the live model and the copy decoded from its snapshot
// blob. Every height of the hierarchy must carry a valid generator and
// stationary distribution, and the decoded copy must reproduce them.
func (g *Gate) Evaluate(live, decoded *orchestrator.Model, blobSize int) GateDecision {
	var vetoes []VetoSignal
	var metrics []Metric
	veto := func(t VetoType, format string, args ...any) {
		vetoes = append(vetoes, VetoSignal{Type: t, Reason: fmt.Sprintf(format, args...)})
	}

	// --- Hard veto pass ---

	// 1. Both models initialized
	if _, _, err := live.StatDist(0); errors.Is(err, orchestrator.ErrNotInitialized) {
		return reject([]VetoSignal{{Type: VetoNotReady, Reason: "live model not initialized"}}, nil)
	}
	if decoded == nil {
		return reject([]VetoSignal{{Type: VetoRoundTrip, Reason: "snapshot did not decode"}}, nil)
	}

	// 2. Enough states to form a chain
	states := live.LeafStates()
	metrics = append(metrics, Metric{Name: "leaf_states", Value: float64(states), Pass: states >= g.config.MinStates})
	if states < g.config.MinStates {
		veto(VetoDegenerate, "%d leaf states below minimum %d", states, g.config.MinStates)
	}

	// 3. Blob size cap
	sizeOK := g.config.MaxBlobBytes <= 0 || blobSize <= g.config.MaxBlobBytes
	metrics = append(metrics, Metric{Name: "blob_bytes", Value: float64(blobSize), Pass: sizeOK})
	if !sizeOK {
		veto(VetoSize, "blob %d bytes exceeds cap %d", blobSize, g.config.MaxBlobBytes)
	}

	// 4. Decoded structure matches
	if decoded.LeafStates() != states || !slices.Equal(decoded.Heights(), live.Heights()) {
		veto(VetoRoundTrip, "decoded model has %d states over %d heights, want %d over %d",
			decoded.LeafStates(), len(decoded.Heights()), states, len(live.Heights()))
		return reject(vetoes, metrics)
	}

	// 5. Per-height chain checks
	var rowSum, distErr, roundTrip float64
	for _, h := range live.Heights() {
		q, err := live.QMatrix(h)
		if err != nil {
			veto(VetoDegenerate, "height %.4f: %v", h, err)
			continue
		}
		rowSum = math.Max(rowSum, maxRowSum(q))

		_, pi, err := live.StatDist(h)
		if err != nil {
			veto(VetoDegenerate, "height %.4f: %v", h, err)
			continue
		}
		if slices.ContainsFunc(pi, math.IsNaN) {
			veto(VetoDegenerate, "height %.4f: stationary distribution has NaN", h)
			continue
		}
		distErr = math.Max(distErr, math.Abs(floats.Sum(pi)-1))

		_, back, err := decoded.StatDist(h)
		if err != nil || len(back) != len(pi) {
			veto(VetoRoundTrip, "height %.4f: decoded distribution unavailable: %v", h, err)
			continue
		}
		roundTrip = math.Max(roundTrip, floats.Distance(pi, back, math.Inf(1)))
	}
	metrics = append(metrics,
		Metric{Name: "q_row_sum", Value: rowSum, Pass: rowSum <= g.config.MaxRowSum},
		Metric{Name: "stat_dist_err", Value: distErr, Pass: distErr <= g.config.MaxDistErr},
		Metric{Name: "round_trip_diff", Value: roundTrip, Pass: roundTrip <= g.config.MaxRoundTripDiff},
	)
	if rowSum > g.config.MaxRowSum {
		veto(VetoDegenerate, "Q row sum %.3g exceeds %.3g", rowSum, g.config.MaxRowSum)
	}
	if distErr > g.config.MaxDistErr {
		veto(VetoDegenerate, "stationary distribution off by %.3g", distErr)
	}
	if roundTrip > g.config.MaxRoundTripDiff {
		veto(VetoRoundTrip, "decoded distribution differs by %.3g", roundTrip)
	}

	if len(vetoes) > 0 {
		return reject(vetoes, metrics)
	}
	return GateDecision{
		Action:  "commit",
		Reason:  fmt.Sprintf("passed gate: %d states, %d heights", states, len(live.Heights())),
		Metrics: metrics,
	}
}

// Check evaluates and returns an error wrapping ErrVetoed on rejection.
func (g *Gate) Check(live, decoded *orchestrator.Model, blobSize int) error {
	d := g.Evaluate(live, decoded, blobSize)
	if d.Vetoed {
		return fmt.Errorf("%w: %s", ErrVetoed, d.Reason)
	}
	return nil
}

// #endregion gate

// #region helpers
func reject(vetoes []VetoSignal, metrics []Metric) GateDecision {
	return GateDecision{
		Action:      "reject",
		Reason:      fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
		Vetoed:      true,
		VetoSignals: vetoes,
		Metrics:     metrics,
	}
}

// maxRowSum is the largest |Σ_j q_ij| relative to max(1, |q_ii|).
func maxRowSum(q *mat.Dense) float64 {
	r, _ := q.Dims()
	worst := 0.0
	for i := 0; i < r; i++ {
		row := q.RawRowView(i)
		worst = math.Max(worst, math.Abs(floats.Sum(row))/math.Max(1, math.Abs(row[i])))
	}
	return worst
}

// #endregion helpers
