package ctmc

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/learn"
)

const (
	// minJumpProb keeps observed jumps from vanishing in the Q matrix.
	minJumpProb  = 1e-5
	maxIntensity = 1e4
	// minStayTm is the expected stay in the hidden state, in time units.
	minStayTm       = 1e-2
	hiddenIntensity = 1 / minStayTm
)

// #region intensities
// Intensities models the jump intensity between every ordered pair of
// states as a logistic regression over the control features of the source
// state. Models[i][j] is fitted only when a jump i→j was observed.
type Intensities struct {
	States  int
	Models  [][]learn.LogReg
	Fitted  [][]bool
	Jumped  [][]bool
	DeltaTm float64
}

func newIntensities(n int, deltaTm, regFact float64) Intensities {
	in := Intensities{
		States:  n,
		Models:  make([][]learn.LogReg, n),
		Fitted:  make([][]bool, n),
		Jumped:  make([][]bool, n),
		DeltaTm: deltaTm,
	}
	for i := 0; i < n; i++ {
		in.Models[i] = make([]learn.LogReg, n)
		in.Fitted[i] = make([]bool, n)
		in.Jumped[i] = make([]bool, n)
		for j := 0; j < n; j++ {
			in.Models[i][j] = *learn.NewLogReg(regFact, true)
		}
	}
	return in
}

func (in *Intensities) fit(i, j int, x [][]float64, y []float64) error {
	if err := in.Models[i][j].Fit(x, y); err != nil {
		return fmt.Errorf("fit intensity %d→%d: %w", i, j, err)
	}
	in.Fitted[i][j] = true
	return nil
}

// Row returns the intensities out of state i given its control features.
// The diagonal holds the negated sum of the rest of the row.
func (in *Intensities) Row(i int, x []float64) ([]float64, error) {
	if in.DeltaTm <= 0 {
		return nil, fmt.Errorf("intensity row %d: sampling interval %g", i, in.DeltaTm)
	}
	row := make([]float64, in.States)
	sum := 0.0
	for j := range row {
		p := 0.0
		if in.Fitted[i][j] {
			p = in.Models[i][j].Predict(x)
		}
		if in.Jumped[i][j] && p < minJumpProb {
			p = minJumpProb
		}
		row[j] = p
		sum += p
	}
	if sum == 0 {
		return nil, fmt.Errorf("intensity row %d: state was never left: %w", i, ErrNonErgodic)
	}

	qii := 0.0
	for j := range row {
		row[j] = math.Min(row[j]/sum/in.DeltaTm, maxIntensity)
		if math.IsNaN(row[j]) {
			return nil, fmt.Errorf("intensity %d→%d: %w", i, j, ErrNaN)
		}
		if j != i {
			qii -= row[j]
		}
	}
	row[i] = qii
	if qii >= 0 {
		return nil, fmt.Errorf("intensity row %d has no outflow: %w", i, ErrNonErgodic)
	}
	return row, nil
}

// #endregion intensities
