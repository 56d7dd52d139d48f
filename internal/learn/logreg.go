package learn

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// #region logreg
// LogReg is an L2-regularised logistic regression fitted by Newton's method.
// The intercept, when enabled, is the last weight and is not regularised.
type LogReg struct {
	Lambda    float64
	Intercept bool
	Weights   []float64
}

const (
	logRegMaxIter = 50
	logRegTol     = 1e-8
)

// ErrNoInstances is returned when a learner is fitted on an empty set.
var ErrNoInstances = errors.New("learn: no training instances")

// NewLogReg creates an unfitted model.
func NewLogReg(lambda float64, intercept bool) *LogReg {
	return &LogReg{Lambda: lambda, Intercept: intercept}
}

// Fit trains on rows of x with labels y in {0, 1}.
func (lr *LogReg) Fit(x [][]float64, y []float64) error {
	n := len(x)
	if n == 0 {
		return ErrNoInstances
	}
	if len(y) != n {
		return fmt.Errorf("logreg: %d instances but %d labels", n, len(y))
	}
	dim := len(x[0])
	p := dim
	if lr.Intercept {
		p++
	}
	if p == 0 {
		return errors.New("logreg: no features and no intercept")
	}

	xm := mat.NewDense(n, p, nil)
	for i, row := range x {
		if len(row) != dim {
			return fmt.Errorf("logreg: row %d has %d features, want %d", i, len(row), dim)
		}
		for j, v := range row {
			xm.Set(i, j, v)
		}
		if lr.Intercept {
			xm.Set(i, dim, 1)
		}
	}

	w := mat.NewVecDense(p, nil)
	grad := mat.NewVecDense(p, nil)
	step := mat.NewVecDense(p, nil)
	hess := mat.NewDense(p, p, nil)
	resid := mat.NewVecDense(n, nil)
	wx := mat.NewDense(n, p, nil)

	for it := 0; it < logRegMaxIter; it++ {
		for i := 0; i < n; i++ {
			mu := sigmoid(mat.Dot(xm.RowView(i), w))
			resid.SetVec(i, mu-y[i])
			s := math.Max(mu*(1-mu), 1e-10)
			for j := 0; j < p; j++ {
				wx.Set(i, j, s*xm.At(i, j))
			}
		}

		grad.MulVec(xm.T(), resid)
		hess.Mul(xm.T(), wx)
		for j := 0; j < dim; j++ {
			grad.SetVec(j, grad.AtVec(j)+lr.Lambda*w.AtVec(j))
			hess.Set(j, j, hess.At(j, j)+lr.Lambda)
		}
		if lr.Intercept {
			hess.Set(dim, dim, hess.At(dim, dim)+1e-9)
		}

		if err := step.SolveVec(hess, grad); err != nil {
			return fmt.Errorf("logreg newton step: %w", err)
		}
		w.SubVec(w, step)
		if mat.Norm(step, 2) < logRegTol {
			break
		}
	}

	lr.Weights = make([]float64, p)
	for j := range lr.Weights {
		lr.Weights[j] = w.AtVec(j)
	}
	if floats.HasNaN(lr.Weights) {
		return errors.New("logreg: diverged to NaN")
	}
	return nil
}

// Predict returns P(y=1|x).
func (lr *LogReg) Predict(x []float64) float64 {
	z := 0.0
	dim := len(lr.Weights)
	if lr.Intercept {
		dim--
		z = lr.Weights[dim]
	}
	for j := 0; j < dim && j < len(x); j++ {
		z += lr.Weights[j] * x[j]
	}
	return sigmoid(z)
}

// FeatureWeights returns the weights without the intercept.
func (lr *LogReg) FeatureWeights() []float64 {
	if lr.Intercept && len(lr.Weights) > 0 {
		return lr.Weights[:len(lr.Weights)-1]
	}
	return lr.Weights
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// #endregion logreg
