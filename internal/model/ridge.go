// Package model fits the linear return model used by the walk-forward loop.
package model

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"alphatilt/internal/domain"
	"alphatilt/internal/panel"
)

// DefaultAlpha is the L2 penalty used when none is configured.
const DefaultAlpha = 1.0

var (
	ErrEmptyTraining  = errors.New("training slice is empty")
	ErrNonFinite      = errors.New("training data contains non-finite values")
	ErrIllConditioned = errors.New("normal equations are ill-conditioned")
)

// Ridge is an L2-regularized least squares regression with an unpenalized
// intercept.
type Ridge struct {
	Alpha float64
}

// Fit is a fitted ridge model.
type Fit struct {
	Factors   []string
	Coef      []float64
	Intercept float64
}

// Fit regresses s.ForwardReturn on the factor matrix of s.
//
// X and y are centered, (XcᵀXc + αI)β = Xcᵀyc is solved through a Cholesky
// factorization, and the intercept is ȳ - x̄·β.
func (r Ridge) Fit(s panel.Slice) (*Fit, error) {
	n, k := s.Rows(), s.Cols()
	if n == 0 || k == 0 {
		return nil, ErrEmptyTraining
	}
	if r.Alpha < 0 {
		return nil, fmt.Errorf("negative ridge alpha %g", r.Alpha)
	}
	for _, v := range s.ForwardReturn {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrNonFinite
		}
	}

	x := mat.NewDense(n, k, append([]float64(nil), s.X...))
	xMean := make([]float64, k)
	for j := 0; j < k; j++ {
		col := mat.Col(nil, j, x)
		xMean[j] = floats.Sum(col) / float64(n)
		for i := 0; i < n; i++ {
			x.Set(i, j, col[i]-xMean[j])
		}
	}
	yMean := floats.Sum(s.ForwardReturn) / float64(n)
	yc := make([]float64, n)
	for i, v := range s.ForwardReturn {
		yc[i] = v - yMean
	}

	var gram mat.SymDense
	gram.SymOuterK(1, x.T())
	for j := 0; j < k; j++ {
		gram.SetSym(j, j, gram.At(j, j)+r.Alpha)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, ErrIllConditioned
	}

	var rhs mat.VecDense
	rhs.MulVec(x.T(), mat.NewVecDense(n, yc))

	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &rhs); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return nil, ErrIllConditioned
		}
		return nil, err
	}

	coef := make([]float64, k)
	for j := range coef {
		coef[j] = beta.AtVec(j)
	}
	return &Fit{
		Factors:   append([]string(nil), s.Factors...),
		Coef:      coef,
		Intercept: yMean - floats.Dot(xMean, coef),
	}, nil
}

// Predict returns the predicted forward return of every row of s.
func (f *Fit) Predict(s panel.Slice) []float64 {
	k := len(f.Coef)
	out := make([]float64, s.Rows())
	for i := range out {
		out[i] = f.Intercept + floats.Dot(s.X[i*k:(i+1)*k], f.Coef)
	}
	return out
}

// TrainedMonth records the fit as the model of the evaluation month date.
func (f *Fit) TrainedMonth(date time.Time) domain.TrainedMonth {
	coefs := make(map[string]float64, len(f.Coef))
	for i, name := range f.Factors {
		coefs[name] = f.Coef[i]
	}
	return domain.TrainedMonth{Date: date, Coefficients: coefs, Intercept: f.Intercept}
}
