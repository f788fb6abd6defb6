// Package strategy implements the walk-forward factor overlay: window
// selection, per-month model fitting and the dollar-neutral weight
// construction shared by the backtest and the single-date query.
package strategy

import (
	"fmt"
	"sort"
	"time"

	"alphatilt/internal/domain"
	"alphatilt/internal/model"
	"alphatilt/internal/panel"
)

// Estimator fits a return model on a training slice.
type Estimator interface {
	// Name returns the unique identifier for this estimator.
	Name() string

	// Fit trains on s, whose labels are the forward returns.
	Fit(s panel.Slice) (Predictor, error)
}

// Predictor is a fitted model.
type Predictor interface {
	Predict(s panel.Slice) []float64
	TrainedMonth(date time.Time) domain.TrainedMonth
}

// RidgeEstimator adapts model.Ridge to Estimator.
type RidgeEstimator struct {
	Alpha float64
}

func (RidgeEstimator) Name() string { return "ridge" }

func (e RidgeEstimator) Fit(s panel.Slice) (Predictor, error) {
	fit, err := model.Ridge{Alpha: e.Alpha}.Fit(s)
	if err != nil {
		return nil, err
	}
	return fit, nil
}

// Registry holds a named collection of estimators for lookup and enumeration.
type Registry struct {
	estimators map[string]Estimator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		estimators: make(map[string]Estimator),
	}
}

// DefaultRegistry returns a registry holding the ridge estimator with the
// given penalty.
func DefaultRegistry(ridgeAlpha float64) *Registry {
	r := NewRegistry()
	r.Register(RidgeEstimator{Alpha: ridgeAlpha})
	return r
}

// Register adds an estimator to the registry, keyed by its Name().
func (r *Registry) Register(e Estimator) {
	r.estimators[e.Name()] = e
}

// Get retrieves an estimator by name.
func (r *Registry) Get(name string) (Estimator, bool) {
	e, ok := r.estimators[name]
	return e, ok
}

// List returns a sorted slice of all registered estimator names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.estimators))
	for name := range r.estimators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultLabelHorizon is the forward-return horizon of the panel, in months.
const DefaultLabelHorizon = 3

// Window selects training months for an evaluation month by position in
// the panel's month sequence.
//
// The label of a row dated t is realized LabelHorizon months after t, so the
// last training month must sit LabelHorizon+1 months before the evaluation
// month. Lookback further months precede it.
type Window struct {
	LabelHorizon int
	Lookback     int
}

// Buffer is the gap between the last training month and the evaluation
// month.
func (w Window) Buffer() int { return w.LabelHorizon + 1 }

// FirstEval is the first month index with a complete training window.
func (w Window) FirstEval() int { return w.Lookback + w.Buffer() }

// Train returns the inclusive month range [start, end] used to fit the model
// evaluated at month i.
func (w Window) Train(i int) (start, end int) {
	end = i - w.Buffer()
	return end - w.Lookback, end
}

// Validate checks the window parameters.
func (w Window) Validate() error {
	if w.Lookback < 1 {
		return &domain.InvalidRequestError{Field: "lookback", Reason: fmt.Sprintf("must be at least 1, got %d", w.Lookback)}
	}
	if w.LabelHorizon < 0 {
		return &domain.InvalidRequestError{Field: "label_horizon", Reason: fmt.Sprintf("must not be negative, got %d", w.LabelHorizon)}
	}
	return nil
}
