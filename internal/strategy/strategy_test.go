package strategy

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphatilt/internal/domain"
	"alphatilt/internal/panel"
	"alphatilt/internal/panel/paneltest"
)

// stubEstimator is a minimal Estimator used in registry and failure tests.
type stubEstimator struct {
	name string
	err  error
}

func (s *stubEstimator) Name() string { return s.name }
func (s *stubEstimator) Fit(panel.Slice) (Predictor, error) {
	return nil, s.err
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubEstimator{name: "test-estimator"})

	got, ok := r.Get("test-estimator")
	require.True(t, ok)
	assert.Equal(t, "test-estimator", got.Name())

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistryList(t *testing.T) {
	r := DefaultRegistry(1)
	r.Register(&stubEstimator{name: "alpha"})
	assert.Equal(t, []string{"alpha", "ridge"}, r.List())
}

func TestWindow(t *testing.T) {
	w := Window{LabelHorizon: DefaultLabelHorizon, Lookback: 6}
	assert.Equal(t, 4, w.Buffer())
	assert.Equal(t, 10, w.FirstEval())

	start, end := w.Train(10)
	assert.Equal(t, 0, start)
	assert.Equal(t, 6, end)

	start, end = w.Train(23)
	assert.Equal(t, 13, start)
	assert.Equal(t, 19, end)

	w = Window{LabelHorizon: 1, Lookback: 2}
	assert.Equal(t, 2, w.Buffer())
	assert.Equal(t, 4, w.FirstEval())
}

func TestParamsValidate(t *testing.T) {
	var ire *domain.InvalidRequestError

	err := Params{Window: Window{LabelHorizon: 3, Lookback: 0}, OverlayWeight: 0.6}.Validate()
	require.ErrorAs(t, err, &ire)
	assert.Equal(t, "lookback", ire.Field)

	err = Params{Window: Window{LabelHorizon: 3, Lookback: 6}, OverlayWeight: 0}.Validate()
	require.ErrorAs(t, err, &ire)
	assert.Equal(t, "overlay_weight", ire.Field)

	assert.NoError(t, Params{Window: Window{LabelHorizon: 3, Lookback: 6}, OverlayWeight: 0.6}.Validate())
}

func TestConstructWeightsProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	date := time.Date(2020, 5, 31, 0, 0, 0, 0, time.UTC)

	for trial := 0; trial < 20; trial++ {
		n := 3 + rng.Intn(20)
		tickers := make([]string, n)
		pred, vol, idx := make([]float64, n), make([]float64, n), make([]float64, n)
		for i := range pred {
			pred[i] = rng.NormFloat64() * 0.05
			vol[i] = 0.05 + rng.Float64()
			idx[i] = 1 / float64(n)
		}
		overlay := 0.1 + rng.Float64()

		o, err := ConstructWeights(date, tickers, pred, vol, idx, overlay)
		require.NoError(t, err)

		var centered, alpha, gross float64
		for i := range pred {
			assert.InDelta(t, idx[i]+o.Alpha[i], o.Weight[i], 1e-12)
			assert.InDelta(t, pred[i]/vol[i], o.Score[i], 1e-12)
			centered += o.Centered[i]
			alpha += o.Alpha[i]
			gross += math.Abs(o.Alpha[i])
		}
		assert.InDelta(t, 0, centered, 1e-9)
		assert.InDelta(t, 0, alpha, 1e-9)
		assert.InDelta(t, overlay, gross, 1e-9)
	}
}

func TestConstructWeightsDegenerate(t *testing.T) {
	date := time.Date(2020, 5, 31, 0, 0, 0, 0, time.UTC)
	// Predictions proportional to volatility give identical scores.
	vol := []float64{0.1, 0.2, 0.4}
	pred := []float64{0.01, 0.02, 0.04}

	_, err := ConstructWeights(date, []string{"A", "B", "C"}, pred, vol, []float64{0.3, 0.3, 0.4}, 0.6)
	var doe *domain.DegenerateOverlayError
	require.ErrorAs(t, err, &doe)
	assert.Equal(t, date, doe.Date)
}

func TestConstructWeightsInvalidVolatility(t *testing.T) {
	date := time.Date(2020, 5, 31, 0, 0, 0, 0, time.UTC)
	_, err := ConstructWeights(date, []string{"A", "B"}, []float64{0.1, 0.2}, []float64{0.2, 0}, []float64{0.5, 0.5}, 0.6)
	var ive *domain.InvalidVolatilityError
	require.ErrorAs(t, err, &ive)
	assert.Equal(t, "B", ive.Ticker)
}

func newPanel(t *testing.T, data domain.PanelData) *panel.Panel {
	t.Helper()
	p, err := panel.New(data, paneltest.Factors)
	require.NoError(t, err)
	return p
}

func defaultParams(lookback int) Params {
	return Params{
		Window:           Window{LabelHorizon: DefaultLabelHorizon, Lookback: lookback},
		OverlayWeight:    0.6,
		TransactionCosts: 0.001,
	}
}

func TestRunEvaluationCount(t *testing.T) {
	p := newPanel(t, paneltest.Generate(paneltest.Options{Months: 24, Tickers: 10, Seed: 11}))
	bt := NewBacktester(RidgeEstimator{Alpha: 1}, 4, nil)

	res, err := bt.Run(context.Background(), p, defaultParams(6))
	require.NoError(t, err)
	require.Len(t, res.Returns, 24-(6+4))
	require.Len(t, res.Months, 14)
	require.Len(t, res.Weights, 14)

	for i, r := range res.Returns {
		want := paneltest.MonthEnd(10 + i)
		assert.Equal(t, want, r.Date)
		assert.Equal(t, want, res.Months[i].Date)
		assert.Equal(t, want, res.Weights[i].Date)
		assert.Len(t, res.Months[i].Coefficients, 3)
	}
}

func TestRunWeightsAndReturns(t *testing.T) {
	p := newPanel(t, paneltest.Generate(paneltest.Options{Months: 14, Tickers: 6, Seed: 12}))
	params := defaultParams(3)
	res, err := NewBacktester(RidgeEstimator{Alpha: 1}, 2, nil).Run(context.Background(), p, params)
	require.NoError(t, err)
	require.NotEmpty(t, res.Returns)

	for m, mw := range res.Weights {
		eval := p.Month(p.Len() - len(res.Weights) + m)
		var gross, port, passive float64
		for i, w := range mw.Records {
			assert.InDelta(t, w.IndexWeight+w.AlphaOverlay, w.PortfolioWeight, 1e-12)
			gross += math.Abs(w.AlphaOverlay)
			port += w.PortfolioWeight * eval.RealizedReturn[i]
			passive += w.IndexWeight * eval.RealizedReturn[i]
		}
		assert.InDelta(t, params.OverlayWeight, gross, 1e-9)
		assert.InDelta(t, port-params.TransactionCosts, res.Returns[m].PortfolioReturn, 1e-12)
		assert.InDelta(t, passive, res.Returns[m].PassiveReturn, 1e-12)
	}
}

func TestRunConcurrencyPreservesOrder(t *testing.T) {
	p := newPanel(t, paneltest.Generate(paneltest.Options{Months: 30, Tickers: 8, Seed: 13}))

	seq, err := NewBacktester(RidgeEstimator{Alpha: 1}, 1, nil).Run(context.Background(), p, defaultParams(4))
	require.NoError(t, err)
	par, err := NewBacktester(RidgeEstimator{Alpha: 1}, 8, nil).Run(context.Background(), p, defaultParams(4))
	require.NoError(t, err)

	assert.Equal(t, seq, par)
}

func TestNoLookAhead(t *testing.T) {
	const tickers, eval = 6, 12
	params := defaultParams(4)
	cutoff := eval - params.Window.Buffer()

	base := paneltest.Generate(paneltest.Options{Months: 16, Tickers: tickers, Seed: 14})
	changed := paneltest.Generate(paneltest.Options{Months: 16, Tickers: tickers, Seed: 14})
	for i := range changed.Rows {
		m := i / tickers
		if m <= cutoff {
			continue
		}
		changed.Rows[i].ForwardReturn += 0.5
		changed.Rows[i].RealizedReturn -= 0.3
		if m != eval {
			for f := range changed.Rows[i].Factors {
				changed.Rows[i].Factors[f] *= -3
			}
		}
	}

	bt := NewBacktester(RidgeEstimator{Alpha: 1}, 1, nil)
	a, err := bt.Evaluate(newPanel(t, base), eval, params)
	require.NoError(t, err)
	b, err := bt.Evaluate(newPanel(t, changed), eval, params)
	require.NoError(t, err)

	assert.Equal(t, a.Month, b.Month)
	assert.Equal(t, a.Weights, b.Weights)
}

func TestRunShortPanel(t *testing.T) {
	p := newPanel(t, paneltest.Generate(paneltest.Options{Months: 9, Seed: 15}))
	res, err := NewBacktester(RidgeEstimator{Alpha: 1}, 2, nil).Run(context.Background(), p, defaultParams(6))
	require.NoError(t, err)
	assert.Empty(t, res.Returns)
	assert.Empty(t, res.Months)
}

func TestRunAbortsOnFitError(t *testing.T) {
	p := newPanel(t, paneltest.Generate(paneltest.Options{Months: 14, Seed: 16}))
	bt := NewBacktester(&stubEstimator{name: "broken", err: errors.New("singular")}, 3, nil)

	res, err := bt.Run(context.Background(), p, defaultParams(3))
	assert.Nil(t, res)
	var rfe *domain.RegressionFitError
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, "singular", rfe.Reason)
}

func TestRunCancelled(t *testing.T) {
	p := newPanel(t, paneltest.Generate(paneltest.Options{Months: 20, Seed: 17}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBacktester(RidgeEstimator{Alpha: 1}, 2, nil).Run(ctx, p, defaultParams(3))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWeightsOnDateMatchesRun(t *testing.T) {
	p := newPanel(t, paneltest.Generate(paneltest.Options{Months: 18, Tickers: 7, Seed: 18}))
	bt := NewBacktester(RidgeEstimator{Alpha: 1}, 2, nil)
	params := defaultParams(5)

	res, err := bt.Run(context.Background(), p, params)
	require.NoError(t, err)

	last := len(res.Months) - 1
	single, err := bt.WeightsOnDate(context.Background(), p, res.Months[last].Date, params)
	require.NoError(t, err)
	assert.Equal(t, res.Months[last], single.Month)
	assert.Equal(t, res.Weights[last], single.Weights)

	_, err = bt.WeightsOnDate(context.Background(), p, time.Date(1999, 1, 31, 0, 0, 0, 0, time.UTC), params)
	var ire *domain.InvalidRequestError
	assert.ErrorAs(t, err, &ire)
}

func TestWeightsOnDateTooEarly(t *testing.T) {
	p := newPanel(t, paneltest.Generate(paneltest.Options{Months: 6, Seed: 19}))
	bt := NewBacktester(RidgeEstimator{Alpha: 1}, 1, nil)

	_, err := bt.WeightsOnDate(context.Background(), p, paneltest.MonthEnd(2), defaultParams(3))
	var rfe *domain.RegressionFitError
	assert.ErrorAs(t, err, &rfe)
}
