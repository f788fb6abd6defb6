package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"alphatilt/internal/domain"
	"alphatilt/internal/panel"
)

// Params are the per-run inputs of a backtest.
type Params struct {
	Window           Window
	OverlayWeight    float64
	TransactionCosts float64
}

// Validate checks the run parameters.
func (p Params) Validate() error {
	if err := p.Window.Validate(); err != nil {
		return err
	}
	if !(p.OverlayWeight > 0) {
		return &domain.InvalidRequestError{Field: "overlay_weight", Reason: fmt.Sprintf("must be positive, got %g", p.OverlayWeight)}
	}
	return nil
}

// BacktestResult holds the chronologically ordered output of a run.
type BacktestResult struct {
	Months  []domain.TrainedMonth
	Weights []domain.MonthWeights
	Returns []domain.PeriodReturn
}

// MonthResult is the evaluation of a single month.
type MonthResult struct {
	Month   domain.TrainedMonth
	Weights domain.MonthWeights
	Return  domain.PeriodReturn
}

// Backtester runs the walk-forward loop over an indexed panel.
type Backtester struct {
	estimator Estimator
	workers   int
	log       *slog.Logger
}

// NewBacktester creates a Backtester that fits months with est, using up to
// workers goroutines.
func NewBacktester(est Estimator, workers int, log *slog.Logger) *Backtester {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Backtester{estimator: est, workers: workers, log: log}
}

// Run evaluates every month index in [FirstEval, Len-1]. A failure in any
// month aborts the run. Months are fitted concurrently but results are
// returned in chronological order.
func (bt *Backtester) Run(ctx context.Context, p *panel.Panel, params Params) (*BacktestResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	first := params.Window.FirstEval()
	n := p.Len() - first
	if n <= 0 {
		bt.log.Info("panel too short for any evaluation month",
			"months", p.Len(), "first_eval", first)
		return &BacktestResult{}, nil
	}

	results := make([]MonthResult, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bt.workers)
	for i := first; i < p.Len(); i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := bt.Evaluate(p, i, params)
			if err != nil {
				return err
			}
			results[i-first] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &BacktestResult{
		Months:  make([]domain.TrainedMonth, n),
		Weights: make([]domain.MonthWeights, n),
		Returns: make([]domain.PeriodReturn, n),
	}
	for i, r := range results {
		out.Months[i] = r.Month
		out.Weights[i] = r.Weights
		out.Returns[i] = r.Return
	}
	bt.log.Debug("walk-forward complete", "months", n, "estimator", bt.estimator.Name())
	return out, nil
}

// Evaluate fits the model for month i on its training window and builds the
// month's weights and returns. The training slice never includes rows dated
// after month i-Buffer.
func (bt *Backtester) Evaluate(p *panel.Panel, i int, params Params) (*MonthResult, error) {
	if i < 0 || i >= p.Len() {
		return nil, fmt.Errorf("evaluation index %d out of range [0, %d)", i, p.Len())
	}
	date := p.Months()[i]
	start, end := params.Window.Train(i)
	train := p.Range(start, end)

	fit, err := bt.estimator.Fit(train)
	if err != nil {
		return nil, fitError(date, err)
	}

	eval := p.Month(i)
	pred := fit.Predict(eval)
	o, err := ConstructWeights(date, eval.Ticker, pred, eval.EstimatedVol, eval.IndexWeight, params.OverlayWeight)
	if err != nil {
		return nil, err
	}

	return &MonthResult{
		Month:   fit.TrainedMonth(date),
		Weights: monthWeights(date, eval, o),
		Return:  periodReturn(date, eval, o, params.TransactionCosts),
	}, nil
}

// WeightsOnDate evaluates the single month at date, which must be present
// in the panel. It applies the same window as Run.
func (bt *Backtester) WeightsOnDate(ctx context.Context, p *panel.Panel, date time.Time, params Params) (*MonthResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i, ok := p.IndexOf(date)
	if !ok {
		return nil, &domain.InvalidRequestError{
			Field:  "date",
			Reason: fmt.Sprintf("no panel data for %s", date.Format(domain.DateLayout)),
		}
	}
	return bt.Evaluate(p, i, params)
}

func fitError(date time.Time, err error) error {
	var coded domain.CodedError
	if errors.As(err, &coded) {
		return err
	}
	return &domain.RegressionFitError{Date: date, Reason: err.Error()}
}
