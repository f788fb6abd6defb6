// Package engine coordinates the panel store, the walk-forward backtester,
// the analytics and the session registry behind the API operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"alphatilt/internal/analytics"
	"alphatilt/internal/domain"
	"alphatilt/internal/metrics"
	"alphatilt/internal/panel"
	"alphatilt/internal/session"
	"alphatilt/internal/store"
	"alphatilt/internal/strategy"
	"alphatilt/internal/util"
)

// Options configures an Engine.
type Options struct {
	PanelTable   string
	LabelHorizon int
	BetaWindow   int
	RunTimeout   time.Duration
}

// Engine runs backtests and answers analytics queries over retained
// sessions.
type Engine struct {
	store      store.PanelStore
	sessions   session.Registry
	backtester *strategy.Backtester
	limits     *Limits
	metrics    *metrics.Registry
	opts       Options
	log        *slog.Logger

	newID func() string
	now   func() time.Time
}

// NewEngine creates a new Engine wired with the given dependencies. limits
// and m may be nil.
func NewEngine(
	st store.PanelStore,
	sessions session.Registry,
	bt *strategy.Backtester,
	limits *Limits,
	m *metrics.Registry,
	opts Options,
	log *slog.Logger,
) *Engine {
	if opts.LabelHorizon <= 0 {
		opts.LabelHorizon = strategy.DefaultLabelHorizon
	}
	if opts.BetaWindow <= 0 {
		opts.BetaWindow = analytics.DefaultBetaWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:      st,
		sessions:   sessions,
		backtester: bt,
		limits:     limits,
		metrics:    m,
		opts:       opts,
		log:        log,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// BacktestRequest holds the parameters of one backtest run.
type BacktestRequest struct {
	StartDate        time.Time
	EndDate          time.Time
	Lookback         int
	Factors          []string
	OverlayWeight    float64
	TransactionCosts float64
}

// BacktestResponse is the outcome of CreateBacktest.
type BacktestResponse struct {
	ID      string
	Results []domain.PerformancePoint
	Summary analytics.Summary
}

// CreateBacktest validates the request, fetches the panel once, runs the
// walk-forward loop and registers the session. Nothing is registered when
// any step fails.
func (e *Engine) CreateBacktest(ctx context.Context, req BacktestRequest) (resp *BacktestResponse, err error) {
	start := e.now()
	months := 0
	defer func() {
		e.metrics.ObserveBacktest(resultLabel(err), time.Since(start), months)
	}()

	if err := e.limits.CheckBacktest(req); err != nil {
		return nil, err
	}
	if e.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunTimeout)
		defer cancel()
	}

	startDate, endDate := util.Truncate(req.StartDate), util.Truncate(req.EndDate)
	if err := e.validateDates(ctx, startDate, endDate); err != nil {
		return nil, err
	}
	p, err := e.fetchPanel(ctx, startDate, endDate, req.Factors)
	if err != nil {
		return nil, err
	}

	params := e.params(req.Lookback, req.OverlayWeight, req.TransactionCosts)
	res, err := e.backtester.Run(ctx, p, params)
	if err != nil {
		return nil, fmt.Errorf("running backtest: %w", err)
	}
	months = len(res.Months)

	s := &domain.BacktestSession{
		ID: e.newID(),
		Config: domain.BacktestConfig{
			StartDate:        startDate,
			EndDate:          endDate,
			Lookback:         req.Lookback,
			Factors:          append([]string(nil), req.Factors...),
			OverlayWeight:    req.OverlayWeight,
			TransactionCosts: req.TransactionCosts,
		},
		CreatedAt: e.now().UTC(),
		Months:    res.Months,
		Weights:   res.Weights,
		Returns:   res.Returns,
	}
	if err := e.sessions.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("registering session: %w", err)
	}
	if n, err := e.sessions.Len(ctx); err == nil {
		e.metrics.SetSessions(n)
	}

	e.log.Info("backtest complete",
		"id", s.ID,
		"start", startDate.Format(domain.DateLayout),
		"end", endDate.Format(domain.DateLayout),
		"panel_months", p.Len(),
		"evaluated_months", months,
		"elapsed", time.Since(start).String(),
	)

	return &BacktestResponse{
		ID:      s.ID,
		Results: analytics.Performance(s.Returns),
		Summary: analytics.Summarize(s.Returns),
	}, nil
}

// Session returns the retained session with id.
func (e *Engine) Session(ctx context.Context, id string) (*domain.BacktestSession, error) {
	if id == "" {
		return nil, &domain.InvalidRequestError{Field: "backtest_id", Reason: "is required"}
	}
	return e.sessions.Get(ctx, id)
}

// readySession returns a session that has at least one evaluated month.
func (e *Engine) readySession(ctx context.Context, id string) (*domain.BacktestSession, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Ready() {
		return nil, &domain.SessionNotReadyError{ID: id}
	}
	return s, nil
}

// FactorExposures returns the z-scored coefficients of every evaluated month.
func (e *Engine) FactorExposures(ctx context.Context, id string) ([]analytics.FactorExposure, error) {
	s, err := e.readySession(ctx, id)
	if err != nil {
		return nil, err
	}
	return analytics.FactorExposures(s.Months, s.Config.Factors), nil
}

// BetaExposures returns the rolling beta of the session's returns. A zero
// window selects the configured default.
func (e *Engine) BetaExposures(ctx context.Context, id string, window int) ([]analytics.BetaPoint, error) {
	s, err := e.readySession(ctx, id)
	if err != nil {
		return nil, err
	}
	if window == 0 {
		window = e.opts.BetaWindow
	}
	return analytics.RollingBeta(s.Returns, window)
}

// WeightsResult is a point-in-time view of the portfolio.
type WeightsResult struct {
	Date             time.Time
	PortfolioWeights map[string]float64
	ModelCoef        map[string]float64
	Intercept        float64
	SectorWeights    map[string]analytics.SectorExposure
}

func weightsResult(tm domain.TrainedMonth, mw domain.MonthWeights) *WeightsResult {
	w := make(map[string]float64, len(mw.Records))
	for _, r := range mw.Records {
		w[r.Ticker] = r.PortfolioWeight
	}
	return &WeightsResult{
		Date:             mw.Date,
		PortfolioWeights: w,
		ModelCoef:        tm.Coefficients,
		Intercept:        tm.Intercept,
		SectorWeights:    analytics.SectorBreakdown(mw.Records),
	}
}

// SessionWeights returns the weights a session held at date. A zero date
// selects the last evaluated month.
func (e *Engine) SessionWeights(ctx context.Context, id string, date time.Time) (*WeightsResult, error) {
	s, err := e.readySession(ctx, id)
	if err != nil {
		return nil, err
	}
	i := len(s.Weights) - 1
	if !date.IsZero() {
		date = util.Truncate(date)
		i = -1
		for j, mw := range s.Weights {
			if mw.Date.Equal(date) {
				i = j
				break
			}
		}
		if i < 0 {
			return nil, &domain.InvalidRequestError{
				Field:  "date",
				Reason: fmt.Sprintf("%s is not an evaluated month of backtest %s", date.Format(domain.DateLayout), id),
			}
		}
	}
	return weightsResult(s.Months[i], s.Weights[i]), nil
}

// WeightsRequest asks for the model weights as of one date.
type WeightsRequest struct {
	Date          time.Time
	Lookback      int
	OverlayWeight float64
	Factors       []string
}

// WeightsOnDate fits the model for the month containing req.Date on the
// preceding window and returns the resulting weights. Only the months the
// window needs are fetched.
func (e *Engine) WeightsOnDate(ctx context.Context, req WeightsRequest) (*WeightsResult, error) {
	if req.Date.IsZero() {
		return nil, &domain.InvalidRequestError{Field: "date", Reason: "is required"}
	}
	if err := e.limits.CheckModel(req.Lookback, req.OverlayWeight, req.Factors); err != nil {
		return nil, err
	}

	params := e.params(req.Lookback, req.OverlayWeight, 0)
	buffer := params.Window.Buffer()
	evalDate := util.MonthEnd(req.Date)
	trainEnd := util.AddMonths(evalDate, -buffer)
	fetchStart := util.AddMonths(evalDate, -(req.Lookback + buffer))

	if err := e.validateDates(ctx, fetchStart, trainEnd, evalDate); err != nil {
		return nil, err
	}
	p, err := e.fetchPanel(ctx, fetchStart, evalDate, req.Factors)
	if err != nil {
		return nil, err
	}
	if p.Len() == 0 {
		return nil, &domain.InvalidRequestError{Field: "date", Reason: "no panel data before " + evalDate.Format(domain.DateLayout)}
	}

	last := p.Months()[p.Len()-1]
	if last.Year() != evalDate.Year() || last.Month() != evalDate.Month() {
		return nil, &domain.InvalidRequestError{
			Field:  "date",
			Reason: fmt.Sprintf("no panel data in the month of %s", req.Date.Format(domain.DateLayout)),
		}
	}

	r, err := e.backtester.WeightsOnDate(ctx, p, last, params)
	if err != nil {
		return nil, err
	}
	return weightsResult(r.Month, r.Weights), nil
}

// PullRequest selects raw rows from a store table.
type PullRequest struct {
	Table     string
	StartDate *time.Time
	EndDate   *time.Time
	Tickers   []string
}

// PullData passes a raw query through to the store. Rows are sorted by date.
func (e *Engine) PullData(ctx context.Context, req PullRequest) ([]store.Record, error) {
	if req.Table == "" {
		return nil, &domain.InvalidRequestError{Field: "table_name", Reason: "is required"}
	}
	if req.StartDate != nil && req.EndDate != nil && req.EndDate.Before(*req.StartDate) {
		return nil, &domain.InvalidRequestError{Field: "end_date", Reason: "is before start_date"}
	}
	recs, err := e.store.FetchRecords(ctx, req.Table, store.Query{Start: req.StartDate, End: req.EndDate, Tickers: req.Tickers})
	e.metrics.ObserveFetch("fetch_records", err)
	if err != nil {
		return nil, fmt.Errorf("pulling %s: %w", req.Table, err)
	}
	if recs == nil {
		recs = []store.Record{}
	}
	return recs, nil
}

// Ping reports whether the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

func (e *Engine) params(lookback int, overlay, costs float64) strategy.Params {
	return strategy.Params{
		Window:           strategy.Window{LabelHorizon: e.opts.LabelHorizon, Lookback: lookback},
		OverlayWeight:    overlay,
		TransactionCosts: costs,
	}
}

func (e *Engine) validateDates(ctx context.Context, dates ...time.Time) error {
	valid, bounds, err := e.store.ValidateDates(ctx, e.opts.PanelTable, dates)
	e.metrics.ObserveFetch("validate_dates", err)
	if err != nil {
		return fmt.Errorf("validating dates: %w", err)
	}
	return checkDates(e.opts.PanelTable, dates, valid, bounds)
}

func (e *Engine) fetchPanel(ctx context.Context, start, end time.Time, factors []string) (*panel.Panel, error) {
	data, err := e.store.FetchPanel(ctx, e.opts.PanelTable, store.Query{Start: &start, End: &end})
	e.metrics.ObserveFetch("fetch_panel", err)
	if err != nil {
		return nil, fmt.Errorf("fetching panel: %w", err)
	}
	return panel.New(*data, factors)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var coded domain.CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "internal"
}
