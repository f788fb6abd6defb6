// Package domain defines the core types shared across the alphatilt service:
// panel observations, trained model records, weights, returns and sessions.
package domain

import "time"

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// PanelRow is one (date, ticker) observation of the monthly panel.
type PanelRow struct {
	Date           time.Time
	Ticker         string
	Factors        map[string]float64
	RealizedReturn float64 // return over the holding period ending at Date
	ForwardReturn  float64 // label: return starting LabelHorizon months after Date
	EstimatedVol   float64
	IndexWeight    float64
	Sector         string
}

// PanelData is a fetched panel together with the factor columns present in
// the source schema.
type PanelData struct {
	FactorColumns []string
	Rows          []PanelRow
}

// DateBounds is the valid [MinDate, MaxDate] range of a table.
type DateBounds struct {
	MinDate time.Time `json:"min_date"`
	MaxDate time.Time `json:"max_date"`
}

// Contains reports whether t lies within the bounds (inclusive).
func (b DateBounds) Contains(t time.Time) bool {
	return !t.Before(b.MinDate) && !t.After(b.MaxDate)
}

// TrainedMonth is the fitted model for one evaluation month.
type TrainedMonth struct {
	Date         time.Time          `json:"date"`
	Coefficients map[string]float64 `json:"coefficients"`
	Intercept    float64            `json:"intercept"`
}

// WeightRecord is the final portfolio weight of one ticker in one month.
type WeightRecord struct {
	Date            time.Time `json:"date"`
	Ticker          string    `json:"ticker"`
	Sector          string    `json:"sector"`
	IndexWeight     float64   `json:"index_weight"`
	AlphaOverlay    float64   `json:"alpha_overlay"`
	PortfolioWeight float64   `json:"portfolio_weight"`
}

// MonthWeights groups the weight records of one evaluation month.
type MonthWeights struct {
	Date    time.Time      `json:"date"`
	Records []WeightRecord `json:"records"`
}

// PeriodReturn is the realized return of the portfolio and of the passive
// benchmark for one evaluation month.
type PeriodReturn struct {
	Date            time.Time `json:"date"`
	PortfolioReturn float64   `json:"portfolio_return"`
	PassiveReturn   float64   `json:"passive_return"`
}

// PerformancePoint is a PeriodReturn with the compounded series attached.
type PerformancePoint struct {
	Date            string  `json:"date"`
	PortfolioReturn float64 `json:"portfolio_return"`
	PassiveReturn   float64 `json:"passive_return"`
	CumPortfolio    float64 `json:"cum_portfolio"`
	CumPassive      float64 `json:"cum_passive"`
}

// BacktestConfig holds the user-supplied parameters of one backtest run.
type BacktestConfig struct {
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	Lookback         int       `json:"lookback"`
	Factors          []string  `json:"factors"`
	OverlayWeight    float64   `json:"overlay_weight"`
	TransactionCosts float64   `json:"transaction_costs"`
}

// BacktestSession is the retained, read-only state of a completed run.
type BacktestSession struct {
	ID        string         `json:"id"`
	Config    BacktestConfig `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	Months    []TrainedMonth `json:"months"`
	Weights   []MonthWeights `json:"weights"`
	Returns   []PeriodReturn `json:"returns"`
}

// Ready reports whether the session holds at least one evaluated month.
func (s *BacktestSession) Ready() bool {
	return len(s.Months) > 0 && len(s.Returns) > 0
}

// WeightsOn returns the weights recorded for the evaluation month at date.
func (s *BacktestSession) WeightsOn(date time.Time) (MonthWeights, bool) {
	for _, mw := range s.Weights {
		if mw.Date.Equal(date) {
			return mw, true
		}
	}
	return MonthWeights{}, false
}
