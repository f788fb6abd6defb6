// Package httpapi provides the JSON REST API over the backtest engine.
package httpapi

import (
	"bytes"
	"encoding/json"
	"time"

	"alphatilt/internal/analytics"
	"alphatilt/internal/domain"
	"alphatilt/internal/util"
)

// Date is a calendar date encoded as "YYYY-MM-DD". Empty strings and null
// decode to the zero Date.
type Date struct {
	time.Time
}

// NewDate wraps t.
func NewDate(t time.Time) Date { return Date{Time: util.Truncate(t)} }

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(domain.DateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		d.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := util.ParseDate(s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// ptr returns nil for the zero Date.
func (d Date) ptr() *time.Time {
	if d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}

// MessageJSON is the body of the banner endpoints.
type MessageJSON struct {
	Message string `json:"message"`
}

// ErrorJSON is the body of every failed request.
type ErrorJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// BacktestRequestJSON is the body of POST /v1/backtest/backtest_between_dates.
type BacktestRequestJSON struct {
	StartDate        Date     `json:"start_date"`
	EndDate          Date     `json:"end_date"`
	Lookback         int      `json:"lookback"`
	Factors          []string `json:"factors"`
	OverlayWeight    float64  `json:"overlay_weight"`
	TransactionCosts float64  `json:"transaction_costs"`
}

// BacktestResponseJSON is returned by a successful backtest.
type BacktestResponseJSON struct {
	BacktestID string                    `json:"backtest_id"`
	Results    []domain.PerformancePoint `json:"results"`
	Summary    analytics.Summary         `json:"summary"`
}

// WeightsRequestJSON is the body of POST /v1/model/weights_on_date.
type WeightsRequestJSON struct {
	Date          Date     `json:"date"`
	Lookback      int      `json:"lookback"`
	OverlayWeight float64  `json:"overlay_weight"`
	Factors       []string `json:"factors"`
}

// WeightsResponseJSON is a point-in-time portfolio view.
type WeightsResponseJSON struct {
	Date             Date                                `json:"date"`
	PortfolioWeights map[string]float64                  `json:"portfolio_weights"`
	ModelCoef        map[string]float64                  `json:"model_coef"`
	Intercept        float64                             `json:"intercept"`
	SectorWeights    map[string]analytics.SectorExposure `json:"sector_weights"`
}

// PullRequestJSON is the body of POST /v1/data/pull_between_dates.
type PullRequestJSON struct {
	TableName string   `json:"table_name"`
	StartDate Date     `json:"start_date"`
	EndDate   Date     `json:"end_date"`
	Tickers   []string `json:"tickers"`
}

// HealthJSON is the body of GET /healthz.
type HealthJSON struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}
