package engine

import (
	"fmt"
	"time"

	"alphatilt/internal/domain"
)

// Limits enforces request-level bounds before any data is fetched.
type Limits struct {
	maxLookback      int
	maxOverlayWeight float64
}

// NewLimits creates Limits with the specified thresholds.
//
//   - maxLookback: largest accepted training lookback, in months.
//   - maxOverlayWeight: largest accepted gross overlay (e.g. 2.0 for 200%).
//
// A zero threshold disables that check.
func NewLimits(maxLookback int, maxOverlayWeight float64) *Limits {
	return &Limits{
		maxLookback:      maxLookback,
		maxOverlayWeight: maxOverlayWeight,
	}
}

// CheckModel validates the model parameters shared by backtests and the
// single-date query.
func (l *Limits) CheckModel(lookback int, overlay float64, factors []string) error {
	if lookback < 1 {
		return &domain.InvalidRequestError{Field: "lookback", Reason: fmt.Sprintf("must be at least 1, got %d", lookback)}
	}
	if l != nil && l.maxLookback > 0 && lookback > l.maxLookback {
		return &domain.InvalidRequestError{Field: "lookback", Reason: fmt.Sprintf("must be at most %d, got %d", l.maxLookback, lookback)}
	}
	if !(overlay > 0) {
		return &domain.InvalidRequestError{Field: "overlay_weight", Reason: fmt.Sprintf("must be positive, got %g", overlay)}
	}
	if l != nil && l.maxOverlayWeight > 0 && overlay > l.maxOverlayWeight {
		return &domain.InvalidRequestError{Field: "overlay_weight", Reason: fmt.Sprintf("must be at most %g, got %g", l.maxOverlayWeight, overlay)}
	}
	if len(factors) == 0 {
		return &domain.InvalidRequestError{Field: "factors", Reason: "at least one factor is required"}
	}
	seen := make(map[string]bool, len(factors))
	for _, f := range factors {
		if seen[f] {
			return &domain.InvalidRequestError{Field: "factors", Reason: fmt.Sprintf("duplicate factor %q", f)}
		}
		seen[f] = true
	}
	return nil
}

// CheckBacktest validates a backtest request.
func (l *Limits) CheckBacktest(req BacktestRequest) error {
	if req.StartDate.IsZero() || req.EndDate.IsZero() {
		return &domain.InvalidRequestError{Field: "start_date", Reason: "start_date and end_date are required"}
	}
	if !req.StartDate.Before(req.EndDate) {
		return &domain.InvalidRequestError{
			Field:  "end_date",
			Reason: fmt.Sprintf("end date %s is not after start date %s", req.EndDate.Format(domain.DateLayout), req.StartDate.Format(domain.DateLayout)),
		}
	}
	if req.TransactionCosts < 0 {
		return &domain.InvalidRequestError{Field: "transaction_costs", Reason: "must not be negative"}
	}
	return l.CheckModel(req.Lookback, req.OverlayWeight, req.Factors)
}

// checkDates turns a ValidateDates result into an error.
func checkDates(table string, dates []time.Time, valid []bool, bounds domain.DateBounds) error {
	for _, ok := range valid {
		if !ok {
			return &domain.InvalidDateRangeError{Table: table, Dates: dates, Bounds: bounds}
		}
	}
	return nil
}
