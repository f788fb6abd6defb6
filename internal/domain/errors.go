package domain

import (
	"fmt"
	"strings"
	"time"
)

// Stable error codes surfaced to API callers.
const (
	CodeInvalidDateRange  = "invalid_date_range"
	CodeMissingFactor     = "missing_factor"
	CodeDegenerateOverlay = "degenerate_overlay"
	CodeSessionNotFound   = "session_not_found"
	CodeSessionNotReady   = "session_not_ready"
	CodeRegressionFit     = "regression_fit"
	CodeInvalidVolatility = "invalid_volatility"
	CodeUnknownTable      = "unknown_table"
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidPanelValue = "invalid_panel_value"
)

// CodedError is implemented by every domain error.
type CodedError interface {
	error
	Code() string
}

// InvalidDateRangeError reports a requested date outside the store bounds.
type InvalidDateRangeError struct {
	Table  string
	Dates  []time.Time
	Bounds DateBounds
}

func (e *InvalidDateRangeError) Error() string {
	return fmt.Sprintf("one of the dates is out of bounds for %s: min date %s, max date %s",
		e.Table, e.Bounds.MinDate.Format(DateLayout), e.Bounds.MaxDate.Format(DateLayout))
}

func (e *InvalidDateRangeError) Code() string { return CodeInvalidDateRange }

// MissingFactorError lists every requested factor absent from the panel.
type MissingFactorError struct {
	Missing []string
}

func (e *MissingFactorError) Error() string {
	return fmt.Sprintf("the following factors do not exist in the panel: [%s]", strings.Join(e.Missing, ", "))
}

func (e *MissingFactorError) Code() string { return CodeMissingFactor }

// DegenerateOverlayError is returned when every risk-adjusted score of a
// month is identical, leaving nothing to normalize.
type DegenerateOverlayError struct {
	Date time.Time
}

func (e *DegenerateOverlayError) Error() string {
	return fmt.Sprintf("overlay for %s has zero dispersion", e.Date.Format(DateLayout))
}

func (e *DegenerateOverlayError) Code() string { return CodeDegenerateOverlay }

// SessionNotFoundError is returned for unknown or expired session ids.
type SessionNotFoundError struct {
	ID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("backtest %s does not exist in cache", e.ID)
}

func (e *SessionNotFoundError) Code() string { return CodeSessionNotFound }

// SessionNotReadyError is returned when analytics are requested from a
// session without evaluated months.
type SessionNotReadyError struct {
	ID string
}

func (e *SessionNotReadyError) Error() string {
	return fmt.Sprintf("backtest %s has no evaluated months", e.ID)
}

func (e *SessionNotReadyError) Code() string { return CodeSessionNotReady }

// RegressionFitError aborts a run whose training slice cannot be fitted.
type RegressionFitError struct {
	Date   time.Time
	Reason string
}

func (e *RegressionFitError) Error() string {
	return fmt.Sprintf("fitting model for %s: %s", e.Date.Format(DateLayout), e.Reason)
}

func (e *RegressionFitError) Code() string { return CodeRegressionFit }

// InvalidVolatilityError flags a row whose estimated volatility is not
// strictly positive.
type InvalidVolatilityError struct {
	Date   time.Time
	Ticker string
	Value  float64
}

func (e *InvalidVolatilityError) Error() string {
	return fmt.Sprintf("estimated volatility for %s on %s must be positive, got %g",
		e.Ticker, e.Date.Format(DateLayout), e.Value)
}

func (e *InvalidVolatilityError) Code() string { return CodeInvalidVolatility }

// UnknownTableError is returned for tables outside the configured allow-list.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("table %q is not available", e.Table)
}

func (e *UnknownTableError) Code() string { return CodeUnknownTable }

// InvalidRequestError reports malformed or out-of-range request parameters.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidRequestError) Code() string { return CodeInvalidRequest }

// InvalidPanelValueError flags a fetched panel row that cannot feed the
// model: a missing or non-finite value in a used column, or a repeated
// (date, ticker) key.
type InvalidPanelValueError struct {
	Date   time.Time
	Ticker string
	Column string
	Reason string
}

func (e *InvalidPanelValueError) Error() string {
	return fmt.Sprintf("panel row %s on %s: %s %s",
		e.Ticker, e.Date.Format(DateLayout), e.Column, e.Reason)
}

func (e *InvalidPanelValueError) Code() string { return CodeInvalidPanelValue }
