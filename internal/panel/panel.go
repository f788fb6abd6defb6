// Package panel indexes a fetched monthly panel by date so that the
// walk-forward loop can slice training windows and evaluation months by
// month position without rescanning rows.
package panel

import (
	"fmt"
	"math"
	"sort"
	"time"

	"alphatilt/internal/domain"
)

// Panel is an immutable, date-ordered view of panel rows restricted to a
// fixed list of factors.
type Panel struct {
	factors []string
	rows    []domain.PanelRow
	months  []time.Time
	// offsets[i] is the index of the first row of month i; offsets[len(months)]
	// is len(rows).
	offsets []int
}

// Slice is a contiguous block of rows spanning one or more months. X is the
// row-major factor matrix with one column per requested factor.
type Slice struct {
	Factors        []string
	X              []float64
	ForwardReturn  []float64
	RealizedReturn []float64
	EstimatedVol   []float64
	IndexWeight    []float64
	Ticker         []string
	Sector         []string
	Date           []time.Time
}

// Rows returns the number of observations in the slice.
func (s Slice) Rows() int { return len(s.Ticker) }

// Cols returns the number of factor columns.
func (s Slice) Cols() int { return len(s.Factors) }

// New validates data against the requested factors and builds the index.
//
// The factor check runs once over the fetched schema and reports every
// missing factor. Rows must have a positive estimated volatility, finite
// factor values, a finite realized return and index weight, and a unique
// (date, ticker) key.
func New(data domain.PanelData, factors []string) (*Panel, error) {
	if len(factors) == 0 {
		return nil, &domain.InvalidRequestError{Field: "factors", Reason: "at least one factor is required"}
	}

	present := make(map[string]bool, len(data.FactorColumns))
	for _, c := range data.FactorColumns {
		present[c] = true
	}
	var missing []string
	for _, f := range factors {
		if !present[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, &domain.MissingFactorError{Missing: missing}
	}

	rows := make([]domain.PanelRow, len(data.Rows))
	copy(rows, data.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		return rows[i].Ticker < rows[j].Ticker
	})

	p := &Panel{factors: append([]string(nil), factors...), rows: rows}
	for i, r := range rows {
		if !(r.EstimatedVol > 0) {
			return nil, &domain.InvalidVolatilityError{Date: r.Date, Ticker: r.Ticker, Value: r.EstimatedVol}
		}
		if err := checkRow(r, factors); err != nil {
			return nil, err
		}
		if i > 0 && r.Date.Equal(rows[i-1].Date) && r.Ticker == rows[i-1].Ticker {
			return nil, &domain.InvalidPanelValueError{Date: r.Date, Ticker: r.Ticker, Column: "ticker", Reason: "is duplicated"}
		}
		if i == 0 || !r.Date.Equal(rows[i-1].Date) {
			p.months = append(p.months, r.Date)
			p.offsets = append(p.offsets, i)
		}
	}
	p.offsets = append(p.offsets, len(rows))
	return p, nil
}

// checkRow rejects rows whose model inputs are NULL in the store (read back
// as NaN) or otherwise non-finite. The forward return is exempt: the latest
// months have no label yet, and the estimator rejects a non-finite label
// that reaches a training window.
func checkRow(r domain.PanelRow, factors []string) error {
	bad := func(column string, v float64) error {
		return &domain.InvalidPanelValueError{Date: r.Date, Ticker: r.Ticker, Column: column,
			Reason: fmt.Sprintf("must be finite, got %g", v)}
	}
	for _, f := range factors {
		v, ok := r.Factors[f]
		if !ok {
			return &domain.InvalidPanelValueError{Date: r.Date, Ticker: r.Ticker, Column: f, Reason: "is missing"}
		}
		if !finite(v) {
			return bad(f, v)
		}
	}
	switch {
	case !finite(r.RealizedReturn):
		return bad("return", r.RealizedReturn)
	case !finite(r.IndexWeight):
		return bad("index_weight", r.IndexWeight)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Factors returns the factor columns the panel was built for.
func (p *Panel) Factors() []string { return p.factors }

// Months returns the distinct months in strictly increasing order.
func (p *Panel) Months() []time.Time { return p.months }

// Len returns the number of distinct months.
func (p *Panel) Len() int { return len(p.months) }

// IndexOf returns the position of date in Months.
func (p *Panel) IndexOf(date time.Time) (int, bool) {
	i := sort.Search(len(p.months), func(i int) bool { return !p.months[i].Before(date) })
	if i < len(p.months) && p.months[i].Equal(date) {
		return i, true
	}
	return -1, false
}

// Month returns the rows of month i.
func (p *Panel) Month(i int) Slice {
	return p.Range(i, i)
}

// Range returns the rows of months i through j inclusive. Out-of-range
// bounds are clamped; an empty range yields an empty slice.
func (p *Panel) Range(i, j int) Slice {
	i = max(i, 0)
	j = min(j, len(p.months)-1)
	if i > j {
		return Slice{Factors: p.factors}
	}
	return p.slice(p.rows[p.offsets[i]:p.offsets[j+1]])
}

func (p *Panel) slice(rows []domain.PanelRow) Slice {
	n, k := len(rows), len(p.factors)
	s := Slice{
		Factors:        p.factors,
		X:              make([]float64, n*k),
		ForwardReturn:  make([]float64, n),
		RealizedReturn: make([]float64, n),
		EstimatedVol:   make([]float64, n),
		IndexWeight:    make([]float64, n),
		Ticker:         make([]string, n),
		Sector:         make([]string, n),
		Date:           make([]time.Time, n),
	}
	for r, row := range rows {
		for c, f := range p.factors {
			s.X[r*k+c] = row.Factors[f]
		}
		s.ForwardReturn[r] = row.ForwardReturn
		s.RealizedReturn[r] = row.RealizedReturn
		s.EstimatedVol[r] = row.EstimatedVol
		s.IndexWeight[r] = row.IndexWeight
		s.Ticker[r] = row.Ticker
		s.Sector[r] = row.Sector
		s.Date[r] = row.Date
	}
	return s
}
