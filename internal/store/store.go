// Package store defines the panel store interface consumed by the backtest
// engine and provides SQL (Postgres, SQLite) and Parquet implementations.
package store

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"

	"alphatilt/internal/domain"
)

// Fixed columns of the wide panel table. Every other numeric column is a
// factor.
const (
	ColDate          = "date"
	ColTicker        = "ticker"
	ColReturn        = "return"
	ColForwardReturn = "t_plus_3_return"
	ColEstimatedVol  = "estimated_vol"
	ColIndexWeight   = "index_weight"
	ColSector        = "sector"

	// Long-format factor table columns.
	ColFactor = "factor"
	ColValue  = "value"
)

var fixedColumns = map[string]bool{
	ColDate:          true,
	ColTicker:        true,
	ColReturn:        true,
	ColForwardReturn: true,
	ColEstimatedVol:  true,
	ColIndexWeight:   true,
	ColSector:        true,
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Query restricts a fetch. Nil bounds and an empty ticker list fetch the
// whole table, which is expensive.
type Query struct {
	Start   *time.Time
	End     *time.Time
	Tickers []string
}

// Record is one raw table row keyed by column name. Dates are rendered as
// YYYY-MM-DD strings.
type Record map[string]any

// PanelStore supplies monthly panel data.
type PanelStore interface {
	// ValidateDates reports, for each date, whether it lies within the
	// table's [min, max] date range, along with that range.
	ValidateDates(ctx context.Context, table string, dates []time.Time) ([]bool, domain.DateBounds, error)

	// FetchPanel returns typed panel rows between the query bounds.
	FetchPanel(ctx context.Context, table string, q Query) (*domain.PanelData, error)

	// FetchRecords returns raw rows ordered by date.
	FetchRecords(ctx context.Context, table string, q Query) ([]Record, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// PanelWriter provisions and bulk-loads panel tables.
type PanelWriter interface {
	// Migrate creates the wide panel table with the given factor columns and
	// the long-format factor table.
	Migrate(ctx context.Context, factors []string) error

	// WritePanel loads rows into both tables.
	WritePanel(ctx context.Context, factors []string, rows []domain.PanelRow) error
}

// ValidIdentifier reports whether name is usable as a table or column name.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

func validateFactors(factors []string) error {
	for _, f := range factors {
		if !ValidIdentifier(f) || fixedColumns[f] {
			return fmt.Errorf("invalid factor column name %q", f)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Record conversion
// ---------------------------------------------------------------------------

// panelFromRecords converts raw rows into typed panel rows. cols is the
// result-set column order; the factor columns are reported in that order.
func panelFromRecords(cols []string, recs []Record) (*domain.PanelData, error) {
	var factors []string
	for _, c := range cols {
		if !fixedColumns[c] {
			factors = append(factors, c)
		}
	}

	out := &domain.PanelData{
		FactorColumns: factors,
		Rows:          make([]domain.PanelRow, 0, len(recs)),
	}
	for i, rec := range recs {
		row, err := panelRowFromRecord(rec, factors)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func panelRowFromRecord(rec Record, factors []string) (domain.PanelRow, error) {
	var (
		row domain.PanelRow
		err error
	)
	if row.Date, err = toDate(rec[ColDate]); err != nil {
		return row, fmt.Errorf("column %s: %w", ColDate, err)
	}
	row.Ticker = toString(rec[ColTicker])
	row.Sector = toString(rec[ColSector])

	numeric := []struct {
		col string
		dst *float64
	}{
		{ColReturn, &row.RealizedReturn},
		{ColForwardReturn, &row.ForwardReturn},
		{ColEstimatedVol, &row.EstimatedVol},
		{ColIndexWeight, &row.IndexWeight},
	}
	for _, n := range numeric {
		if *n.dst, err = toFloat(rec[n.col]); err != nil {
			return row, fmt.Errorf("column %s: %w", n.col, err)
		}
	}

	row.Factors = make(map[string]float64, len(factors))
	for _, f := range factors {
		v, err := toFloat(rec[f])
		if err != nil {
			return row, fmt.Errorf("column %s: %w", f, err)
		}
		row.Factors[f] = v
	}
	return row, nil
}

// normalizeRecord turns driver-specific values into JSON-friendly ones.
func normalizeRecord(rec Record) Record {
	for k, v := range rec {
		switch x := v.(type) {
		case []byte:
			s := string(x)
			if f, err := strconv.ParseFloat(s, 64); err == nil && k != ColTicker && k != ColSector {
				rec[k] = f
			} else {
				rec[k] = s
			}
		case time.Time:
			rec[k] = x.UTC().Format(domain.DateLayout)
		}
		if k == ColDate {
			if d, err := toDate(rec[k]); err == nil {
				rec[k] = d.Format(domain.DateLayout)
			}
		}
	}
	return rec
}

// toFloat converts a scanned value to float64. NULL becomes NaN.
func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return math.NaN(), nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

var scannedDateLayouts = []string{
	domain.DateLayout,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// toDate converts a scanned value to a UTC calendar date.
func toDate(v any) (time.Time, error) {
	var s string
	switch x := v.(type) {
	case time.Time:
		y, m, d := x.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case string:
		s = x
	case []byte:
		s = string(x)
	case nil:
		return time.Time{}, fmt.Errorf("null date")
	default:
		return time.Time{}, fmt.Errorf("unexpected date type %T", v)
	}
	for _, layout := range scannedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// sortRecordsByDate orders records by date, then ticker, keeping the
// relative order of equal keys.
func sortRecordsByDate(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		di, dj := toString(recs[i][ColDate]), toString(recs[j][ColDate])
		if di != dj {
			return di < dj
		}
		return toString(recs[i][ColTicker]) < toString(recs[j][ColTicker])
	})
}

// inQuery reports whether a row passes the query filter.
func inQuery(q Query, date time.Time, ticker string, tickers map[string]bool) bool {
	if q.Start != nil && date.Before(*q.Start) {
		return false
	}
	if q.End != nil && date.After(*q.End) {
		return false
	}
	if len(tickers) > 0 && !tickers[ticker] {
		return false
	}
	return true
}
