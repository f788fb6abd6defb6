// Package analytics derives performance and exposure series from the
// retained output of a backtest.
package analytics

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"alphatilt/internal/domain"
)

// DefaultBetaWindow is the rolling beta window, in months.
const DefaultBetaWindow = 12

// Cumulative compounds period returns: out[i] = Π(1+r[0..i]) - 1.
func Cumulative(returns []float64) []float64 {
	out := make([]float64, len(returns))
	wealth := 1.0
	for i, r := range returns {
		wealth *= 1 + r
		out[i] = wealth - 1
	}
	return out
}

// Performance attaches compounded portfolio and passive series to returns.
func Performance(returns []domain.PeriodReturn) []domain.PerformancePoint {
	port := make([]float64, len(returns))
	passive := make([]float64, len(returns))
	for i, r := range returns {
		port[i] = r.PortfolioReturn
		passive[i] = r.PassiveReturn
	}
	cumPort, cumPassive := Cumulative(port), Cumulative(passive)

	out := make([]domain.PerformancePoint, len(returns))
	for i, r := range returns {
		out[i] = domain.PerformancePoint{
			Date:            r.Date.Format(domain.DateLayout),
			PortfolioReturn: r.PortfolioReturn,
			PassiveReturn:   r.PassiveReturn,
			CumPortfolio:    cumPort[i],
			CumPassive:      cumPassive[i],
		}
	}
	return out
}

// ZScore standardizes values with the population standard deviation. When
// every value is equal the result is all zeros.
func ZScore(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	if !(std > 0) {
		return out
	}
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

// FactorExposure is the z-scored coefficient vector of one month.
type FactorExposure struct {
	Date      string
	Exposures map[string]float64
}

// MarshalJSON flattens the exposures next to the date:
// {"date": "2020-01-31", "PE": 0.7, ...}.
func (e FactorExposure) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Exposures)+1)
	for f, v := range e.Exposures {
		m[f] = v
	}
	m["date"] = e.Date
	return json.Marshal(m)
}

// UnmarshalJSON reverses MarshalJSON.
func (e *FactorExposure) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	e.Exposures = make(map[string]float64, len(m))
	for k, v := range m {
		if k == "date" {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("factor exposure date: unexpected %T", v)
			}
			e.Date = s
			continue
		}
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("factor exposure %s: unexpected %T", k, v)
		}
		e.Exposures[k] = f
	}
	return nil
}

// FactorExposures z-scores each month's coefficients across factors. Factors
// fixes the order of the standardized vector; when empty, the sorted
// coefficient names of each month are used.
func FactorExposures(months []domain.TrainedMonth, factors []string) []FactorExposure {
	out := make([]FactorExposure, len(months))
	for i, m := range months {
		names := factors
		if len(names) == 0 {
			names = make([]string, 0, len(m.Coefficients))
			for f := range m.Coefficients {
				names = append(names, f)
			}
			sort.Strings(names)
		}
		coefs := make([]float64, len(names))
		for j, f := range names {
			coefs[j] = m.Coefficients[f]
		}
		z := ZScore(coefs)

		exp := FactorExposure{Date: m.Date.Format(domain.DateLayout), Exposures: make(map[string]float64, len(names))}
		for j, f := range names {
			exp.Exposures[f] = z[j]
		}
		out[i] = exp
	}
	return out
}

// BetaPoint is the rolling beta of the portfolio against the passive index
// at one month.
type BetaPoint struct {
	Date        string  `json:"date"`
	RollingBeta float64 `json:"rolling_beta"`
}

// RollingBeta computes cov(portfolio, passive) / var(passive) over trailing
// windows of window observations, the current month included. Months with
// fewer than window observations, or a zero passive variance, are omitted.
func RollingBeta(returns []domain.PeriodReturn, window int) ([]BetaPoint, error) {
	if window < 2 {
		return nil, &domain.InvalidRequestError{Field: "window", Reason: fmt.Sprintf("must be at least 2, got %d", window)}
	}
	port := make([]float64, len(returns))
	passive := make([]float64, len(returns))
	for i, r := range returns {
		port[i] = r.PortfolioReturn
		passive[i] = r.PassiveReturn
	}

	var out []BetaPoint
	for end := window; end <= len(returns); end++ {
		p, b := port[end-window:end], passive[end-window:end]
		variance := stat.Variance(b, nil)
		if !(variance > 0) {
			continue
		}
		beta := stat.Covariance(p, b, nil) / variance
		if math.IsNaN(beta) || math.IsInf(beta, 0) {
			continue
		}
		out = append(out, BetaPoint{
			Date:        returns[end-1].Date.Format(domain.DateLayout),
			RollingBeta: beta,
		})
	}
	return out, nil
}

// SectorExposure is the signed long and short weight held in one sector.
type SectorExposure struct {
	Long  float64 `json:"long"`
	Short float64 `json:"short"`
}

// SectorBreakdown partitions one month's portfolio weights by sector. Short
// is the (negative) sum of negative weights.
func SectorBreakdown(records []domain.WeightRecord) map[string]SectorExposure {
	out := make(map[string]SectorExposure)
	for _, r := range records {
		e := out[r.Sector]
		switch {
		case r.PortfolioWeight > 0:
			e.Long += r.PortfolioWeight
		case r.PortfolioWeight < 0:
			e.Short += r.PortfolioWeight
		}
		out[r.Sector] = e
	}
	return out
}
