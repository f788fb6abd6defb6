package analytics

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"alphatilt/internal/domain"
)

const periodsPerYear = 12

// Summary holds headline statistics of a backtest. Ratios whose
// denominator is zero are reported as zero.
type Summary struct {
	Months               int     `json:"months"`
	TotalReturn          float64 `json:"total_return"`
	PassiveTotalReturn   float64 `json:"passive_total_return"`
	AnnualizedReturn     float64 `json:"annualized_return"`
	PassiveAnnualized    float64 `json:"passive_annualized_return"`
	AnnualizedVolatility float64 `json:"annualized_volatility"`
	Sharpe               float64 `json:"sharpe"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	TrackingError        float64 `json:"tracking_error"`
	InformationRatio     float64 `json:"information_ratio"`
	HitRate              float64 `json:"hit_rate"`
}

// Summarize computes a Summary from monthly returns.
func Summarize(returns []domain.PeriodReturn) Summary {
	n := len(returns)
	s := Summary{Months: n}
	if n == 0 {
		return s
	}

	port := make([]float64, n)
	passive := make([]float64, n)
	active := make([]float64, n)
	hits := 0
	for i, r := range returns {
		port[i] = r.PortfolioReturn
		passive[i] = r.PassiveReturn
		active[i] = r.PortfolioReturn - r.PassiveReturn
		if active[i] > 0 {
			hits++
		}
	}

	cumPort, cumPassive := Cumulative(port), Cumulative(passive)
	s.TotalReturn = cumPort[n-1]
	s.PassiveTotalReturn = cumPassive[n-1]
	s.AnnualizedReturn = annualize(s.TotalReturn, n)
	s.PassiveAnnualized = annualize(s.PassiveTotalReturn, n)
	s.MaxDrawdown = maxDrawdown(cumPort)
	s.HitRate = float64(hits) / float64(n)

	if n > 1 {
		mean, std := stat.MeanStdDev(port, nil)
		s.AnnualizedVolatility = std * math.Sqrt(periodsPerYear)
		s.Sharpe = ratio(mean*periodsPerYear, s.AnnualizedVolatility)

		activeMean, activeStd := stat.MeanStdDev(active, nil)
		s.TrackingError = activeStd * math.Sqrt(periodsPerYear)
		s.InformationRatio = ratio(activeMean*periodsPerYear, s.TrackingError)
	}
	return s
}

func annualize(total float64, months int) float64 {
	if total <= -1 {
		return -1
	}
	return math.Pow(1+total, periodsPerYear/float64(months)) - 1
}

// maxDrawdown returns the largest peak-to-trough fall of the wealth curve as
// a non-positive fraction.
func maxDrawdown(cum []float64) float64 {
	peak, worst := 1.0, 0.0
	for _, c := range cum {
		wealth := 1 + c
		peak = math.Max(peak, wealth)
		if peak > 0 {
			worst = math.Min(worst, wealth/peak-1)
		}
	}
	return worst
}

func ratio(num, den float64) float64 {
	if !(den > 0) {
		return 0
	}
	return num / den
}
