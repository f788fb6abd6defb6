package analytics

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphatilt/internal/domain"
)

func month(i int) time.Time {
	return time.Date(2020, time.Month(i+2), 0, 0, 0, 0, 0, time.UTC)
}

func periodReturns(port, passive []float64) []domain.PeriodReturn {
	out := make([]domain.PeriodReturn, len(port))
	for i := range port {
		out[i] = domain.PeriodReturn{Date: month(i), PortfolioReturn: port[i], PassiveReturn: passive[i]}
	}
	return out
}

func TestCumulativeRoundTrip(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.035, 0, -0.1, 0.07}
	cum := Cumulative(returns)
	require.Len(t, cum, len(returns))

	prev := 0.0
	for i, c := range cum {
		assert.InDelta(t, (1+prev)*(1+returns[i])-1, c, 1e-12)
		assert.InDelta(t, returns[i], (1+c)/(1+prev)-1, 1e-12)
		prev = c
	}
	assert.Empty(t, Cumulative(nil))
}

func TestPerformance(t *testing.T) {
	pts := Performance(periodReturns([]float64{0.1, 0.1}, []float64{0.05, -0.05}))
	require.Len(t, pts, 2)
	assert.Equal(t, "2020-01-31", pts[0].Date)
	assert.Equal(t, "2020-02-29", pts[1].Date)
	assert.InDelta(t, 0.21, pts[1].CumPortfolio, 1e-12)
	assert.InDelta(t, 1.05*0.95-1, pts[1].CumPassive, 1e-12)
}

func TestZScore(t *testing.T) {
	z := ZScore([]float64{1, 2, 3})
	// Population std of {1,2,3} is sqrt(2/3).
	s := math.Sqrt(2.0 / 3.0)
	assert.InDeltaSlice(t, []float64{-1 / s, 0, 1 / s}, z, 1e-12)

	assert.Equal(t, []float64{0, 0}, ZScore([]float64{0.4, 0.4}))
	assert.Equal(t, []float64{0}, ZScore([]float64{5}))
	assert.Empty(t, ZScore(nil))
}

func TestFactorExposures(t *testing.T) {
	months := []domain.TrainedMonth{
		{Date: month(0), Coefficients: map[string]float64{"PE": 1, "PB": 2, "MOM": 3}},
		{Date: month(1), Coefficients: map[string]float64{"PE": 0.5, "PB": 0.5, "MOM": 0.5}},
	}

	exp := FactorExposures(months, []string{"PE", "PB", "MOM"})
	require.Len(t, exp, 2)
	assert.Equal(t, "2020-01-31", exp[0].Date)
	assert.InDelta(t, 0, exp[0].Exposures["PB"], 1e-12)
	assert.InDelta(t, -exp[0].Exposures["MOM"], exp[0].Exposures["PE"], 1e-12)
	assert.Equal(t, map[string]float64{"PE": 0, "PB": 0, "MOM": 0}, exp[1].Exposures)

	sorted := FactorExposures(months[:1], nil)
	assert.Equal(t, exp[0].Exposures, sorted[0].Exposures)
}

func TestFactorExposureJSON(t *testing.T) {
	in := FactorExposure{Date: "2020-01-31", Exposures: map[string]float64{"PE": 1.5, "PB": -1.5}}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2020-01-31","PE":1.5,"PB":-1.5}`, string(b))

	var out FactorExposure
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestRollingBeta(t *testing.T) {
	passive := []float64{0.01, -0.02, 0.03, 0.015, -0.01, 0.02}
	port := make([]float64, len(passive))
	for i, r := range passive {
		port[i] = 1.5*r + 0.001
	}

	betas, err := RollingBeta(periodReturns(port, passive), 3)
	require.NoError(t, err)
	require.Len(t, betas, 4, "first output at index window-1")
	assert.Equal(t, month(2).Format(domain.DateLayout), betas[0].Date)
	for _, b := range betas {
		assert.InDelta(t, 1.5, b.RollingBeta, 1e-9)
	}

	betas, err = RollingBeta(periodReturns(port[:2], passive[:2]), 3)
	require.NoError(t, err)
	assert.Empty(t, betas)
}

func TestRollingBetaSkipsZeroVariance(t *testing.T) {
	passive := []float64{0.5, 0.5, 0.5, 0.25}
	port := []float64{0.02, 0.03, 0.01, 0.05}

	betas, err := RollingBeta(periodReturns(port, passive), 3)
	require.NoError(t, err)
	require.Len(t, betas, 1)
	assert.Equal(t, month(3).Format(domain.DateLayout), betas[0].Date)
}

func TestRollingBetaRejectsSmallWindow(t *testing.T) {
	_, err := RollingBeta(nil, 1)
	var ire *domain.InvalidRequestError
	assert.ErrorAs(t, err, &ire)
}

func TestSectorBreakdown(t *testing.T) {
	got := SectorBreakdown([]domain.WeightRecord{
		{Sector: "Tech", PortfolioWeight: 0.3},
		{Sector: "Tech", PortfolioWeight: -0.1},
		{Sector: "Tech", PortfolioWeight: 0.2},
		{Sector: "Energy", PortfolioWeight: -0.25},
		{Sector: "Energy", PortfolioWeight: 0},
	})
	assert.InDelta(t, 0.5, got["Tech"].Long, 1e-12)
	assert.InDelta(t, -0.1, got["Tech"].Short, 1e-12)
	assert.Equal(t, SectorExposure{Long: 0, Short: -0.25}, got["Energy"])
}

func TestSummarize(t *testing.T) {
	port := []float64{0.02, -0.01, 0.03, -0.04, 0.01, 0.02}
	passive := []float64{0.01, 0.0, 0.02, -0.03, 0.01, 0.01}
	s := Summarize(periodReturns(port, passive))

	assert.Equal(t, 6, s.Months)
	cum := Cumulative(port)
	assert.InDelta(t, cum[5], s.TotalReturn, 1e-12)
	assert.InDelta(t, math.Pow(1+cum[5], 2)-1, s.AnnualizedReturn, 1e-12)
	assert.InDelta(t, 3.0/6.0, s.HitRate, 1e-12)
	assert.Less(t, s.MaxDrawdown, 0.0)
	assert.InDelta(t, (1+cum[3])/(1+cum[2])-1, s.MaxDrawdown, 1e-12)
	assert.Greater(t, s.AnnualizedVolatility, 0.0)
	assert.Greater(t, s.TrackingError, 0.0)

	assert.Equal(t, Summary{}, Summarize(nil))
	one := Summarize(periodReturns([]float64{0.01}, []float64{0.02}))
	assert.Zero(t, one.Sharpe)
	assert.Zero(t, one.HitRate)
}
