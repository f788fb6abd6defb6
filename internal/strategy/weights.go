package strategy

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"alphatilt/internal/domain"
	"alphatilt/internal/panel"
)

// dispersionEpsilon is the smallest gross centered score that can be
// normalized.
const dispersionEpsilon = 1e-15

// Overlay is the output of ConstructWeights for one month.
type Overlay struct {
	Score    []float64 // prediction / volatility
	Centered []float64 // Score minus its cross-sectional mean
	Alpha    []float64
	Weight   []float64 // index weight + Alpha
}

// ConstructWeights turns predictions into portfolio weights:
//
//	score    = pred / vol
//	centered = score - mean(score)
//	alpha    = overlay * centered / Σ|centered|
//	weight   = indexWeight + alpha
//
// The overlay sums to zero and its gross exposure equals overlay.
func ConstructWeights(date time.Time, tickers []string, pred, vol, indexWeight []float64, overlay float64) (*Overlay, error) {
	n := len(pred)
	if len(vol) != n || len(indexWeight) != n || len(tickers) != n {
		return nil, fmt.Errorf("weights for %s: mismatched input lengths", date.Format(domain.DateLayout))
	}
	if n == 0 {
		return nil, &domain.DegenerateOverlayError{Date: date}
	}

	o := &Overlay{
		Score:    make([]float64, n),
		Centered: make([]float64, n),
		Alpha:    make([]float64, n),
		Weight:   make([]float64, n),
	}
	for i := range pred {
		if !(vol[i] > 0) {
			return nil, &domain.InvalidVolatilityError{Date: date, Ticker: tickers[i], Value: vol[i]}
		}
		o.Score[i] = pred[i] / vol[i]
	}

	mean := floats.Sum(o.Score) / float64(n)
	gross := 0.0
	for i, s := range o.Score {
		o.Centered[i] = s - mean
		gross += math.Abs(o.Centered[i])
	}
	if gross < dispersionEpsilon || math.IsNaN(gross) {
		return nil, &domain.DegenerateOverlayError{Date: date}
	}

	for i, c := range o.Centered {
		o.Alpha[i] = overlay * c / gross
		o.Weight[i] = indexWeight[i] + o.Alpha[i]
	}
	return o, nil
}

// monthWeights builds the weight records of one evaluation month.
func monthWeights(date time.Time, s panel.Slice, o *Overlay) domain.MonthWeights {
	mw := domain.MonthWeights{Date: date, Records: make([]domain.WeightRecord, s.Rows())}
	for i := range mw.Records {
		mw.Records[i] = domain.WeightRecord{
			Date:            date,
			Ticker:          s.Ticker[i],
			Sector:          s.Sector[i],
			IndexWeight:     s.IndexWeight[i],
			AlphaOverlay:    o.Alpha[i],
			PortfolioWeight: o.Weight[i],
		}
	}
	return mw
}

// periodReturn is the realized return of the weights and of the benchmark.
func periodReturn(date time.Time, s panel.Slice, o *Overlay, transactionCosts float64) domain.PeriodReturn {
	return domain.PeriodReturn{
		Date:            date,
		PortfolioReturn: floats.Dot(o.Weight, s.RealizedReturn) - transactionCosts,
		PassiveReturn:   floats.Dot(s.IndexWeight, s.RealizedReturn),
	}
}
