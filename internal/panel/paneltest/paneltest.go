// Package paneltest generates deterministic synthetic panels for tests and
// demo data.
package paneltest

import (
	"fmt"
	"math/rand"
	"time"

	"alphatilt/internal/domain"
)

// Factors are the factor columns of every generated panel.
var Factors = []string{"PE", "PB", "MOMENTUM"}

var sectors = []string{"Tech", "Energy", "Health", "Financials"}

// Start is the first month of every generated panel.
var Start = time.Date(2018, time.January, 31, 0, 0, 0, 0, time.UTC)

// Options controls the generated panel.
type Options struct {
	Months  int
	Tickers int
	Seed    int64
}

// Generate returns a panel of opts.Months month-end dates starting at Start,
// each with opts.Tickers equally weighted names. Forward returns depend
// linearly on the factors plus noise.
func Generate(opts Options) domain.PanelData {
	if opts.Tickers == 0 {
		opts.Tickers = 8
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	beta := []float64{0.02, -0.01, 0.015}

	data := domain.PanelData{FactorColumns: append([]string(nil), Factors...)}
	for m := 0; m < opts.Months; m++ {
		date := MonthEnd(m)
		for t := 0; t < opts.Tickers; t++ {
			f := make(map[string]float64, len(Factors))
			fwd := 0.0
			for i, name := range Factors {
				v := rng.NormFloat64()
				f[name] = v
				fwd += beta[i] * v
			}
			data.Rows = append(data.Rows, domain.PanelRow{
				Date:           date,
				Ticker:         fmt.Sprintf("T%02d", t),
				Factors:        f,
				RealizedReturn: 0.01*rng.NormFloat64() + 0.005,
				ForwardReturn:  fwd + 0.01*rng.NormFloat64(),
				EstimatedVol:   0.1 + 0.3*rng.Float64(),
				IndexWeight:    1.0 / float64(opts.Tickers),
				Sector:         sectors[t%len(sectors)],
			})
		}
	}
	return data
}

// MonthEnd returns the month end m months after Start.
func MonthEnd(m int) time.Time {
	return time.Date(Start.Year(), Start.Month()+time.Month(m)+1, 0, 0, 0, 0, 0, time.UTC)
}
