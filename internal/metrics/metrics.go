// Package metrics holds the Prometheus instruments of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a private Prometheus registry and the service metrics. A nil
// *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	BacktestsTotal   *prometheus.CounterVec
	BacktestDuration prometheus.Histogram
	MonthsEvaluated  prometheus.Counter

	StoreFetches *prometheus.CounterVec
	SessionsLive prometheus.Gauge
}

// New creates a Registry with all metrics registered, plus the Go runtime
// and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphatilt_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alphatilt_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route"},
		),

		BacktestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphatilt_backtests_total",
				Help: "Backtest runs by result (ok or the error code)",
			},
			[]string{"result"},
		),

		BacktestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alphatilt_backtest_duration_seconds",
				Help:    "Wall time of backtest runs, fetch included",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		MonthsEvaluated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "alphatilt_months_evaluated_total",
				Help: "Evaluation months fitted across all backtests",
			},
		),

		StoreFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphatilt_store_fetches_total",
				Help: "Panel store calls by operation and result",
			},
			[]string{"op", "result"},
		),

		SessionsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "alphatilt_sessions_live",
				Help: "Backtest sessions currently retained",
			},
		),
	}

	r.reg.MustRegister(
		r.RequestsTotal,
		r.RequestDuration,
		r.BacktestsTotal,
		r.BacktestDuration,
		r.MonthsEvaluated,
		r.StoreFetches,
		r.SessionsLive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (r *Registry) ObserveRequest(route string, code int, d time.Duration) {
	if r == nil {
		return
	}
	r.RequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveBacktest records a finished backtest. result is "ok" or an error
// code.
func (r *Registry) ObserveBacktest(result string, d time.Duration, months int) {
	if r == nil {
		return
	}
	r.BacktestsTotal.WithLabelValues(result).Inc()
	r.BacktestDuration.Observe(d.Seconds())
	r.MonthsEvaluated.Add(float64(months))
}

// ObserveFetch records a store call.
func (r *Registry) ObserveFetch(op string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.StoreFetches.WithLabelValues(op, result).Inc()
}

// SetSessions updates the live session gauge.
func (r *Registry) SetSessions(n int) {
	if r == nil {
		return
	}
	r.SessionsLive.Set(float64(n))
}
