package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"alphatilt/internal/analytics"
	"alphatilt/internal/domain"
	"alphatilt/internal/engine"
	"alphatilt/internal/metrics"
	"alphatilt/internal/store"
	"alphatilt/internal/util"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Service is the engine surface the API needs.
type Service interface {
	CreateBacktest(ctx context.Context, req engine.BacktestRequest) (*engine.BacktestResponse, error)
	FactorExposures(ctx context.Context, id string) ([]analytics.FactorExposure, error)
	BetaExposures(ctx context.Context, id string, window int) ([]analytics.BetaPoint, error)
	SessionWeights(ctx context.Context, id string, date time.Time) (*engine.WeightsResult, error)
	WeightsOnDate(ctx context.Context, req engine.WeightsRequest) (*engine.WeightsResult, error)
	PullData(ctx context.Context, req engine.PullRequest) ([]store.Record, error)
	Ping(ctx context.Context) error
}

// Server serves the backtest HTTP API.
type Server struct {
	svc     Service
	limiter *util.RateLimiter
	metrics *metrics.Registry
	log     *slog.Logger
}

// NewServer creates a new API server. limiter and m may be nil, which
// disables rate limiting and metrics respectively.
func NewServer(svc Service, limiter *util.RateLimiter, m *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		svc:     svc,
		limiter: limiter,
		metrics: m,
		log:     log,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /v1/{$}", s.handleV1Root)
	mux.HandleFunc("POST /v1/backtest/backtest_between_dates", s.limited(s.handleBacktest))
	mux.HandleFunc("GET /v1/backtest/analytics/factor_exposure", s.handleFactorExposure)
	mux.HandleFunc("GET /v1/backtest/analytics/beta_exposure", s.handleBetaExposure)
	mux.HandleFunc("GET /v1/backtest/analytics/weights", s.handleSessionWeights)
	mux.HandleFunc("POST /v1/model/weights_on_date", s.limited(s.handleWeightsOnDate))
	mux.HandleFunc("POST /v1/data/pull_between_dates", s.limited(s.handlePullData))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns an http.Handler with CORS and request metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(s.instrument(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records per-route request counts and latency. Routes are
// labelled by their mux pattern to keep label cardinality bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(route, rec.status, time.Since(start))
	})
}

// limited applies the per-client rate limit.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientKey(r)) {
			writeJSONStatus(w, http.StatusTooManyRequests, ErrorJSON{
				Code:    "rate_limited",
				Message: "too many requests",
			})
			return
		}
		h(w, r)
	}
}

// clientKey keys the limiter on the peer address. X-Forwarded-For is client
// controlled and is ignored.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

// writeJSONStatus encodes v before committing the status so that an
// unencodable value turns into a 500 instead of an empty 200.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
		buf.Reset()
		_ = json.NewEncoder(&buf).Encode(ErrorJSON{Code: "internal", Message: "encoding response failed"})
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Debug("writing JSON response", "error", err)
	}
}

// writeError maps err onto a status code and the error body. Domain errors
// carry their stable code; anything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var coded domain.CodedError
	if errors.As(err, &coded) {
		status := http.StatusBadRequest
		if coded.Code() == domain.CodeSessionNotFound {
			status = http.StatusNotFound
		}
		writeJSONStatus(w, status, ErrorJSON{
			Code:    coded.Code(),
			Message: coded.Error(),
			Details: detailsOf(err, coded),
		})
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeJSONStatus(w, http.StatusGatewayTimeout, ErrorJSON{Code: "timeout", Message: "request timed out"})
		return
	}

	s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSONStatus(w, http.StatusInternalServerError, ErrorJSON{
		Code:    "internal",
		Message: "internal error",
		Details: err.Error(),
	})
}

// detailsOf returns the wrapping context of err when it differs from the
// coded error's own message.
func detailsOf(err error, coded domain.CodedError) string {
	if err.Error() == coded.Error() {
		return ""
	}
	return err.Error()
}

func badRequest(field, reason string) error {
	return &domain.InvalidRequestError{Field: field, Reason: reason}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("body", err.Error())
	}
	return nil
}

func weightsJSON(res *engine.WeightsResult) WeightsResponseJSON {
	return WeightsResponseJSON{
		Date:             NewDate(res.Date),
		PortfolioWeights: res.PortfolioWeights,
		ModelCoef:        res.ModelCoef,
		Intercept:        res.Intercept,
		SectorWeights:    res.SectorWeights,
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, MessageJSON{Message: "You have accessed the root!"})
}

func (s *Server) handleV1Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, MessageJSON{Message: "You have accessed version 1 root!"})
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequestJSON
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.svc.CreateBacktest(r.Context(), engine.BacktestRequest{
		StartDate:        req.StartDate.Time,
		EndDate:          req.EndDate.Time,
		Lookback:         req.Lookback,
		Factors:          req.Factors,
		OverlayWeight:    req.OverlayWeight,
		TransactionCosts: req.TransactionCosts,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	results := resp.Results
	if results == nil {
		results = []domain.PerformancePoint{}
	}
	writeJSON(w, BacktestResponseJSON{
		BacktestID: resp.ID,
		Results:    results,
		Summary:    resp.Summary,
	})
}

func (s *Server) handleFactorExposure(w http.ResponseWriter, r *http.Request) {
	exp, err := s.svc.FactorExposures(r.Context(), r.URL.Query().Get("backtest_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, exp)
}

func (s *Server) handleBetaExposure(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := 0
	if v := q.Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, badRequest("window", fmt.Sprintf("not an integer: %q", v)))
			return
		}
		window = n
	}

	betas, err := s.svc.BetaExposures(r.Context(), q.Get("backtest_id"), window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if betas == nil {
		betas = []analytics.BetaPoint{}
	}
	writeJSON(w, betas)
}

func (s *Server) handleSessionWeights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var date time.Time
	if v := q.Get("date"); v != "" {
		d, err := util.ParseDate(v)
		if err != nil {
			s.writeError(w, r, badRequest("date", err.Error()))
			return
		}
		date = d
	}

	res, err := s.svc.SessionWeights(r.Context(), q.Get("backtest_id"), date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, weightsJSON(res))
}

func (s *Server) handleWeightsOnDate(w http.ResponseWriter, r *http.Request) {
	var req WeightsRequestJSON
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.svc.WeightsOnDate(r.Context(), engine.WeightsRequest{
		Date:          req.Date.Time,
		Lookback:      req.Lookback,
		OverlayWeight: req.OverlayWeight,
		Factors:       req.Factors,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, weightsJSON(res))
}

func (s *Server) handlePullData(w http.ResponseWriter, r *http.Request) {
	var req PullRequestJSON
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	recs, err := s.svc.PullData(r.Context(), engine.PullRequest{
		Table:     req.TableName,
		StartDate: req.StartDate.ptr(),
		EndDate:   req.EndDate.ptr(),
		Tickers:   req.Tickers,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.svc.Ping(ctx); err != nil {
		s.log.Warn("health check failed", "error", err)
		writeJSONStatus(w, http.StatusServiceUnavailable, HealthJSON{Status: "degraded", Store: err.Error()})
		return
	}
	writeJSON(w, HealthJSON{Status: "ok", Store: "ok"})
}
