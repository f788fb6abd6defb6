// Package alphatilt is a Go SDK for the alphatilt backtest server.
package alphatilt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"alphatilt/internal/analytics"
	"alphatilt/internal/domain"
	"alphatilt/internal/httpapi"
)

// Request and response bodies are shared with the server.
type (
	BacktestRequest  = httpapi.BacktestRequestJSON
	BacktestResponse = httpapi.BacktestResponseJSON
	WeightsRequest   = httpapi.WeightsRequestJSON
	WeightsResponse  = httpapi.WeightsResponseJSON
	PullRequest      = httpapi.PullRequestJSON
	FactorExposure   = analytics.FactorExposure
	BetaPoint        = analytics.BetaPoint
	Date             = httpapi.Date
)

// NewDate wraps t for use in request bodies.
func NewDate(t time.Time) Date { return httpapi.NewDate(t) }

// Error is a non-2xx response from the server.
type Error struct {
	Status  int
	Code    string
	Message string
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("alphatilt: %d %s: %s (%s)", e.Status, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("alphatilt: %d %s: %s", e.Status, e.Code, e.Message)
}

// NotFound reports whether the error is an unknown backtest session.
func (e *Error) NotFound() bool { return e.Code == domain.CodeSessionNotFound }

// Client provides a Go SDK for interacting with the alphatilt-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new alphatilt API client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateBacktest runs a backtest and returns its id, performance series and
// summary.
func (c *Client) CreateBacktest(ctx context.Context, req BacktestRequest) (*BacktestResponse, error) {
	var out BacktestResponse
	if err := c.do(ctx, http.MethodPost, "/v1/backtest/backtest_between_dates", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FactorExposures returns the z-scored model coefficients of a backtest.
func (c *Client) FactorExposures(ctx context.Context, backtestID string) ([]FactorExposure, error) {
	var out []FactorExposure
	q := url.Values{"backtest_id": {backtestID}}
	if err := c.do(ctx, http.MethodGet, "/v1/backtest/analytics/factor_exposure", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BetaExposures returns the rolling beta of a backtest. A zero window uses
// the server default.
func (c *Client) BetaExposures(ctx context.Context, backtestID string, window int) ([]BetaPoint, error) {
	var out []BetaPoint
	q := url.Values{"backtest_id": {backtestID}}
	if window > 0 {
		q.Set("window", strconv.Itoa(window))
	}
	if err := c.do(ctx, http.MethodGet, "/v1/backtest/analytics/beta_exposure", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionWeights returns the weights a backtest held at date, or in its last
// month when date is zero.
func (c *Client) SessionWeights(ctx context.Context, backtestID string, date time.Time) (*WeightsResponse, error) {
	var out WeightsResponse
	q := url.Values{"backtest_id": {backtestID}}
	if !date.IsZero() {
		q.Set("date", date.Format(domain.DateLayout))
	}
	if err := c.do(ctx, http.MethodGet, "/v1/backtest/analytics/weights", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WeightsOnDate fits the model for a single month and returns its weights.
func (c *Client) WeightsOnDate(ctx context.Context, req WeightsRequest) (*WeightsResponse, error) {
	var out WeightsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/model/weights_on_date", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PullData returns raw table rows sorted by date.
func (c *Client) PullData(ctx context.Context, req PullRequest) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.do(ctx, http.MethodPost, "/v1/data/pull_between_dates", nil, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health returns nil when the server and its store are up.
func (c *Client) Health(ctx context.Context) error {
	var out httpapi.HealthJSON
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e httpapi.ErrorJSON
	if err := json.Unmarshal(b, &e); err != nil || e.Code == "" {
		return &Error{Status: resp.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(b))}
	}
	return &Error{Status: resp.StatusCode, Code: e.Code, Message: e.Message, Details: e.Details}
}
