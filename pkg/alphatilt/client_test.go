package alphatilt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphatilt/internal/engine"
	"alphatilt/internal/httpapi"
	"alphatilt/internal/panel/paneltest"
	"alphatilt/internal/session"
	"alphatilt/internal/store"
	"alphatilt/internal/strategy"
	"alphatilt/internal/util"
)

func TestNewClient(t *testing.T) {
	baseURL := "http://localhost:8000/"
	c := NewClient(baseURL)

	require.NotNil(t, c)
	assert.Equal(t, "http://localhost:8000", c.baseURL)
	assert.NotNil(t, c.httpClient)

	hc := &http.Client{Timeout: time.Second}
	assert.Same(t, hc, NewClient(baseURL, WithHTTPClient(hc)).httpClient)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	ps := store.NewParquetStore(t.TempDir(), "portfolio_data", "factor_data")
	data := paneltest.Generate(paneltest.Options{Months: 24, Seed: 3})
	require.NoError(t, ps.Migrate(ctx, paneltest.Factors))
	require.NoError(t, ps.WritePanel(ctx, paneltest.Factors, data.Rows))

	eng := engine.NewEngine(
		ps,
		session.NewMemoryRegistry(time.Hour, 8, util.Discard()),
		strategy.NewBacktester(strategy.RidgeEstimator{Alpha: 1}, 2, util.Discard()),
		nil,
		nil,
		engine.Options{PanelTable: "portfolio_data"},
		util.Discard(),
	)
	srv := httptest.NewServer(httpapi.NewServer(eng, nil, nil, util.Discard()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	bt, err := c.CreateBacktest(ctx, BacktestRequest{
		StartDate:     NewDate(paneltest.MonthEnd(0)),
		EndDate:       NewDate(paneltest.MonthEnd(23)),
		Lookback:      6,
		Factors:       []string{"PE", "MOMENTUM"},
		OverlayWeight: 0.6,
	})
	require.NoError(t, err)
	assert.Len(t, bt.Results, 14)

	exp, err := c.FactorExposures(ctx, bt.BacktestID)
	require.NoError(t, err)
	require.Len(t, exp, 14)
	assert.Len(t, exp[0].Exposures, 2)

	betas, err := c.BetaExposures(ctx, bt.BacktestID, 6)
	require.NoError(t, err)
	assert.Len(t, betas, 9)

	w, err := c.SessionWeights(ctx, bt.BacktestID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, paneltest.MonthEnd(23), w.Date.Time)

	single, err := c.WeightsOnDate(ctx, WeightsRequest{
		Date:          NewDate(paneltest.MonthEnd(23)),
		Lookback:      6,
		OverlayWeight: 0.6,
		Factors:       []string{"PE", "MOMENTUM"},
	})
	require.NoError(t, err)
	assert.Equal(t, w.ModelCoef, single.ModelCoef)

	rows, err := c.PullData(ctx, PullRequest{TableName: "factor_data", Tickers: []string{"T00"}})
	require.NoError(t, err)
	assert.Len(t, rows, 24*3)
}

func TestClientErrors(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL)

	_, err := c.FactorExposures(context.Background(), "does-not-exist")
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.True(t, apiErr.NotFound())

	_, err = c.CreateBacktest(context.Background(), BacktestRequest{
		StartDate:     NewDate(paneltest.MonthEnd(0)),
		EndDate:       NewDate(paneltest.MonthEnd(23)),
		Lookback:      6,
		Factors:       []string{"NOT_A_FACTOR"},
		OverlayWeight: 0.6,
	})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "missing_factor", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "NOT_A_FACTOR")
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Health(context.Background())
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "http_error", apiErr.Code)
	assert.Equal(t, "bad gateway", apiErr.Message)
}
