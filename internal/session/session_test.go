package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphatilt/internal/domain"
)

func testSession(id string) *domain.BacktestSession {
	d := time.Date(2021, 3, 31, 0, 0, 0, 0, time.UTC)
	return &domain.BacktestSession{
		ID: id,
		Config: domain.BacktestConfig{
			StartDate:        time.Date(2019, 1, 31, 0, 0, 0, 0, time.UTC),
			EndDate:          d,
			Lookback:         6,
			Factors:          []string{"PE", "MOMENTUM"},
			OverlayWeight:    0.6,
			TransactionCosts: 0.001,
		},
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Months:    []domain.TrainedMonth{{Date: d, Coefficients: map[string]float64{"PE": 0.1, "MOMENTUM": -0.2}, Intercept: 0.01}},
		Weights: []domain.MonthWeights{{Date: d, Records: []domain.WeightRecord{
			{Date: d, Ticker: "AAPL", Sector: "Tech", IndexWeight: 0.5, AlphaOverlay: 0.3, PortfolioWeight: 0.8},
		}}},
		Returns: []domain.PeriodReturn{{Date: d, PortfolioReturn: 0.02, PassiveReturn: 0.01}},
	}
}

func TestMemoryRegistryPutGet(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry(0, 0, nil)

	s := testSession("a")
	require.NoError(t, r.Put(ctx, s))

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Get(ctx, "missing")
	var nf *domain.SessionNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}

func TestMemoryRegistryTTL(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry(time.Hour, 0, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	require.NoError(t, r.Put(ctx, testSession("a")))
	now = now.Add(30 * time.Minute)
	require.NoError(t, r.Put(ctx, testSession("b")))

	now = now.Add(45 * time.Minute)
	_, err := r.Get(ctx, "a")
	var nf *domain.SessionNotFoundError
	assert.ErrorAs(t, err, &nf, "a expired")
	_, err = r.Get(ctx, "b")
	assert.NoError(t, err)

	n, err := r.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 0, r.Sweep())
}

func TestMemoryRegistryCapacity(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry(0, 2, nil)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Put(ctx, testSession(id)))
	}

	_, err := r.Get(ctx, "a")
	assert.Error(t, err, "oldest evicted")
	for _, id := range []string{"b", "c"} {
		_, err := r.Get(ctx, id)
		assert.NoError(t, err)
	}
	n, _ := r.Len(ctx)
	assert.Equal(t, 2, n)
}

func TestMemoryRegistryConcurrent(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry(time.Hour, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		id := fmt.Sprintf("s%d", i)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Put(ctx, testSession(id)))
		}()
		go func() {
			defer wg.Done()
			if s, err := r.Get(ctx, id); err == nil {
				assert.True(t, s.Ready())
			}
		}()
	}
	wg.Wait()

	n, err := r.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}

func TestMemoryRegistryRunStops(t *testing.T) {
	r := NewMemoryRegistry(time.Millisecond, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRedisRegistryPut(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedisRegistryFromClient(db, "alphatilt:session:", time.Hour)

	s := testSession("abc")
	b, err := json.Marshal(s)
	require.NoError(t, err)

	mock.ExpectSet("alphatilt:session:abc", string(b), time.Hour).SetVal("OK")
	require.NoError(t, r.Put(context.Background(), s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisRegistryGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedisRegistryFromClient(db, "alphatilt:session:", time.Hour)
	ctx := context.Background()

	s := testSession("abc")
	b, err := json.Marshal(s)
	require.NoError(t, err)

	mock.ExpectGet("alphatilt:session:abc").SetVal(string(b))
	got, err := r.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, s, got)

	mock.ExpectGet("alphatilt:session:nope").RedisNil()
	_, err = r.Get(ctx, "nope")
	var nf *domain.SessionNotFoundError
	assert.ErrorAs(t, err, &nf)

	mock.ExpectGet("alphatilt:session:err").SetErr(redis.TxFailedErr)
	_, err = r.Get(ctx, "err")
	require.Error(t, err)
	assert.False(t, errors.As(err, &nf))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisRegistryLen(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedisRegistryFromClient(db, "alphatilt:session:", time.Hour)

	mock.ExpectKeys("alphatilt:session:*").SetVal([]string{"alphatilt:session:a", "alphatilt:session:b"})
	n, err := r.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
