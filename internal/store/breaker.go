package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"alphatilt/internal/domain"
)

// Compile-time interface check.
var _ PanelStore = (*BreakerStore)(nil)

// BreakerSettings configures a BreakerStore.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	Timeout             time.Duration
}

// BreakerStore wraps a PanelStore in a circuit breaker so that a failing
// database is not hammered by every incoming request. Caller faults (domain
// errors) and cancelled requests do not count as failures.
type BreakerStore struct {
	inner PanelStore
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerStore decorates inner with a circuit breaker.
func NewBreakerStore(inner PanelStore, st BreakerSettings, log *slog.Logger) *BreakerStore {
	if st.ConsecutiveFailures == 0 {
		st.ConsecutiveFailures = 3
	}
	settings := gobreaker.Settings{
		Name:    st.Name,
		Timeout: st.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= st.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var coded domain.CodedError
			return errors.As(err, &coded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("store breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	}
	return &BreakerStore{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the current breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

// ValidateDates delegates through the breaker.
func (b *BreakerStore) ValidateDates(ctx context.Context, table string, dates []time.Time) ([]bool, domain.DateBounds, error) {
	type result struct {
		valid  []bool
		bounds domain.DateBounds
	}
	out, err := b.cb.Execute(func() (any, error) {
		valid, bounds, err := b.inner.ValidateDates(ctx, table, dates)
		return result{valid, bounds}, err
	})
	if err != nil {
		return nil, domain.DateBounds{}, err
	}
	r := out.(result)
	return r.valid, r.bounds, nil
}

// FetchPanel delegates through the breaker.
func (b *BreakerStore) FetchPanel(ctx context.Context, table string, q Query) (*domain.PanelData, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.FetchPanel(ctx, table, q)
	})
	if err != nil {
		return nil, err
	}
	return out.(*domain.PanelData), nil
}

// FetchRecords delegates through the breaker.
func (b *BreakerStore) FetchRecords(ctx context.Context, table string, q Query) ([]Record, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.FetchRecords(ctx, table, q)
	})
	if err != nil {
		return nil, err
	}
	return out.([]Record), nil
}

// Ping bypasses the breaker so health checks see the real store state.
func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}
