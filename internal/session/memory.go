// Package session retains completed backtests so analytics can be queried
// by id without recomputation.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"alphatilt/internal/domain"
)

// Registry stores immutable backtest sessions keyed by id. There is no
// update operation.
type Registry interface {
	// Put inserts a fully built session.
	Put(ctx context.Context, s *domain.BacktestSession) error

	// Get returns the session with id, or *domain.SessionNotFoundError.
	Get(ctx context.Context, id string) (*domain.BacktestSession, error)

	// Len reports the number of live sessions.
	Len(ctx context.Context) (int, error)
}

// Compile-time interface check.
var _ Registry = (*MemoryRegistry)(nil)

type entry struct {
	session  *domain.BacktestSession
	expireAt time.Time // zero means never
}

// MemoryRegistry is an in-process Registry with TTL expiry and a capacity
// bound. When full, the oldest session is evicted.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]entry
	order    []string // insertion order, oldest first
	ttl      time.Duration
	capacity int
	now      func() time.Time
	log      *slog.Logger
}

// NewMemoryRegistry creates a MemoryRegistry. A zero ttl or capacity
// disables that bound.
func NewMemoryRegistry(ttl time.Duration, capacity int, log *slog.Logger) *MemoryRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryRegistry{
		sessions: make(map[string]entry),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		log:      log,
	}
}

// Put stores s. The session must not be modified afterwards.
func (r *MemoryRegistry) Put(_ context.Context, s *domain.BacktestSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweepLocked(now)

	if _, ok := r.sessions[s.ID]; !ok {
		r.order = append(r.order, s.ID)
	}
	e := entry{session: s}
	if r.ttl > 0 {
		e.expireAt = now.Add(r.ttl)
	}
	r.sessions[s.ID] = e

	for r.capacity > 0 && len(r.sessions) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.sessions, oldest)
		r.log.Info("session evicted", "id", oldest, "reason", "capacity")
	}
	return nil
}

// Get returns the session with id.
func (r *MemoryRegistry) Get(_ context.Context, id string) (*domain.BacktestSession, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok || r.expired(e, r.now()) {
		return nil, &domain.SessionNotFoundError{ID: id}
	}
	return e.session, nil
}

// Len returns the number of unexpired sessions.
func (r *MemoryRegistry) Len(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	n := 0
	for _, e := range r.sessions {
		if !r.expired(e, now) {
			n++
		}
	}
	return n, nil
}

// Sweep drops expired sessions and returns how many were removed.
func (r *MemoryRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

// Run sweeps expired sessions every interval until ctx is done.
func (r *MemoryRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Info("expired sessions swept", "count", n)
			}
		}
	}
}

func (r *MemoryRegistry) expired(e entry, now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

func (r *MemoryRegistry) sweepLocked(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		if r.expired(r.sessions[id], now) {
			delete(r.sessions, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}
