package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the
// overall ("") status.
const ServiceName = "alphatilt.Backtest"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health publishes the store's reachability through the standard
// grpc.health.v1.Health service.
type Health struct {
	srv      *health.Server
	pinger   Pinger
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	serving bool
}

// NewHealth creates a Health that pings p every interval.
func NewHealth(p Pinger, interval time.Duration, log *slog.Logger) *Health {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Health{
		srv:      health.NewServer(),
		pinger:   p,
		interval: interval,
		log:      log,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register adds the health service to gs.
func (h *Health) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// Check pings the dependency once and updates the published status.
func (h *Health) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	err := h.pinger.Ping(ctx)
	ok := err == nil

	h.mu.Lock()
	defer h.mu.Unlock()
	if ok != h.serving {
		if ok {
			h.log.Info("store reachable")
		} else {
			h.log.Warn("store unreachable", "error", err)
		}
	}
	h.serving = ok

	if ok {
		h.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Run checks immediately and then on every tick until ctx is done.
func (h *Health) Run(ctx context.Context) {
	h.Check(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING and freezes the status.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

func (h *Health) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}
