package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alphatilt/internal/api"
	"alphatilt/internal/config"
	"alphatilt/internal/engine"
	"alphatilt/internal/httpapi"
	"alphatilt/internal/metrics"
	"alphatilt/internal/session"
	"alphatilt/internal/store"
	"alphatilt/internal/strategy"
	"alphatilt/internal/util"
)

func main() {
	if err := config.LoadDotEnv(".env", "../.env"); err != nil {
		log.Fatalf("loading .env: %v", err)
	}

	cfgPath := "config/alphatilt.yaml"
	if p := os.Getenv("ALPHATILT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("alphatilt-server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Store.
	backend, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var panels store.PanelStore = backend
	if cfg.Breaker.Enabled {
		panels = store.NewBreakerStore(backend, store.BreakerSettings{
			Name:                "panel-store",
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			Timeout:             cfg.Breaker.Timeout,
		}, logger)
	}

	// Sessions.
	sessions, closeSessions, err := openSessions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSessions()

	// Engine.
	estimators := strategy.DefaultRegistry(cfg.Backtest.RidgeAlpha)
	est, ok := estimators.Get("ridge")
	if !ok {
		return fmt.Errorf("ridge estimator not registered (have %v)", estimators.List())
	}
	m := metrics.New()
	eng := engine.NewEngine(
		panels,
		sessions,
		strategy.NewBacktester(est, cfg.Backtest.Workers, logger),
		engine.NewLimits(cfg.Backtest.MaxLookback, cfg.Backtest.MaxOverlayWeight),
		m,
		engine.Options{
			PanelTable:   cfg.Storage.PanelTable,
			LabelHorizon: cfg.Backtest.LabelHorizonMonths,
			BetaWindow:   cfg.Backtest.BetaWindow,
			RunTimeout:   cfg.Backtest.RunTimeout,
		},
		logger,
	)

	// API.
	limiter := util.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	handler := httpapi.NewServer(eng, limiter, m, logger).Handler()
	health := api.NewHealth(eng, 15*time.Second, logger)
	srv := api.NewServer(cfg.Server.Addr(), cfg.Server.GRPCAddr(), handler, health, logger)

	logger.Info("alphatilt-server starting",
		"http", cfg.Server.Addr(),
		"grpc", cfg.Server.GRPCAddr(),
		"storage", cfg.Storage.Driver,
		"sessions", cfg.Session.Backend,
	)
	return srv.ListenAndServe(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Backend, func() error, error) {
	dsn := cfg.Storage.DSN
	if cfg.Storage.Driver == "sqlite" && dsn == "" {
		dsn = cfg.Storage.SQLitePath
	}
	backend, closeFn, err := store.Open(cfg.Storage.Driver, dsn, cfg.Storage.DataDir, store.SQLOptions{
		PanelTable:   cfg.Storage.PanelTable,
		FactorTable:  cfg.Storage.FactorTable,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
		QueryTimeout: cfg.Storage.QueryTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	if err := util.Retry(ctx, logger, "store ping", 5, time.Second, backend.Ping); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("store unreachable: %w", err)
	}
	return backend, closeFn, nil
}

func openSessions(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Registry, func() error, error) {
	switch cfg.Session.Backend {
	case "redis":
		r, err := session.NewRedisRegistry(ctx, session.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Session.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "memory":
		r := session.NewMemoryRegistry(cfg.Session.TTL, cfg.Session.MaxSessions, logger)
		go r.Run(ctx, time.Minute)
		return r, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}
