package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/internal/auth"
	"github.com/dittosh/gateway/internal/backend"
	"github.com/dittosh/gateway/internal/budget"
	dittocache "github.com/dittosh/gateway/internal/cache"
	"github.com/dittosh/gateway/internal/gateway"
	"github.com/dittosh/gateway/internal/health"
	"github.com/dittosh/gateway/internal/metrics"
	"github.com/dittosh/gateway/internal/pricing"
	"github.com/dittosh/gateway/internal/ratelimit"
	"github.com/dittosh/gateway/internal/router"
	"github.com/dittosh/gateway/internal/server"
	"github.com/dittosh/gateway/internal/store"
	"github.com/dittosh/gateway/internal/store/kv"
	"github.com/dittosh/gateway/internal/store/memory"
	"github.com/dittosh/gateway/internal/store/relational"
)

const (
	budgetReservationTTL = 5 * time.Minute
	rateLimitCounterTTL  = 2 * time.Minute
	healthFailThreshold  = health.DefaultFailureThreshold
	healthCooldown       = health.DefaultCooldown
)

// Server owns every long-lived collaborator the gateway needs: the
// backing store, the health prober and budget reaper background loops,
// and the two HTTP listeners (hot path + metrics).
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	closeStore func() error
	prober     *health.Prober
	reaper     *budget.Reaper

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// openStore constructs the configured store.Store backend.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func() error, error) {
	switch cfg.Mode {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "relational":
		s, err := relational.Open(ctx, relational.Config{DSN: cfg.DSN}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "kv":
		s, err := kv.New(ctx, kv.Config{
			Addr:       cfg.DSN,
			Password:   cfg.Password,
			DB:         cfg.DB,
			CounterTTL: cfg.CounterTTL,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("server: unknown store mode %q", cfg.Mode)
	}
}

// NewServer wires every collaborator named in the configuration into a
// ready-to-start Server.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}
	if err := auth.Seed(ctx, st, cfg.VKeys); err != nil {
		closeStore()
		return nil, fmt.Errorf("server: seed virtual keys: %w", err)
	}

	sup := health.New(healthFailThreshold, healthCooldown, logger)
	prober := health.NewProber(cfg.Backends, sup, logger)
	prober.Start(ctx)

	reaper := budget.NewReaper(st, budgetReservationTTL, logger)
	reaper.Start(ctx)

	collector := metrics.NewCollector("ditto_gateway", logger)

	pipeline := gateway.New(cfg.Server.MaxInFlight)
	pipeline.Keys = st
	pipeline.Limiter = ratelimit.New(st, cfg.Store.Mode == "memory", rateLimitCounterTTL)
	pipeline.Budget = budget.New(st, budgetReservationTTL)
	pipeline.Pricing = pricing.New(cfg.Pricing)
	pipeline.Cache = dittocache.New(st, cfg.Cache, logger)
	pipeline.Router = router.New(cfg.Backends, cfg.Router, sup)
	pipeline.Health = sup
	pipeline.Dispatcher = backend.New(cfg.Backends)
	pipeline.Audit = st
	pipeline.Logger = logger
	pipeline.Metrics = collector
	pipeline.RateLimitCfg = cfg.RateLimit
	pipeline.MaxBodyBytes = cfg.Server.MaxBodyBytes
	pipeline.UsageCap = cfg.Server.UsageMaxBodyBytes
	pipeline.ShimMaxBodyBytes = cfg.Server.ShimMaxBodyBytes
	pipeline.AuthRequired = len(cfg.VKeys) > 0

	handler := Chain(pipeline,
		Recovery(logger),
		RequestID,
		RequestLogger(logger),
		SecurityHeaders,
		CORS(cfg.Server.AllowedOrigins),
	)

	httpManager := server.NewManager(handler, server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	var metricsManager *server.Manager
	if cfg.Server.MetricsAddr != "" {
		metricsManager = server.NewManager(promhttp.Handler(), server.Config{
			Addr:            cfg.Server.MetricsAddr,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
	}

	return &Server{
		cfg:            cfg,
		logger:         logger,
		metrics:        collector,
		closeStore:     closeStore,
		prober:         prober,
		reaper:         reaper,
		httpManager:    httpManager,
		metricsManager: metricsManager,
	}, nil
}

// Start brings up both listeners. Non-blocking — callers should follow
// with WaitForShutdown.
func (s *Server) Start() error {
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("server: start http listener: %w", err)
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Start(); err != nil {
			return fmt.Errorf("server: start metrics listener: %w", err)
		}
	}
	return nil
}

// WaitForShutdown blocks until an OS signal or a listener error arrives,
// then shuts the hot-path listener down.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
}

// Shutdown releases every background collaborator in reverse dependency
// order: listeners first (stop accepting new work), then the background
// loops, then the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.metricsManager != nil {
		note(s.metricsManager.Shutdown(ctx))
	}
	note(s.httpManager.Shutdown(ctx))

	s.prober.Stop()
	s.reaper.Stop()

	note(s.closeStore())
	return firstErr
}
