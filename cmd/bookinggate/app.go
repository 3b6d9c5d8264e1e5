package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/bookinggate/internal/runtime/breaker"
	"github.com/drblury/bookinggate/internal/runtime/config"
	"github.com/drblury/bookinggate/internal/runtime/eventbus"
	"github.com/drblury/bookinggate/internal/runtime/gateway"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
	"github.com/drblury/bookinggate/internal/runtime/maintenance"
	"github.com/drblury/bookinggate/internal/runtime/ratelimit"
	"github.com/drblury/bookinggate/internal/runtime/reqreply"
	"github.com/drblury/bookinggate/transport"
)

type app struct {
	bus       *eventbus.Bus
	requester *reqreply.Requester
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	gateway   *gateway.Gateway
	scheduler *maintenance.Scheduler
	server    *http.Server
	redis     *redis.Client
	logger    loggingpkg.ServiceLogger
}

// newApp builds and connects every component. Nothing is started.
func newApp(ctx context.Context, cfg *config.Config, logger loggingpkg.ServiceLogger) (*app, error) {
	return buildApp(ctx, cfg, transport.DefaultRegistry, logger)
}

func buildApp(ctx context.Context, cfg *config.Config, registry *transport.Registry, logger loggingpkg.ServiceLogger) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.shutdown(context.Background())
			a = nil
		}
	}()

	registerer, gatherer := metricsRegistry(cfg.Metrics.Enabled)

	a.bus, err = eventbus.New(eventbus.Config{
		Transport:              cfg,
		Registry:               registry,
		ConnectMaxAttempts:     cfg.Broker.Connect.MaxAttempts,
		ConnectInitialInterval: cfg.Broker.Connect.InitialInterval,
		ConnectMaxInterval:     cfg.Broker.Connect.MaxInterval,
		Metrics:                registerer,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("failed to create event bus: %w", err)
	}
	if err = a.bus.Connect(ctx); err != nil {
		return a, err
	}

	a.requester, err = reqreply.NewRequester(a.bus, reqreply.Config{
		Service:         cfg.ServiceName,
		DefaultTimeout:  cfg.ReqReply.DefaultTimeout,
		LateReplyMemory: cfg.ReqReply.LateReplyMemory,
		LateReplyTTL:    cfg.ReqReply.LateReplyTTL,
		ReplyGroup:      cfg.ReqReply.ReplyGroup,
		Metrics:         registerer,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("failed to create requester: %w", err)
	}

	store, err := a.rateLimitStore(ctx, cfg)
	if err != nil {
		return a, err
	}
	a.limiter, err = ratelimit.New(ratelimit.Config{
		Policies:       cfg.RateLimit.Classes,
		HighWaterRatio: cfg.RateLimit.HighWaterRatio,
		Store:          store,
		Metrics:        registerer,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	a.breaker, err = breaker.New(breaker.Options{
		Default:      cfg.Breaker.Default,
		Dependencies: cfg.Breaker.Dependencies,
		CallTimeout:  cfg.Breaker.CallTimeout,
		Metrics:      registerer,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("failed to create circuit breaker: %w", err)
	}

	a.gateway, err = gateway.New(gateway.Dependencies{
		Limiter:   a.limiter,
		Breaker:   a.breaker,
		Bus:       a.bus,
		Requester: a.requester,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("failed to create gateway: %w", err)
	}

	a.scheduler, err = maintenance.New(maintenance.Config{
		Schedule: cfg.Maintenance.Schedule,
		Timeout:  cfg.Maintenance.Timeout,
	}, a.limiter, a.breaker, logger)
	if err != nil {
		return a, err
	}

	a.server = &http.Server{
		Addr: cfg.Ops.Address,
		Handler: a.gateway.OpsHandler(gateway.OpsOptions{
			Gatherer:           gatherer,
			CORSAllowedOrigins: cfg.Ops.CORSAllowedOrigins,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

// metricsRegistry returns a registry with the process collectors, or an
// empty gatherer and a nil registerer when metrics are off.
func metricsRegistry(enabled bool) (prometheus.Registerer, prometheus.Gatherer) {
	if !enabled {
		return nil, prometheus.NewRegistry()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, reg
}

func (a *app) rateLimitStore(ctx context.Context, cfg *config.Config) (ratelimit.Store, error) {
	if cfg.RateLimit.Store != "redis" {
		return ratelimit.NewMemoryStore(), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
	}
	return ratelimit.NewRedisStore(a.redis, cfg.Redis.KeyPrefix), nil
}

// shutdown stops the components in reverse order of construction.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Shutdown(ctx))
	}
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop(ctx))
	}
	if a.requester != nil {
		errs = append(errs, a.requester.Close())
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Disconnect(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	err := errors.Join(errs...)
	if err == nil {
		a.logger.Info("Booking gateway stopped", nil)
	}
	return err
}
