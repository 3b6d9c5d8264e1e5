// Package maintenance runs the periodic housekeeping of the gateway: the
// rate-limit sweep and the breaker staleness tick.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
)

const (
	DefaultSchedule = "@every 30s"
	DefaultTimeout  = 10 * time.Second
)

// Sweeper deletes expired state. *ratelimit.Limiter satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Ticker applies time-based transitions. *breaker.Breaker satisfies it.
type Ticker interface {
	Tick()
}

// Config configures the Scheduler.
type Config struct {
	// Schedule is a cron spec or descriptor such as "@every 30s".
	Schedule string
	// Timeout bounds one sweep.
	Timeout time.Duration
}

// Scheduler runs Sweep and Tick on a cron schedule. Runs never overlap.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	ticker  Ticker
	timeout time.Duration
	logger  loggingpkg.ServiceLogger
}

// New creates a Scheduler. sweeper and ticker may be nil.
func New(cfg Config, sweeper Sweeper, ticker Ticker, logger loggingpkg.ServiceLogger) (*Scheduler, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger = logger.With(loggingpkg.LogFields{"component": "maintenance"})

	cl := cronLogger{log: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper: sweeper,
		ticker:  ticker,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Maintenance scheduler started", nil)
}

// Stop halts the schedule and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one maintenance pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.ticker != nil {
		s.ticker.Tick()
	}
	if s.sweeper == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	removed, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("Rate limit sweep failed", err, loggingpkg.LogFields{"removed": removed})
		return
	}
	s.logger.Debug("Maintenance pass finished", loggingpkg.LogFields{
		"removed":  removed,
		"duration": time.Since(start).String(),
	})
}

// cronLogger adapts a ServiceLogger to cron.Logger.
type cronLogger struct {
	log loggingpkg.ServiceLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace(msg, fields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, err, fields(keysAndValues))
}

func fields(keysAndValues []any) loggingpkg.LogFields {
	if len(keysAndValues) == 0 {
		return nil
	}
	out := make(loggingpkg.LogFields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
