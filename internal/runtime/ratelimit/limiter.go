package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
)

// DefaultHighWaterRatio is the share of capacity past which a single warning
// is emitted per window.
const DefaultHighWaterRatio = 0.8

// Config configures a Limiter.
type Config struct {
	// Policies holds the per-class budgets. Missing classes fall back to
	// ClassDefault, then to DefaultPolicies.
	Policies map[Class]Policy
	// HighWaterRatio defaults to DefaultHighWaterRatio.
	HighWaterRatio float64
	// Store defaults to a MemoryStore.
	Store Store
	// Now defaults to time.Now.
	Now func() time.Time
	// Metrics registers the limiter collectors when set.
	Metrics prometheus.Registerer
}

// Limiter admits or rejects requests per subject key.
type Limiter struct {
	policies  map[Class]Policy
	highWater float64
	store     Store
	now       func() time.Time
	logger    loggingpkg.ServiceLogger
	metrics   *limiterMetrics
}

// New creates a Limiter. Every configured policy is validated.
func New(cfg Config, logger loggingpkg.ServiceLogger) (*Limiter, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	policies := DefaultPolicies()
	var errs []error
	for class, policy := range cfg.Policies {
		if err := policy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("ratelimit policy %q: %w", class, err))
			continue
		}
		policies[class] = policy
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.HighWaterRatio <= 0 || cfg.HighWaterRatio > 1 {
		cfg.HighWaterRatio = DefaultHighWaterRatio
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	metrics, err := newLimiterMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Limiter{
		policies:  policies,
		highWater: cfg.HighWaterRatio,
		store:     cfg.Store,
		now:       cfg.Now,
		logger:    logger.With(loggingpkg.LogFields{"component": "ratelimit"}),
		metrics:   metrics,
	}, nil
}

// Policy returns the policy applied to class.
func (l *Limiter) Policy(class Class) Policy {
	if p, ok := l.policies[class]; ok {
		return p
	}
	return l.policies[ClassDefault]
}

// Check admits one request for key using its class policy. It returns a
// *RateLimitExceededError when the subject is over budget or blocked.
// When the store fails the request is admitted and counted under the
// store_error decision; only a done ctx turns a store failure into an error.
func (l *Limiter) Check(ctx context.Context, key string) error {
	class := ClassOf(key)
	return l.check(ctx, key, class, l.Policy(class))
}

// CheckWith admits one request for key under an explicit policy.
func (l *Limiter) CheckWith(ctx context.Context, key string, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("ratelimit policy for %s: %w", key, err)
	}
	return l.check(ctx, key, ClassOf(key), policy)
}

func (l *Limiter) check(ctx context.Context, key string, class Class, policy Policy) error {
	if key == "" {
		return errspkg.ErrKeyRequired
	}

	decision, err := l.store.Take(ctx, key, policy, l.now())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		l.metrics.decision(class, decisionStoreError)
		l.logger.Warn("Rate limit store unavailable; admitting request", loggingpkg.LogFields{
			"key":   key,
			"class": string(class),
			"error": err.Error(),
		})
		return nil
	}

	if !decision.Allowed {
		l.metrics.decision(class, decisionRejected)
		if decision.Tripped {
			l.logger.Info("Subject blocked", loggingpkg.LogFields{
				"key":           key,
				"class":         string(class),
				"count":         decision.Record.Count,
				"capacity":      policy.Capacity,
				"blocked_until": decision.Record.BlockedUntil,
			})
		}
		return &errspkg.RateLimitExceededError{Key: key, Class: string(class), RetryAfter: decision.RetryAfter}
	}

	l.metrics.decision(class, decisionAllowed)
	if decision.Record.Count == highWaterMark(policy.Capacity, l.highWater)+1 {
		l.metrics.highWater(class)
		l.logger.Warn("Subject passed rate limit high-water mark", loggingpkg.LogFields{
			"key":             key,
			"class":           string(class),
			"count":           decision.Record.Count,
			"capacity":        policy.Capacity,
			"window_reset_at": decision.Record.WindowResetAt,
		})
	}
	return nil
}

func highWaterMark(capacity int, ratio float64) int {
	return int(float64(capacity) * ratio)
}

// Info is the introspection view of one subject.
type Info struct {
	Key          string     `json:"key"`
	Class        Class      `json:"class"`
	Capacity     int        `json:"capacity"`
	Count        int        `json:"count"`
	Remaining    int        `json:"remaining"`
	ResetAt      *time.Time `json:"resetAt,omitempty"`
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	RetryAfter   int64      `json:"retryAfter,omitempty"`
}

// Info reports the remaining budget, reset time and block status of key
// without consuming budget.
func (l *Limiter) Info(ctx context.Context, key string) (Info, error) {
	if key == "" {
		return Info{}, errspkg.ErrKeyRequired
	}
	class := ClassOf(key)
	policy := l.Policy(class)
	info := Info{Key: key, Class: class, Capacity: policy.Capacity, Remaining: policy.Capacity}

	rec, ok, err := l.store.Get(ctx, key)
	if err != nil || !ok {
		return info, err
	}

	now := l.now()
	if now.Before(rec.WindowResetAt) {
		info.Count = rec.Count
		info.Remaining = max(policy.Capacity-rec.Count, 0)
		resetAt := rec.WindowResetAt
		info.ResetAt = &resetAt
	}
	if rec.Blocked(now) {
		blockedUntil := rec.BlockedUntil
		info.Blocked = true
		info.BlockedUntil = &blockedUntil
		info.Remaining = 0
		info.RetryAfter = (&errspkg.RateLimitExceededError{RetryAfter: blockedUntil.Sub(now)}).RetryAfterSeconds()
	}
	return info, nil
}

// Reset forgets key, lifting any block.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if key == "" {
		return errspkg.ErrKeyRequired
	}
	if err := l.store.Delete(ctx, key); err != nil {
		return err
	}
	l.logger.Info("Rate limit reset", loggingpkg.LogFields{"key": key})
	return nil
}

// Sweep deletes records whose window has passed and that are not blocked.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	removed, err := l.store.Sweep(ctx, l.now())
	l.metrics.swept(removed)
	if removed > 0 {
		l.logger.Debug("Swept expired rate limit records", loggingpkg.LogFields{"removed": removed})
	}
	return removed, err
}
