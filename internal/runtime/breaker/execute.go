package breaker

import (
	"context"
	"errors"

	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeIgnored leaves the counters untouched, e.g. when the caller
	// gave up on the call.
	outcomeIgnored
)

type ticket struct {
	key        string
	rec        *record
	generation uint64
	probe      bool
}

// Execute runs call through the circuit of key.
//
// A CLOSED circuit runs the call. A HALF_OPEN circuit runs it as a probe
// while fewer than SuccessThreshold probes are in flight. Otherwise the call
// is rejected with a *DependencyUnavailableError, or fallback runs and its
// result is returned. fallback also runs when the call fails with an error
// that counts as a dependency failure; it receives that error. A failing
// fallback yields a *DependencyUnavailableError wrapping its error.
func Execute[T any](ctx context.Context, b *Breaker, key string, call func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	var zero T
	if call == nil {
		return zero, errspkg.ErrCallRequired
	}
	if key == "" {
		return zero, errspkg.ErrKeyRequired
	}

	t, ok := b.admit(key)
	if !ok {
		rejected := &errspkg.DependencyUnavailableError{Dependency: key}
		if fallback == nil {
			return zero, rejected
		}
		return runFallback(ctx, b, key, fallback, rejected)
	}

	callCtx, cancel := b.callContext(ctx)
	defer cancel()

	settled := false
	defer func() {
		if !settled {
			// the call panicked
			b.settle(t, outcomeFailure, nil)
		}
	}()
	res, err := call(callCtx)
	settled = true

	result := b.classify(ctx, err)
	b.settle(t, result, err)
	if result == outcomeFailure && fallback != nil {
		return runFallback(ctx, b, key, fallback, err)
	}
	return res, err
}

// runFallback hands cause to fallback. A failing fallback surfaces as a
// *DependencyUnavailableError wrapping its error.
func runFallback[T any](ctx context.Context, b *Breaker, key string, fallback func(context.Context, error) (T, error), cause error) (T, error) {
	b.metrics.fallback(key)
	res, err := fallback(ctx, cause)
	if err != nil {
		var zero T
		return zero, &errspkg.DependencyUnavailableError{Dependency: key, Cause: err}
	}
	return res, nil
}

// Do is Execute for calls without a result.
func (b *Breaker) Do(ctx context.Context, key string, call func(context.Context) error, fallback func(context.Context, error) error) error {
	if call == nil {
		return errspkg.ErrCallRequired
	}
	wrapped := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, call(ctx)
	}
	var fb func(context.Context, error) (struct{}, error)
	if fallback != nil {
		fb = func(ctx context.Context, err error) (struct{}, error) {
			return struct{}{}, fallback(ctx, err)
		}
	}
	_, err := Execute(ctx, b, key, wrapped, fb)
	return err
}

func (b *Breaker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, b.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (b *Breaker) classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return outcomeIgnored
	case b.opts.Classifier(err):
		return outcomeFailure
	default:
		return outcomeSuccess
	}
}

// admit applies the time-based rules and decides whether key may run a call.
func (b *Breaker) admit(key string) (ticket, bool) {
	rec := b.record(key)
	now := b.opts.Now()

	rec.mu.Lock()
	events := rec.refresh(key, now)
	t := ticket{key: key, rec: rec, generation: rec.generation}
	admitted := true
	switch rec.state {
	case StateOpen:
		admitted = false
	case StateHalfOpen:
		if rec.probes >= rec.cfg.SuccessThreshold {
			admitted = false
		} else {
			rec.probes++
			t.probe = true
		}
	}
	state := rec.state
	rec.mu.Unlock()

	b.emit(events)
	if !admitted {
		b.metrics.rejection(key)
		b.logger.Debug("Call rejected by open circuit", loggingpkg.LogFields{"dependency": key, "state": state.String()})
	}
	return t, admitted
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(t ticket, result outcome, err error) {
	rec := t.rec
	now := b.opts.Now()

	rec.mu.Lock()
	if t.generation != rec.generation {
		rec.mu.Unlock()
		b.logger.Debug("Discarding outcome from an earlier circuit generation", loggingpkg.LogFields{"dependency": t.key})
		return
	}
	if t.probe {
		rec.probes--
	}

	var events []transition
	switch result {
	case outcomeSuccess:
		rec.failures = 0
		if rec.state == StateHalfOpen {
			rec.successes++
			if rec.successes >= rec.cfg.SuccessThreshold {
				events = append(events, rec.moveTo(t.key, StateClosed, now, "probes succeeded"))
			}
		}
	case outcomeFailure:
		rec.successes = 0
		rec.failures++
		rec.lastFailureAt = now
		switch rec.state {
		case StateClosed:
			if rec.failures >= rec.cfg.FailureThreshold {
				events = append(events, rec.moveTo(t.key, StateOpen, now, "failure threshold reached"))
			}
		case StateHalfOpen:
			events = append(events, rec.moveTo(t.key, StateOpen, now, "probe failed"))
		}
	}
	failures := rec.failures
	rec.mu.Unlock()

	if result == outcomeFailure {
		fields := loggingpkg.LogFields{"dependency": t.key, "consecutive_failures": failures}
		if err != nil {
			fields["error"] = err.Error()
		}
		b.logger.Debug("Dependency call failed", fields)
	}
	b.emit(events)
}
