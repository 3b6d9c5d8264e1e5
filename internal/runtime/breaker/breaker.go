// Package breaker implements a per-dependency circuit breaker.
//
// Every dependency key owns an independent record:
//
//	CLOSED    -> OPEN       after FailureThreshold consecutive failures
//	OPEN      -> HALF_OPEN  once OpenTimeout has passed since the last transition
//	HALF_OPEN -> CLOSED     after SuccessThreshold consecutive probe successes
//	HALF_OPEN -> OPEN       on any probe failure
//
// Counters of every record are zeroed when StatsResetTimeout passes without a
// state change or an earlier stats reset.
package breaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
)

// State is the position of a circuit in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds the thresholds of one dependency.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failureThreshold"`
	SuccessThreshold int           `mapstructure:"success_threshold" json:"successThreshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" json:"openTimeout"`
	// StatsResetTimeout zeroes the counters once it passes since the last
	// transition or counter reset.
	StatsResetTimeout time.Duration `mapstructure:"stats_reset_timeout" json:"statsResetTimeout"`
}

// DefaultConfig returns the thresholds used for dependencies without their
// own configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       time.Minute,
		StatsResetTimeout: 5 * time.Minute,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.FailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&c.SuccessThreshold, validation.Required, validation.Min(1)),
		validation.Field(&c.OpenTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.StatsResetTimeout, validation.Required, validation.Min(time.Millisecond)),
	)
}

// withDefaults fills zero fields from def.
func (c Config) withDefaults(def Config) Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.StatsResetTimeout == 0 {
		c.StatsResetTimeout = def.StatsResetTimeout
	}
	return c
}

// Classifier reports whether a call error counts as a dependency failure.
type Classifier func(err error) bool

// DefaultClassifier counts every error except business outcomes and broker
// transport errors. A broker hiccup says nothing about the dependency behind
// it.
func DefaultClassifier(err error) bool {
	if err == nil || errspkg.IsBusiness(err) {
		return false
	}
	return !errors.Is(err, errspkg.ErrBrokerTransport)
}

// Options configures a Breaker.
type Options struct {
	// Default applies to dependencies missing from Dependencies. Zero fields
	// take DefaultConfig values.
	Default Config
	// Dependencies overrides thresholds per dependency key. Zero fields fall
	// back to Default.
	Dependencies map[string]Config
	// CallTimeout bounds every wrapped call when positive.
	CallTimeout time.Duration
	// Classifier defaults to DefaultClassifier.
	Classifier Classifier
	// Now defaults to time.Now.
	Now func() time.Time
	// OnStateChange is invoked after every transition, outside record locks.
	OnStateChange func(key string, from, to State)
	// Metrics registers the breaker collectors when set.
	Metrics prometheus.Registerer
}

// Snapshot is a point-in-time view of one circuit.
type Snapshot struct {
	Dependency           string     `json:"dependency"`
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	ConsecutiveSuccesses int        `json:"consecutiveSuccesses"`
	LastFailureAt        *time.Time `json:"lastFailureAt,omitempty"`
	LastStateChangeAt    time.Time  `json:"lastStateChangeAt"`
	ProbesInFlight       int        `json:"probesInFlight,omitempty"`
}

type record struct {
	mu  sync.Mutex
	cfg Config

	state             State
	failures          int
	successes         int
	lastFailureAt     time.Time
	lastStateChangeAt time.Time
	statsResetAt      time.Time
	// generation changes on every transition; outcomes admitted under an
	// older generation are discarded.
	generation uint64
	probes     int
}

type transition struct {
	key      string
	from, to State
	reason   string
}

// Breaker keeps one circuit per dependency key.
type Breaker struct {
	opts    Options
	logger  loggingpkg.ServiceLogger
	metrics *breakerMetrics

	mu      sync.RWMutex
	records map[string]*record
}

// New creates a Breaker. Every configured threshold set is validated.
func New(opts Options, logger loggingpkg.ServiceLogger) (*Breaker, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	opts.Default = opts.Default.withDefaults(DefaultConfig())
	var errs []error
	if err := opts.Default.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("breaker default: %w", err))
	}
	deps := make(map[string]Config, len(opts.Dependencies))
	for key, cfg := range opts.Dependencies {
		cfg = cfg.withDefaults(opts.Default)
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("breaker dependency %q: %w", key, err))
			continue
		}
		deps[key] = cfg
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	opts.Dependencies = deps

	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	metrics, err := newBreakerMetrics(opts.Metrics)
	if err != nil {
		return nil, err
	}

	return &Breaker{
		opts:    opts,
		logger:  logger.With(loggingpkg.LogFields{"component": "breaker"}),
		metrics: metrics,
		records: make(map[string]*record),
	}, nil
}

// Config returns the thresholds applied to key.
func (b *Breaker) Config(key string) Config {
	if cfg, ok := b.opts.Dependencies[key]; ok {
		return cfg
	}
	return b.opts.Default
}

func (b *Breaker) lookup(key string) (*record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[key]
	return rec, ok
}

func (b *Breaker) record(key string) *record {
	if rec, ok := b.lookup(key); ok {
		return rec
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.records[key]; ok {
		return rec
	}
	now := b.opts.Now()
	rec := &record{cfg: b.Config(key), state: StateClosed, lastStateChangeAt: now}
	b.records[key] = rec
	b.metrics.state(key, StateClosed)
	return rec
}

// refresh applies the time-based rules. Callers hold rec.mu.
func (r *record) refresh(key string, now time.Time) []transition {
	var events []transition
	if r.state == StateOpen && now.Sub(r.lastStateChangeAt) >= r.cfg.OpenTimeout {
		events = append(events, r.moveTo(key, StateHalfOpen, now, "open timeout elapsed"))
	}
	since := r.lastStateChangeAt
	if r.statsResetAt.After(since) {
		since = r.statsResetAt
	}
	if now.Sub(since) >= r.cfg.StatsResetTimeout {
		r.failures = 0
		r.successes = 0
		r.statsResetAt = now
	}
	return events
}

// moveTo changes state and starts a new generation. Callers hold rec.mu.
func (r *record) moveTo(key string, to State, now time.Time, reason string) transition {
	from := r.state
	r.state = to
	r.lastStateChangeAt = now
	r.generation++
	r.probes = 0
	switch to {
	case StateClosed:
		r.failures = 0
		r.successes = 0
	case StateHalfOpen:
		r.successes = 0
	}
	return transition{key: key, from: from, to: to, reason: reason}
}

func (r *record) snapshot(key string) Snapshot {
	s := Snapshot{
		Dependency:           key,
		State:                r.state,
		ConsecutiveFailures:  r.failures,
		ConsecutiveSuccesses: r.successes,
		LastStateChangeAt:    r.lastStateChangeAt,
		ProbesInFlight:       r.probes,
	}
	if !r.lastFailureAt.IsZero() {
		at := r.lastFailureAt
		s.LastFailureAt = &at
	}
	return s
}

func (b *Breaker) emit(events []transition) {
	for _, ev := range events {
		b.metrics.transition(ev.key, ev.from, ev.to)
		b.logger.Info("Circuit state changed", loggingpkg.LogFields{
			"dependency": ev.key,
			"from":       ev.from.String(),
			"to":         ev.to.String(),
			"reason":     ev.reason,
		})
		if b.opts.OnStateChange != nil {
			b.opts.OnStateChange(ev.key, ev.from, ev.to)
		}
	}
}

// State returns the circuit of key after applying the time-based rules. An
// unknown key reports a fresh CLOSED circuit without creating a record.
func (b *Breaker) State(key string) Snapshot {
	rec, ok := b.lookup(key)
	if !ok {
		return Snapshot{Dependency: key, State: StateClosed}
	}
	rec.mu.Lock()
	events := rec.refresh(key, b.opts.Now())
	snap := rec.snapshot(key)
	rec.mu.Unlock()
	b.emit(events)
	return snap
}

// Snapshots returns every known circuit keyed by dependency.
func (b *Breaker) Snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot)
	for _, key := range b.Keys() {
		out[key] = b.State(key)
	}
	return out
}

// Keys lists the known dependency keys in sorted order.
func (b *Breaker) Keys() []string {
	b.mu.RLock()
	keys := make([]string, 0, len(b.records))
	for key := range b.records {
		keys = append(keys, key)
	}
	b.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Reset clears the counters of key and forces it CLOSED. Calls admitted
// before the reset no longer affect the circuit. It reports false, and
// creates nothing, when key has no circuit yet.
func (b *Breaker) Reset(key string) (Snapshot, bool) {
	rec, ok := b.lookup(key)
	if !ok {
		return Snapshot{Dependency: key, State: StateClosed}, false
	}
	now := b.opts.Now()

	rec.mu.Lock()
	from := rec.state
	ev := rec.moveTo(key, StateClosed, now, "manual reset")
	rec.lastFailureAt = time.Time{}
	rec.statsResetAt = time.Time{}
	snap := rec.snapshot(key)
	rec.mu.Unlock()

	if from != StateClosed {
		b.emit([]transition{ev})
	}
	b.logger.Info("Circuit reset", loggingpkg.LogFields{"dependency": key, "from": from.String()})
	return snap, true
}

// ResetAll resets every known circuit.
func (b *Breaker) ResetAll() {
	for _, key := range b.Keys() {
		b.Reset(key)
	}
}

// Tick applies the open-timeout and stats-reset rules to every circuit
// without waiting for a call.
func (b *Breaker) Tick() {
	now := b.opts.Now()
	for _, key := range b.Keys() {
		rec, ok := b.lookup(key)
		if !ok {
			continue
		}
		rec.mu.Lock()
		events := rec.refresh(key, now)
		rec.mu.Unlock()
		b.emit(events)
	}
}
