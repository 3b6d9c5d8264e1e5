package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"

	metricspkg "github.com/drblury/bookinggate/internal/runtime/metrics"
)

const (
	subsystem = "ratelimit"

	decisionAllowed    = "allowed"
	decisionRejected   = "rejected"
	decisionStoreError = "store_error"
)

type limiterMetrics struct {
	decisions  *prometheus.CounterVec
	highWaters *prometheus.CounterVec
	sweeps     prometheus.Counter
}

func newLimiterMetrics(reg prometheus.Registerer) (*limiterMetrics, error) {
	decisions, err := metricspkg.Register(reg, metricspkg.NewCounterVec(subsystem, "decisions_total", "Rate limit decisions by subject class.", "class", "decision"))
	if err != nil {
		return nil, err
	}
	highWaters, err := metricspkg.Register(reg, metricspkg.NewCounterVec(subsystem, "high_water_total", "Windows in which a subject passed the high-water mark.", "class"))
	if err != nil {
		return nil, err
	}
	sweeps, err := metricspkg.Register(reg, metricspkg.NewCounter(subsystem, "swept_total", "Expired rate limit records removed by the sweep."))
	if err != nil {
		return nil, err
	}
	return &limiterMetrics{decisions: decisions, highWaters: highWaters, sweeps: sweeps}, nil
}

func (m *limiterMetrics) decision(class Class, decision string) {
	m.decisions.WithLabelValues(string(class), decision).Inc()
}

func (m *limiterMetrics) highWater(class Class) {
	m.highWaters.WithLabelValues(string(class)).Inc()
}

func (m *limiterMetrics) swept(n int) {
	m.sweeps.Add(float64(n))
}
