package breaker

import (
	"github.com/prometheus/client_golang/prometheus"

	metricspkg "github.com/drblury/bookinggate/internal/runtime/metrics"
)

const subsystem = "breaker"

type breakerMetrics struct {
	states      *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
}

func newBreakerMetrics(reg prometheus.Registerer) (*breakerMetrics, error) {
	states, err := metricspkg.Register(reg, metricspkg.NewGaugeVec(subsystem, "state", "Circuit state per dependency (0 closed, 1 open, 2 half-open).", "dependency"))
	if err != nil {
		return nil, err
	}
	transitions, err := metricspkg.Register(reg, metricspkg.NewCounterVec(subsystem, "transitions_total", "Circuit state transitions.", "dependency", "from", "to"))
	if err != nil {
		return nil, err
	}
	rejections, err := metricspkg.Register(reg, metricspkg.NewCounterVec(subsystem, "rejections_total", "Calls rejected without reaching the dependency.", "dependency"))
	if err != nil {
		return nil, err
	}
	fallbacks, err := metricspkg.Register(reg, metricspkg.NewCounterVec(subsystem, "fallbacks_total", "Fallback invocations.", "dependency"))
	if err != nil {
		return nil, err
	}
	return &breakerMetrics{states: states, transitions: transitions, rejections: rejections, fallbacks: fallbacks}, nil
}

func (m *breakerMetrics) state(key string, s State) {
	m.states.WithLabelValues(key).Set(float64(s))
}

func (m *breakerMetrics) transition(key string, from, to State) {
	m.state(key, to)
	m.transitions.WithLabelValues(key, from.String(), to.String()).Inc()
}

func (m *breakerMetrics) rejection(key string) {
	m.rejections.WithLabelValues(key).Inc()
}

func (m *breakerMetrics) fallback(key string) {
	m.fallbacks.WithLabelValues(key).Inc()
}
