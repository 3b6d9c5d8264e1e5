package reqreply

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	metricspkg "github.com/drblury/bookinggate/internal/runtime/metrics"
)

const subsystem = "reqreply"

const (
	outcomeOK          = "ok"
	outcomeTimeout     = "timeout"
	outcomeRemoteError = "remote_error"
	outcomeCanceled    = "canceled"
	outcomeClosed      = "closed"
	outcomeError       = "error"

	dropUnknown      = "unknown"
	dropLate         = "late"
	dropUncorrelated = "uncorrelated"
)

type requesterMetrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	drops    *prometheus.CounterVec
	pending  prometheus.Gauge
}

func newRequesterMetrics(reg prometheus.Registerer) (*requesterMetrics, error) {
	calls, err := metricspkg.Register(reg, metricspkg.NewCounterVec(subsystem, "calls_total", "Correlated calls by outcome.", "channel", "outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := metricspkg.Register(reg, metricspkg.NewHistogramVec(subsystem, "call_duration_seconds", "Time from publish to resolution of a correlated call.",
		[]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5, 10}, "channel"))
	if err != nil {
		return nil, err
	}
	drops, err := metricspkg.Register(reg, metricspkg.NewCounterVec(subsystem, "dropped_replies_total", "Replies that matched no pending call.", "reason"))
	if err != nil {
		return nil, err
	}
	pending, err := metricspkg.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricspkg.Namespace,
		Subsystem: subsystem,
		Name:      "pending_calls",
		Help:      "Correlated calls awaiting a reply.",
	}))
	if err != nil {
		return nil, err
	}
	return &requesterMetrics{calls: calls, duration: duration, drops: drops, pending: pending}, nil
}

func (m *requesterMetrics) observe(channel, outcome string, elapsed time.Duration) {
	m.calls.WithLabelValues(channel, outcome).Inc()
	m.duration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

func (m *requesterMetrics) dropped(reason string) {
	m.drops.WithLabelValues(reason).Inc()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, errspkg.ErrCorrelationTimeout):
		return outcomeTimeout
	case errors.Is(err, errspkg.ErrRemote):
		return outcomeRemoteError
	case errors.Is(err, errspkg.ErrRequesterClosed):
		return outcomeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeError
	}
}
