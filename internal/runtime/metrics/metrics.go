// Package metrics holds the Prometheus helpers shared by gateway components.
// Every collector lives under the bookinggate namespace with a per-component
// subsystem.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every gateway metric.
const Namespace = "bookinggate"

// NewCounterVec creates a counter vec under the gateway namespace.
func NewCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewGaugeVec creates a gauge vec under the gateway namespace.
func NewGaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewCounter creates an unlabelled counter under the gateway namespace.
func NewCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewHistogramVec creates a histogram vec under the gateway namespace.
func NewHistogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// Register registers c with reg and returns the collector to use. When an
// identical collector is already registered the existing one is returned,
// so several components (or tests) can share a registry. A nil registerer
// leaves c unregistered.
func Register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if reg == nil {
		return c, nil
	}
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// MustRegister is Register that panics on conflicting registrations.
func MustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	registered, err := Register(reg, c)
	if err != nil {
		panic(err)
	}
	return registered
}
