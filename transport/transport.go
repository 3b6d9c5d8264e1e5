// Package transport defines the broker-facing contract of the event bus.
// Each broker adapter (kafka, rabbitmq, aws, ...) lives in its own
// sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport bundles what a broker adapter produces for the event bus.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// GroupSubscriber builds a subscriber whose consumers share work under
	// group. Nil means the broker has no consumer groups and Subscriber is
	// used for every group.
	GroupSubscriber func(group string, opts GroupOptions) (message.Subscriber, error)

	// Probe performs a real round-trip against the broker. Nil means the
	// transport is in-process and always healthy.
	Probe func(ctx context.Context) error

	// Release frees resources shared by publisher and subscribers, such as
	// a connection. It runs after both are closed.
	Release func() error

	// Capabilities is set by Registry.Build from the registered set.
	Capabilities Capabilities
}

// GroupOptions tunes the subscriber GroupSubscriber builds.
type GroupOptions struct {
	// Ephemeral groups get broker state that is removed once their consumer
	// goes away and start at the newest message. Reply listeners use them.
	Ephemeral bool
}

func (t Transport) usable() error {
	var errs []error
	if t.Publisher == nil {
		errs = append(errs, errors.New("adapter returned no publisher"))
	}
	if t.Subscriber == nil {
		errs = append(errs, errors.New("adapter returned no subscriber"))
	}
	return errors.Join(errs...)
}

// Close closes the publisher, the subscriber and any shared resources.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && !sameInstance(t.Publisher, t.Subscriber) {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Release != nil {
		errs = append(errs, t.Release())
	}
	return errors.Join(errs...)
}

func sameInstance(pub message.Publisher, sub message.Subscriber) bool {
	if pub == nil || sub == nil {
		return false
	}
	p, ok := pub.(interface{ Close() error })
	if !ok {
		return false
	}
	s, ok := sub.(interface{ Close() error })
	return ok && p == s
}

// Builder creates a transport from config. Each transport package provides
// one and registers it under its name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports, without
// depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string
	GetServiceName() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// ProbeFunc adapts a blocking, context-unaware round-trip into a probe that
// returns as soon as ctx is done. The call itself keeps running until the
// client library gives up.
func ProbeFunc(call func() error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- call() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
