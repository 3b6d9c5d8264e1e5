// Package nats provides the NATS Core broker adapter of the event bus.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/bookinggate/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Prober performs the health round-trip: a PING/PONG flush on a short-lived
// connection.
var Prober = func(ctx context.Context, url string, opts ...nc.Option) error {
	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.FlushWithContext(ctx)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport. Consumer groups map onto NATS queue
// groups.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, fmt.Errorf("nats: url is required")
	}
	options := connectOptions(cfg.GetServiceName())
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	// Core NATS queue groups hold no broker state, so ephemeral groups need
	// nothing extra.
	newSubscriber := func(group string, _ transport.GroupOptions) (message.Subscriber, error) {
		return SubscriberFactory(
			nats.SubscriberConfig{
				URL:              url,
				NatsOptions:      options,
				QueueGroupPrefix: group,
				Unmarshaler:      marshaler,
				JetStream:        nats.JetStreamConfig{Disabled: true},
			},
			logger,
		)
	}

	subscriber, err := newSubscriber(cfg.GetServiceName(), transport.GroupOptions{})
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:       publisher,
		Subscriber:      subscriber,
		GroupSubscriber: newSubscriber,
		Probe: func(ctx context.Context) error {
			return Prober(ctx, url, nc.Name(cfg.GetServiceName()+"-probe"), nc.Timeout(5*time.Second))
		},
	}, nil
}

func connectOptions(service string) []nc.Option {
	options := []nc.Option{
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(time.Second),
	}
	if service != "" {
		options = append(options, nc.Name(service))
	}
	return options
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
