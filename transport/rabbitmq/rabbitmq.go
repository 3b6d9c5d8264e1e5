// Package rabbitmq provides the RabbitMQ/AMQP broker adapter of the event bus.
package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/bookinggate/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// probeExchange is predeclared on every RabbitMQ broker.
const probeExchange = "amq.topic"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// ConnectionCloser allows overriding how the shared connection is closed.
var ConnectionCloser = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// Prober performs the health round-trip on a dedicated connection.
var Prober = func(ctx context.Context, url string) error {
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	conn, err := amqp091.DialConfig(url, amqp091.Config{Dial: amqp091.DefaultDial(timeout)})
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.ExchangeDeclarePassive(probeExchange, amqp091.ExchangeTopic, true, false, false, false, nil)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// QueueNameGenerator names the queue a subscriber consumes from. Subscribers
// sharing a group share a queue and split its messages; an empty group
// falls back to one queue per topic.
func QueueNameGenerator(group string) amqp.QueueNameGenerator {
	if group == "" {
		return amqp.GenerateQueueNameTopicName
	}
	return amqp.GenerateQueueNameTopicNameWithSuffix(group)
}

// SubscriberConfig is the AMQP topology of a group subscriber. Ephemeral
// groups consume from a non-durable queue that RabbitMQ deletes once its
// last consumer is gone. The exchange stays durable in both cases, matching
// the publisher's declaration.
func SubscriberConfig(url, group string, opts transport.GroupOptions) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, QueueNameGenerator(group))
	if opts.Ephemeral {
		cfg.Queue.Durable = false
		cfg.Queue.AutoDelete = true
	}
	return cfg
}

// Build creates a new RabbitMQ transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, fmt.Errorf("rabbitmq: url is required")
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName), logger, conn)
	if err != nil {
		_ = ConnectionCloser(conn)
		return transport.Transport{}, err
	}

	newSubscriber := func(group string, opts transport.GroupOptions) (message.Subscriber, error) {
		return SubscriberFactory(SubscriberConfig(url, group, opts), logger, conn)
	}

	subscriber, err := newSubscriber(cfg.GetServiceName(), transport.GroupOptions{})
	if err != nil {
		_ = publisher.Close()
		_ = ConnectionCloser(conn)
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:       publisher,
		Subscriber:      subscriber,
		GroupSubscriber: newSubscriber,
		Probe: func(ctx context.Context) error {
			return Prober(ctx, url)
		},
		Release: func() error {
			return ConnectionCloser(conn)
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
