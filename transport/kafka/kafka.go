// Package kafka provides the Kafka broker adapter of the event bus.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/bookinggate/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// EphemeralOffsetRetention is how long the broker keeps the committed
// offsets of an ephemeral group after its last member leaves.
const EphemeralOffsetRetention = time.Hour

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// TopicLister performs the health round-trip. It is overridable for testing.
var TopicLister = func(brokers []string, cfg *sarama.Config) (int, error) {
	admin, err := sarama.NewClusterAdmin(brokers, cfg)
	if err != nil {
		return 0, err
	}
	defer admin.Close()

	topics, err := admin.ListTopics()
	if err != nil {
		return 0, err
	}
	return len(topics), nil
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Marshaler keys every message by its uuid, which the bus sets to the
// envelope's event id, so redeliveries of one event share a partition.
func Marshaler() kafka.MarshalerUnmarshaler {
	return kafka.NewWithPartitioningMarshaler(func(topic string, msg *message.Message) (string, error) {
		return msg.UUID, nil
	})
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, fmt.Errorf("kafka: at least one broker is required")
	}
	clientID := cfg.GetKafkaClientID()
	if clientID == "" {
		clientID = cfg.GetServiceName()
	}
	marshaler := Marshaler()

	publisherSarama := kafka.DefaultSaramaSyncPublisherConfig()
	applyClientID(publisherSarama, clientID)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: publisherSarama,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(group string, opts transport.GroupOptions) (message.Subscriber, error) {
		saramaCfg := kafka.DefaultSaramaSubscriberConfig()
		applyClientID(saramaCfg, clientID)
		if opts.Ephemeral {
			saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
			saramaCfg.Consumer.Offsets.Retention = EphemeralOffsetRetention
		}
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           marshaler,
				ConsumerGroup:         group,
				OverwriteSaramaConfig: saramaCfg,
			},
			logger,
		)
	}

	subscriber, err := newSubscriber(cfg.GetKafkaConsumerGroup(), transport.GroupOptions{})
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	probeCfg := sarama.NewConfig()
	applyClientID(probeCfg, clientID)

	return transport.Transport{
		Publisher:       publisher,
		Subscriber:      subscriber,
		GroupSubscriber: newSubscriber,
		Probe: transport.ProbeFunc(func() error {
			_, err := TopicLister(brokers, probeCfg)
			return err
		}),
	}, nil
}

func applyClientID(cfg *sarama.Config, clientID string) {
	if clientID != "" {
		cfg.ClientID = clientID
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
