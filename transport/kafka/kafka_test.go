package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/bookinggate/transport"
	"github.com/drblury/bookinggate/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsConsumerGroups)
	assert.True(t, caps.SupportsKeyedPublish)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestMarshalerKeysByMessageUUID(t *testing.T) {
	msg := message.NewMessage("01HZX3J6Q8", []byte(`{}`))
	produced, err := Marshaler().Marshal("bookings.created", msg)
	require.NoError(t, err)

	key, err := produced.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "01HZX3J6Q8", string(key))
}

func stubFactories(t *testing.T) (*[]kafka.SubscriberConfig, *kafka.PublisherConfig) {
	t.Helper()
	originalPub, originalSub, originalLister := PublisherFactory, SubscriberFactory, TopicLister
	t.Cleanup(func() {
		PublisherFactory, SubscriberFactory, TopicLister = originalPub, originalSub, originalLister
	})

	var pubCfg kafka.PublisherConfig
	var subCfgs []kafka.SubscriberConfig
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return &transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfgs = append(subCfgs, cfg)
		return &transporttest.Subscriber{}, nil
	}
	return &subCfgs, &pubCfg
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with mocked factories", func(t *testing.T) {
		subCfgs, pubCfg := stubFactories(t)

		cfg := &transporttest.Config{
			Service:            "gateway",
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaConsumerGroup: "gateway",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		assert.Equal(t, []string{"localhost:9092"}, pubCfg.Brokers)
		assert.Equal(t, "gateway", pubCfg.OverwriteSaramaConfig.ClientID)
		require.Len(t, *subCfgs, 1)
		assert.Equal(t, "gateway", (*subCfgs)[0].ConsumerGroup)
	})

	t.Run("group subscriber uses the requested group", func(t *testing.T) {
		subCfgs, _ := stubFactories(t)

		cfg := &transporttest.Config{
			KafkaBrokers:  []string{"localhost:9092"},
			KafkaClientID: "gw-1",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		require.NotNil(t, tr.GroupSubscriber)

		_, err = tr.GroupSubscriber("resources-readers", transport.GroupOptions{})
		require.NoError(t, err)
		require.Len(t, *subCfgs, 2)
		assert.Equal(t, "resources-readers", (*subCfgs)[1].ConsumerGroup)
		assert.Equal(t, "gw-1", (*subCfgs)[1].OverwriteSaramaConfig.ClientID)
		assert.Equal(t, sarama.OffsetOldest, (*subCfgs)[1].OverwriteSaramaConfig.Consumer.Offsets.Initial)
	})

	t.Run("ephemeral groups start at the newest offset", func(t *testing.T) {
		subCfgs, _ := stubFactories(t)

		tr, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)

		_, err = tr.GroupSubscriber("gateway-node-1-replies", transport.GroupOptions{Ephemeral: true})
		require.NoError(t, err)
		require.Len(t, *subCfgs, 2)
		reply := (*subCfgs)[1].OverwriteSaramaConfig
		assert.Equal(t, sarama.OffsetNewest, reply.Consumer.Offsets.Initial)
		assert.Equal(t, EphemeralOffsetRetention, reply.Consumer.Offsets.Retention)
	})

	t.Run("probe lists topics", func(t *testing.T) {
		stubFactories(t)

		var gotBrokers []string
		var gotClientID string
		TopicLister = func(brokers []string, cfg *sarama.Config) (int, error) {
			gotBrokers = brokers
			gotClientID = cfg.ClientID
			return 3, nil
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"kafka:9092"}, KafkaClientID: "gw"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		require.NoError(t, tr.Probe(context.Background()))
		assert.Equal(t, []string{"kafka:9092"}, gotBrokers)
		assert.Equal(t, "gw", gotClientID)

		TopicLister = func(brokers []string, cfg *sarama.Config) (int, error) {
			return 0, sarama.ErrOutOfBrokers
		}
		assert.ErrorIs(t, tr.Probe(context.Background()), sarama.ErrOutOfBrokers)
	})

	t.Run("requires brokers", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.Error(t, err)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		stubFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}
