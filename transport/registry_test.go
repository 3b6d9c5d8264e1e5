package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/bookinggate/transport/transporttest"
)

type mockPublisher struct {
	closed int
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	return nil
}

func (m *mockPublisher) Close() error {
	m.closed++
	return nil
}

type mockSubscriber struct {
	closed int
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	m.closed++
	return nil
}

func fakeBroker(pub *mockPublisher, sub *mockSubscriber) Builder {
	return func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		if logger == nil {
			return Transport{}, errors.New("logger not defaulted")
		}
		tr := Transport{}
		if pub != nil {
			tr.Publisher = pub
		}
		if sub != nil {
			tr.Subscriber = sub
		}
		return tr, nil
	}
}

func TestRegistryBuildSelectsBrokerSystem(t *testing.T) {
	reg := NewRegistry()
	rabbitPub := &mockPublisher{}
	reg.RegisterWithCapabilities("kafka", fakeBroker(&mockPublisher{}, &mockSubscriber{}), KafkaCapabilities)
	reg.RegisterWithCapabilities("rabbitmq", fakeBroker(rabbitPub, &mockSubscriber{}), RabbitMQCapabilities)

	tr, err := reg.Build(context.Background(), &transporttest.Config{System: "rabbitmq"}, nil)
	require.NoError(t, err)
	assert.Equal(t, RabbitMQCapabilities, tr.Capabilities)
	assert.Same(t, rabbitPub, tr.Publisher)
	assert.Equal(t, []string{"kafka", "rabbitmq"}, reg.Names())
}

func TestRegistryBuildRejectsUnusableTransport(t *testing.T) {
	t.Run("no publisher", func(t *testing.T) {
		reg := NewRegistry()
		sub := &mockSubscriber{}
		reg.Register("nats", fakeBroker(nil, sub))

		_, err := reg.Build(context.Background(), &transporttest.Config{System: "nats"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "build nats transport: adapter returned no publisher")
		assert.Equal(t, 1, sub.closed)
	})

	t.Run("no subscriber", func(t *testing.T) {
		reg := NewRegistry()
		pub := &mockPublisher{}
		reg.Register("http", fakeBroker(pub, nil))

		_, err := reg.Build(context.Background(), &transporttest.Config{System: "http"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "adapter returned no subscriber")
		assert.Equal(t, 1, pub.closed)
	})
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	refused := errors.New("dial tcp 127.0.0.1:9092: connection refused")
	reg.Register("kafka", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, refused
	})

	_, err := reg.Build(context.Background(), nil, nil)
	assert.EqualError(t, err, "transport config is required")

	_, err = reg.Build(context.Background(), &transporttest.Config{System: "sqs"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown transport "sqs" (registered: [kafka])`)

	_, err = reg.Build(context.Background(), &transporttest.Config{System: "kafka"}, nil)
	assert.ErrorIs(t, err, refused)
	assert.Contains(t, err.Error(), "build kafka transport")
}

func TestRegistryCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.Register("custom", fakeBroker(&mockPublisher{}, &mockSubscriber{}))
	assert.Equal(t, Capabilities{Name: "custom"}, reg.GetCapabilities("custom"))
	assert.Equal(t, Capabilities{Name: "unknown"}, reg.GetCapabilities("unknown"))
	assert.False(t, reg.Has("unknown"))

	reg.RegisterWithCapabilities("custom", fakeBroker(&mockPublisher{}, &mockSubscriber{}), Capabilities{SupportsConsumerGroups: true})
	caps := reg.GetCapabilities("custom")
	assert.Equal(t, "custom", caps.Name)
	assert.True(t, caps.SupportsConsumerGroups)
}

func TestDefaultRegistryRegistration(t *testing.T) {
	RegisterWithCapabilities("test-broker", fakeBroker(&mockPublisher{}, &mockSubscriber{}), Capabilities{Remote: true})
	assert.True(t, DefaultRegistry.Has("test-broker"))
	assert.True(t, GetCapabilities("test-broker").Remote)

	Register("test-broker-plain", fakeBroker(&mockPublisher{}, &mockSubscriber{}))
	assert.Equal(t, "test-broker-plain", GetCapabilities("test-broker-plain").Name)
}
