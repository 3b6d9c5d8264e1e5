package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
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
	assert.Equal(t, "nats", caps.Name)
	assert.True(t, caps.SupportsConsumerGroups)
	assert.True(t, caps.Remote)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func stubFactories(t *testing.T) (*nats.PublisherConfig, *[]nats.SubscriberConfig) {
	t.Helper()
	originalPub, originalSub, originalProber := PublisherFactory, SubscriberFactory, Prober
	t.Cleanup(func() {
		PublisherFactory, SubscriberFactory, Prober = originalPub, originalSub, originalProber
	})

	var pubCfg nats.PublisherConfig
	var subCfgs []nats.SubscriberConfig
	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return &transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfgs = append(subCfgs, cfg)
		return &transporttest.Subscriber{}, nil
	}
	return &pubCfg, &subCfgs
}

func TestBuild(t *testing.T) {
	const url = "nats://localhost:4222"

	t.Run("creates transport with queue groups", func(t *testing.T) {
		pubCfg, subCfgs := stubFactories(t)

		tr, err := Build(context.Background(), &transporttest.Config{NATSURL: url, Service: "gateway"}, watermill.NopLogger{})
		require.NoError(t, err)

		_, err = tr.GroupSubscriber("gateway-node-1-replies", transport.GroupOptions{Ephemeral: true})
		require.NoError(t, err)

		assert.Equal(t, url, pubCfg.URL)
		assert.True(t, pubCfg.JetStream.Disabled)
		assert.NotEmpty(t, pubCfg.NatsOptions)
		require.Len(t, *subCfgs, 2)
		assert.Equal(t, "gateway", (*subCfgs)[0].QueueGroupPrefix)
		assert.Equal(t, "gateway-node-1-replies", (*subCfgs)[1].QueueGroupPrefix)
		assert.True(t, (*subCfgs)[1].JetStream.Disabled)
	})

	t.Run("probe flushes against the server", func(t *testing.T) {
		stubFactories(t)
		var probed string
		Prober = func(ctx context.Context, u string, opts ...nc.Option) error {
			probed = u
			return nc.ErrNoServers
		}

		tr, err := Build(context.Background(), &transporttest.Config{NATSURL: url}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.ErrorIs(t, tr.Probe(context.Background()), nc.ErrNoServers)
		assert.Equal(t, url, probed)
	})

	t.Run("requires url", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.Error(t, err)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{NATSURL: url}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		stubFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transporttest.Config{NATSURL: url}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}
