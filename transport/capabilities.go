package transport

// Capabilities describes what a broker adapter offers the event bus.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsConsumerGroups means subscribers sharing a group id split
	// the messages of a channel instead of each receiving all of them.
	SupportsConsumerGroups bool

	// SupportsKeyedPublish means messages are keyed by event id, so a
	// redelivered message lands on the same partition.
	SupportsKeyedPublish bool

	// SupportsOrdering means messages within a partition/queue are
	// delivered in publish order.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsBatching indicates the transport can batch multiple messages.
	SupportsBatching bool

	// Remote is false for in-process transports whose health is implied.
	Remote bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsConsumerGroups: true,
		SupportsKeyedPublish:   true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsTracing:        true,
		SupportsBatching:       true,
		Remote:                 true,
		MaxMessageSize:         1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsConsumerGroups: true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsTracing:        true,
		Remote:                 true,
	}

	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsConsumerGroups: true,
		SupportsTracing:        true,
		Remote:                 true,
		MaxMessageSize:         1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                   "aws",
		SupportsConsumerGroups: true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsTracing:        true,
		SupportsBatching:       true,
		Remote:                 true,
		MaxMessageSize:         262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
		Remote:          true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown names yield a zero Capabilities carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
