// Package eventbus defines the broker-agnostic publish/subscribe port of the
// gateway and its Watermill-backed implementation.
package eventbus

import (
	"context"

	"github.com/drblury/bookinggate/internal/runtime/envelope"
	"github.com/drblury/bookinggate/transport"
)

// EventBus is the contract every broker adapter presents. Delivery is
// at-least-once: handlers must tolerate redelivery.
type EventBus interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, channel string, env envelope.Envelope, headers envelope.Headers) error
	PublishBatch(ctx context.Context, batch []Outgoing) error
	Subscribe(ctx context.Context, channel, groupID string, handler Handler, opts ...SubscribeOption) error
	Unsubscribe(channel string) error
	UnsubscribeGroup(channel, groupID string) error
	IsHealthy(ctx context.Context) error
}

// SubscribeOption tunes a single subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	ephemeral bool
}

// Ephemeral asks the broker for a group whose queue or offsets go away with
// the consumer and that starts at the newest message. Brokers without
// consumer groups ignore it.
func Ephemeral() SubscribeOption {
	return func(o *subscribeOptions) { o.ephemeral = true }
}

// CapabilitiesReporter is implemented by buses that know their broker.
type CapabilitiesReporter interface {
	Capabilities() transport.Capabilities
}

// Outgoing is one entry of a batch publish.
type Outgoing struct {
	Channel  string
	Envelope envelope.Envelope
	Headers  envelope.Headers
}

// Delivery is a received envelope together with its transport headers.
type Delivery struct {
	Channel  string
	Envelope envelope.Envelope
	Headers  envelope.Headers
}

// Handler processes one delivery. A returned error or a panic is logged and
// the message is still acknowledged; dead lettering is left to the broker.
type Handler func(ctx context.Context, d Delivery) error
