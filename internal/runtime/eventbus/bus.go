package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/bookinggate/internal/runtime/envelope"
	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
	metricspkg "github.com/drblury/bookinggate/internal/runtime/metrics"
	"github.com/drblury/bookinggate/transport"
)

const tracerName = "github.com/drblury/bookinggate/eventbus"

// Config controls how a Bus connects to its broker.
type Config struct {
	// Transport selects and configures the broker adapter.
	Transport transport.Config
	// Registry defaults to transport.DefaultRegistry.
	Registry *transport.Registry

	ConnectMaxAttempts     uint
	ConnectInitialInterval time.Duration
	ConnectMaxInterval     time.Duration

	// ProbeTimeout bounds a single health round-trip.
	ProbeTimeout time.Duration

	// Metrics enables Prometheus decoration of the publisher and subscribers.
	Metrics prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.Registry == nil {
		c.Registry = transport.DefaultRegistry
	}
	if c.ConnectMaxAttempts == 0 {
		c.ConnectMaxAttempts = 5
	}
	if c.ConnectInitialInterval <= 0 {
		c.ConnectInitialInterval = 500 * time.Millisecond
	}
	if c.ConnectMaxInterval <= 0 {
		c.ConnectMaxInterval = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Bus implements EventBus over any registered transport.
type Bus struct {
	cfg      Config
	system   string
	logger   loggingpkg.ServiceLogger
	wmLogger watermill.LoggerAdapter

	connectMu sync.Mutex

	mu          sync.RWMutex
	connected   bool
	transport   transport.Transport
	publisher   message.Publisher
	subscriber  message.Subscriber
	groups      map[groupKey]groupSubscriber
	subs        map[subKey]*subscription
	wmMetrics   *wmetrics.PrometheusMetricsBuilder
	failedTotal *prometheus.CounterVec
}

type groupKey struct {
	name      string
	ephemeral bool
}

type groupSubscriber struct {
	raw       message.Subscriber
	decorated message.Subscriber
}

// subKey identifies a subscription: one handler per channel and group.
type subKey struct {
	channel string
	group   string
}

type subscription struct {
	channel string
	group   string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ EventBus = (*Bus)(nil)

// New creates a disconnected Bus.
func New(cfg Config, logger loggingpkg.ServiceLogger) (*Bus, error) {
	if cfg.Transport == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg = cfg.withDefaults()
	system := cfg.Transport.GetPubSubSystem()

	b := &Bus{
		cfg:      cfg,
		system:   system,
		logger:   logger.With(loggingpkg.LogFields{"component": "eventbus", "transport": system}),
		wmLogger: loggingpkg.NewWatermillAdapter(logger),
		subs:     make(map[subKey]*subscription),
		groups:   make(map[groupKey]groupSubscriber),
	}
	if cfg.Metrics != nil {
		b.wmMetrics = &wmetrics.PrometheusMetricsBuilder{
			PrometheusRegistry: cfg.Metrics,
			Namespace:          metricspkg.Namespace,
			Subsystem:          "eventbus",
		}
		failed, err := metricspkg.Register(cfg.Metrics, metricspkg.NewCounterVec(
			"eventbus", "handler_failures_total", "Deliveries whose handler returned an error or panicked.", "channel",
		))
		if err != nil {
			return nil, err
		}
		b.failedTotal = failed
	}
	return b, nil
}

// Capabilities reports what the configured broker supports.
func (b *Bus) Capabilities() transport.Capabilities {
	b.mu.RLock()
	connected, caps := b.connected, b.transport.Capabilities
	b.mu.RUnlock()
	if connected {
		return caps
	}
	return b.cfg.Registry.GetCapabilities(b.system)
}

// Connect builds the transport, retrying with exponential backoff until the
// broker answers a health round-trip or the attempts are exhausted.
func (b *Bus) Connect(ctx context.Context) error {
	b.connectMu.Lock()
	defer b.connectMu.Unlock()

	if b.isConnected() {
		return nil
	}
	if !b.cfg.Registry.Has(b.system) {
		return &errspkg.BrokerTransportError{
			Op:        "connect",
			Transport: b.system,
			Cause:     fmt.Errorf("unknown transport (registered: %v)", b.cfg.Registry.Names()),
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.ConnectInitialInterval
	policy.MaxInterval = b.cfg.ConnectMaxInterval

	attempt := 0
	tr, err := backoff.Retry(ctx, func() (transport.Transport, error) {
		attempt++
		tr, err := b.open(ctx)
		if err != nil {
			b.logger.Warn("Broker connect attempt failed", loggingpkg.LogFields{
				"attempt":      attempt,
				"max_attempts": b.cfg.ConnectMaxAttempts,
				"error":        err.Error(),
			})
			return transport.Transport{}, err
		}
		return tr, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(b.cfg.ConnectMaxAttempts))
	if err != nil {
		return errspkg.NewTransportError(b.system, "connect", err)
	}

	pub, sub, err := b.decorate(tr.Publisher, tr.Subscriber)
	if err != nil {
		_ = tr.Close()
		return errspkg.NewTransportError(b.system, "connect", err)
	}

	b.mu.Lock()
	b.transport = tr
	b.publisher = pub
	b.subscriber = sub
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("Connected to broker", loggingpkg.LogFields{"attempts": attempt})
	return nil
}

func (b *Bus) open(ctx context.Context) (transport.Transport, error) {
	tr, err := b.cfg.Registry.Build(ctx, b.cfg.Transport, b.wmLogger)
	if err != nil {
		return transport.Transport{}, err
	}
	if err := b.probe(ctx, tr); err != nil {
		_ = tr.Close()
		return transport.Transport{}, err
	}
	return tr, nil
}

func (b *Bus) probe(ctx context.Context, tr transport.Transport) error {
	if tr.Probe == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	defer cancel()
	return tr.Probe(probeCtx)
}

func (b *Bus) decorate(pub message.Publisher, sub message.Subscriber) (message.Publisher, message.Subscriber, error) {
	if b.wmMetrics == nil {
		return pub, sub, nil
	}
	decoratedPub, err := b.wmMetrics.DecoratePublisher(pub)
	if err != nil {
		return nil, nil, err
	}
	decoratedSub, err := b.wmMetrics.DecorateSubscriber(sub)
	if err != nil {
		return nil, nil, err
	}
	return decoratedPub, decoratedSub, nil
}

// Disconnect cancels every subscription, waits for in-flight handlers until
// ctx is done, then closes the transport.
func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	subs := b.subs
	groups := b.groups
	tr := b.transport
	b.subs = make(map[subKey]*subscription)
	b.groups = make(map[groupKey]groupSubscriber)
	b.transport = transport.Transport{}
	b.publisher, b.subscriber = nil, nil
	b.connected = false
	b.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}

	var errs []error
	if err := waitAll(ctx, subs); err != nil {
		b.logger.Warn("Disconnect timed out waiting for handlers", loggingpkg.LogFields{"subscriptions": len(subs)})
		errs = append(errs, err)
	}
	for key, g := range groups {
		if err := g.raw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber for group %s: %w", key.name, err))
		}
	}
	if err := tr.Close(); err != nil {
		errs = append(errs, err)
	}

	b.logger.Info("Disconnected from broker", loggingpkg.LogFields{"subscriptions": len(subs)})
	return errspkg.NewTransportError(b.system, "disconnect", errors.Join(errs...))
}

func waitAll(ctx context.Context, subs map[subKey]*subscription) error {
	done := make(chan struct{})
	go func() {
		for _, s := range subs {
			s.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends one envelope on channel.
func (b *Bus) Publish(ctx context.Context, channel string, env envelope.Envelope, headers envelope.Headers) error {
	return b.PublishBatch(ctx, []Outgoing{{Channel: channel, Envelope: env, Headers: headers}})
}

// PublishBatch sends every entry in order. Consecutive entries for the same
// channel go out in one transport call.
func (b *Bus) PublishBatch(ctx context.Context, batch []Outgoing) error {
	if len(batch) == 0 {
		return nil
	}

	messages := make([]*message.Message, len(batch))
	for i, out := range batch {
		if out.Channel == "" {
			return errspkg.ErrChannelRequired
		}
		if out.Envelope.Service == "" {
			out.Envelope.Service = b.cfg.Transport.GetServiceName()
		}
		msg, err := envelope.ToMessage(out.Envelope, out.Headers)
		if err != nil {
			return err
		}
		msg.SetContext(ctx)
		messages[i] = msg
	}

	pub, err := b.activePublisher()
	if err != nil {
		return err
	}

	start := 0
	for i := 1; i <= len(batch); i++ {
		if i < len(batch) && batch[i].Channel == batch[start].Channel {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := pub.Publish(batch[start].Channel, messages[start:i]...); err != nil {
			return errspkg.NewTransportError(b.system, "publish", err)
		}
		b.logger.Trace("Published envelopes", loggingpkg.LogFields{"channel": batch[start].Channel, "count": i - start})
		start = i
	}
	return nil
}

func (b *Bus) activePublisher() (message.Publisher, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, errspkg.ErrNotConnected
	}
	return b.publisher, nil
}

// Subscribe starts delivering envelopes published on channel to handler.
// Subscribers sharing groupID split the channel's messages on brokers that
// support consumer groups; an empty groupID uses the service's own group.
// A channel holds one subscription per group.
// The subscription lives until Unsubscribe or Disconnect, not until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel, groupID string, handler Handler, opts ...SubscribeOption) error {
	if channel == "" {
		return errspkg.ErrChannelRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	var so subscribeOptions
	for _, opt := range opts {
		opt(&so)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return errspkg.ErrNotConnected
	}
	key := subKey{channel: channel, group: groupID}
	if _, exists := b.subs[key]; exists {
		return fmt.Errorf("%w: %s (group %q)", errspkg.ErrAlreadySubscribed, channel, groupID)
	}

	sub, err := b.subscriberFor(groupKey{name: groupID, ephemeral: so.ephemeral})
	if err != nil {
		return errspkg.NewTransportError(b.system, "subscribe", err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := sub.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return errspkg.NewTransportError(b.system, "subscribe", err)
	}

	s := &subscription{
		channel: channel,
		group:   groupID,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go b.consume(s, messages)
	b.subs[key] = s

	b.logger.Info("Subscribed", loggingpkg.LogFields{"channel": channel, "group": groupID, "ephemeral": so.ephemeral})
	return nil
}

// subscriberFor must be called with b.mu held.
func (b *Bus) subscriberFor(key groupKey) (message.Subscriber, error) {
	if key.name == "" || b.transport.GroupSubscriber == nil {
		return b.subscriber, nil
	}
	if g, ok := b.groups[key]; ok {
		return g.decorated, nil
	}
	raw, err := b.transport.GroupSubscriber(key.name, transport.GroupOptions{Ephemeral: key.ephemeral})
	if err != nil {
		return nil, err
	}
	decorated := raw
	if b.wmMetrics != nil {
		if decorated, err = b.wmMetrics.DecorateSubscriber(raw); err != nil {
			_ = raw.Close()
			return nil, err
		}
	}
	b.groups[key] = groupSubscriber{raw: raw, decorated: decorated}
	return decorated, nil
}

// Unsubscribe stops every subscription on channel and waits for their
// in-flight handlers. It must not be called from one of those handlers.
func (b *Bus) Unsubscribe(channel string) error {
	b.mu.Lock()
	var stopped []*subscription
	for key, s := range b.subs {
		if key.channel == channel {
			stopped = append(stopped, s)
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()

	if len(stopped) == 0 {
		return fmt.Errorf("%w: %s", errspkg.ErrNotSubscribed, channel)
	}
	for _, s := range stopped {
		b.stop(s)
	}
	return nil
}

// UnsubscribeGroup stops the subscription of groupID on channel, leaving
// other groups on the channel running.
func (b *Bus) UnsubscribeGroup(channel, groupID string) error {
	key := subKey{channel: channel, group: groupID}
	b.mu.Lock()
	s, ok := b.subs[key]
	if ok {
		delete(b.subs, key)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s (group %q)", errspkg.ErrNotSubscribed, channel, groupID)
	}
	b.stop(s)
	return nil
}

func (b *Bus) stop(s *subscription) {
	s.cancel()
	s.wg.Wait()
	b.logger.Info("Unsubscribed", loggingpkg.LogFields{"channel": s.channel, "group": s.group})
}

// IsHealthy performs a real round-trip against the broker.
func (b *Bus) IsHealthy(ctx context.Context) error {
	b.mu.RLock()
	connected, tr := b.connected, b.transport
	b.mu.RUnlock()

	if !connected {
		return errspkg.ErrNotConnected
	}
	return errspkg.NewTransportError(b.system, "health", b.probe(ctx, tr))
}

// Subscriptions lists the channels with at least one active subscription,
// in lexical order.
func (b *Bus) Subscriptions() []string {
	b.mu.RLock()
	seen := make(map[string]struct{}, len(b.subs))
	for key := range b.subs {
		seen[key.channel] = struct{}{}
	}
	b.mu.RUnlock()

	channels := make([]string, 0, len(seen))
	for channel := range seen {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

func (b *Bus) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Bus) consume(s *subscription, messages <-chan *message.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.dispatch(s, msg)
		}
	}
}

// dispatch always acknowledges: handler failures are logged, never redelivered.
func (b *Bus) dispatch(s *subscription, msg *message.Message) {
	defer msg.Ack()

	fields := loggingpkg.LogFields{"channel": s.channel, "message_uuid": msg.UUID}
	env, headers, err := envelope.FromMessage(msg)
	if err != nil {
		b.logger.Error("Dropping undecodable message", err, fields)
		b.recordFailure(s.channel)
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(context.WithoutCancel(s.ctx), "eventbus.Handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", s.channel),
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("bookinggate.event_type", env.EventType),
		),
	)
	defer span.End()

	handle := middleware.Recoverer(func(*message.Message) ([]*message.Message, error) {
		return nil, s.handler(ctx, Delivery{Channel: s.channel, Envelope: env, Headers: headers})
	})
	if _, err := handle(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		fields["event_id"] = env.EventID
		fields["event_type"] = env.EventType
		b.logger.Error("Handler failed; message acknowledged", err, fields)
		b.recordFailure(s.channel)
	}
}

func (b *Bus) recordFailure(channel string) {
	if b.failedTotal != nil {
		b.failedTotal.WithLabelValues(channel).Inc()
	}
}
