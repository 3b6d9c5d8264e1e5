// Package reqreply layers awaitable request/reply calls on top of the event
// bus. A request carries a fresh correlation id and a reply channel; the
// responder echoes the id on its reply, which resolves the pending call.
package reqreply

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/bookinggate/internal/runtime/envelope"
	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	"github.com/drblury/bookinggate/internal/runtime/eventbus"
	"github.com/drblury/bookinggate/internal/runtime/ids"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
)

const (
	// ReplySuffix is appended to a request channel to form its reply channel.
	ReplySuffix = ".response"

	tracerName = "github.com/drblury/bookinggate/reqreply"
)

// ReplyChannel returns the conventional reply channel of requestChannel.
func ReplyChannel(requestChannel string) string {
	return requestChannel + ReplySuffix
}

// Config tunes a Requester.
type Config struct {
	// Service is stamped on request envelopes.
	Service string
	// ReplyGroup is the consumer group of the reply listeners. It must be
	// stable across restarts of one node and differ between nodes.
	// Defaults to "<service>-<hostname>-replies".
	ReplyGroup string
	// DefaultTimeout applies when a call passes a non-positive timeout.
	DefaultTimeout time.Duration
	// LateReplyMemory bounds how many timed-out correlation ids are
	// remembered so late replies can be told apart from unknown ones.
	LateReplyMemory int
	// LateReplyTTL is how long a timed-out id is remembered.
	LateReplyTTL time.Duration
	// Metrics registers the requester collectors when set.
	Metrics prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Second
	}
	if c.LateReplyMemory <= 0 {
		c.LateReplyMemory = 1024
	}
	if c.LateReplyTTL <= 0 {
		c.LateReplyTTL = 5 * time.Minute
	}
	if c.ReplyGroup == "" {
		c.ReplyGroup = DefaultReplyGroup(c.Service)
	}
	return c
}

// DefaultReplyGroup derives a per-node reply group from service and the
// host name.
func DefaultReplyGroup(service string) string {
	if service == "" {
		service = "gateway"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return strings.ToLower(service + "-" + host + "-replies")
}

// Requester performs correlated calls over an event bus. Its pending table is
// the only place a correlation id lives: an entry is removed by whichever of
// reply, timeout, cancellation or Close gets to it first, and only the remover
// delivers a result.
type Requester struct {
	bus     eventbus.EventBus
	cfg     Config
	logger  loggingpkg.ServiceLogger
	metrics *requesterMetrics
	tracer  trace.Tracer

	// group is per node so every gateway node receives the replies to its
	// own requests.
	group string

	mu        sync.Mutex
	pending   map[string]*pendingCall
	listeners map[string]struct{}
	closed    bool

	listenMu sync.Mutex
	late     *expirable.LRU[string, time.Time]
}

type pendingCall struct {
	correlationID string
	replyChannel  string
	createdAt     time.Time
	timeoutAt     time.Time
	result        chan result
}

type result struct {
	payload json.RawMessage
	err     error
}

// NewRequester creates a Requester publishing and listening on bus.
func NewRequester(bus eventbus.EventBus, cfg Config, logger loggingpkg.ServiceLogger) (*Requester, error) {
	if bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg = cfg.withDefaults()
	metrics, err := newRequesterMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	group := cfg.ReplyGroup
	return &Requester{
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With(loggingpkg.LogFields{"component": "reqreply", "reply_group": group}),
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
		group:     group,
		pending:   make(map[string]*pendingCall),
		listeners: make(map[string]struct{}),
		late:      expirable.NewLRU[string, time.Time](cfg.LateReplyMemory, nil, cfg.LateReplyTTL),
	}, nil
}

// Call publishes a request on requestChannel and waits for the reply on
// <requestChannel>.response.
func (r *Requester) Call(ctx context.Context, requestChannel, eventType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return r.CallOn(ctx, requestChannel, ReplyChannel(requestChannel), eventType, payload, timeout)
}

// CallOn is Call with an explicit reply channel. It resolves exactly once
// with the reply payload, a CorrelationTimeoutError, a RemoteError, the
// context error, or ErrRequesterClosed.
func (r *Requester) CallOn(ctx context.Context, requestChannel, replyChannel, eventType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if requestChannel == "" || replyChannel == "" {
		return nil, errspkg.ErrChannelRequired
	}
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	correlationID := ids.NewCorrelationID()
	ctx, span := r.tracer.Start(ctx, "reqreply.Call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", requestChannel),
			attribute.String("messaging.message.conversation_id", correlationID),
			attribute.String("bookinggate.reply_channel", replyChannel),
			attribute.String("bookinggate.event_type", eventType),
		),
	)
	defer span.End()

	started := time.Now()
	reply, outcome, err := r.call(ctx, requestChannel, replyChannel, eventType, payload, timeout, correlationID)
	r.metrics.observe(requestChannel, outcome, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return reply, err
}

func (r *Requester) call(ctx context.Context, requestChannel, replyChannel, eventType string, payload any, timeout time.Duration, correlationID string) (json.RawMessage, string, error) {
	if err := r.ensureListener(ctx, replyChannel); err != nil {
		return nil, outcomeError, err
	}

	env, err := envelope.New(eventType, r.cfg.Service, payload)
	if err != nil {
		return nil, outcomeError, err
	}

	pc, err := r.register(correlationID, replyChannel, timeout)
	if err != nil {
		return nil, outcomeClosed, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	headers := envelope.Headers{
		envelope.HeaderCorrelationID: correlationID,
		envelope.HeaderReplyTo:       replyChannel,
	}
	if err := r.bus.Publish(ctx, requestChannel, env, headers); err != nil {
		if r.remove(correlationID) {
			return nil, outcomeOf(err), err
		}
		res := <-pc.result
		return res.payload, outcomeOf(res.err), res.err
	}

	fields := loggingpkg.LogFields{"correlation_id": correlationID, "channel": requestChannel}
	r.logger.Debug("Request published", fields)

	select {
	case res := <-pc.result:
		return res.payload, outcomeOf(res.err), res.err
	case <-timer.C:
		if r.remove(correlationID) {
			r.late.Add(correlationID, time.Now())
			r.logger.Info("Correlated call timed out", fields)
			return nil, outcomeTimeout, &errspkg.CorrelationTimeoutError{
				CorrelationID: correlationID,
				Channel:       requestChannel,
				Timeout:       timeout,
			}
		}
	case <-ctx.Done():
		if r.remove(correlationID) {
			r.late.Add(correlationID, time.Now())
			return nil, outcomeCanceled, ctx.Err()
		}
	}
	// Lost the race; the winner sends on the buffered slot right after removing.
	res := <-pc.result
	return res.payload, outcomeOf(res.err), res.err
}

// CallInto performs Call and decodes the reply payload into T.
func CallInto[T any](ctx context.Context, r *Requester, requestChannel, eventType string, payload any, timeout time.Duration) (T, error) {
	var out T
	raw, err := r.Call(ctx, requestChannel, eventType, payload, timeout)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := envelope.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode reply from %s: %w", requestChannel, err)
	}
	return out, nil
}

func (r *Requester) register(correlationID, replyChannel string, timeout time.Duration) (*pendingCall, error) {
	now := time.Now()
	pc := &pendingCall{
		correlationID: correlationID,
		replyChannel:  replyChannel,
		createdAt:     now,
		timeoutAt:     now.Add(timeout),
		result:        make(chan result, 1),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errspkg.ErrRequesterClosed
	}
	r.pending[correlationID] = pc
	r.metrics.pending.Set(float64(len(r.pending)))
	return pc, nil
}

// remove deletes the entry and reports whether the caller won it.
func (r *Requester) remove(correlationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[correlationID]; !ok {
		return false
	}
	delete(r.pending, correlationID)
	r.metrics.pending.Set(float64(len(r.pending)))
	return true
}

// resolve delivers res to the pending call if it is still outstanding.
func (r *Requester) resolve(correlationID string, res result) bool {
	r.mu.Lock()
	pc, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
		r.metrics.pending.Set(float64(len(r.pending)))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	pc.result <- res
	return true
}

func (r *Requester) ensureListener(ctx context.Context, replyChannel string) error {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()

	r.mu.Lock()
	closed := r.closed
	_, listening := r.listeners[replyChannel]
	r.mu.Unlock()
	if closed {
		return errspkg.ErrRequesterClosed
	}
	if listening {
		return nil
	}

	if err := r.bus.Subscribe(ctx, replyChannel, r.group, r.onReply, eventbus.Ephemeral()); err != nil {
		return fmt.Errorf("listen for replies on %s: %w", replyChannel, err)
	}
	r.mu.Lock()
	r.listeners[replyChannel] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *Requester) onReply(ctx context.Context, d eventbus.Delivery) error {
	correlationID := d.Headers.CorrelationID()
	fields := loggingpkg.LogFields{"channel": d.Channel, "correlation_id": correlationID, "event_id": d.Envelope.EventID}
	if correlationID == "" {
		r.metrics.dropped(dropUncorrelated)
		r.logger.Debug("Dropping reply without correlation id", fields)
		return nil
	}

	res := result{payload: d.Envelope.Payload}
	if msg, ok := d.Headers[envelope.HeaderReplyError]; ok {
		res = result{err: &errspkg.RemoteError{Message: msg}}
	}
	if r.resolve(correlationID, res) {
		return nil
	}

	if timedOutAt, ok := r.late.Get(correlationID); ok {
		r.metrics.dropped(dropLate)
		fields["timed_out_at"] = timedOutAt
		r.logger.Debug("Dropping late reply", fields)
		return nil
	}
	r.metrics.dropped(dropUnknown)
	r.logger.Debug("Dropping reply with unknown correlation id", fields)
	return nil
}

// Pending returns the number of outstanding calls.
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close fails every outstanding call with ErrRequesterClosed and stops the
// reply listeners. Later calls fail immediately.
func (r *Requester) Close() error {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pending := r.pending
	listeners := r.listeners
	r.pending = make(map[string]*pendingCall)
	r.listeners = make(map[string]struct{})
	r.metrics.pending.Set(0)
	r.mu.Unlock()

	for _, pc := range pending {
		pc.result <- result{err: errspkg.ErrRequesterClosed}
	}

	var firstErr error
	for channel := range listeners {
		if err := r.bus.UnsubscribeGroup(channel, r.group); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.logger.Info("Requester closed", loggingpkg.LogFields{"failed_calls": len(pending), "listeners": len(listeners)})
	return firstErr
}

// Outstanding describes one pending call.
type Outstanding struct {
	CorrelationID string    `json:"correlationId"`
	ReplyChannel  string    `json:"replyChannel"`
	CreatedAt     time.Time `json:"createdAt"`
	TimeoutAt     time.Time `json:"timeoutAt"`
}

// Outstanding lists the pending calls, oldest first.
func (r *Requester) Outstanding() []Outstanding {
	r.mu.Lock()
	out := make([]Outstanding, 0, len(r.pending))
	for _, pc := range r.pending {
		out = append(out, Outstanding{
			CorrelationID: pc.correlationID,
			ReplyChannel:  pc.replyChannel,
			CreatedAt:     pc.createdAt,
			TimeoutAt:     pc.timeoutAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
