package reqreply

import (
	"context"

	"github.com/drblury/bookinggate/internal/runtime/envelope"
	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	"github.com/drblury/bookinggate/internal/runtime/eventbus"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
)

// Request is what a responder sees of an incoming correlated request.
type Request struct {
	CorrelationID string
	ReplyTo       string
	Envelope      envelope.Envelope
	Headers       envelope.Headers
}

// Decode unmarshals the request payload into v.
func (r Request) Decode(v any) error {
	return r.Envelope.Decode(v)
}

// ResponderFunc answers a request. The returned value becomes the reply
// payload; a returned error is sent back as a reply error and surfaces as a
// RemoteError on the caller side.
type ResponderFunc func(ctx context.Context, req Request) (any, error)

// ServeOption customises Serve.
type ServeOption func(*serveOptions)

type serveOptions struct {
	service string
	logger  loggingpkg.ServiceLogger
}

// WithService sets the origin service stamped on replies.
func WithService(service string) ServeOption {
	return func(o *serveOptions) { o.service = service }
}

// WithLogger sets the responder logger.
func WithLogger(logger loggingpkg.ServiceLogger) ServeOption {
	return func(o *serveOptions) { o.logger = logger }
}

// Serve subscribes fn to requestChannel under groupID. Each request is
// answered on its reply_to channel, or on <requestChannel>.response when the
// request names none, carrying the request's correlation id.
func Serve(ctx context.Context, bus eventbus.EventBus, requestChannel, groupID string, fn ResponderFunc, opts ...ServeOption) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}
	if requestChannel == "" {
		return errspkg.ErrChannelRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}

	o := serveOptions{logger: loggingpkg.NewNopServiceLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(loggingpkg.LogFields{"component": "responder", "channel": requestChannel})

	return bus.Subscribe(ctx, requestChannel, groupID, func(ctx context.Context, d eventbus.Delivery) error {
		req := Request{
			CorrelationID: d.Headers.CorrelationID(),
			ReplyTo:       d.Headers.ReplyTo(),
			Envelope:      d.Envelope,
			Headers:       d.Headers,
		}
		if req.ReplyTo == "" {
			req.ReplyTo = ReplyChannel(d.Channel)
		}

		value, err := fn(ctx, req)
		if req.CorrelationID == "" {
			logger.Warn("Request without correlation id; reply not sent", loggingpkg.LogFields{"event_id": d.Envelope.EventID})
			return err
		}

		headers := envelope.Headers{envelope.HeaderCorrelationID: req.CorrelationID}
		if err != nil {
			headers[envelope.HeaderReplyError] = err.Error()
			value = nil
		}
		reply, encErr := envelope.New(d.Envelope.EventType+ReplySuffix, o.service, value)
		if encErr != nil {
			headers[envelope.HeaderReplyError] = encErr.Error()
			reply, _ = envelope.New(d.Envelope.EventType+ReplySuffix, o.service, nil)
		}
		if pubErr := bus.Publish(ctx, req.ReplyTo, reply, headers); pubErr != nil {
			return pubErr
		}
		logger.Debug("Reply sent", loggingpkg.LogFields{"correlation_id": req.CorrelationID, "reply_to": req.ReplyTo})
		return err
	})
}
