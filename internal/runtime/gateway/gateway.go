// Package gateway composes the rate limiter, the circuit breaker and the
// correlated request/reply layer into the call path of the booking gateway,
// and exposes their state over operational HTTP endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/bookinggate/internal/runtime/breaker"
	"github.com/drblury/bookinggate/internal/runtime/envelope"
	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	"github.com/drblury/bookinggate/internal/runtime/eventbus"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
	"github.com/drblury/bookinggate/internal/runtime/ratelimit"
	"github.com/drblury/bookinggate/internal/runtime/reqreply"
)

const tracerName = "github.com/drblury/bookinggate/gateway"

// Dependencies holds the collaborators of a Gateway. Limiter and Breaker are
// required; Bus and Requester are needed for Query and the bus health check.
type Dependencies struct {
	Limiter   *ratelimit.Limiter
	Breaker   *breaker.Breaker
	Bus       eventbus.EventBus
	Requester *reqreply.Requester
}

// Gateway routes downstream calls through rate limiting and circuit breaking.
type Gateway struct {
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	bus       eventbus.EventBus
	requester *reqreply.Requester
	logger    loggingpkg.ServiceLogger
	tracer    trace.Tracer
}

// New creates a Gateway.
func New(deps Dependencies, logger loggingpkg.ServiceLogger) (*Gateway, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Limiter == nil || deps.Breaker == nil {
		return nil, errspkg.ErrConfigRequired
	}
	return &Gateway{
		limiter:   deps.Limiter,
		breaker:   deps.Breaker,
		bus:       deps.Bus,
		requester: deps.Requester,
		logger:    logger.With(loggingpkg.LogFields{"component": "gateway"}),
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Request describes one downstream call.
type Request[T any] struct {
	// Subject is the rate-limit key ("user:42", "ip:10.0.0.7"). An empty
	// subject skips rate limiting.
	Subject string
	// Dependency is the circuit key of the downstream service.
	Dependency string
	Call       func(ctx context.Context) (T, error)
	// Fallback is optional.
	Fallback func(ctx context.Context, err error) (T, error)
}

// Call checks the rate limit of the subject, then runs the call through the
// circuit of the dependency. The result is the call result, a fallback
// result, or a typed error.
func Call[T any](ctx context.Context, g *Gateway, req Request[T]) (T, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Call",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("bookinggate.subject", req.Subject),
			attribute.String("bookinggate.dependency", req.Dependency),
		),
	)
	defer span.End()

	res, err := call(ctx, g, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func call[T any](ctx context.Context, g *Gateway, req Request[T]) (T, error) {
	var zero T
	if req.Subject != "" {
		if err := g.limiter.Check(ctx, req.Subject); err != nil {
			return zero, err
		}
	}
	return breaker.Execute(ctx, g.breaker, req.Dependency, req.Call, req.Fallback)
}

// Do is Call for requests without a result.
func (g *Gateway) Do(ctx context.Context, subject, dependency string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errspkg.ErrCallRequired
	}
	_, err := Call(ctx, g, Request[struct{}]{
		Subject:    subject,
		Dependency: dependency,
		Call: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		},
	})
	return err
}

// Query describes a correlated call to a service answering on the bus.
type Query struct {
	Subject    string
	Dependency string
	// Channel is the request channel; replies arrive on Channel + ".response".
	Channel   string
	EventType string
	Payload   any
	// Timeout of zero uses the requester default.
	Timeout time.Duration
	// Fallback is optional.
	Fallback func(ctx context.Context, err error) (json.RawMessage, error)
}

// Query performs a correlated bus call guarded by the rate limit of the
// subject and the circuit of the dependency. A correlation timeout counts as
// a dependency failure.
func (g *Gateway) Query(ctx context.Context, q Query) (json.RawMessage, error) {
	if g.requester == nil {
		return nil, errspkg.ErrBusRequired
	}
	return Call(ctx, g, Request[json.RawMessage]{
		Subject:    q.Subject,
		Dependency: q.Dependency,
		Call: func(ctx context.Context) (json.RawMessage, error) {
			return g.requester.Call(ctx, q.Channel, q.EventType, q.Payload, q.Timeout)
		},
		Fallback: q.Fallback,
	})
}

// QueryInto is Query with the reply payload decoded into T.
func QueryInto[T any](ctx context.Context, g *Gateway, q Query) (T, error) {
	var out T
	raw, err := g.Query(ctx, q)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	err = envelope.Unmarshal(raw, &out)
	return out, err
}
