package bookinggate

import (
	"context"
	"time"

	"github.com/drblury/bookinggate/internal/runtime/breaker"
	configpkg "github.com/drblury/bookinggate/internal/runtime/config"
	"github.com/drblury/bookinggate/internal/runtime/envelope"
	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	"github.com/drblury/bookinggate/internal/runtime/eventbus"
	"github.com/drblury/bookinggate/internal/runtime/gateway"
	idspkg "github.com/drblury/bookinggate/internal/runtime/ids"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
	"github.com/drblury/bookinggate/internal/runtime/maintenance"
	"github.com/drblury/bookinggate/internal/runtime/ratelimit"
	"github.com/drblury/bookinggate/internal/runtime/reqreply"
	"github.com/drblury/bookinggate/transport"
)

type (
	Config = configpkg.Config

	Gateway             = gateway.Gateway
	GatewayDependencies = gateway.Dependencies
	Request[T any]      = gateway.Request[T]
	Query               = gateway.Query
	OpsOptions          = gateway.OpsOptions

	// Circuit breaker
	Breaker        = breaker.Breaker
	BreakerOptions = breaker.Options
	BreakerConfig  = breaker.Config
	CircuitState   = breaker.State
	CircuitInfo    = breaker.Snapshot
	Classifier     = breaker.Classifier

	// Rate limiter
	Limiter         = ratelimit.Limiter
	LimiterConfig   = ratelimit.Config
	RatePolicy      = ratelimit.Policy
	SubjectClass    = ratelimit.Class
	RateLimitInfo   = ratelimit.Info
	RateLimitStore  = ratelimit.Store
	MemoryRateStore = ratelimit.MemoryStore
	RedisRateStore  = ratelimit.RedisStore

	// Event bus
	EventBus         = eventbus.EventBus
	Bus              = eventbus.Bus
	BusConfig        = eventbus.Config
	Delivery         = eventbus.Delivery
	Handler          = eventbus.Handler
	OutgoingEnvelope = eventbus.Outgoing
	Envelope         = envelope.Envelope
	Headers          = envelope.Headers

	// Correlated request/reply
	Requester       = reqreply.Requester
	RequesterConfig = reqreply.Config
	ServedRequest   = reqreply.Request
	ResponderFunc   = reqreply.ResponderFunc
	ServeOption     = reqreply.ServeOption
	Outstanding     = reqreply.Outstanding

	Scheduler         = maintenance.Scheduler
	MaintenanceConfig = maintenance.Config

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	ZapOptions    = loggingpkg.ZapOptions

	DependencyUnavailableError = errspkg.DependencyUnavailableError
	RateLimitExceededError     = errspkg.RateLimitExceededError
	CorrelationTimeoutError    = errspkg.CorrelationTimeoutError
	BrokerTransportError       = errspkg.BrokerTransportError
	RemoteError                = errspkg.RemoteError

	// Transport registry
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewGateway     = gateway.New
	WriteError     = gateway.WriteError
	NewBreaker     = breaker.New
	NewLimiter     = ratelimit.New
	NewBus         = eventbus.New
	NewRequester   = reqreply.NewRequester
	NewScheduler   = maintenance.New
	Serve          = reqreply.Serve
	WithService    = reqreply.WithService
	WithLogger     = reqreply.WithLogger
	ReplyChannel   = reqreply.ReplyChannel
	NewMemoryStore = ratelimit.NewMemoryStore
	NewRedisStore  = ratelimit.NewRedisStore

	DefaultBreakerConfig = breaker.DefaultConfig
	DefaultClassifier    = breaker.DefaultClassifier
	DefaultRatePolicies  = ratelimit.DefaultPolicies
	SubjectKey           = ratelimit.Key
	ClassOf              = ratelimit.ClassOf

	NewEnvelope      = envelope.New
	NewProtoEnvelope = envelope.NewProto
	DecodeProto      = envelope.DecodeProto
	Marshal          = envelope.Marshal
	Unmarshal        = envelope.Unmarshal

	NewEventID       = idspkg.NewEventID
	NewCorrelationID = idspkg.NewCorrelationID

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger
	NewZapLogger         = loggingpkg.NewZapLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	Business   = errspkg.Business
	IsBusiness = errspkg.IsBusiness
	StatusCode = errspkg.StatusCode

	ErrChannelRequired       = errspkg.ErrChannelRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrCallRequired          = errspkg.ErrCallRequired
	ErrKeyRequired           = errspkg.ErrKeyRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrBusRequired           = errspkg.ErrBusRequired
	ErrNotConnected          = errspkg.ErrNotConnected
	ErrAlreadySubscribed     = errspkg.ErrAlreadySubscribed
	ErrNotSubscribed         = errspkg.ErrNotSubscribed
	ErrRequesterClosed       = errspkg.ErrRequesterClosed
	ErrDependencyUnavailable = errspkg.ErrDependencyUnavailable
	ErrRateLimitExceeded     = errspkg.ErrRateLimitExceeded
	ErrCorrelationTimeout    = errspkg.ErrCorrelationTimeout
	ErrBrokerTransport       = errspkg.ErrBrokerTransport
	ErrRemote                = errspkg.ErrRemote

	DefaultTransportRegistry = transport.DefaultRegistry
	NewTransportRegistry     = transport.NewRegistry
	RegisterTransport        = transport.Register
	GetCapabilities          = transport.GetCapabilities
)

// Circuit states.
const (
	StateClosed   = breaker.StateClosed
	StateOpen     = breaker.StateOpen
	StateHalfOpen = breaker.StateHalfOpen
)

// Subject classes.
const (
	ClassUser    = ratelimit.ClassUser
	ClassService = ratelimit.ClassService
	ClassIP      = ratelimit.ClassIP
	ClassDefault = ratelimit.ClassDefault
)

func Call[T any](ctx context.Context, g *Gateway, req Request[T]) (T, error) {
	return gateway.Call(ctx, g, req)
}

func QueryInto[T any](ctx context.Context, g *Gateway, q Query) (T, error) {
	return gateway.QueryInto[T](ctx, g, q)
}

// Execute runs call through the circuit of key without rate limiting.
func Execute[T any](ctx context.Context, b *Breaker, key string, call func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	return breaker.Execute(ctx, b, key, call, fallback)
}

func CallInto[T any](ctx context.Context, r *Requester, requestChannel, eventType string, payload any, timeout time.Duration) (T, error) {
	return reqreply.CallInto[T](ctx, r, requestChannel, eventType, payload, timeout)
}
