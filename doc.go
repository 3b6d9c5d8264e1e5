// Package bookinggate is the resilience and messaging core of a university
// booking gateway. It protects synchronous calls to downstream services with
// per-dependency circuit breakers, admits requests through per-subject rate
// limits, and talks to backend services over a broker-agnostic event bus with
// correlated request/reply on top.
//
// The transport is read from Config (Kafka, RabbitMQ, AWS SNS/SQS, NATS, HTTP
// or Go channels); import transport/transports for side effects to register
// every adapter, or a single adapter package to keep the binary small.
//
// # Gateway
//
// Gateway composes the pieces: every call first passes the rate limiter for
// its subject ("user:42", "ip:10.0.0.7", "service:auth->resources"), then the
// circuit breaker of its dependency, and optionally a correlated query over
// the bus:
//
//	rooms, err := bookinggate.QueryInto[[]Room](ctx, gw, bookinggate.Query{
//		Subject:    bookinggate.SubjectKey(bookinggate.ClassUser, userID),
//		Dependency: "resource-service",
//		Channel:    "resources.query",
//		EventType:  "resources.list",
//		Payload:    filter,
//	})
//
// Errors carry their HTTP status: a rejected circuit answers 503, an exhausted
// budget 429 with a Retry-After header. WriteError renders them.
//
// # Circuit breaker
//
// Each dependency has an independent CLOSED, OPEN, HALF_OPEN state machine.
// Business errors (see Business) and caller cancellation never count as
// failures. Outcomes of calls admitted before a state change are discarded.
//
// # Operations
//
// Gateway.OpsHandler serves the circuit, rate-limit and pending-correlation
// views, a broker health check and Prometheus metrics. cmd/bookinggate wires
// everything from a YAML file and BOOKINGGATE_* environment variables.
package bookinggate
