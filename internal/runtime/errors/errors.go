// Package errors holds the sentinel and typed errors surfaced by the gateway
// core. Callers always receive a result, a fallback result, or one of the
// typed errors below; raw transport errors are wrapped in BrokerTransportError.
package errors

import (
	sterrors "errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

var (
	ErrChannelRequired   = sterrors.New("bookinggate: channel is required")
	ErrHandlerRequired   = sterrors.New("bookinggate: handler function is required")
	ErrCallRequired      = sterrors.New("bookinggate: call function is required")
	ErrKeyRequired       = sterrors.New("bookinggate: key is required")
	ErrConfigRequired    = sterrors.New("bookinggate: configuration is required")
	ErrLoggerRequired    = sterrors.New("bookinggate: logger is required")
	ErrBusRequired       = sterrors.New("bookinggate: event bus is required")
	ErrNotConnected      = sterrors.New("bookinggate: event bus is not connected")
	ErrAlreadySubscribed = sterrors.New("bookinggate: channel already has a subscription")
	ErrNotSubscribed     = sterrors.New("bookinggate: channel has no subscription")
	ErrRequesterClosed   = sterrors.New("bookinggate: requester is closed")

	ErrDependencyUnavailable = sterrors.New("bookinggate: dependency unavailable")
	ErrRateLimitExceeded     = sterrors.New("bookinggate: rate limit exceeded")
	ErrCorrelationTimeout    = sterrors.New("bookinggate: correlation timeout")
	ErrBrokerTransport       = sterrors.New("bookinggate: broker transport error")
	ErrRemote                = sterrors.New("bookinggate: remote error")
)

// DependencyUnavailableError is returned when a circuit is open (or its
// half-open probe budget is exhausted) and no fallback produced a result.
type DependencyUnavailableError struct {
	Dependency string
	// Cause is the fallback error, if a fallback ran and failed.
	Cause error
}

func (e *DependencyUnavailableError) Error() string {
	msg := fmt.Sprintf("Service %s is temporarily unavailable (Circuit OPEN)", e.Dependency)
	if e.Cause != nil {
		return msg + ": fallback failed: " + e.Cause.Error()
	}
	return msg
}

func (e *DependencyUnavailableError) Unwrap() error { return e.Cause }

func (e *DependencyUnavailableError) Is(target error) bool {
	return target == ErrDependencyUnavailable
}

// StatusCode returns the HTTP-equivalent status.
func (e *DependencyUnavailableError) StatusCode() int { return http.StatusServiceUnavailable }

// RateLimitExceededError is returned when a subject is over budget or blocked.
type RateLimitExceededError struct {
	Key        string
	Class      string
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: retry after %ds", e.Key, e.RetryAfterSeconds())
}

func (e *RateLimitExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// RetryAfterSeconds rounds the retry-after duration up to whole seconds.
func (e *RateLimitExceededError) RetryAfterSeconds() int64 {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(e.RetryAfter.Seconds()))
}

func (e *RateLimitExceededError) StatusCode() int { return http.StatusTooManyRequests }

// CorrelationTimeoutError is returned when no reply arrived before the
// deadline. The outcome is unknown: the request may still be processed by
// the remote service.
type CorrelationTimeoutError struct {
	CorrelationID string
	Channel       string
	Timeout       time.Duration
}

func (e *CorrelationTimeoutError) Error() string {
	return fmt.Sprintf("no reply on %s for correlation %s within %s", e.Channel, e.CorrelationID, e.Timeout)
}

func (e *CorrelationTimeoutError) Is(target error) bool {
	return target == ErrCorrelationTimeout
}

func (e *CorrelationTimeoutError) StatusCode() int { return http.StatusGatewayTimeout }

// BrokerTransportError wraps connection, publish and subscribe failures of a
// broker adapter. It is a broker concern, not a failure of a downstream service.
type BrokerTransportError struct {
	Op        string
	Transport string
	Cause     error
}

func (e *BrokerTransportError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s %s failed", e.Transport, e.Op)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Transport, e.Op, e.Cause)
}

func (e *BrokerTransportError) Unwrap() error { return e.Cause }

func (e *BrokerTransportError) Is(target error) bool {
	return target == ErrBrokerTransport
}

func (e *BrokerTransportError) StatusCode() int { return http.StatusBadGateway }

// NewTransportError wraps cause unless it is nil or already a BrokerTransportError.
func NewTransportError(transport, op string, cause error) error {
	if cause == nil {
		return nil
	}
	var existing *BrokerTransportError
	if sterrors.As(cause, &existing) {
		return cause
	}
	return &BrokerTransportError{Op: op, Transport: transport, Cause: cause}
}

// RemoteError carries an error message returned by the responder of a
// correlated call.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote: " + e.Message }

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

func (e *RemoteError) StatusCode() int { return http.StatusBadGateway }

type businessError struct {
	err error
}

func (e *businessError) Error() string { return e.err.Error() }
func (e *businessError) Unwrap() error { return e.err }

// Business marks err as a business outcome (not found, conflict, validation).
// The circuit breaker does not count business errors as dependency failures.
func Business(err error) error {
	if err == nil {
		return nil
	}
	return &businessError{err: err}
}

// IsBusiness reports whether err was marked with Business.
func IsBusiness(err error) bool {
	var be *businessError
	return sterrors.As(err, &be)
}

// StatusCode maps err onto an HTTP-equivalent status code. Unknown errors map
// to 500.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var coded interface{ StatusCode() int }
	if sterrors.As(err, &coded) {
		return coded.StatusCode()
	}
	return http.StatusInternalServerError
}
