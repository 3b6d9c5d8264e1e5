package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/bookinggate/internal/runtime/envelope"
	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
)

// DefaultHealthTimeout bounds the broker round-trip of GET /healthz.
const DefaultHealthTimeout = 5 * time.Second

// OpsOptions configures the operational endpoints.
type OpsOptions struct {
	// Gatherer serves GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// CORSAllowedOrigins lists origins allowed to read the endpoints from a
	// browser. "*" allows any origin.
	CORSAllowedOrigins []string
	// HealthTimeout defaults to DefaultHealthTimeout.
	HealthTimeout time.Duration
}

// OpsHandler returns the operational HTTP API:
//
//	GET  /circuits
//	GET  /circuits/{key}
//	POST /circuits/{key}/reset (404 for a dependency never called)
//	GET  /ratelimits/{key}
//	POST /ratelimits/{key}/reset
//	GET  /correlations
//	GET  /healthz
//	GET  /metrics
func (g *Gateway) OpsHandler(opts OpsOptions) http.Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	o := &ops{g: g, opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /circuits", o.handleCircuits)
	mux.HandleFunc("GET /circuits/{key}", o.handleCircuit)
	mux.HandleFunc("POST /circuits/{key}/reset", o.handleCircuitReset)
	mux.HandleFunc("GET /ratelimits/{key}", o.handleRateLimit)
	mux.HandleFunc("POST /ratelimits/{key}/reset", o.handleRateLimitReset)
	mux.HandleFunc("GET /correlations", o.handleCorrelations)
	mux.HandleFunc("GET /healthz", o.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	return o.cors(mux)
}

type ops struct {
	g    *Gateway
	opts OpsOptions
}

func (o *ops) handleCircuits(w http.ResponseWriter, r *http.Request) {
	o.writeJSON(w, http.StatusOK, o.g.breaker.Snapshots())
}

func (o *ops) handleCircuit(w http.ResponseWriter, r *http.Request) {
	o.writeJSON(w, http.StatusOK, o.g.breaker.State(r.PathValue("key")))
}

func (o *ops) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	snap, ok := o.g.breaker.Reset(key)
	if !ok {
		o.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no circuit for " + key})
		return
	}
	o.writeJSON(w, http.StatusOK, snap)
}

func (o *ops) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	info, err := o.g.limiter.Info(r.Context(), r.PathValue("key"))
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusOK, info)
}

func (o *ops) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := o.g.limiter.Reset(r.Context(), key); err != nil {
		o.writeError(w, err)
		return
	}
	info, err := o.g.limiter.Info(r.Context(), key)
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusOK, info)
}

func (o *ops) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	if o.g.requester == nil {
		o.writeJSON(w, http.StatusOK, []any{})
		return
	}
	o.writeJSON(w, http.StatusOK, o.g.requester.Outstanding())
}

type healthResponse struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
	Error  string `json:"error,omitempty"`
}

func (o *ops) handleHealth(w http.ResponseWriter, r *http.Request) {
	if o.g.bus == nil {
		o.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Broker: "disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), o.opts.HealthTimeout)
	defer cancel()
	if err := o.g.bus.IsHealthy(ctx); err != nil {
		o.g.logger.Warn("Broker health check failed", loggingpkg.LogFields{"error": err.Error()})
		o.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Broker: "unreachable", Error: err.Error()})
		return
	}
	o.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Broker: "reachable"})
}

func (o *ops) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		o.g.logger.Error("Failed to encode ops response", err, nil)
	}
}

func (o *ops) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errspkg.ErrKeyRequired) {
		o.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	WriteError(w, err)
}

// cors applies the configured CORS policy and answers preflight requests.
func (o *ops) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := o.allowedOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (o *ops) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, allowed := range o.opts.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

type errorResponse struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

// WriteError maps a gateway error onto its HTTP-equivalent response:
// 503 for an open circuit, 429 with a Retry-After header for rate limiting,
// 504 for a correlation timeout and 502 for broker and remote errors.
func WriteError(w http.ResponseWriter, err error) {
	body := errorResponse{Error: err.Error()}

	var unavailable *errspkg.DependencyUnavailableError
	if errors.As(err, &unavailable) {
		body.Error = (&errspkg.DependencyUnavailableError{Dependency: unavailable.Dependency}).Error()
	}
	var limited *errspkg.RateLimitExceededError
	if errors.As(err, &limited) {
		body.RetryAfter = limited.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	}

	_ = writeJSON(w, errspkg.StatusCode(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return envelope.Encode(w, v)
}
