package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/keelpay/core/pkg/contracts"
	"github.com/keelpay/core/pkg/gate"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keel_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keel_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware counts and times every request, labelled by the mux
// route template so path parameters do not explode the cardinality.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// RateLimitMiddleware enforces the per-credential token bucket. The key
// is the authenticated credential, falling back to the remote address on
// unauthenticated routes. A limiter backend failure admits the request:
// availability over strictness, with the failure logged.
func RateLimitMiddleware(limiter gate.Limiter, profiles *CredentialRegistry) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "gate")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := r.RemoteAddr
			policy := gate.DefaultPolicy()
			if credential, err := CredentialFrom(r.Context()); err == nil {
				key = credential
				if profiles != nil {
					policy = profiles.Lookup(credential).RatePolicy
				}
			}

			if err := limiter.Allow(r.Context(), key, policy); err != nil {
				var limited *contracts.RateLimitError
				if errors.As(err, &limited) {
					WriteTooManyRequests(w, r, int(limited.RetryAfter.Seconds()+0.999))
					return
				}
				logger.WarnContext(r.Context(), "limiter backend failure, admitting request", "error", err)
			}
			next.ServeHTTP(w, r)
		})
	}
}
