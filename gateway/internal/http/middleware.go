package http

import (
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Logging logs method, URI, client IP, duration and status for every
// request. 5xx responses are logged at V(0); everything else at V(1).
// X-Forwarded-For is only honored when the peer is inside one of the
// trusted proxy networks.
func Logging(logger logr.Logger, trustedProxies []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method := r.Method
			uri := r.RequestURI
			client := clientIP(r, trustedProxies)

			m := httpsnoop.CaptureMetrics(next, w, r)

			level := 1
			if m.Code >= http.StatusInternalServerError {
				level = 0
			}
			logger.V(level).Info("response",
				"method", method, "uri", uri, "client", client,
				"duration", m.Duration.String(), "code", m.Code)
		})
	}
}

// Recovery converts handler panics into 500s with a logged stack trace.
func Recovery(log logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error(nil, "panic recovered in HTTP handler", "panic", rec, "stack", string(debug.Stack()))
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ConcurrencyLimit sheds requests over the in-flight cap with a 503 and a
// Retry-After. PXE clients retry on their own; queueing requests during a
// boot storm only delays every client behind the queue. Zero max disables
// the limit.
func ConcurrencyLimit(max int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if max <= 0 {
			return next
		}
		sem := make(chan struct{}, max)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			default:
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		})
	}
}

// OTel wraps the handler with OpenTelemetry instrumentation.
func OTel(operationName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, operationName)
	}
}

var (
	requestMetricsOnce sync.Once
	requestCount       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
)

// RequestMetrics instruments requests with Prometheus counters and latency
// histograms on the default registry. Safe to call more than once.
func RequestMetrics() func(http.Handler) http.Handler {
	requestMetricsOnce.Do(func() {
		requestCount = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pureboot_http_requests_total",
				Help: "Count of HTTP requests",
			},
			[]string{"method", "status_code"},
		)
		requestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pureboot_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route", "method", "status_code"},
		)
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			status := strconv.Itoa(m.Code)
			requestCount.WithLabelValues(r.Method, status).Inc()
			// use the registered mux pattern, not the raw path, to keep
			// label cardinality bounded
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			requestDuration.WithLabelValues(route, r.Method, status).Observe(m.Duration.Seconds())
		})
	}
}

func clientIP(r *http.Request, trustedProxies []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" || len(trustedProxies) == 0 {
		return host
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	for _, pfx := range trustedProxies {
		if pfx.Contains(peer) {
			// first hop in the chain is the original client
			if i := strings.IndexByte(forwarded, ','); i >= 0 {
				forwarded = forwarded[:i]
			}
			return strings.TrimSpace(forwarded)
		}
	}
	return host
}
