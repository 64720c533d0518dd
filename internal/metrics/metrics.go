package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geminicord/internal/circuit"
)

const namespace = "geminicord"

var (
	// Counter: cache lookups by tier (exact|fuzzy|semantic) and result (hit|miss|error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	// Counter: cache writes, stored or rejected by the length guard.
	CacheWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Response cache writes by result.",
		},
		[]string{"result"},
	)

	// Counter: persistent store failures; these never reach the caller.
	CacheStoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_store_errors_total",
			Help:      "Persistent cache store errors by operation.",
		},
		[]string{"op"},
	)

	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by policy and result.",
		},
		[]string{"policy", "result"},
	)

	RateLimitRetryAfterSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_retry_after_seconds",
			Help:      "Retry hints handed out on denial.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"policy"},
	)

	// Gauge: 0 closed, 1 open, 2 half-open.
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		},
		[]string{"breaker"},
	)

	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions.",
		},
		[]string{"breaker", "from", "to"},
	)

	// Histogram: Gemini call latency in seconds.
	UpstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Gemini API call latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"op", "result"},
	)

	ChatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by outcome.",
		},
		[]string{"outcome"},
	)

	// Histogram: HTTP latency in seconds.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_latency_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheLookupsTotal,
		CacheWritesTotal,
		CacheStoreErrorsTotal,
		RateLimitDecisionsTotal,
		RateLimitRetryAfterSeconds,
		CircuitState,
		CircuitTransitionsTotal,
		UpstreamLatencySeconds,
		ChatRequestsTotal,
		HTTPLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TrackBreaker publishes the current state of a breaker that has not changed state yet,
// so the gauge has a series from startup.
func TrackBreaker(name string, state circuit.State) {
	CircuitState.WithLabelValues(name).Set(float64(state))
}

// ObserveBreaker is a circuit.StateChangeFunc that mirrors transitions into metrics.
func ObserveBreaker(name string, from, to circuit.State) {
	CircuitState.WithLabelValues(name).Set(float64(to))
	CircuitTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
}

// PromRecorder forwards rate limiter events to Prometheus.
type PromRecorder struct{}

func (PromRecorder) Add(name string, value float64, tags map[string]string) {
	switch name {
	case "ratelimit.allowed":
		RateLimitDecisionsTotal.WithLabelValues(tags["policy"], "allowed").Add(value)
	case "ratelimit.blocked":
		RateLimitDecisionsTotal.WithLabelValues(tags["policy"], "blocked").Add(value)
	}
}

func (PromRecorder) Observe(name string, value float64, tags map[string]string) {
	if name == "ratelimit.retry_after_seconds" {
		RateLimitRetryAfterSeconds.WithLabelValues(tags["policy"]).Observe(value)
	}
}

// Middleware measures HTTP latency for each request. The route pattern is used as
// the label so path parameters do not blow up cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		HTTPLatencySeconds.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
