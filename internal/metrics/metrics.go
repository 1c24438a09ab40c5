package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retain_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retain_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	offersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retain_offers_resolved_total",
			Help: "Offers presented, by where the offer came from (rule, default, fallback)",
		},
		[]string{"source"},
	)

	savesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retain_saves_recorded_total",
			Help: "Accepted retention offers recorded as pending saves",
		},
		[]string{"offer_type"},
	)

	savesSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retain_saves_settled_total",
			Help: "Saves moved out of pending, by final status and trigger",
		},
		[]string{"status", "trigger"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retain_webhook_events_total",
			Help: "Payment provider events by type and handling result",
		},
		[]string{"type", "result"},
	)

	sweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retain_sweep_runs_total",
			Help: "Reconciliation sweeps by outcome",
		},
		[]string{"outcome"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retain_idempotency_hits_total",
			Help: "Requests and events served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retain_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retain_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	statementCommission = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retain_statement_commission",
			Help: "Commission of the most recently generated statement, by month",
		},
		[]string{"month"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordOfferResolved(source string) {
	offersResolved.WithLabelValues(source).Inc()
}

func RecordSaveRecorded(offerType string) {
	savesRecorded.WithLabelValues(offerType).Inc()
}

// RecordSaveSettled counts n saves settled to status; trigger is "webhook" or "sweep".
func RecordSaveSettled(status, trigger string, n int) {
	if n <= 0 {
		return
	}
	savesSettled.WithLabelValues(status, trigger).Add(float64(n))
}

func RecordWebhookEvent(eventType, result string) {
	webhookEvents.WithLabelValues(eventType, result).Inc()
}

func RecordSweep(outcome string) {
	sweepRuns.WithLabelValues(outcome).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func SetStatementCommission(month string, amount float64) {
	statementCommission.WithLabelValues(month).Set(amount)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Label by route pattern so ids in paths do not explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
