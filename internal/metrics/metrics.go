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
			Name: "compass_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compass_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compass_notifications_scheduled_total",
			Help: "Reminder notifications created by event category",
		},
		[]string{"category"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compass_notifications_dispatched_total",
			Help: "Dispatch outcomes by result (sent, failed, cancelled, deferred, permission_denied)",
		},
		[]string{"result"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compass_notification_delivery_lag_seconds",
			Help:    "Time between scheduled_for and delivery",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 28800},
		},
		[]string{"channel"},
	)

	channelSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compass_channel_sends_total",
			Help: "Channel send attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	syncActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compass_sync_actions_total",
			Help: "Sync action outcomes by type and result",
		},
		[]string{"type", "result"},
	)

	syncDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "compass_sync_drain_duration_seconds",
			Help:    "Duration of a sync queue drain",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	syncQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compass_sync_queue_depth",
			Help: "Sync actions by status at the last drain",
		},
		[]string{"status"},
	)

	recommendations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compass_recommendations_total",
			Help: "Recommendations served by type and reason for the chosen path",
		},
		[]string{"type", "reason"},
	)

	recommendationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compass_recommendation_duration_seconds",
			Help:    "Recommendation processing time",
			Buckets: []float64{.001, .01, .1, .5, 1, 2, 5, 10, 15},
		},
		[]string{"type"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compass_idempotency_hits_total",
			Help: "Sync actions skipped because they were already applied remotely",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compass_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"limiter"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compass_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	networkOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "compass_network_online",
			Help: "1 when the backend is reachable",
		},
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

// RecordNotificationScheduled records a created reminder
func RecordNotificationScheduled(category string) {
	notificationsScheduled.WithLabelValues(category).Inc()
}

// RecordNotificationDispatched records one dispatch decision
func RecordNotificationDispatched(result string) {
	notificationsDispatched.WithLabelValues(result).Inc()
}

// RecordNotificationLatency records how late a delivery was relative to its schedule
func RecordNotificationLatency(channel string, lag time.Duration) {
	notificationLatency.WithLabelValues(channel).Observe(lag.Seconds())
}

// RecordChannelSend records a single channel send attempt
func RecordChannelSend(channel, status string) {
	channelSends.WithLabelValues(channel, status).Inc()
}

// RecordSyncAction records the outcome of executing a sync action
func RecordSyncAction(actionType, result string) {
	syncActions.WithLabelValues(actionType, result).Inc()
}

// RecordSyncDrain records drain duration
func RecordSyncDrain(duration time.Duration) {
	syncDrainDuration.Observe(duration.Seconds())
}

// SetSyncQueueDepth sets the number of actions in a status
func SetSyncQueueDepth(status string, count int) {
	syncQueueDepth.WithLabelValues(status).Set(float64(count))
}

// RecordRecommendation records which path served a recommendation
func RecordRecommendation(recType, reason string, duration time.Duration) {
	recommendations.WithLabelValues(recType, reason).Inc()
	recommendationLatency.WithLabelValues(recType).Observe(duration.Seconds())
}

// RecordIdempotencyHit records a duplicate sync execution that was skipped
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(limiter string) {
	rateLimitRejections.WithLabelValues(limiter).Inc()
}

// SetCircuitState records a breaker's current state.
func SetCircuitState(breaker string, state int) {
	circuitState.WithLabelValues(breaker).Set(float64(state))
}

// SetNetworkOnline sets the connectivity gauge
func SetNetworkOnline(online bool) {
	if online {
		networkOnline.Set(1)
		return
	}
	networkOnline.Set(0)
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

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

// routePattern labels by the matched chi route so user ids in paths do not
// become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
