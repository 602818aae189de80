package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calmirror_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calmirror_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calmirror_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calmirror_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	importsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calmirror_sync_imports_total",
		Help: "Total number of calendar imports, by kind and outcome.",
	}, []string{"kind", "outcome"})

	importedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calmirror_sync_imported_events_total",
		Help: "Total number of remote event changes applied locally.",
	}, []string{"action"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calmirror_sync_notifications_total",
		Help: "Total number of push notifications received, by outcome.",
	}, []string{"outcome"})

	channelRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calmirror_sync_channel_refreshes_total",
		Help: "Total number of watch channel refresh attempts, by outcome.",
	}, []string{"outcome"})

	remoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calmirror_remote_calls_total",
		Help: "Total number of remote calendar API calls, by operation and outcome.",
	}, []string{"operation", "outcome"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// CountImport records one import run for a calendar.
func CountImport(kind, outcome string) {
	importsTotal.WithLabelValues(kind, outcome).Inc()
}

// CountImportedEvents records remote event changes applied to the local
// mirror. Action is "upserted" or "deleted".
func CountImportedEvents(action string, n int) {
	if n > 0 {
		importedEvents.WithLabelValues(action).Add(float64(n))
	}
}

// CountNotification records one received push notification.
func CountNotification(outcome string) {
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// CountChannelRefresh records one watch channel refresh attempt.
func CountChannelRefresh(outcome string) {
	channelRefreshes.WithLabelValues(outcome).Inc()
}

// CountRemoteCall records one call to the remote calendar API.
func CountRemoteCall(operation, outcome string) {
	remoteCalls.WithLabelValues(operation, outcome).Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
