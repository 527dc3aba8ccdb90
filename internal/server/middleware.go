// Package server contains HTTP handlers and middleware for the PLC directory.
// This file implements middleware functions for timeout handling, logging, and metrics collection.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

// Prometheus metrics for monitoring HTTP requests
var (
	// Counter for total HTTP requests by method, route pattern, and status code
	requestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests made.",
		},
		[]string{"method", "path", "code"},
	)

	// Histogram for HTTP request duration by method and route pattern
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// timeoutMiddleware bounds every request by the configured request timeout.
// The deadline reaches the operation log through the request context, so a
// slow database or RPC node cannot hold a request forever.
func (h *Handler) timeoutMiddleware(next http.Handler) http.Handler {
	// Zero means the config was built by hand; use the service default
	timeout := h.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		// Ensure the context is cancelled to free resources
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs request details and collects metrics for monitoring.
// Records request method, path, status code, duration, user agent, the
// correlation id and, when the caller sent one, the trace id.
// Metrics are labelled with the route pattern, not the raw path, so one DID
// does not become one time series.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Record start time for duration calculation
		start := time.Now()

		// Wrap ResponseWriter to capture the actual status code returned
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"method", r.Method,                                   // HTTP method (GET, POST)
			"path", r.URL.Path,                                   // Request path, including the DID
			"status", wrapped.statusCode,                         // Actual HTTP status code returned
			"duration", duration,                                 // Request processing time
			"user_agent", r.UserAgent(),                          // Client user agent string
			"correlationId", w.Header().Get(headerCorrelationID), // Set by wrap
		}
		// otelhttp puts the incoming (or a new) span on the request context
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		h.logger.Info("request completed", attrs...)

		// ServeMux sets Pattern on the request it dispatches; unmatched
		// requests (404/405 from the mux itself) share one label
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		requestCount.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture the HTTP status code.
// This allows the logging middleware to record the actual status code returned by handlers.
type responseWriter struct {
	http.ResponseWriter // Embedded original ResponseWriter
	statusCode int       // Captured HTTP status code
}

// WriteHeader captures the status code before calling the original WriteHeader.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write delegates to the original ResponseWriter's Write method.
func (rw *responseWriter) Write(b []byte) (int, error) {
	return rw.ResponseWriter.Write(b)
}
