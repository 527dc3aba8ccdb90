// Package server contains HTTP handlers and middleware for the PLC directory.
// This file implements CORS middleware for handling Cross-Origin Resource Sharing.
package server

import (
	"net/http"
)

// corsMiddleware adds CORS headers so browsers can resolve DIDs and submit
// operations from any origin. It handles both simple and preflight requests.
// Operations carry their own authorization (the rotation key signature), so
// no credentials are accepted and the origin is not restricted.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-Id, Traceparent, Tracestate")
		// Let scripts read the correlation id and the conflict back-off hint
		w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-Id, Retry-After")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Continue with the next handler
		next.ServeHTTP(w, r)
	})
}
