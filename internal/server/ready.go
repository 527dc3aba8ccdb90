// Package server contains HTTP handlers for the PLC directory.
// This file implements the readiness check endpoint.
package server

import (
	"context"
	"net/http"
	"time"
)

// readyHandler returns 200 OK if the service is ready to serve requests.
// This endpoint is used by load balancers and orchestration systems
// to determine when the service is ready to receive traffic.
//
// Readiness checks, by backend:
// 1. PostgreSQL and SQLite: database ping
// 2. bbolt: an empty read transaction
// 3. Ledger: the latest block number from the RPC node
//
// The in-memory backend has no Pinger and is always ready.
// Returns 200 OK if the check passes, 503 Service Unavailable otherwise.
func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		// Create a context with timeout to prevent hanging readiness checks
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
			h.writeErrorWithRequest(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "operation log not ready", nil)
			return
		}
	}

	// All readiness checks passed, service is ready to serve requests
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}
