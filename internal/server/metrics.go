// Package server contains HTTP handlers for the PLC directory.
// This file implements Prometheus metrics exposure endpoints.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler exposes Prometheus metrics through the main HTTP server.
// It is only registered when no separate metrics address is configured.
//
// The metrics include:
// - HTTP request count and duration (from middleware)
// - Submission outcomes and critical section time (from the directory)
// - Go runtime metrics (automatically collected by Prometheus client)
func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	// Delegate to the Prometheus HTTP handler which serves metrics
	// in the appropriate format for scraping by Prometheus
	promhttp.Handler().ServeHTTP(w, r)
}

// NewMetricsHandler creates a standalone HTTP handler for Prometheus metrics.
// This is used for a separate metrics listener, which keeps scraping off the
// port that serves DID traffic.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}
