// Package server exposes the directory over HTTP. It is a thin adapter: it
// turns URLs into directory calls and directory errors into status codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/config"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/plc"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/storage"
)

type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId"

	headerContentType   = "Content-Type"
	headerCorrelationID = "X-Correlation-Id"
	headerRetryAfter    = "Retry-After"

	contentTypeJSON      = "application/json"
	contentTypeJSONLines = "application/jsonlines"

	// maxOperationBytes bounds a submitted operation body.
	maxOperationBytes = 64 << 10
)

// Handler wires HTTP endpoints using net/http.
// It owns the router and the collaborators every endpoint needs: the
// directory service for reads and writes, a pinger for readiness and the
// tracing setup that otelhttp uses for incoming requests.
type Handler struct {
	cfg        config.Config
	dir        *directory.Service
	pinger     storage.Pinger
	logger     *slog.Logger
	router     *http.ServeMux
	tracer     trace.TracerProvider
	propagator propagation.TextMapPropagator
}

// Option customizes a Handler.
type Option func(*Handler)

// WithTracerProvider sets the provider that records request spans. Without it
// otelhttp uses the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Handler) { h.tracer = tp }
}

// WithPropagator sets how trace context is read from incoming headers.
// Without it otelhttp uses the global propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(h *Handler) { h.propagator = p }
}

// New creates a Handler. pinger backs /ready and may be nil, in which case the
// service is always ready.
func New(cfg config.Config, dir *directory.Service, pinger storage.Pinger, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:    cfg,
		dir:    dir,
		pinger: pinger,
		logger: logger,
		router: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.registerRoutes()
	return h
}

// Handler returns the router behind CORS and OpenTelemetry instrumentation.
// This is what the listener serves.
func (h *Handler) Handler() http.Handler {
	var opts []otelhttp.Option
	if h.tracer != nil {
		opts = append(opts, otelhttp.WithTracerProvider(h.tracer))
	}
	if h.propagator != nil {
		opts = append(opts, otelhttp.WithPropagators(h.propagator))
	}
	return otelhttp.NewHandler(h.corsMiddleware(h.router), "plcd", opts...)
}

// registerRoutes binds every endpoint to its handler.
// Health and metrics skip wrap because they carry no error envelope; every
// DID route gets a correlation id. Literal routes such as /export win over
// the /{did} wildcard because ServeMux prefers the more specific pattern.
func (h *Handler) registerRoutes() {
	h.handle("GET /health", http.HandlerFunc(h.health))
	h.handle("GET /ready", h.wrap(h.readyHandler))
	if h.cfg.MetricsAddress == "" {
		h.handle("GET /metrics", http.HandlerFunc(h.metricsHandler))
	}

	h.handle("GET /export", h.wrap(h.handleExport))
	h.handle("GET /{did}", h.wrap(h.handleResolve))
	h.handle("POST /{did}", h.wrap(h.handleSubmit))
	h.handle("GET /{did}/data", h.wrap(h.handleData))
	h.handle("GET /{did}/log", h.wrap(h.handleLog))
	h.handle("GET /{did}/log/last", h.wrap(h.handleLastOperation))
	h.handle("GET /{did}/log/audit", h.wrap(h.handleAudit))
}

// handle registers next behind logging and the request timeout.
func (h *Handler) handle(pattern string, next http.Handler) {
	h.router.Handle(pattern, h.loggingMiddleware(h.timeoutMiddleware(next)))
}

// responseEnvelope is the body of every error response.
type responseEnvelope struct {
	Error *errorEnvelope `json:"error,omitempty"` // Error information
}

// errorEnvelope describes one failed request.
type errorEnvelope struct {
	Code          string `json:"code"`              // Stable machine-readable code, e.g. PLC_REJECTED
	Message       string `json:"message"`           // Human-readable description
	Details       any    `json:"details,omitempty"` // Extra context such as the rejection reason
	CorrelationID string `json:"correlationId"`     // Echo of X-Correlation-Id for tracing
}

// health is the liveness probe. It never touches the operation log.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// wrap adapts a handler function with the behaviour every DID endpoint
// shares: a correlation id on the context and response, a JSON content type
// by default, and panic recovery into a PLC_INTERNAL error.
func (h *Handler) wrap(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse the caller's correlation id or mint one
		correlationID := h.ensureCorrelationID(w, r)
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set(headerContentType, contentTypeJSON)

		// Recover from panics so one bad request cannot kill the server
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "panic", rec, "correlationId", correlationID)
				h.writeError(w, http.StatusInternalServerError, "PLC_INTERNAL", "internal server error", correlationID, nil)
			}
		}()

		next(w, r)
	})
}

// ensureCorrelationID returns the X-Correlation-Id of the request, or a new
// UUID when it has none, and echoes it on the response.
func (h *Handler) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

// handleResolve renders the DID document from the chain tip.
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	doc, err := h.dir.Resolve(r.Context(), r.PathValue("did"))
	if err != nil {
		h.writeDirectoryError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, doc)
}

// handleSubmit decodes an operation and submits it for the DID in the path.
// Decoding happens here, outside the directory's critical section, so a
// malformed body never waits for the submission lock.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	// Bound the body; an oversized operation gets 413 instead of a decode error
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOperationBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeErrorWithRequest(w, r, http.StatusRequestEntityTooLarge, "PLC_ENCODING", "operation body too large", nil)
			return
		}
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "PLC_ENCODING", "read operation body", nil)
		return
	}
	op, err := plc.DecodeOperation(body)
	if err != nil {
		h.writeDirectoryError(w, r, err)
		return
	}
	receipt, err := h.dir.Submit(r.Context(), did, op)
	if err != nil {
		h.writeDirectoryError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, receipt)
}

// handleLastOperation returns the tip operation in its stored key order.
func (h *Handler) handleLastOperation(w http.ResponseWriter, r *http.Request) {
	tip, err := h.dir.Tip(r.Context(), r.PathValue("did"))
	if err != nil {
		h.writeDirectoryError(w, r, err)
		return
	}
	h.writeOperation(w, r, tip)
}

// handleData returns the unrendered tip state of the DID.
func (h *Handler) handleData(w http.ResponseWriter, r *http.Request) {
	data, err := h.dir.Data(r.Context(), r.PathValue("did"))
	if err != nil {
		h.writeDirectoryError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, data)
}

// handleLog returns every operation of the DID, oldest first.
// Backends that keep only the tip answer 501.
func (h *Handler) handleLog(w http.ResponseWriter, r *http.Request) {
	ops, err := h.dir.History(r.Context(), r.PathValue("did"))
	if err != nil {
		h.writeDirectoryError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, ops)
}

// handleAudit returns the log of the DID with CIDs and creation times.
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dir.Audit(r.Context(), r.PathValue("did"))
	if err != nil {
		h.writeDirectoryError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, entries)
}

// handleExport streams log entries as JSON lines, one entry per line.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	count, after, err := exportParams(r)
	if err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "PLC_VALIDATION", err.Error(), nil)
		return
	}
	entries, err := h.dir.Export(r.Context(), after, count)
	if err != nil {
		h.writeDirectoryError(w, r, err)
		return
	}
	w.Header().Set(headerContentType, contentTypeJSONLines)
	w.WriteHeader(http.StatusOK)
	// The status is already sent, so a failed write can only be logged
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			h.logger.Warn("export write failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
			return
		}
	}
}

// exportParams reads count, after and seq from the query. after is an
// RFC 3339 timestamp; seq resumes a page inside entries sharing that
// timestamp and is only meaningful together with after.
func exportParams(r *http.Request) (int, model.Cursor, error) {
	q := r.URL.Query()
	count := 0
	if raw := q.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, model.Cursor{}, fmt.Errorf("invalid count %q", raw)
		}
		count = n
	}
	var cursor model.Cursor
	if raw := q.Get("after"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return 0, model.Cursor{}, fmt.Errorf("invalid after %q", raw)
		}
		cursor.After = t
	}
	if raw := q.Get("seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, model.Cursor{}, fmt.Errorf("invalid seq %q", raw)
		}
		if cursor.After.IsZero() {
			return 0, model.Cursor{}, errors.New("seq requires after")
		}
		cursor.Seq = n
	}
	return count, cursor, nil
}

// writeDirectoryError maps the directory error taxonomy onto HTTP.
func (h *Handler) writeDirectoryError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rejected *plc.RejectedError
		encoding *plc.EncodingError
		external *directory.ExternalError
	)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		h.writeErrorWithRequest(w, r, http.StatusNotFound, "PLC_NOT_FOUND", "DID not registered", nil)
	case errors.Is(err, directory.ErrConflict):
		w.Header().Set(headerRetryAfter, "1")
		h.writeErrorWithRequest(w, r, http.StatusConflict, "PLC_CONFLICT", "chain tip moved, rebase and retry", nil)
	case errors.Is(err, directory.ErrHistoryUnavailable):
		h.writeErrorWithRequest(w, r, http.StatusNotImplemented, "PLC_NOT_IMPLEMENTED", "operation history is not kept by this backend", nil)
	case errors.As(err, &rejected):
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "PLC_REJECTED", rejected.Error(), map[string]string{"reason": string(rejected.Reason)})
	case errors.As(err, &encoding):
		var details any
		if encoding.Field != "" {
			details = map[string]string{"field": encoding.Field}
		}
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "PLC_ENCODING", encoding.Error(), details)
	case errors.As(err, &external):
		h.logger.Error("directory call failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusBadGateway, "PLC_EXTERNAL", "operation log unavailable", nil)
	default:
		h.logger.Error("unclassified error", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, "PLC_INTERNAL", "internal server error", nil)
	}
}

// writeOperation writes op in its stored key order.
func (h *Handler) writeOperation(w http.ResponseWriter, r *http.Request, op model.Operation) {
	data, err := plc.EncodeOperation(op)
	if err != nil {
		h.writeDirectoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("write operation failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

// writeJSON writes v as the response body with the given status.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	payload := mustJSON(v)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write success failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

// writeErrorWithRequest writes an error envelope carrying the correlation id
// of r.
func (h *Handler) writeErrorWithRequest(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	h.writeError(w, status, code, message, correlationIDFrom(r.Context()), details)
}

// writeError writes a standardized error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, correlationID string, details any) {
	env := responseEnvelope{Error: &errorEnvelope{Code: code, Message: message, Details: details, CorrelationID: correlationID}}
	payload := mustJSON(env)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write error failed", "error", err, "correlationId", correlationID)
	}
}

// mustJSON marshals v. Every value passed here is a plain struct or map, so
// a failure is a programming error.
func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}

// correlationIDFrom extracts the correlation id stored by wrap.
func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}
