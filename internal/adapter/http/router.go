// Package http wires the illustrative HTTP surface (SPEC_FULL §6) over the
// ingest/query/evalstore/session/project/savedview components: trace
// ingestion, trace/session queries, eval metrics, retention control, and
// saved views.
package http

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agenttrace/core/internal/config"
	domainedge "github.com/agenttrace/core/internal/domain/edge"
	"github.com/agenttrace/core/internal/evalstore"
	"github.com/agenttrace/core/internal/ingest"
	"github.com/agenttrace/core/internal/logger"
	"github.com/agenttrace/core/internal/project"
	"github.com/agenttrace/core/internal/query"
	"github.com/agenttrace/core/internal/savedview"
	"github.com/agenttrace/core/internal/session"
	"github.com/agenttrace/core/internal/validation"
)

// ProjectResources bundles the per-project components a request needs.
// internal/project owns opening/caching these per project id.
type ProjectResources struct {
	Ingest *ingest.Queue
	Query  *query.Engine
	Evals  *evalstore.Store
}

// ResourceProvider resolves the per-project resource bundle for a
// project id, opening it on demand via internal/project.
type ResourceProvider func(projectID uint16) (ProjectResources, error)

// Handlers holds the dependencies the §6 HTTP surface dispatches to.
type Handlers struct {
	Resources ResourceProvider
	Sessions  *session.ContinuityManager
	Projects  *project.Manager
	Views     *savedview.Store
	Retention config.Retention
}

// MountRoutes registers the §6 HTTP surface onto r.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest", h.Ingest)
		r.Get("/traces", h.ListTraces)
		r.Get("/traces/{id}/detailed", h.TraceDetail)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.SessionDetail)
		r.Post("/evals/metrics", h.StoreEvalMetrics)
		r.Get("/evals/metrics", h.GetEvalMetrics)
		r.Get("/retention/config", h.GetRetentionConfig)
		r.Post("/retention/cleanup", h.RunRetentionSweep)

		r.Get("/views", h.ListViews)
		r.Post("/views", h.CreateView)
		r.Put("/views/{id}", h.UpdateView)
		r.Delete("/views/{id}", h.DeleteView)
		r.Get("/views/export", h.ExportViews)
		r.Post("/views/import", h.ImportViews)
	})
}

// ingestRequest mirrors one submitted edge plus its GenAI attribute map,
// the same string-keyed shape internal/ingest.Item carries through the
// privacy pass (C5) before commit.
type ingestRequest struct {
	TenantID     uint64              `json:"tenant_id"`
	ProjectID    uint16              `json:"project_id"`
	AgentID      uint32              `json:"agent_id"`
	SessionID    uint64              `json:"session_id"`
	SpanType     domainedge.SpanType `json:"span_type"`
	CausalParent string              `json:"causal_parent"`
	Confidence   float32             `json:"confidence"`
	Attributes   map[string]string   `json:"attributes,omitempty"`
}

// Ingest handles POST /api/v1/ingest.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[ingestRequest](w, r)
	if !ok {
		return
	}

	var parent domainedge.ID
	if req.CausalParent != "" {
		id, err := validation.SpanID(req.CausalParent)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		parent = id
	}

	e := domainedge.New(req.TenantID, req.ProjectID, req.AgentID, req.SessionID, req.SpanType, parent)
	if err := e.SetConfidence(req.Confidence); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Resources(req.ProjectID)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	result := res.Ingest.Submit(r.Context(), e, req.Attributes)
	switch result.Status {
	case ingest.Accepted:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "edge_id": e.EdgeID.String()})
	default:
		if result.Reason == ingest.ReasonQueueFull {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "ingestion queue full")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("rejected: %v", result.Err))
	}
}

// ListTraces handles GET /api/v1/traces.
func (h *Handlers) ListTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := parseUint16(q.Get("project_id"))

	res, err := h.Resources(projectID)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	f := query.Filters{TenantID: parseUint64(q.Get("tenant_id")), ProjectID: projectID}
	pg := query.Pagination{Limit: parseInt(q.Get("limit")), Offset: parseInt(q.Get("offset"))}

	edges, total, err := res.Query.List(r.Context(), f, pg)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": edges, "total": total})
}

// TraceDetail handles GET /api/v1/traces/{id}/detailed.
func (h *Handlers) TraceDetail(w http.ResponseWriter, r *http.Request) {
	projectID := parseUint16(r.URL.Query().Get("project_id"))
	sessionID := parseUint64(r.URL.Query().Get("session_id"))

	id, err := validation.SpanID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Resources(projectID)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	tree, err := res.Query.Tree(r.Context(), projectID, sessionID, id)
	if err != nil {
		writeDomainError(w, err, "trace not found")
		return
	}

	metrics, err := res.Evals.Get(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spans": tree, "eval_metrics": metrics})
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	projectID := parseUint16(r.URL.Query().Get("project_id"))
	writeJSON(w, http.StatusOK, h.Sessions.ListProject(projectID))
}

// SessionDetail handles GET /api/v1/sessions/{id}.
func (h *Handlers) SessionDetail(w http.ResponseWriter, r *http.Request) {
	projectID := parseUint16(r.URL.Query().Get("project_id"))
	sessionID := parseUint64(chi.URLParam(r, "id"))

	res, err := h.Resources(projectID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	edges, err := res.Query.SessionDetail(r.Context(), projectID, sessionID)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

type storeMetricsRequest struct {
	ProjectID uint16                  `json:"project_id"`
	EdgeID    string                  `json:"edge_id"`
	Metrics   []evalstore.EvalMetric  `json:"metrics"`
}

// StoreEvalMetrics handles POST /api/v1/evals/metrics.
func (h *Handlers) StoreEvalMetrics(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[storeMetricsRequest](w, r)
	if !ok {
		return
	}
	id, err := validation.SpanID(req.EdgeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.Resources(req.ProjectID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if err := res.Evals.Store(r.Context(), req.ProjectID, id, req.Metrics); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

// GetEvalMetrics handles GET /api/v1/evals/metrics?edge_id=....
func (h *Handlers) GetEvalMetrics(w http.ResponseWriter, r *http.Request) {
	projectID := parseUint16(r.URL.Query().Get("project_id"))
	id, err := validation.SpanID(r.URL.Query().Get("edge_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.Resources(projectID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	metrics, err := res.Evals.Get(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// GetRetentionConfig handles GET /api/v1/retention/config.
func (h *Handlers) GetRetentionConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Retention)
}

// RunRetentionSweep handles POST /api/v1/retention/cleanup.
func (h *Handlers) RunRetentionSweep(w http.ResponseWriter, r *http.Request) {
	projectID := parseUint16(r.URL.Query().Get("project_id"))
	res, err := h.Resources(projectID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	result, err := res.Query.RetentionSweep(r.Context(), h.Retention, projectID, time.Now())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListViews handles GET /api/v1/views.
func (h *Handlers) ListViews(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Views.List())
}

type createViewRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Filters     map[string]any `json:"filters"`
	Columns     []string       `json:"columns"`
	Tags        []string       `json:"tags"`
	IsShared    bool           `json:"is_shared"`
}

// CreateView handles POST /api/v1/views.
func (h *Handlers) CreateView(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createViewRequest](w, r)
	if !ok {
		return
	}
	v, err := h.Views.Create(req.Name, req.Description, req.Filters, req.Columns, req.Tags, req.IsShared)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// UpdateView handles PUT /api/v1/views/{id}.
func (h *Handlers) UpdateView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := readJSON[createViewRequest](w, r)
	if !ok {
		return
	}
	v, err := h.Views.Update(id, func(sv *savedview.SavedView) {
		sv.Name = req.Name
		sv.Description = req.Description
		sv.Filters = req.Filters
		sv.Columns = req.Columns
		sv.Tags = req.Tags
		sv.IsShared = req.IsShared
	})
	if err != nil {
		writeDomainError(w, err, "saved view not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DeleteView handles DELETE /api/v1/views/{id}.
func (h *Handlers) DeleteView(w http.ResponseWriter, r *http.Request) {
	if err := h.Views.Delete(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err, "saved view not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportViews handles GET /api/v1/views/export.
func (h *Handlers) ExportViews(w http.ResponseWriter, _ *http.Request) {
	blob, err := h.Views.Export()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="saved_views.json"`)
	_, _ = w.Write(blob)
}

// ImportViews handles POST /api/v1/views/import.
func (h *Handlers) ImportViews(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 10<<20)
	raw, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "import payload too large")
		return
	}
	n, err := h.Views.Import(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func parseUint16(s string) uint16 {
	n, _ := strconv.ParseUint(s, 10, 16)
	return uint16(n)
}

func parseUint64(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// --- response helpers, matching the teacher's idiom ---

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	writeError(w, http.StatusNotFound, fallbackMsg+": "+err.Error())
}

func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

// CORS mirrors the teacher's development CORS middleware.
func CORS(allowedOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logger mirrors the teacher's slog request logging middleware.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", logger.RequestID(r.Context()),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("upstream ResponseWriter does not implement http.Hijacker")
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
