// Package api exposes the HTTP surface: submission, polling, cancellation,
// event streaming, run history and operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nfgrab/nfgrab/internal/config"
	"github.com/nfgrab/nfgrab/internal/job"
	"github.com/nfgrab/nfgrab/internal/logging"
	"github.com/nfgrab/nfgrab/internal/orchestrator"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	orch    *orchestrator.Orchestrator
	history *job.HistoryStore
	cfg     *config.Config
	log     *zap.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(orch *orchestrator.Orchestrator, history *job.HistoryStore, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{orch: orch, history: history, cfg: cfg, log: log}
}

// Routes builds the router with the full middleware chain.
func (h *Handler) Routes(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(h.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(RateLimit(h.cfg.SubmitRateLimit))

	r.Post("/execucao/{empresaID}", h.Submit)
	r.Get("/execucao/{empresaID}/status", h.Status)
	r.Post("/execucao/{empresaID}/cancel", h.Cancel)
	r.Get("/execucao/{empresaID}/events", h.StreamEvents)
	r.Get("/execucoes", h.History)
	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

// Submit handles POST /execucao/{empresaID} and responds 202 with the
// pending snapshot. competencia (MMYYYY) is required; tipo and headless are
// optional query parameters.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	empresaID := chi.URLParam(r, "empresaID")
	q := r.URL.Query()

	var headless *bool
	if v := q.Get("headless"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "headless must be true or false")
			return
		}
		headless = &b
	}

	snap, err := h.orch.Submit(r.Context(), empresaID, q.Get("competencia"), q.Get("tipo"), headless)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, snap)
	case errors.Is(err, job.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// Status handles GET /execucao/{empresaID}/status and responds 200 with the
// latest snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.orch.Status(chi.URLParam(r, "empresaID"))
	if !ok {
		writeError(w, http.StatusNotFound, "nenhuma execucao encontrada para esta empresa")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Cancel handles POST /execucao/{empresaID}/cancel. Queued runs finish
// immediately; running ones stop at the next safe boundary.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	err := h.orch.Cancel(chi.URLParam(r, "empresaID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelamento solicitado"})
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "nenhuma execucao encontrada para esta empresa")
	case errors.Is(err, job.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// History handles GET /execucoes and responds 200 with a paginated list of
// past runs, optionally filtered by empresa_id.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntParam(q.Get("limit"), 20)
	offset := parseIntParam(q.Get("offset"), 0)

	recs, total, err := h.history.List(r.Context(), q.Get("empresa_id"), limit, offset)
	if err != nil {
		h.log.Error("list run history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "falha ao listar execucoes")
		return
	}
	if recs == nil {
		recs = []*job.RunRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"execucoes": recs,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

// Health handles GET /health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseIntParam parses a query string integer, returning the fallback on
// empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
