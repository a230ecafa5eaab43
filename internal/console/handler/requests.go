package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/requestlog"
)

type RequestsHandler struct {
	log *requestlog.Logger
}

func NewRequestsHandler(log *requestlog.Logger) *RequestsHandler {
	return &RequestsHandler{log: log}
}

func (h *RequestsHandler) Name() string { return "requests" }

func (h *RequestsHandler) Mount(r chi.Router) {
	r.Route("/requests", func(r chi.Router) {
		r.Get("/", h.List)
		r.Delete("/", h.Clear)
		r.Get("/stats", h.Stats)
	})
}

// HealthCheck делегирует журналу.
func (h *RequestsHandler) HealthCheck(ctx context.Context) domain.HealthCheckResult {
	return h.log.HealthCheck(ctx)
}

// List - журнал с фильтрами.
// GET /requests?limit=&status=&errors=true&recent=true
func (h *RequestsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := queryInt(r, "status", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	entries := h.log.List(domain.RequestFilter{
		Limit:      limit,
		StatusCode: status,
		ErrorsOnly: queryBool(r, "errors"),
		RecentOnly: queryBool(r, "recent"),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":  entries,
		"stats":     h.log.Stats(),
		"total":     len(entries),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Stats - агрегаты по всему буферу.
// GET /requests/stats
func (h *RequestsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.log.Stats())
}

// Clear очищает журнал.
// DELETE /requests
func (h *RequestsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.log.Clear()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Request logs cleared",
	})
}
