package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/metrics"
)

type MetricsHandler struct {
	store *metrics.Store
	prom  http.Handler
}

// NewMetricsHandler: prom - экспозиция Prometheus, nil отключает /metrics/prometheus.
func NewMetricsHandler(store *metrics.Store, prom http.Handler) *MetricsHandler {
	return &MetricsHandler{store: store, prom: prom}
}

func (h *MetricsHandler) Name() string { return "metrics" }

func (h *MetricsHandler) Mount(r chi.Router) {
	r.Get("/metrics", h.Query)
	if h.prom != nil {
		r.Method(http.MethodGet, "/metrics/prometheus", h.prom)
	}
}

func (h *MetricsHandler) HealthCheck(ctx context.Context) domain.HealthCheckResult {
	return h.store.HealthCheck(ctx)
}

// Query - суточные счётчики за окно.
// GET /metrics?range=7d
func (h *MetricsHandler) Query(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.Query(r.URL.Query().Get("range"))
	if errors.Is(err, metrics.ErrInvalidRange) {
		writeError(w, r, http.StatusBadRequest, "invalid range: use <N>d or <N>w")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
