package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/health"
)

type HealthHandler struct {
	reporter *health.Reporter
}

func NewHealthHandler(reporter *health.Reporter) *HealthHandler {
	return &HealthHandler{reporter: reporter}
}

func (h *HealthHandler) Name() string { return "health" }

func (h *HealthHandler) Mount(r chi.Router) {
	r.Get("/health", h.Summary)
	r.Get("/health/simple", h.Simple)
	r.Get("/health/detailed", h.Detailed)
}

// Summary - вердикт и проверки, 200 или 503.
// GET /health
func (h *HealthHandler) Summary(w http.ResponseWriter, r *http.Request) {
	resp := h.reporter.Detailed(r.Context())
	writeJSON(w, statusFor(resp), resp.Summary())
}

// Simple - liveness без глубоких проверок.
// GET /health/simple
func (h *HealthHandler) Simple(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reporter.Simple())
}

// Detailed - полный отчёт.
// GET /health/detailed
func (h *HealthHandler) Detailed(w http.ResponseWriter, r *http.Request) {
	resp := h.reporter.Detailed(r.Context())
	writeJSON(w, statusFor(resp), resp)
}

func statusFor(resp domain.HealthResponse) int {
	if resp.Healthy() {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}
