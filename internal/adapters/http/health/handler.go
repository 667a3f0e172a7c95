package health

import (
	"log/slog"
	"net/http"

	apphealth "3tcapital/ms_einvoice_core/internal/application/health"
	corehealth "3tcapital/ms_einvoice_core/internal/core/health"
	httperrors "3tcapital/ms_einvoice_core/internal/infrastructure/http"
)

// Handler bridges HTTP traffic with the health application service.
type Handler struct {
	service *apphealth.Service
	log     *slog.Logger
}

func NewHandler(service *apphealth.Service, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// Status answers 503 only when a critical dependency is down.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	response := h.service.Status(r.Context())

	code := http.StatusOK
	if response.Status == corehealth.StateDown {
		code = http.StatusServiceUnavailable
	}
	httperrors.WriteJSON(w, code, response, h.log)
}
