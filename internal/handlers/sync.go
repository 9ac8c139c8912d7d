package handlers

import (
	"net/http"

	"banklink/internal/middleware"
	"banklink/internal/services"
	"banklink/internal/validator"
)

type syncRequest struct {
	WindowDays int `json:"window_days"`
}

func (h *Handler) windowDays(r *http.Request) (int, bool) {
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, false
	}
	if err := validator.ValidateWindowDays(req.WindowDays, services.MaxWindowDays); err != nil {
		return 0, false
	}
	if req.WindowDays == 0 {
		return h.cfg.SyncWindowDays, true
	}
	return req.WindowDays, true
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	window, ok := h.windowDays(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_window")
		return
	}
	summary, err := h.sync.SyncUser(r.Context(), userID, window)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	if summary.PerConnectionErrors == nil {
		summary.PerConnectionErrors = []services.ConnectionError{}
	}
	respondJSON(w, http.StatusOK, summary)
}
