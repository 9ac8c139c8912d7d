package handlers

import (
	"net/http"

	"banklink/internal/middleware"
	"banklink/internal/websocket"
)

func (h *Handler) AdminSyncAll(w http.ResponseWriter, r *http.Request) {
	window, ok := h.windowDays(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_window")
		return
	}
	summary, err := h.sync.SyncAll(r.Context(), window)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) AdminGarbageCollect(w http.ResponseWriter, r *http.Request) {
	removed, err := h.connections.GarbageCollect(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (h *Handler) AdminRewrap(w http.ResponseWriter, r *http.Request) {
	summary, err := h.connections.RewrapCredentials(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	websocket.ServeWS(w, r, h.upgrader, h.hub, userID)
}
