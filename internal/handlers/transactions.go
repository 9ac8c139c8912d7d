package handlers

import (
	"net/http"

	"banklink/internal/middleware"
	"banklink/internal/validator"
)

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, offset, ok := pagination(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_pagination")
		return
	}
	transactions, err := h.transactions.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("list transactions", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "unable to load transactions")
		return
	}
	respondJSON(w, http.StatusOK, transactions)
}

// ListActivity returns the caller's own audit trail.
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, offset, ok := pagination(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_pagination")
		return
	}
	entries, err := h.audit.ListByActor(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("list activity", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "unable to load activity")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func pagination(r *http.Request) (int, int, bool) {
	query := r.URL.Query()
	limit := parseInt(query.Get("limit"), 50)
	offset := parseInt(query.Get("offset"), 0)
	if err := validator.ValidatePage(limit, offset); err != nil {
		return 0, 0, false
	}
	return limit, offset, true
}
