package handlers

import (
	"net/http"
	"time"

	"banklink/internal/middleware"
	"banklink/internal/models"
	"banklink/internal/provider"
	"banklink/internal/services"
	"banklink/internal/validator"

	"github.com/go-chi/chi/v5"
)

type connectRequest struct {
	Provider    string `json:"provider"`
	RedirectURI string `json:"redirect_uri"`
}

type connectResponse struct {
	Type            string     `json:"type"`
	URL             string     `json:"url,omitempty"`
	Token           string     `json:"token,omitempty"`
	HandleExpiresAt *time.Time `json:"handle_expires_at,omitempty"`
	State           string     `json:"state"`
	ExpiresAt       time.Time  `json:"expires_at"`
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	kind, err := validator.ValidateProviderKind(req.Provider)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_provider")
		return
	}
	if err := validator.ValidateRedirectURI(req.RedirectURI, h.cfg.RedirectAllowlist); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_redirect_uri")
		return
	}
	result, err := h.connections.Connect(r.Context(), services.ConnectRequest{
		UserID:       userID,
		ProviderKind: kind,
		RedirectURI:  req.RedirectURI,
	})
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	resp := connectResponse{State: result.CorrelationState, ExpiresAt: result.ExpiresAt}
	switch initiation := result.Initiation.(type) {
	case provider.Redirect:
		resp.Type = "redirect"
		resp.URL = initiation.URL
	case provider.ClientHandle:
		resp.Type = "client_handle"
		resp.Token = initiation.Token
		resp.HandleExpiresAt = &initiation.ExpiresAt
	default:
		h.logger.Error("unexpected initiation", "provider", kind)
		respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// Callback completes a redirect-style authorization.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if reason := query.Get("error"); reason != "" {
		respondError(w, http.StatusBadRequest, "authorization_denied")
		return
	}
	h.complete(w, r, query.Get("state"), query.Get("provider"), query.Get("code"))
}

type exchangeRequest struct {
	State       string `json:"state"`
	Provider    string `json:"provider"`
	PublicToken string `json:"public_token"`
}

// Exchange completes a client-handle authorization with the widget's public token.
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	h.complete(w, r, req.State, req.Provider, req.PublicToken)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request, state, rawKind, codeOrHandle string) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := validator.ValidateState(state); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_state")
		return
	}
	if codeOrHandle == "" {
		respondError(w, http.StatusBadRequest, "missing_code")
		return
	}
	var kind models.ProviderKind
	if rawKind != "" {
		parsed, err := validator.ValidateProviderKind(rawKind)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_provider")
			return
		}
		kind = parsed
	}
	summary, err := h.connections.CompleteConnection(r.Context(), services.CompleteRequest{
		State:        state,
		CodeOrHandle: codeOrHandle,
		UserID:       userID,
		ProviderKind: kind,
	})
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, summary)
}

func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	views, err := h.connections.ListConnections(r.Context(), userID)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	connectionID := chi.URLParam(r, "id")
	if err := validator.ValidateID(connectionID); err != nil {
		respondError(w, http.StatusNotFound, "connection_not_found")
		return
	}
	if err := h.connections.Disconnect(r.Context(), userID, connectionID); err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
