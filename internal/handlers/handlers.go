package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"banklink/internal/provider"
	"banklink/internal/services"
	"banklink/internal/vault"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeJSON tolerates an empty body so optional payloads can be omitted.
func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// respondServiceError maps core sentinels to HTTP statuses. Unmapped errors
// are logged and reported as 500 without detail.
func respondServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, services.ErrAuthExpired):
		respondError(w, http.StatusGone, "auth_expired")
	case errors.Is(err, services.ErrAuthStateMismatch):
		respondError(w, http.StatusConflict, "state_mismatch")
	case errors.Is(err, services.ErrAccountLinkedElsewhere):
		respondError(w, http.StatusConflict, "account_linked_elsewhere")
	case errors.Is(err, services.ErrStaleConnection):
		respondError(w, http.StatusConflict, "connection_busy")
	case errors.Is(err, services.ErrNoAccountsFound):
		respondError(w, http.StatusUnprocessableEntity, "no_accounts_found")
	case errors.Is(err, services.ErrConnectionNotFound):
		respondError(w, http.StatusNotFound, "connection_not_found")
	case errors.Is(err, provider.ErrUnknownProvider):
		respondError(w, http.StatusBadRequest, "unknown_provider")
	case errors.Is(err, provider.ErrInvalidCredential):
		respondError(w, http.StatusUnauthorized, "invalid_credential")
	case errors.Is(err, provider.ErrProviderUnavailable):
		respondError(w, http.StatusBadGateway, "provider_unavailable")
	case errors.Is(err, vault.ErrEncryptionNotConfigured):
		respondError(w, http.StatusServiceUnavailable, "encryption_not_configured")
	default:
		logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error")
	}
}

func parseInt(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
