package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"habit-sync/internal/identity"
	"habit-sync/internal/ledger"
)

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}

// writeLedgerError maps ledger failures onto HTTP statuses
func writeLedgerError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidEvent), errors.Is(err, ledger.ErrInvalidHabit):
		writeError(w, logger, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrHabitNotFound):
		writeError(w, logger, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrHabitExists):
		writeError(w, logger, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrMutationBlocked):
		writeError(w, logger, http.StatusLocked, err.Error())
	default:
		logger.Error("Ledger operation failed", "error", err)
		writeError(w, logger, http.StatusInternalServerError, "Internal server error")
	}
}

// currentUser resolves the acting user, writing a 500 when that fails
func currentUser(w http.ResponseWriter, logger *slog.Logger, ids identity.Provider) (string, bool) {
	userID, err := ids.CurrentUser()
	if err != nil {
		logger.Error("Failed to resolve user", "error", err)
		writeError(w, logger, http.StatusInternalServerError, "Internal server error")
		return "", false
	}
	return userID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
