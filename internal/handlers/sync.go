package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"habit-sync/internal/syncer"
)

// Syncer is the part of the sync coordinator the API drives
type Syncer interface {
	SyncNow(ctx context.Context) (syncer.Report, error)
	Status() (syncer.Status, error)
}

// SyncHandler exposes manual sync and the sync status indicator
type SyncHandler struct {
	syncer Syncer
	logger *slog.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(s Syncer) *SyncHandler {
	return &SyncHandler{
		syncer: s,
		logger: slog.Default(),
	}
}

type syncResponse struct {
	Report syncer.Report `json:"report"`
	Error  string        `json:"error,omitempty"`
}

// HandleSync handles POST /sync. It waits for the cycle it joined to finish.
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := h.syncer.SyncNow(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, syncer.ErrNoRemote), errors.Is(err, syncer.ErrCircuitOpen):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		h.logger.Warn("Manual sync failed", "error", err)
		writeJSON(w, h.logger, status, syncResponse{Report: report, Error: err.Error()})
		return
	}

	writeJSON(w, h.logger, http.StatusOK, syncResponse{Report: report})
}

// HandleStatus handles GET /sync/status
func (h *SyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.syncer.Status()
	if err != nil {
		h.logger.Error("Failed to read sync status", "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, status)
}
