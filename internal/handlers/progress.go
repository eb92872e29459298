package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"habit-sync/internal/database"
	"habit-sync/internal/identity"
	"habit-sync/internal/ledger"
)

// ProgressHandler records progress events for the current user
type ProgressHandler struct {
	ledger   *ledger.Ledger
	identity identity.Provider
	logger   *slog.Logger
}

// NewProgressHandler creates a new progress handler
func NewProgressHandler(l *ledger.Ledger, ids identity.Provider) *ProgressHandler {
	return &ProgressHandler{
		ledger:   l,
		identity: ids,
		logger:   slog.Default(),
	}
}

type progressRequest struct {
	HabitID     string `json:"habit_id"`
	EventType   string `json:"event_type"`
	Delta       int64  `json:"delta"`
	DateKey     string `json:"date_key,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

type eventResponse struct {
	ID          string    `json:"id"`
	HabitID     string    `json:"habit_id"`
	DateKey     string    `json:"date_key"`
	EventType   string    `json:"event_type"`
	Delta       int64     `json:"delta"`
	CreatedAt   time.Time `json:"created_at"`
	DeviceID    string    `json:"device_id"`
	OperationID string    `json:"operation_id"`
	Synced      bool      `json:"synced"`
}

func toEventResponse(e *database.ProgressEvent) eventResponse {
	return eventResponse{
		ID:          e.ID,
		HabitID:     e.HabitID,
		DateKey:     e.DateKey,
		EventType:   string(e.EventType),
		Delta:       e.ProgressDelta,
		CreatedAt:   e.CreatedAt,
		DeviceID:    e.DeviceID,
		OperationID: e.OperationID,
		Synced:      e.Synced,
	}
}

// HandleProgress handles POST /progress. Retrying a request with the same
// operation_id returns the event stored the first time.
func (h *ProgressHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req progressRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID, ok := currentUser(w, h.logger, h.identity)
	if !ok {
		return
	}

	event, err := h.ledger.Append(ledger.NewEvent{
		UserID:        userID,
		HabitID:       req.HabitID,
		EventType:     database.EventType(req.EventType),
		ProgressDelta: req.Delta,
		DateKey:       req.DateKey,
		OperationID:   req.OperationID,
	})
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, toEventResponse(event))
}
