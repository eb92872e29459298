package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"habit-sync/internal/database"
	"habit-sync/internal/identity"
	"habit-sync/internal/ledger"
)

// HabitsHandler lists, creates, updates and deletes habits
type HabitsHandler struct {
	ledger   *ledger.Ledger
	identity identity.Provider
	logger   *slog.Logger
}

// NewHabitsHandler creates a new habits handler
func NewHabitsHandler(l *ledger.Ledger, ids identity.Provider) *HabitsHandler {
	return &HabitsHandler{
		ledger:   l,
		identity: ids,
		logger:   slog.Default(),
	}
}

type habitRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Schedule  uint8  `json:"schedule,omitempty"`
	Goal      int64  `json:"goal,omitempty"`
	StartDate string `json:"start_date,omitempty"`
}

func (req habitRequest) input() ledger.HabitInput {
	return ledger.HabitInput{
		ID:        req.ID,
		Name:      req.Name,
		Schedule:  database.Schedule(req.Schedule),
		Goal:      req.Goal,
		StartDate: req.StartDate,
	}
}

type habitResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  uint8      `json:"schedule"`
	Goal      int64      `json:"goal"`
	StartDate string     `json:"start_date"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Synced    bool       `json:"synced"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func toHabitResponse(h *database.Habit) habitResponse {
	return habitResponse{
		ID:        h.ID,
		Name:      h.Name,
		Schedule:  uint8(h.Schedule),
		Goal:      h.Goal,
		StartDate: h.StartDate,
		Deleted:   h.Deleted,
		DeletedAt: h.DeletedAt,
		Synced:    h.Synced,
		UpdatedAt: h.UpdatedAt,
	}
}

// HandleHabits handles GET and POST /habits
// Query parameters (GET):
//   - include_deleted: also list soft-deleted habits (default: false)
func (h *HabitsHandler) HandleHabits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleHabit handles PUT and DELETE /habits/{id}
func (h *HabitsHandler) HandleHabit(w http.ResponseWriter, r *http.Request) {
	habitID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/habits/"), "/")
	if habitID == "" || strings.Contains(habitID, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		h.update(w, r, habitID)
	case http.MethodDelete:
		h.delete(w, r, habitID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HabitsHandler) list(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"

	userID, ok := currentUser(w, h.logger, h.identity)
	if !ok {
		return
	}

	habits, err := h.ledger.Habits(userID, includeDeleted)
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}

	out := make([]habitResponse, 0, len(habits))
	for _, habit := range habits {
		out = append(out, toHabitResponse(habit))
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"habits": out})
}

func (h *HabitsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req habitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID, ok := currentUser(w, h.logger, h.identity)
	if !ok {
		return
	}

	habit, err := h.ledger.CreateHabit(userID, req.input())
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}

	writeJSON(w, h.logger, http.StatusCreated, toHabitResponse(habit))
}

func (h *HabitsHandler) update(w http.ResponseWriter, r *http.Request, habitID string) {
	var req habitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID, ok := currentUser(w, h.logger, h.identity)
	if !ok {
		return
	}

	habit, err := h.ledger.UpdateHabit(userID, habitID, req.input())
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, toHabitResponse(habit))
}

func (h *HabitsHandler) delete(w http.ResponseWriter, r *http.Request, habitID string) {
	userID, ok := currentUser(w, h.logger, h.identity)
	if !ok {
		return
	}

	if err := h.ledger.DeleteHabit(userID, habitID); err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
