package handlers

import (
	"log/slog"
	"net/http"

	"habit-sync/internal/datekey"
	"habit-sync/internal/identity"
	"habit-sync/internal/streak"
)

// StreakHandler reports the current streak and the XP it earned
type StreakHandler struct {
	streaks  *streak.Calculator
	days     *datekey.Provider
	identity identity.Provider
	logger   *slog.Logger
}

// NewStreakHandler creates a new streak handler
func NewStreakHandler(streaks *streak.Calculator, days *datekey.Provider, ids identity.Provider) *StreakHandler {
	return &StreakHandler{
		streaks:  streaks,
		days:     days,
		identity: ids,
		logger:   slog.Default(),
	}
}

type streakResponse struct {
	Date   string   `json:"date"`
	Length int      `json:"length"`
	Dates  []string `json:"dates"`
	XP     int64    `json:"xp"`
}

// HandleStreak handles GET /streak
// Query parameters:
//   - date: day the streak ends on (default: today)
func (h *StreakHandler) HandleStreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target := r.URL.Query().Get("date")
	if target == "" {
		target = h.days.Today()
	}
	if !datekey.Valid(target) {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid date parameter")
		return
	}

	userID, ok := currentUser(w, h.logger, h.identity)
	if !ok {
		return
	}

	dates, err := h.streaks.Run(userID, target)
	if err != nil {
		h.logger.Error("Failed to compute streak", "user_id", userID, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := streakResponse{Date: target, Length: len(dates), Dates: dates}
	if resp.Dates == nil {
		resp.Dates = []string{}
	}
	if len(dates) > 0 {
		// dates run newest first
		resp.XP, err = h.streaks.XPBetween(userID, dates[len(dates)-1], dates[0])
		if err != nil {
			h.logger.Error("Failed to sum streak XP", "user_id", userID, "error", err)
			writeError(w, h.logger, http.StatusInternalServerError, "Internal server error")
			return
		}
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}
