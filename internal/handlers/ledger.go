package handlers

import (
	"net/http"

	"together-backend/internal/middleware"
	"together-backend/internal/services"

	"github.com/go-chi/chi/v5"
)

// LedgerHandler serves progression and LP reads
type LedgerHandler struct {
	progression *services.ProgressionService
	rewards     *services.RewardService
	couples     *services.CoupleService
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(progression *services.ProgressionService, rewards *services.RewardService, couples *services.CoupleService) *LedgerHandler {
	return &LedgerHandler{progression: progression, rewards: rewards, couples: couples}
}

// Progression handles GET /api/v1/progression
func (h *LedgerHandler) Progression(w http.ResponseWriter, r *http.Request) {
	couple, ok := currentCouple(w, r, h.couples)
	if !ok {
		return
	}

	state, err := h.progression.Get(r.Context(), couple.ID)
	if err != nil {
		respondServiceError(w, r, "Failed to get progression", err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// Balance handles GET /api/v1/balance
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.rewards.Balance(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondServiceError(w, r, "Failed to get balance", err)
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

// Reward handles GET /api/v1/rewards/{dedup_key}
func (h *LedgerHandler) Reward(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	event, err := h.rewards.Event(r.Context(), chi.URLParam(r, "dedup_key"))
	if err != nil {
		respondServiceError(w, r, "Failed to get reward", err)
		return
	}
	for _, id := range event.UserIDs {
		if id == userID {
			respondJSON(w, http.StatusOK, event)
			return
		}
	}
	respondError(w, "reward not found", http.StatusNotFound)
}

// History handles GET /api/v1/rewards
func (h *LedgerHandler) History(w http.ResponseWriter, r *http.Request) {
	couple, ok := currentCouple(w, r, h.couples)
	if !ok {
		return
	}

	events, err := h.rewards.History(r.Context(), couple.ID)
	if err != nil {
		respondServiceError(w, r, "Failed to get reward history", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}
