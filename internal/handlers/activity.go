package handlers

import (
	"encoding/json"
	"net/http"

	"together-backend/internal/middleware"
	"together-backend/internal/models"
	"together-backend/internal/services"

	"github.com/go-chi/chi/v5"
)

// ActivityHandler serves cooldowns and turn-based matches
type ActivityHandler struct {
	cooldowns *services.CooldownService
	matches   *services.MatchService
	couples   *services.CoupleService
	wsHub     *services.WSHub
}

// NewActivityHandler creates a new activity handler
func NewActivityHandler(
	cooldowns *services.CooldownService,
	matches *services.MatchService,
	couples *services.CoupleService,
	wsHub *services.WSHub,
) *ActivityHandler {
	return &ActivityHandler{
		cooldowns: cooldowns,
		matches:   matches,
		couples:   couples,
		wsHub:     wsHub,
	}
}

// Cooldown handles GET /api/v1/activities/{activity}/cooldown
func (h *ActivityHandler) Cooldown(w http.ResponseWriter, r *http.Request) {
	couple, ok := currentCouple(w, r, h.couples)
	if !ok {
		return
	}

	status, err := h.cooldowns.CheckStatus(r.Context(), couple.ID, chi.URLParam(r, "activity"))
	if err != nil {
		respondServiceError(w, r, "Failed to check cooldown", err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// StartMatch handles POST /api/v1/activities/{activity}/matches
func (h *ActivityHandler) StartMatch(w http.ResponseWriter, r *http.Request) {
	couple, ok := currentCouple(w, r, h.couples)
	if !ok {
		return
	}
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	match, created, err := h.matches.GetOrCreateMatch(ctx, couple.ID, chi.URLParam(r, "activity"), userID)
	if err != nil {
		respondServiceError(w, r, "Failed to start match", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.wsHub.NotifyPartner(ctx, userID, services.ResourceMatch, match.MatchID)
	}
	respondJSON(w, status, match)
}

// GetMatch handles GET /api/v1/matches/{match_id}
func (h *ActivityHandler) GetMatch(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	match, err := h.matches.Get(r.Context(), chi.URLParam(r, "match_id"))
	if err != nil {
		respondServiceError(w, r, "Failed to get match", err)
		return
	}
	if match.Player1ID != userID && match.Player2ID != userID {
		respondError(w, "match not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, match)
}

// SubmitTurn handles POST /api/v1/matches/{match_id}/turns
func (h *ActivityHandler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var payload models.TurnPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	match, err := h.matches.SubmitTurn(ctx, chi.URLParam(r, "match_id"), userID, payload)
	if err != nil {
		respondServiceError(w, r, "Failed to submit turn", err)
		return
	}

	h.wsHub.NotifyPartner(ctx, userID, services.ResourceMatch, match.MatchID)
	if match.IsComplete {
		h.wsHub.NotifyPartner(ctx, userID, services.ResourceBalance, match.MatchID)
	}
	respondJSON(w, http.StatusOK, match)
}
