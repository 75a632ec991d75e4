package handlers

import (
	"net/http"

	"together-backend/internal/middleware"
	"together-backend/internal/services"

	"github.com/go-chi/chi/v5"
)

// QuestHandler serves daily quests and completion
type QuestHandler struct {
	quests  *services.QuestService
	couples *services.CoupleService
	wsHub   *services.WSHub
}

// NewQuestHandler creates a new quest handler
func NewQuestHandler(quests *services.QuestService, couples *services.CoupleService, wsHub *services.WSHub) *QuestHandler {
	return &QuestHandler{quests: quests, couples: couples, wsHub: wsHub}
}

// Today handles GET /api/v1/quests/today
func (h *QuestHandler) Today(w http.ResponseWriter, r *http.Request) {
	couple, ok := currentCouple(w, r, h.couples)
	if !ok {
		return
	}

	quests, err := h.quests.GetTodayQuests(r.Context(), couple.ID)
	if err != nil {
		respondServiceError(w, r, "Failed to get today's quests", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"quests": quests})
}

// AllComplete handles GET /api/v1/quests/all-complete
func (h *QuestHandler) AllComplete(w http.ResponseWriter, r *http.Request) {
	couple, ok := currentCouple(w, r, h.couples)
	if !ok {
		return
	}

	done, err := h.quests.AllQuestsCompleted(r.Context(), couple.ID)
	if err != nil {
		respondServiceError(w, r, "Failed to check quests", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"all_completed": done})
}

// Complete handles POST /api/v1/quests/{quest_id}/complete
func (h *QuestHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	questID := chi.URLParam(r, "quest_id")

	result, err := h.quests.RecordCompletion(ctx, questID, userID)
	if err != nil {
		respondServiceError(w, r, "Failed to record completion", err)
		return
	}

	h.wsHub.NotifyPartner(ctx, userID, services.ResourceQuest, questID)
	if result.Progression != nil {
		h.wsHub.NotifyPartner(ctx, userID, services.ResourceProgression, result.Progression.CoupleID)
	}
	respondJSON(w, http.StatusOK, result)
}
