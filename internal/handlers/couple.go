package handlers

import (
	"encoding/json"
	"net/http"

	"together-backend/internal/middleware"
	"together-backend/internal/services"
)

// CoupleHandler handles couple linking
type CoupleHandler struct {
	couples *services.CoupleService
	wsHub   *services.WSHub
}

// NewCoupleHandler creates a new couple handler
func NewCoupleHandler(couples *services.CoupleService, wsHub *services.WSHub) *CoupleHandler {
	return &CoupleHandler{couples: couples, wsHub: wsHub}
}

// LinkCoupleRequest represents the request body for linking a couple
type LinkCoupleRequest struct {
	PartnerID string `json:"partner_id"`
}

// Link handles POST /api/v1/couples
func (h *CoupleHandler) Link(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req LinkCoupleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PartnerID == "" {
		respondError(w, "partner_id is required", http.StatusBadRequest)
		return
	}

	couple, err := h.couples.Link(ctx, userID, req.PartnerID)
	if err != nil {
		respondServiceError(w, r, "Failed to link couple", err)
		return
	}

	h.wsHub.NotifyPartner(ctx, userID, services.ResourceCouple, couple.ID)
	respondJSON(w, http.StatusOK, couple)
}

// Get handles GET /api/v1/couples/me
func (h *CoupleHandler) Get(w http.ResponseWriter, r *http.Request) {
	couple, ok := currentCouple(w, r, h.couples)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, couple)
}
