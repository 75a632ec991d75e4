package handlers

import (
	"net/http"

	"together-backend/internal/services"

	"github.com/rs/zerolog/log"
)

// UserHandler handles user-related HTTP requests
type UserHandler struct {
	auth *services.AuthService
}

// NewUserHandler creates a new user handler
func NewUserHandler(auth *services.AuthService) *UserHandler {
	return &UserHandler{auth: auth}
}

// CreateUser handles POST /api/v1/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.NewIdentity()
	if err != nil {
		log.Error().Err(err).Msg("Failed to create user")
		respondError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	log.Info().Str("user_id", identity.UserID).Msg("User created")
	respondJSON(w, http.StatusOK, identity)
}
