package handlers

import (
	"errors"
	"net/http"

	"together-backend/internal/middleware"
	"together-backend/internal/models"
	"together-backend/internal/services"

	"github.com/rs/zerolog/log"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error    string                 `json:"error"`
	Cooldown *models.CooldownStatus `json:"cooldown,omitempty"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

var respondJSON = middleware.WriteJSON

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrCooldownActive):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrNotYourTurn),
		errors.Is(err, services.ErrMatchAlreadyComplete),
		errors.Is(err, services.ErrInvalidCouple):
		return http.StatusConflict
	case errors.Is(err, services.ErrNotFound),
		errors.Is(err, services.ErrUnknownActivity):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNotCoupleMember):
		return http.StatusForbidden
	case errors.Is(err, services.ErrInvalidTurn):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInvalidQuest):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrStoreTransient),
		errors.Is(err, services.ErrCooldownUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondServiceError logs err and writes the mapped error response
func respondServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("user_id", middleware.GetUserID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg(msg)

	var cooldownErr *services.CooldownError
	if errors.As(err, &cooldownErr) {
		respondJSON(w, status, ErrorResponse{Error: err.Error(), Cooldown: &cooldownErr.Status})
		return
	}
	if status == http.StatusInternalServerError {
		respondError(w, msg, status)
		return
	}
	respondError(w, err.Error(), status)
}

// currentCouple resolves the couple of the authenticated user
func currentCouple(w http.ResponseWriter, r *http.Request, couples *services.CoupleService) (*models.Couple, bool) {
	couple, err := couples.ForUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondServiceError(w, r, "Failed to resolve couple", err)
		return nil, false
	}
	return couple, true
}
