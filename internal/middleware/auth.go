package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"together-backend/internal/services"
)

type contextKey string

const userIDKey contextKey = "user_id"

var (
	errMissingAuthorization = errors.New("authorization header required")
	errMalformedBearer      = errors.New("invalid authorization header format")
)

// AuthMiddleware authenticates bearer tokens and stores the user id in the
// request context
func AuthMiddleware(auth *services.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
				return
			}

			userID, err := auth.ValidateToken(token)
			if err != nil {
				WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errMalformedBearer
	}
	return token, nil
}

// WriteJSON writes body as a JSON response with the given status
func WriteJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WithUserID returns a context carrying userID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok {
		return ""
	}
	return userID
}

// ValidateWebSocketToken validates the token passed as a websocket query
// parameter
func ValidateWebSocketToken(token string, auth *services.AuthService) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token required")
	}
	return auth.ValidateToken(token)
}
