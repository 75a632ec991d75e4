package handlers

import (
	"encoding/json"
	"net/http"

	"together-backend/internal/middleware"
	"together-backend/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler handles websocket connections. The socket only carries
// hints; all state is read and written through the HTTP API.
type WebSocketHandler struct {
	hub     *services.WSHub
	auth    *services.AuthService
	couples *services.CoupleService
}

// NewWebSocketHandler creates a new websocket handler
func NewWebSocketHandler(hub *services.WSHub, auth *services.AuthService, couples *services.CoupleService) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, auth: auth, couples: couples}
}

// HandleWebSocket handles GET /ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.ValidateWebSocketToken(r.URL.Query().Get("token"), h.auth)
	if err != nil {
		respondError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	h.hub.Register(userID, conn)
	defer h.hub.Unregister(userID, conn)

	ctx := r.Context()
	partnerID := ""
	status := services.WSMessage{Type: "couple_status", Data: map[string]any{"has_couple": false}}
	if couple, err := h.couples.ForUser(ctx, userID); err == nil {
		partnerID = couple.PartnerOf(userID)
		status.Data = map[string]any{
			"has_couple":     true,
			"couple_id":      couple.ID,
			"partner_online": h.hub.IsOnline(partnerID),
		}
	}
	if err := h.hub.SendToUser(userID, status); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to send couple_status message")
	}
	h.hub.NotifyPartnerStatus(userID, partnerID, true)
	defer h.hub.NotifyPartnerStatus(userID, partnerID, false)

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("user_id", userID).Msg("WebSocket error")
			}
			return
		}

		var msg services.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(userID, "Invalid message format")
			continue
		}
		switch msg.Type {
		case "ping":
			h.hub.SendToUser(userID, services.WSMessage{Type: "pong"})
		default:
			h.sendError(userID, "Unknown message type")
		}
	}
}

func (h *WebSocketHandler) sendError(userID, message string) {
	if err := h.hub.SendToUser(userID, services.WSMessage{Type: "error", Message: message}); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to send error message")
	}
}
