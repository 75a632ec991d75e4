package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSMessage is a websocket frame. state_changed frames are hints only:
// clients re-read the named resource through the API.
type WSMessage struct {
	Type     string `json:"type"`
	Resource string `json:"resource,omitempty"`
	ID       string `json:"id,omitempty"`
	Online   *bool  `json:"online,omitempty"`
	Message  string `json:"message,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// Resources named in state_changed hints
const (
	ResourceCouple      = "couple"
	ResourceQuest       = "quest"
	ResourceProgression = "progression"
	ResourceBalance     = "balance"
	ResourceMatch       = "match"
)

// WSHub keeps one websocket connection per user
type WSHub struct {
	mu          sync.RWMutex
	connections map[string]*websocket.Conn
	// gorilla connections allow one concurrent writer
	writeMu map[string]*sync.Mutex
	couples *CoupleService
}

// NewWSHub creates a new websocket hub
func NewWSHub(couples *CoupleService) *WSHub {
	return &WSHub{
		connections: make(map[string]*websocket.Conn),
		writeMu:     make(map[string]*sync.Mutex),
		couples:     couples,
	}
}

// Register stores the connection of a user, replacing an older one
func (h *WSHub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.connections[userID]; ok {
		existing.Close()
	}
	h.connections[userID] = conn
	h.writeMu[userID] = &sync.Mutex{}

	log.Info().Str("user_id", userID).Msg("WebSocket connection registered")
}

// Unregister removes the connection of a user if it is still conn
func (h *WSHub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.connections[userID]; ok && current == conn {
		current.Close()
		delete(h.connections, userID)
		delete(h.writeMu, userID)
		log.Info().Str("user_id", userID).Msg("WebSocket connection unregistered")
	}
}

// SendToUser writes a message to a connected user
func (h *WSHub) SendToUser(userID string, message WSMessage) error {
	h.mu.RLock()
	conn, ok := h.connections[userID]
	mu := h.writeMu[userID]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("user %s is not connected", userID)
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	mu.Unlock()
	if err != nil {
		h.Unregister(userID, conn)
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// IsOnline reports whether a user has a live connection
func (h *WSHub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[userID]
	return ok
}

// NotifyPartner sends a state_changed hint to the partner of userID. An
// offline partner picks the change up on the next read.
func (h *WSHub) NotifyPartner(ctx context.Context, userID, resource, id string) {
	couple, err := h.couples.ForUser(ctx, userID)
	if err != nil {
		return
	}
	partnerID := couple.PartnerOf(userID)
	if !h.IsOnline(partnerID) {
		return
	}

	message := WSMessage{Type: "state_changed", Resource: resource, ID: id}
	if err := h.SendToUser(partnerID, message); err != nil {
		log.Warn().
			Err(err).
			Str("user_id", partnerID).
			Str("resource", resource).
			Msg("Failed to send state_changed")
	}
}

// NotifyPartnerStatus tells the partner that userID went online or offline
func (h *WSHub) NotifyPartnerStatus(userID, partnerID string, online bool) {
	if partnerID == "" || !h.IsOnline(partnerID) {
		return
	}

	message := WSMessage{Type: "partner_status", Online: &online}
	if err := h.SendToUser(partnerID, message); err != nil {
		log.Error().
			Err(err).
			Str("user_id", partnerID).
			Msg("Failed to notify partner status")
	}
}
