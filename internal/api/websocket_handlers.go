package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleRoomWebSocket joins a peer to a room for frame relay
func (h *Handler) HandleRoomWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleRoomConnection(w, r)
}
