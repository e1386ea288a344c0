package api

import (
	"net/http"

	"roomsync/internal/models"
)

// RoomDirectory is what the handlers need to know about open rooms.
// *collaboration.SessionManager satisfies it.
type RoomDirectory interface {
	Rooms() []models.RoomInfo
	Room(id string) (models.RoomInfo, bool)
}

// RoomConnector upgrades a request into a room connection
type RoomConnector interface {
	HandleRoomConnection(w http.ResponseWriter, r *http.Request)
}
