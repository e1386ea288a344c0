package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"roomsync/internal/middleware"
)

// Handler handles HTTP requests
type Handler struct {
	rooms     RoomDirectory
	wsHandler RoomConnector
	startedAt time.Time
}

func NewHandler(rooms RoomDirectory, wsHandler RoomConnector) *Handler {
	return &Handler{
		rooms:     rooms,
		wsHandler: wsHandler,
		startedAt: time.Now(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
		"rooms":  len(h.rooms.Rooms()),
	})
}

// Room handlers

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.rooms.Rooms()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	room, ok := h.rooms.Room(id)
	if !ok {
		middleware.AddSpanEvent(r.Context(), "room.not_found")
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
