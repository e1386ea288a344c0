package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents one peer's signaling connection to a room
type Session struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	PeerID      string    `json:"peer_id"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

func NewSession(roomID, peerID string) *Session {
	return &Session{
		ID:          ksuid.New().String(),
		RoomID:      roomID,
		PeerID:      peerID,
		ConnectedAt: time.Now(),
	}
}

// RoomInfo is the read model served by the rooms API
type RoomInfo struct {
	ID           string    `json:"id"`
	Peers        []string  `json:"peers"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}
