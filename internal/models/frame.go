package models

import "encoding/json"

// ProtocolVersion is stamped on every frame. Receivers accept frames from
// newer versions and ignore fields they do not know.
const ProtocolVersion = 1

// MessageType defines the kinds of frames exchanged through a room
type MessageType string

const (
	// Peer-to-peer replication messages, relayed verbatim by the server
	MessageTypeSync     MessageType = "sync"     // full operation log for a late joiner
	MessageTypeBatch    MessageType = "batch"    // one committed transaction
	MessageTypePresence MessageType = "presence" // one presence field update
	MessageTypeSignal   MessageType = "signal"   // direct link negotiation: offer, answer, ICE candidate

	// Signaling messages, produced by the server
	MessageTypeWelcome    MessageType = "welcome"
	MessageTypePeerJoined MessageType = "peer-joined"
	MessageTypePeerLeft   MessageType = "peer-left"
	MessageTypeError      MessageType = "error"
)

// Frame is the envelope for everything sent over a signaling link. Payload
// is decoded according to Type. From and Room are filled in by the server.
type Frame struct {
	Version int             `json:"v"`
	Type    MessageType     `json:"type"`
	Room    string          `json:"room,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Relayed reports whether the server forwards the frame to other peers
// rather than interpreting it.
func (t MessageType) Relayed() bool {
	switch t {
	case MessageTypeSync, MessageTypeBatch, MessageTypePresence, MessageTypeSignal:
		return true
	}
	return false
}

// WelcomePayload lists the peers already in the room
type WelcomePayload struct {
	Peers []string `json:"peers"`
}

// PeerPayload names the peer a membership event is about
type PeerPayload struct {
	Peer string `json:"peer"`
}

// ErrorPayload carries a human readable reason
type ErrorPayload struct {
	Message string `json:"message"`
}
