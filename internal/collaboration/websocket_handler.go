package collaboration

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"roomsync/internal/middleware"
	"roomsync/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Largest frame accepted from a peer. Peers split their sync logs into
	// frames well below it.
	maxFrameSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Peers are not browsers; any origin may join
		return true
	},
}

// WebSocketHandler upgrades room connections and hands them to the manager
type WebSocketHandler struct {
	sessionManager *SessionManager
}

func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// HandleRoomConnection serves /ws/room/{id}?peer_id=...
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomID := mux.Vars(r)["id"]
	peerID := r.URL.Query().Get("peer_id")

	if roomID == "" || peerID == "" {
		http.Error(w, "room id and peer_id are required", http.StatusBadRequest)
		return
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("room.id", roomID),
		attribute.String("peer.id", peerID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := h.sessionManager.NewSession(roomID, peerID, conn)
	if !h.sessionManager.Register(session) {
		conn.Close()
		return
	}

	// The request context ends when this handler returns; the pumps outlive it
	pumpCtx := context.WithoutCancel(ctx)
	go session.WritePump(pumpCtx)
	go session.ReadPump(pumpCtx)

	log.Printf("✓ WebSocket connection established for room %s (peer: %s)", roomID, peerID)
}

// ReadPump reads frames from the peer and relays them
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Manager.Unregister(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxFrameSize)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.RelayFrame",
			attribute.String("session.id", s.ID),
			attribute.String("room.id", s.RoomID),
			attribute.String("peer.id", s.PeerID),
			attribute.Int("message.size", len(message)),
		)

		frame, err := wire.Decode(message)
		if err != nil {
			log.Printf("⚠️  Dropping frame from peer %s: %v", s.PeerID, err)
			middleware.AddSpanError(msgCtx, err)
			span.End()
			continue
		}
		span.SetAttributes(attribute.String("frame.type", string(frame.Type)))

		s.Manager.Relay(s, frame)
		span.End()
	}
}

// WritePump writes queued frames and keeps the connection alive with pings
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed by the manager
				s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			// One frame per message; frames are not concatenated
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
