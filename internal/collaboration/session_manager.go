package collaboration

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"roomsync/internal/models"
	"roomsync/internal/wire"
)

/*
ROOM RENDEZVOUS

The server never looks inside the replicated document. It only knows which
peers are in which room and moves frames between them:

1. **register**: add a peer, send it a welcome listing the others, tell the
   others with peer-joined
2. **unregister**: remove a peer and tell the others with peer-left
3. **relay**: stamp the sender and room on a frame, then deliver it to the
   addressed peer or to everybody else in the room

All three run on one event-loop goroutine, so room membership needs no
locking inside the loop. The RWMutex only protects readers outside it (the
rooms API and the idle sweeper).
*/

// Options configures a SessionManager
type Options struct {
	SendBufferSize int
	IdleTimeout    time.Duration
	Backplane      Backplane // optional, fans frames out to other instances
}

func DefaultOptions() Options {
	return Options{
		SendBufferSize: 256,
		IdleTimeout:    5 * time.Minute,
	}
}

// SessionManager owns every room and every connected peer
type SessionManager struct {
	rooms      map[string]*room
	register   chan *Session
	unregister chan *Session
	relay      chan *RelayMessage
	mu         sync.RWMutex

	opts     Options
	outbound chan Envelope

	// Control
	done     chan struct{}
	stopped  chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

type room struct {
	id         string
	sessions   map[string]*Session // peer id -> session
	createdAt  time.Time
	lastActive time.Time
}

// Session is one peer's websocket connection
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte // Buffered channel for outbound frames
	Manager *SessionManager

	lastActive atomic.Int64
	closed     bool // owned by the event loop
}

// RelayMessage is a frame on its way through a room
type RelayMessage struct {
	Room   string
	Frame  models.Frame
	Sender *Session // nil when the frame came from another instance
	Except string   // peer that must not receive a broadcast
}

func NewSessionManager(opts Options) *SessionManager {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = DefaultOptions().SendBufferSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions().IdleTimeout
	}
	return &SessionManager{
		rooms:      make(map[string]*room),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		relay:      make(chan *RelayMessage, 256),
		opts:       opts,
		outbound:   make(chan Envelope, 256),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// NewSession wraps conn for peerID in roomID
func (sm *SessionManager) NewSession(roomID, peerID string, conn *websocket.Conn) *Session {
	s := &Session{
		Session: models.NewSession(roomID, peerID),
		Conn:    conn,
		Send:    make(chan []byte, sm.opts.SendBufferSize),
		Manager: sm,
	}
	if conn != nil {
		s.RemoteAddr = conn.RemoteAddr().String()
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive reports when the peer was last heard from
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Start begins the session manager event loop
func (sm *SessionManager) Start() {
	log.Println("🔄 Starting room session manager...")
	sm.started.Store(true)

	go func() {
		defer close(sm.stopped)
		for {
			select {
			case <-sm.done:
				log.Println("Session manager shutting down...")
				return

			case session := <-sm.register:
				sm.handleRegister(session)

			case session := <-sm.unregister:
				sm.handleUnregister(session)

			case msg := <-sm.relay:
				sm.handleRelay(msg)
			}
		}
	}()

	go sm.cleanupLoop()

	if sm.opts.Backplane != nil {
		go sm.receiveRemote()
		go sm.publishLoop()
	}

	log.Println("✓ Room session manager started")
}

// Register adds session to its room. It returns false once the manager is
// shut down.
func (sm *SessionManager) Register(session *Session) bool {
	select {
	case sm.register <- session:
		return true
	case <-sm.done:
		return false
	}
}

// Unregister removes session from its room. Unregistering a session that
// is no longer in its room does nothing.
func (sm *SessionManager) Unregister(session *Session) {
	select {
	case sm.unregister <- session:
	case <-sm.done:
	}
}

// Relay hands a frame from session to the event loop
func (sm *SessionManager) Relay(session *Session, frame models.Frame) {
	msg := &RelayMessage{Room: session.RoomID, Frame: frame, Sender: session, Except: session.PeerID}
	select {
	case sm.relay <- msg:
	case <-sm.done:
	}
}

// handleRegister adds a session to a room
func (sm *SessionManager) handleRegister(session *Session) {
	sm.mu.Lock()
	r := sm.rooms[session.RoomID]
	if r == nil {
		r = &room{
			id:        session.RoomID,
			sessions:  make(map[string]*Session),
			createdAt: time.Now(),
		}
		sm.rooms[session.RoomID] = r
	}
	replaced := r.sessions[session.PeerID]
	r.sessions[session.PeerID] = session
	r.lastActive = time.Now()
	others := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		if id != session.PeerID {
			others = append(others, id)
		}
	}
	sm.mu.Unlock()

	if replaced != nil {
		// Same peer reconnected before its old connection was noticed dead
		log.Printf("  Peer %s reconnected to room %s, closing session %s", session.PeerID, session.RoomID, replaced.ID)
		replaced.close()
	}

	log.Printf("  Peer %s joined room %s (total: %d peers)", session.PeerID, session.RoomID, len(others)+1)

	sort.Strings(others)
	sm.deliver(session, signal(models.MessageTypeWelcome, session.RoomID, session.PeerID, models.WelcomePayload{Peers: others}))

	joined := signalFrame(models.MessageTypePeerJoined, session.RoomID, "", models.PeerPayload{Peer: session.PeerID})
	sm.handleRelay(&RelayMessage{Room: session.RoomID, Frame: joined, Except: session.PeerID})
	sm.publish(session.RoomID, session.PeerID, joined)
}

// handleUnregister removes a session from its room
func (sm *SessionManager) handleUnregister(session *Session) {
	if !sm.remove(session) {
		return
	}
	left := signalFrame(models.MessageTypePeerLeft, session.RoomID, "", models.PeerPayload{Peer: session.PeerID})
	sm.handleRelay(&RelayMessage{Room: session.RoomID, Frame: left, Except: session.PeerID})
	sm.publish(session.RoomID, session.PeerID, left)
}

// remove takes session out of its room and closes its send channel. It
// reports false if session was already gone or replaced.
func (sm *SessionManager) remove(session *Session) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	r := sm.rooms[session.RoomID]
	if r == nil || r.sessions[session.PeerID] != session {
		return false
	}
	delete(r.sessions, session.PeerID)
	session.close()

	// Remove empty rooms
	if len(r.sessions) == 0 {
		delete(sm.rooms, session.RoomID)
	}

	log.Printf("  Peer %s left room %s (remaining: %d peers)", session.PeerID, session.RoomID, len(r.sessions))
	return true
}

// handleRelay delivers a frame inside this instance
func (sm *SessionManager) handleRelay(msg *RelayMessage) {
	f := msg.Frame
	if msg.Sender != nil {
		if msg.Sender.closed {
			return
		}
		if !f.Type.Relayed() {
			log.Printf("⚠️  Peer %s sent %q frame, dropping", msg.Sender.PeerID, f.Type)
			return
		}
		// The server is the authority on who sent what where
		f.From = msg.Sender.PeerID
		f.Room = msg.Room
	}
	data, err := wire.Encode(f)
	if err != nil {
		log.Printf("❌ Failed to encode %s frame for room %s: %v", f.Type, msg.Room, err)
		return
	}

	sm.mu.Lock()
	r := sm.rooms[msg.Room]
	var targets []*Session
	if r != nil {
		r.lastActive = time.Now()
		if f.To != "" {
			if s := r.sessions[f.To]; s != nil {
				targets = append(targets, s)
			}
		} else {
			for id, s := range r.sessions {
				if id != msg.Except {
					targets = append(targets, s)
				}
			}
		}
	}
	sm.mu.Unlock()

	for _, s := range targets {
		sm.deliver(s, data)
	}

	if msg.Sender != nil {
		sm.publish(msg.Room, msg.Except, f)
	}
}

// deliver queues data for session without blocking the event loop. A
// session that cannot keep up is dropped.
func (sm *SessionManager) deliver(session *Session, data []byte) {
	if session.closed {
		return
	}
	select {
	case session.Send <- data:
	default:
		log.Printf("⚠️  Session %s buffer full, closing connection", session.ID)
		sm.handleUnregister(session)
	}
}

// Rooms returns a summary of every open room
func (sm *SessionManager) Rooms() []models.RoomInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]models.RoomInfo, 0, len(sm.rooms))
	for _, r := range sm.rooms {
		result = append(result, r.info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Room returns a summary of one room
func (sm *SessionManager) Room(id string) (models.RoomInfo, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	r := sm.rooms[id]
	if r == nil {
		return models.RoomInfo{}, false
	}
	return r.info(), true
}

// GetSessions returns all active sessions for a room
func (sm *SessionManager) GetSessions(roomID string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	r := sm.rooms[roomID]
	if r == nil {
		return nil
	}
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

func (r *room) info() models.RoomInfo {
	peers := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return models.RoomInfo{
		ID:           r.id,
		Peers:        peers,
		CreatedAt:    r.createdAt,
		LastActiveAt: r.lastActive,
	}
}

// cleanupLoop periodically removes inactive sessions
func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(sm.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			for _, s := range sm.stale(time.Now()) {
				log.Printf("  Cleaning up inactive session %s (peer %s)", s.ID, s.PeerID)
				sm.Unregister(s)
			}
		}
	}
}

// stale lists sessions not heard from within the idle timeout
func (sm *SessionManager) stale(now time.Time) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var result []*Session
	for _, r := range sm.rooms {
		for _, s := range r.sessions {
			if now.Sub(s.LastActive()) > sm.opts.IdleTimeout {
				result = append(result, s)
			}
		}
	}
	return result
}

// Shutdown stops the event loop and closes all connections
func (sm *SessionManager) Shutdown() {
	sm.stopOnce.Do(func() {
		log.Println("🛑 Shutting down session manager...")
		close(sm.done)
		if sm.started.Load() {
			// the loop may be mid-delivery; wait before closing channels
			<-sm.stopped
		}

		sm.mu.Lock()
		defer sm.mu.Unlock()

		for _, r := range sm.rooms {
			for _, s := range r.sessions {
				s.close()
			}
		}
		sm.rooms = make(map[string]*room)

		if sm.opts.Backplane != nil {
			if err := sm.opts.Backplane.Close(); err != nil {
				log.Printf("⚠️  Failed to close backplane: %v", err)
			}
		}
		log.Println("✓ Session manager shutdown complete")
	})
}

func signalFrame(t models.MessageType, roomID, to string, payload any) models.Frame {
	f, err := wire.NewFrame(t, to, payload)
	if err != nil {
		// payloads are fixed server structs
		panic(err)
	}
	f.Room = roomID
	return f
}

func signal(t models.MessageType, roomID, to string, payload any) []byte {
	data, err := wire.Encode(signalFrame(t, roomID, to, payload))
	if err != nil {
		panic(err)
	}
	return data
}

func (s *Session) close() {
	if !s.closed {
		s.closed = true
		close(s.Send)
	}
}

// publish queues a frame for other server instances without blocking the
// event loop
func (sm *SessionManager) publish(roomID, except string, f models.Frame) {
	if sm.opts.Backplane == nil {
		return
	}
	select {
	case sm.outbound <- Envelope{Room: roomID, Except: except, Frame: f}:
	default:
		log.Printf("⚠️  Backplane queue full, dropping %s frame for room %s", f.Type, roomID)
	}
}

func (sm *SessionManager) publishLoop() {
	for {
		select {
		case <-sm.done:
			return
		case env := <-sm.outbound:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := sm.opts.Backplane.Publish(ctx, env); err != nil {
				log.Printf("⚠️  Backplane publish for room %s failed: %v", env.Room, err)
			}
			cancel()
		}
	}
}

// receiveRemote feeds frames from other instances into the event loop
func (sm *SessionManager) receiveRemote() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sm.done
		cancel()
	}()
	err := sm.opts.Backplane.Subscribe(ctx, func(env Envelope) {
		select {
		case sm.relay <- &RelayMessage{Room: env.Room, Frame: env.Frame, Except: env.Except}:
		case <-sm.done:
		}
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("❌ Backplane subscription ended: %v", err)
	}
}
