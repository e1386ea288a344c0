package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"roomsync/internal/models"
	"roomsync/internal/wire"
)

const memoryLinkBufferSize = 256

// MemoryHub is an in-process rendezvous. It relays frames between the links
// of a room the way the signaling server does: welcome on join, peer-joined
// and peer-left to the others, addressed frames to one peer and everything
// else to the whole room except the sender.
//
// Like the server, the hub cuts a link that sends a frame larger than
// MaxFrameSize. Zero means no limit.
type MemoryHub struct {
	MaxFrameSize int

	mu    sync.Mutex
	rooms   map[string]map[string]*memoryLink
	dials   int
	relayed int
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		rooms: make(map[string]map[string]*memoryLink),
	}
}

func (h *MemoryHub) Dial(ctx context.Context, room string, peerID string) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &memoryLink{
		hub:   h,
		room:  room,
		peer:  peerID,
		inbox: make(chan []byte, memoryLinkBufferSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.dials++
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*memoryLink)
		h.rooms[room] = members
	}
	replaced := members[peerID]
	members[peerID] = l
	others := make([]string, 0, len(members))
	for id := range members {
		if id != peerID {
			others = append(others, id)
		}
	}
	sort.Strings(others)
	h.mu.Unlock()

	if replaced != nil {
		replaced.shutdown()
	}
	h.deliver(l, signal(models.MessageTypeWelcome, room, peerID, models.WelcomePayload{Peers: others}))
	// a replacing link may have missed frames, so it is announced again
	h.broadcast(room, peerID, signal(models.MessageTypePeerJoined, room, "", models.PeerPayload{Peer: peerID}))
	return l, nil
}

// Drop cuts peer's link as if the network failed. The peer sees its
// Receive fail; the rest of the room sees peer-left.
func (h *MemoryHub) Drop(room string, peerID string) bool {
	h.mu.Lock()
	l := h.rooms[room][peerID]
	h.mu.Unlock()
	if l == nil {
		return false
	}
	l.Close()
	return true
}

// Dials counts the links opened so far, across all rooms.
func (h *MemoryHub) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// Relayed counts the frames peers have sent through the hub.
func (h *MemoryHub) Relayed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.relayed
}

// Peers lists the peers currently in room.
func (h *MemoryHub) Peers(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *MemoryHub) leave(l *memoryLink) {
	h.mu.Lock()
	members := h.rooms[l.room]
	if members[l.peer] != l {
		h.mu.Unlock()
		return
	}
	delete(members, l.peer)
	if len(members) == 0 {
		delete(h.rooms, l.room)
	}
	h.mu.Unlock()

	h.broadcast(l.room, l.peer, signal(models.MessageTypePeerLeft, l.room, "", models.PeerPayload{Peer: l.peer}))
}

func (h *MemoryHub) relay(from *memoryLink, data []byte) {
	if h.MaxFrameSize > 0 && len(data) > h.MaxFrameSize {
		glog.Warningf("[hub]%d byte frame from %s exceeds %d, dropping link", len(data), from.peer, h.MaxFrameSize)
		go from.Close()
		return
	}
	f, err := wire.Decode(data)
	if err != nil {
		glog.Warningf("[hub]drop frame from %s: %s", from.peer, err)
		return
	}
	h.mu.Lock()
	h.relayed++
	h.mu.Unlock()
	f.From = from.peer
	f.Room = from.room
	out, err := wire.Encode(f)
	if err != nil {
		glog.Warningf("[hub]re-encode frame from %s: %s", from.peer, err)
		return
	}
	if f.To != "" {
		h.mu.Lock()
		to := h.rooms[from.room][f.To]
		h.mu.Unlock()
		if to != nil {
			h.deliver(to, out)
		}
		return
	}
	h.broadcast(from.room, from.peer, out)
}

func (h *MemoryHub) broadcast(room string, except string, data []byte) {
	h.mu.Lock()
	targets := make([]*memoryLink, 0, len(h.rooms[room]))
	for id, l := range h.rooms[room] {
		if id != except {
			targets = append(targets, l)
		}
	}
	h.mu.Unlock()
	for _, l := range targets {
		h.deliver(l, data)
	}
}

// deliver never blocks. A link that cannot keep up is dropped.
func (h *MemoryHub) deliver(l *memoryLink, data []byte) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.inbox <- data:
	default:
		glog.Warningf("[hub]%s is not keeping up, dropping", l.peer)
		go l.Close()
	}
}

func signal(t models.MessageType, room string, to string, payload any) []byte {
	f, err := wire.NewFrame(t, to, payload)
	if err != nil {
		panic(err)
	}
	f.Room = room
	data, err := wire.Encode(f)
	if err != nil {
		panic(err)
	}
	return data
}

type memoryLink struct {
	hub   *MemoryHub
	room  string
	peer  string
	inbox chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (l *memoryLink) Send(frame []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	l.hub.relay(l, frame)
	return nil
}

func (l *memoryLink) Receive() ([]byte, error) {
	select {
	case data := <-l.inbox:
		return data, nil
	case <-l.done:
		return nil, io.EOF
	}
}

func (l *memoryLink) Close() error {
	l.shutdown()
	l.hub.leave(l)
	return nil
}

func (l *memoryLink) shutdown() {
	l.closeOnce.Do(func() { close(l.done) })
}

// MemoryMesh opens direct links inside the process. Negotiation still runs
// through signal frames: the offering link publishes a token, the answering
// link claims it and replies. Blocked meshes never open a link, which is
// what a peer behind a hostile NAT looks like.
type MemoryMesh struct {
	mu      sync.Mutex
	offers  map[string]*memoryPeerLink
	links   []*memoryPeerLink
	blocked bool
	frames  int
}

func NewMemoryMesh() *MemoryMesh {
	return &MemoryMesh{offers: make(map[string]*memoryPeerLink)}
}

// SetBlocked makes later negotiations hang until they time out.
func (m *MemoryMesh) SetBlocked(blocked bool) {
	m.mu.Lock()
	m.blocked = blocked
	m.mu.Unlock()
}

// Sever closes every link the mesh has opened, as if the network between
// the peers failed.
func (m *MemoryMesh) Sever() {
	m.mu.Lock()
	links := m.links
	m.links = nil
	m.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}

// Frames counts the frames carried over direct links so far.
func (m *MemoryMesh) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

type meshSignal struct {
	Offer  string `json:"offer,omitempty"`
	Answer string `json:"answer,omitempty"`
}

func (m *MemoryMesh) NewPeerLink(peer string, offer bool, signal func(json.RawMessage)) (PeerLink, error) {
	l := &memoryPeerLink{
		mesh:   m,
		peer:   peer,
		signal: signal,
		inbox:  make(chan []byte, memoryLinkBufferSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.links = append(m.links, l)
	blocked := m.blocked
	if offer && !blocked {
		l.token = ulid.Make().String()
		m.offers[l.token] = l
	}
	m.mu.Unlock()

	if offer && !blocked {
		l.send(meshSignal{Offer: l.token})
	}
	return l, nil
}

// claim pairs the answering link a with the offer published under token.
func (m *MemoryMesh) claim(token string, a *memoryPeerLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.offers[token]
	if o == nil || m.blocked {
		return false
	}
	delete(m.offers, token)
	o.setRemote(a)
	a.setRemote(o)
	return true
}

func (m *MemoryMesh) carried() {
	m.mu.Lock()
	m.frames++
	m.mu.Unlock()
}

type memoryPeerLink struct {
	mesh   *MemoryMesh
	peer   string
	token  string
	signal func(json.RawMessage)
	inbox  chan []byte

	mu     sync.Mutex
	remote *memoryPeerLink

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func (l *memoryPeerLink) send(sig meshSignal) {
	data, err := json.Marshal(sig)
	if err != nil {
		panic(err)
	}
	l.signal(data)
}

func (l *memoryPeerLink) setRemote(r *memoryPeerLink) {
	l.mu.Lock()
	l.remote = r
	l.mu.Unlock()
}

func (l *memoryPeerLink) open() {
	l.readyOnce.Do(func() { close(l.ready) })
}

func (l *memoryPeerLink) Signal(payload json.RawMessage) error {
	var sig meshSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("mesh signal: %w", err)
	}
	switch {
	case sig.Offer != "":
		if !l.mesh.claim(sig.Offer, l) {
			return nil
		}
		l.open()
		l.send(meshSignal{Answer: sig.Offer})
	case sig.Answer != "":
		if sig.Answer != l.token {
			return fmt.Errorf("mesh signal: answer for unknown offer %s", sig.Answer)
		}
		l.open()
	}
	return nil
}

func (l *memoryPeerLink) Ready() <-chan struct{} { return l.ready }

func (l *memoryPeerLink) Done() <-chan struct{} { return l.done }

func (l *memoryPeerLink) Send(frame []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	case <-l.ready:
	default:
		return ErrNotConnected
	}
	l.mu.Lock()
	r := l.remote
	l.mu.Unlock()
	if r == nil {
		return ErrNotConnected
	}
	select {
	case <-r.done:
		return ErrLinkClosed
	case r.inbox <- frame:
		l.mesh.carried()
		return nil
	default:
		go l.Close()
		return ErrLinkClosed
	}
}

func (l *memoryPeerLink) Receive() ([]byte, error) {
	select {
	case data := <-l.inbox:
		return data, nil
	case <-l.done:
		return nil, io.EOF
	}
}

// Close takes the other end down with it.
func (l *memoryPeerLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		r := l.remote
		l.mu.Unlock()
		if r != nil {
			r.Close()
		}
	})
	return nil
}
