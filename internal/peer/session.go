package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"roomsync/internal/crdt"
	"roomsync/internal/models"
	"roomsync/internal/presence"
	"roomsync/internal/state"
	"roomsync/internal/subscription"
	"roomsync/internal/wire"
)

/*
PEER SESSION

A session joins one room through a signaling link and keeps the local
replica in step with every other peer in it.

  Connect → dial (with backoff) → welcome lists the peers already there
          → send each of them our whole log, in chunks, and our presence
  local commit   → batch frame to the room
  local presence → presence frame to the room
  sync / batch   → Store.Merge
  presence       → Channel.Receive
  peer-left      → Channel.RemovePeer
  link lost      → forget every peer, redial; the welcome resyncs

With a PeerDialer, each pair of peers also negotiates a direct link over
signal frames; the lower id offers. Frames to a peer take its direct link
once it is open, and room-wide frames do so when every known peer has one.
Everything else, and everything while negotiation is pending or has
failed, goes through the rendezvous. An open direct link that drops counts
as that peer leaving; it is then introduced again over the relay.

Log exchange is idempotent, so resending after a reconnect, or over both
paths at once, is always safe.
*/

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var errQueueOverflow = errors.New("send queue overflow")

// Session is the entry point for a collaborator: connect to a room, read
// snapshots and presence, and write through transactions.
type Session struct {
	transport Transport
	dialer    PeerDialer
	settings  *Settings
	registry  *subscription.Registry

	mu    sync.Mutex
	state State
	conn  *connection
}

func NewSessionWithDefaults(transport Transport) *Session {
	return NewSession(transport, DefaultSettings())
}

// NewSession creates a session that reaches other peers through the
// rendezvous only.
func NewSession(transport Transport, settings *Settings) *Session {
	return NewSessionWithPeerDialer(transport, nil, settings)
}

// NewSessionWithPeerDialer creates a session that also tries to open a
// direct link to each peer with dialer. A nil dialer means relay only.
func NewSessionWithPeerDialer(transport Transport, dialer PeerDialer, settings *Settings) *Session {
	return &Session{
		transport: transport,
		dialer:    dialer,
		settings:  settings,
		registry:  subscription.NewRegistry(),
	}
}

// connection is everything owned by one Connect..Disconnect span.
type connection struct {
	ctx      context.Context
	cancel   context.CancelFunc
	room     string
	settings *Settings
	store    *state.Store
	presence *presence.Channel

	out      chan outbound
	overflow chan struct{}

	mu     sync.Mutex
	link   Link
	peers  map[string]struct{}
	direct map[string]*directPeer
	// peers we already offered a direct link to since the last welcome
	tried map[string]bool
}

type outbound struct {
	to   string // "" for the whole room
	data []byte
	// signal frames negotiate the direct link and always take the relay
	relay bool
}

type directPeer struct {
	link PeerLink
	open bool
}

// Connect joins roomID with a fresh, empty document. Calling it while
// already connected or connecting does nothing.
func (s *Session) Connect(roomID string) error {
	if roomID == "" {
		return errors.New("peer: empty room id")
	}
	s.mu.Lock()
	if s.conn != nil {
		room := s.conn.room
		s.mu.Unlock()
		if room != roomID {
			glog.Warningf("[session]already in room %s, ignoring connect to %s", room, roomID)
		}
		return nil
	}

	replica := crdt.NewReplicaID()
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		ctx:      ctx,
		cancel:   cancel,
		room:     roomID,
		settings: s.settings,
		out:      make(chan outbound, s.settings.SendQueueSize),
		overflow: make(chan struct{}, 1),
		peers:    make(map[string]struct{}),
		direct:   make(map[string]*directPeer),
		tried:    make(map[string]bool),
	}
	c.store = state.NewStore(replica, s.registry)
	c.store.OnCommit(func(b crdt.Batch) {
		data, err := wire.EncodeBatch(b)
		if err != nil {
			glog.Errorf("[session]encode batch %d@%s: %s", b.Clock, b.Origin, err)
			return
		}
		c.post(models.MessageTypeBatch, "", data)
	})
	c.presence = presence.NewChannel(replica, s.registry, func(u presence.Update) {
		data, err := wire.EncodePresence("", u)
		if err != nil {
			glog.Errorf("[session]encode presence %s: %s", u.Field, err)
			return
		}
		c.post(models.MessageTypePresence, "", data)
	})
	s.conn = c
	s.state = Connecting
	s.mu.Unlock()

	glog.Infof("[session]%s connecting to room %s", replica, roomID)
	go s.run(c)
	s.registry.Notify()
	return nil
}

// Disconnect leaves the room and discards the document and presence. It
// does not wait for the rendezvous to acknowledge. Safe to call at any
// time, any number of times.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.state = Disconnected
	s.mu.Unlock()
	if c == nil {
		return
	}

	c.cancel()
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.peers = make(map[string]struct{})
	direct := c.resetDirect()
	c.mu.Unlock()
	if link != nil {
		go link.Close()
	}
	closeAll(direct)
	c.store.Close()
	c.presence.Close()

	glog.Infof("[session]%s left room %s", c.store.ReplicaID(), c.room)
	s.registry.Notify()
}

func (s *Session) current() *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Transact runs fn as one transaction on the local document and sends the
// result to the room.
func (s *Session) Transact(fn func(*state.Txn) error) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	err := c.store.Transact(fn)
	if errors.Is(err, state.ErrStoreClosed) {
		return ErrNotConnected
	}
	return err
}

// CurrentSnapshot returns the latest committed document state.
func (s *Session) CurrentSnapshot() *state.Snapshot {
	c := s.current()
	if c == nil {
		return state.Empty()
	}
	return c.store.CurrentSnapshot()
}

func (s *Session) SetLocalPresenceField(name string, value any) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	if err := c.presence.SetLocalField(name, value); err != nil {
		if errors.Is(err, presence.ErrClosed) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

func (s *Session) LocalPresenceState() presence.Record {
	c := s.current()
	if c == nil {
		return presence.Record{Fields: map[string]any{}}
	}
	return c.presence.LocalState()
}

func (s *Session) RemotePresenceStates() map[crdt.ReplicaID]presence.Record {
	c := s.current()
	if c == nil {
		return map[crdt.ReplicaID]presence.Record{}
	}
	return c.presence.RemoteStates()
}

// Subscribe registers h to run after every document commit, presence
// change and connection state change. Subscriptions outlive reconnects.
func (s *Session) Subscribe(h subscription.Handler) (unsubscribe func()) {
	return s.registry.Subscribe(h)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReplicaID returns the id of the current document, or "" when
// disconnected.
func (s *Session) ReplicaID() crdt.ReplicaID {
	c := s.current()
	if c == nil {
		return ""
	}
	return c.store.ReplicaID()
}

func (s *Session) RoomID() string {
	c := s.current()
	if c == nil {
		return ""
	}
	return c.room
}

// Peers lists the peers currently reachable through the room.
func (s *Session) Peers() []string {
	c := s.current()
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DirectPeers lists the peers currently reached over an open direct link.
func (s *Session) DirectPeers() []string {
	c := s.current()
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, dp := range c.direct {
		if dp.open {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Session) setState(c *connection, st State) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.registry.Notify()
}

func (s *Session) run(c *connection) {
	for {
		link, err := s.dial(c)
		if err != nil {
			return
		}
		if !c.attach(link) {
			link.Close()
			return
		}
		s.setState(c, Connected)
		glog.Infof("[session]%s joined room %s", c.store.ReplicaID(), c.room)

		err = s.serve(c, link)
		c.detach(link)
		link.Close()
		if c.ctx.Err() != nil {
			return
		}

		glog.Warningf("[session]link to room %s lost: %s", c.room, err)
		s.setState(c, Connecting)
		c.forgetPeers()
	}
}

func (s *Session) dial(c *connection) (Link, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.settings.ReconnectInitial
	b.MaxInterval = s.settings.ReconnectMax
	b.MaxElapsedTime = 0

	peerID := string(c.store.ReplicaID())
	var link Link
	err := backoff.RetryNotify(func() error {
		l, err := s.transport.Dial(c.ctx, c.room, peerID)
		if err != nil {
			return err
		}
		link = l
		return nil
	}, backoff.WithContext(b, c.ctx), func(err error, next time.Duration) {
		glog.Infof("[session]dial room %s failed, retry in %s: %s", c.room, next, err)
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// serve pumps the outbound queue into link and dispatches inbound frames
// until the link fails or the session is cancelled.
func (s *Session) serve(c *connection, link Link) error {
	// frames queued while the link was down are superseded by the sync
	// exchange that follows the welcome
	c.drain()

	received := make(chan error, 1)
	go func() {
		for {
			data, err := link.Receive()
			if err != nil {
				received <- err
				return
			}
			s.handle(c, data)
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case err := <-received:
			return err
		case <-c.overflow:
			return errQueueOverflow
		case m := <-c.out:
			if err := s.deliver(c, link, m); err != nil {
				return err
			}
		}
	}
}

// deliver sends m over direct links when every recipient has one open and
// the frame is small enough, and through the rendezvous otherwise. A
// failed direct send falls back to the relay; duplicates are harmless.
func (s *Session) deliver(c *connection, link Link, m outbound) error {
	if !m.relay && len(m.data) <= s.settings.DirectFrameSize {
		if targets := c.directLinks(m.to); len(targets) > 0 {
			sent := true
			for _, pl := range targets {
				if err := pl.Send(m.data); err != nil {
					glog.V(1).Infof("[session]direct send failed, using the relay: %s", err)
					sent = false
					break
				}
			}
			if sent {
				return nil
			}
		}
	}
	return link.Send(m.data)
}

func (s *Session) handle(c *connection, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		glog.Warningf("[session]drop frame: %s", err)
		return
	}
	s.dispatch(c, f)
}

// handleDirect reads a frame that arrived on peer's direct link. Only
// replication frames may travel there, and the sender is whoever is on the
// other end of the link.
func (s *Session) handleDirect(c *connection, peer string, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		glog.Warningf("[session]drop direct frame from %s: %s", peer, err)
		return
	}
	if !f.Type.Relayed() || f.Type == models.MessageTypeSignal {
		glog.Warningf("[session]drop %q frame on direct link from %s", f.Type, peer)
		return
	}
	f.From = peer
	f.Room = c.room
	s.dispatch(c, f)
}

func (s *Session) dispatch(c *connection, f models.Frame) {
	self := string(c.store.ReplicaID())
	if f.From == self {
		return
	}
	if f.Type.Relayed() && f.From != "" {
		s.discover(c, f.From, false)
	}

	switch f.Type {
	case models.MessageTypeWelcome:
		peers, err := wire.DecodeWelcome(f)
		if err != nil {
			glog.Warningf("[session]drop welcome: %s", err)
			return
		}
		for _, p := range peers {
			if p != self {
				s.discover(c, p, false)
			}
		}
	case models.MessageTypePeerJoined:
		p, err := wire.DecodePeer(f)
		if err != nil {
			glog.Warningf("[session]drop peer-joined: %s", err)
			return
		}
		if p != self {
			// a rejoining peer may have missed frames; always resend
			s.discover(c, p, true)
		}
	case models.MessageTypePeerLeft:
		p, err := wire.DecodePeer(f)
		if err != nil {
			glog.Warningf("[session]drop peer-left: %s", err)
			return
		}
		s.forget(c, p)
	case models.MessageTypeSync:
		log, err := wire.DecodeSync(f)
		if err != nil {
			glog.Warningf("[session]drop sync from %s: %s", f.From, err)
			return
		}
		s.merge(c, f.From, log)
		// a sync means the sender has just (re)discovered us and may
		// have dropped our presence; it only learns it again from us
		if f.From != "" {
			s.sendPresence(c, f.From)
		}
	case models.MessageTypeBatch:
		b, err := wire.DecodeBatch(f)
		if err != nil {
			glog.Warningf("[session]drop batch from %s: %s", f.From, err)
			return
		}
		s.merge(c, f.From, []crdt.Batch{b})
	case models.MessageTypePresence:
		u, err := wire.DecodePresence(f)
		if err != nil {
			glog.Warningf("[session]drop presence from %s: %s", f.From, err)
			return
		}
		if f.From != "" && string(u.Peer) != f.From {
			glog.Warningf("[session]drop presence for %s relayed from %s", u.Peer, f.From)
			return
		}
		c.presence.Receive(u)
	case models.MessageTypeSignal:
		payload, err := wire.DecodeSignal(f)
		if err != nil {
			glog.Warningf("[session]drop signal from %s: %s", f.From, err)
			return
		}
		s.signal(c, f.From, payload)
	case models.MessageTypeError:
		glog.Warningf("[session]rendezvous error: %s", f.Payload)
	default:
		glog.Warningf("[session]drop frame of unknown type %q from %s", f.Type, f.From)
	}
}

// discover records peer and sends it our whole log and presence. Unless
// force is set, a peer already known is left alone.
func (s *Session) discover(c *connection, peer string, force bool) {
	c.mu.Lock()
	_, known := c.peers[peer]
	c.peers[peer] = struct{}{}
	c.mu.Unlock()
	if known && !force {
		return
	}

	frames, err := wire.EncodeSyncChunks(peer, c.store.Log(), s.settings.SyncChunkSize)
	if err != nil {
		glog.Errorf("[session]encode sync for %s: %s", peer, err)
	}
	for _, data := range frames {
		c.post(models.MessageTypeSync, peer, data)
	}
	s.sendPresence(c, peer)
	if s.dialer != nil {
		s.dialDirect(c, peer, force)
	}
	if !known {
		glog.V(1).Infof("[session]discovered peer %s", peer)
		s.registry.Notify()
	}
}

func (s *Session) sendPresence(c *connection, peer string) {
	for _, u := range c.presence.LocalUpdates() {
		if data, err := wire.EncodePresence(peer, u); err == nil {
			c.post(models.MessageTypePresence, peer, data)
		}
	}
}

func (s *Session) forget(c *connection, peer string) {
	c.mu.Lock()
	_, known := c.peers[peer]
	delete(c.peers, peer)
	var direct PeerLink
	if dp := c.direct[peer]; dp != nil {
		direct = dp.link
		delete(c.direct, peer)
	}
	c.mu.Unlock()
	if direct != nil {
		direct.Close()
	}
	if !known {
		return
	}
	glog.V(1).Infof("[session]peer %s left", peer)
	if !c.presence.RemovePeer(crdt.ReplicaID(peer)) {
		s.registry.Notify()
	}
}

func (s *Session) merge(c *connection, from string, log []crdt.Batch) {
	n, err := c.store.Merge(log)
	if err != nil {
		if !errors.Is(err, state.ErrStoreClosed) {
			glog.Warningf("[session]drop log from %s: %s", from, err)
		}
		return
	}
	glog.V(2).Infof("[session]merged %d ops from %s", n, from)
}

func (c *connection) attach(link Link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	c.link = link
	return true
}

func (c *connection) detach(link Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == link {
		c.link = nil
	}
}

func (c *connection) forgetPeers() {
	c.mu.Lock()
	c.peers = make(map[string]struct{})
	direct := c.resetDirect()
	c.mu.Unlock()
	closeAll(direct)
	c.presence.Reset()
}

// resetDirect empties the direct link table and returns what it held.
// Callers hold c.mu and close the links after releasing it.
func (c *connection) resetDirect() []PeerLink {
	out := make([]PeerLink, 0, len(c.direct))
	for _, dp := range c.direct {
		out = append(out, dp.link)
	}
	c.direct = make(map[string]*directPeer)
	c.tried = make(map[string]bool)
	return out
}

func closeAll(links []PeerLink) {
	for _, l := range links {
		l.Close()
	}
}

// directLinks returns the open direct links that reach every recipient of
// a frame addressed to to, or nil if some recipient has none.
func (c *connection) directLinks(to string) []PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to != "" {
		if dp := c.direct[to]; dp != nil && dp.open {
			return []PeerLink{dp.link}
		}
		return nil
	}
	out := make([]PeerLink, 0, len(c.peers))
	for id := range c.peers {
		dp := c.direct[id]
		if dp == nil || !dp.open {
			return nil
		}
		out = append(out, dp.link)
	}
	return out
}

// post queues a replication frame. The rendezvous would cut the link over
// a frame past its limit, so such a frame is logged and not sent.
func (c *connection) post(t models.MessageType, to string, data []byte) {
	if !c.settings.frameFits(len(data)) {
		glog.Errorf("[session]%s frame of %d bytes exceeds the %d byte frame limit, not sent",
			t, len(data), c.settings.MaxFrameSize)
		return
	}
	c.enqueue(outbound{to: to, data: data})
}

// signaler returns the callback a direct link uses to reach peer while it
// negotiates.
func (c *connection) signaler(peer string) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		data, err := wire.EncodeSignal(peer, payload)
		if err != nil {
			glog.Errorf("[session]encode signal for %s: %s", peer, err)
			return
		}
		c.enqueue(outbound{to: peer, data: data, relay: true})
	}
}

// enqueue never blocks; it runs under the store lock. A full queue means
// the link cannot keep up, and the link is dropped.
func (c *connection) enqueue(m outbound) {
	select {
	case c.out <- m:
	default:
		glog.Warningf("[session]send queue full in room %s", c.room)
		select {
		case c.overflow <- struct{}{}:
		default:
		}
	}
}

func (c *connection) drain() {
	for {
		select {
		case <-c.out:
		case <-c.overflow:
		default:
			return
		}
	}
}
