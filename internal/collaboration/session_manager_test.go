package collaboration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/internal/models"
	"roomsync/internal/wire"
)

func startManager(t *testing.T, opts Options) *SessionManager {
	t.Helper()
	sm := NewSessionManager(opts)
	sm.Start()
	t.Cleanup(sm.Shutdown)
	return sm
}

func join(t *testing.T, sm *SessionManager, roomID, peerID string) *Session {
	t.Helper()
	s := sm.NewSession(roomID, peerID, nil)
	require.True(t, sm.Register(s))
	return s
}

func recv(t *testing.T, s *Session) models.Frame {
	t.Helper()
	select {
	case data, ok := <-s.Send:
		require.True(t, ok, "send channel of %s closed", s.PeerID)
		f, err := wire.Decode(data)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for %s", s.PeerID)
	}
	return models.Frame{}
}

func recvType(t *testing.T, s *Session, want models.MessageType) models.Frame {
	t.Helper()
	for {
		if f := recv(t, s); f.Type == want {
			return f
		}
	}
}

func assertQuiet(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data := <-s.Send:
		t.Fatalf("unexpected frame for %s: %s", s.PeerID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func assertClosed(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-s.Send:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func batchFrame(t *testing.T, to string) models.Frame {
	t.Helper()
	f, err := wire.NewFrame(models.MessageTypeBatch, to, json.RawMessage(`{"origin":"x","clock":1,"ops":[]}`))
	require.NoError(t, err)
	return f
}

func TestSessionManager_WelcomeAndPeerJoined(t *testing.T) {
	sm := startManager(t, DefaultOptions())

	a := join(t, sm, "room", "a")
	welcome := recv(t, a)
	assert.Equal(t, models.MessageTypeWelcome, welcome.Type)
	assert.Equal(t, "room", welcome.Room)
	peers, err := wire.DecodeWelcome(welcome)
	require.NoError(t, err)
	assert.Empty(t, peers)

	b := join(t, sm, "room", "b")
	peers, err = wire.DecodeWelcome(recv(t, b))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, peers)

	joined := recv(t, a)
	assert.Equal(t, models.MessageTypePeerJoined, joined.Type)
	peer, err := wire.DecodePeer(joined)
	require.NoError(t, err)
	assert.Equal(t, "b", peer)
	assertQuiet(t, b)
}

func TestSessionManager_RelayStampsSenderAndRoom(t *testing.T) {
	sm := startManager(t, DefaultOptions())
	a := join(t, sm, "room", "a")
	recv(t, a)
	b := join(t, sm, "room", "b")
	recv(t, b)
	recv(t, a) // peer-joined b
	other := join(t, sm, "elsewhere", "c")
	recv(t, other)

	f := batchFrame(t, "")
	f.From = "forged"
	f.Room = "forged"
	sm.Relay(a, f)

	got := recv(t, b)
	assert.Equal(t, models.MessageTypeBatch, got.Type)
	assert.Equal(t, "a", got.From)
	assert.Equal(t, "room", got.Room)
	assertQuiet(t, a)
	assertQuiet(t, other)
}

func TestSessionManager_AddressedFrames(t *testing.T) {
	sm := startManager(t, DefaultOptions())
	a := join(t, sm, "room", "a")
	recv(t, a)
	b := join(t, sm, "room", "b")
	recv(t, b)
	recv(t, a)
	c := join(t, sm, "room", "c")
	recv(t, c)
	recv(t, a)
	recv(t, b)

	sm.Relay(a, batchFrame(t, "c"))

	got := recv(t, c)
	assert.Equal(t, "c", got.To)
	assert.Equal(t, "a", got.From)
	assertQuiet(t, b)

	// unknown recipients are ignored
	sm.Relay(a, batchFrame(t, "nobody"))
	assertQuiet(t, b)
	assertQuiet(t, c)
}

func TestSessionManager_RelaysDirectLinkSignals(t *testing.T) {
	sm := startManager(t, DefaultOptions())
	a := join(t, sm, "room", "a")
	recv(t, a)
	b := join(t, sm, "room", "b")
	recv(t, b)
	recv(t, a)

	f, err := wire.NewFrame(models.MessageTypeSignal, "b", json.RawMessage(`{"sdp":{"type":"offer","sdp":"v=0"}}`))
	require.NoError(t, err)
	sm.Relay(a, f)

	got := recv(t, b)
	assert.Equal(t, models.MessageTypeSignal, got.Type)
	assert.Equal(t, "a", got.From)
	payload, err := wire.DecodeSignal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sdp":{"type":"offer","sdp":"v=0"}}`, string(payload))
	assertQuiet(t, a)
}

func TestSessionManager_PeersCannotForgeSignaling(t *testing.T) {
	sm := startManager(t, DefaultOptions())
	a := join(t, sm, "room", "a")
	recv(t, a)
	b := join(t, sm, "room", "b")
	recv(t, b)
	recv(t, a)

	forged, err := wire.NewFrame(models.MessageTypePeerLeft, "", models.PeerPayload{Peer: "a"})
	require.NoError(t, err)
	sm.Relay(b, forged)

	assertQuiet(t, a)
}

func TestSessionManager_UnregisterAnnouncesPeerLeft(t *testing.T) {
	sm := startManager(t, DefaultOptions())
	a := join(t, sm, "room", "a")
	recv(t, a)
	b := join(t, sm, "room", "b")
	recv(t, b)
	recv(t, a)

	sm.Unregister(b)
	sm.Unregister(b) // already gone

	left := recv(t, a)
	assert.Equal(t, models.MessageTypePeerLeft, left.Type)
	peer, err := wire.DecodePeer(left)
	require.NoError(t, err)
	assert.Equal(t, "b", peer)
	assertClosed(t, b)
	assertQuiet(t, a)

	info, ok := sm.Room("room")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, info.Peers)
}

func TestSessionManager_DuplicatePeerReplacesOld(t *testing.T) {
	sm := startManager(t, DefaultOptions())
	a := join(t, sm, "room", "a")
	recv(t, a)
	b := join(t, sm, "room", "b")
	recv(t, b)
	recv(t, a)

	b2 := join(t, sm, "room", "b")
	peers, err := wire.DecodeWelcome(recv(t, b2))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, peers)
	assertClosed(t, b)

	// the room hears about b again so it can resync
	again := recv(t, a)
	assert.Equal(t, models.MessageTypePeerJoined, again.Type)

	// the stale connection's unregister does not evict the new one
	sm.Unregister(b)
	assertQuiet(t, a)
	info, _ := sm.Room("room")
	assert.Equal(t, []string{"a", "b"}, info.Peers)
}

func TestSessionManager_SlowPeerIsDropped(t *testing.T) {
	sm := startManager(t, Options{SendBufferSize: 2})
	a := join(t, sm, "room", "a")
	recv(t, a)
	b := join(t, sm, "room", "b") // never reads after this
	recv(t, a)

	for i := 0; i < 3; i++ {
		sm.Relay(a, batchFrame(t, ""))
	}

	left := recv(t, a)
	assert.Equal(t, models.MessageTypePeerLeft, left.Type)
	require.Eventually(t, func() bool {
		info, _ := sm.Room("room")
		return len(info.Peers) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assertClosed(t, b)
}

func TestSessionManager_Rooms(t *testing.T) {
	sm := startManager(t, DefaultOptions())
	join(t, sm, "beta", "p2")
	join(t, sm, "alpha", "p1")

	require.Eventually(t, func() bool { return len(sm.Rooms()) == 2 }, 2*time.Second, 5*time.Millisecond)
	rooms := sm.Rooms()
	assert.Equal(t, "alpha", rooms[0].ID)
	assert.Equal(t, []string{"p1"}, rooms[0].Peers)
	assert.False(t, rooms[0].CreatedAt.IsZero())

	_, ok := sm.Room("gamma")
	assert.False(t, ok)
	assert.Len(t, sm.GetSessions("beta"), 1)
}

func TestSessionManager_IdleSessionsAreSwept(t *testing.T) {
	sm := startManager(t, Options{IdleTimeout: 40 * time.Millisecond})
	a := join(t, sm, "room", "a")

	require.Eventually(t, func() bool {
		_, ok := sm.Room("room")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assertClosed(t, a)
}

func TestSessionManager_RegisterAfterShutdown(t *testing.T) {
	sm := NewSessionManager(DefaultOptions())
	sm.Start()
	sm.Shutdown()
	sm.Shutdown()

	assert.False(t, sm.Register(sm.NewSession("room", "a", nil)))
}

// fakeBus connects the backplanes of several managers in memory
type fakeBus struct {
	mu      sync.Mutex
	members []*fakeBackplane
}

type fakeBackplane struct {
	bus      *fakeBus
	instance string
	inbox    chan Envelope
}

func (bus *fakeBus) attach(instance string) *fakeBackplane {
	b := &fakeBackplane{bus: bus, instance: instance, inbox: make(chan Envelope, 64)}
	bus.mu.Lock()
	bus.members = append(bus.members, b)
	bus.mu.Unlock()
	return b
}

func (b *fakeBackplane) Publish(ctx context.Context, env Envelope) error {
	env.Instance = b.instance
	b.bus.mu.Lock()
	defer b.bus.mu.Unlock()
	for _, m := range b.bus.members {
		if m != b {
			m.inbox <- env
		}
	}
	return nil
}

func (b *fakeBackplane) Subscribe(ctx context.Context, fn func(Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-b.inbox:
			fn(env)
		}
	}
}

func (b *fakeBackplane) Close() error { return nil }

func TestSessionManager_BackplaneFansOutAcrossInstances(t *testing.T) {
	bus := &fakeBus{}
	one := startManager(t, Options{Backplane: bus.attach("one")})
	two := startManager(t, Options{Backplane: bus.attach("two")})

	a := join(t, one, "room", "a")
	recv(t, a)
	b := join(t, two, "room", "b")
	peers, err := wire.DecodeWelcome(recv(t, b))
	require.NoError(t, err)
	assert.Empty(t, peers, "welcome only lists local peers")

	joined := recv(t, a)
	assert.Equal(t, models.MessageTypePeerJoined, joined.Type)

	one.Relay(a, batchFrame(t, ""))
	// a's own peer-joined may reach b through the backplane first
	got := recvType(t, b, models.MessageTypeBatch)
	assert.Equal(t, "a", got.From)
	assert.Equal(t, "room", got.Room)

	two.Relay(b, batchFrame(t, "a"))
	got = recv(t, a)
	assert.Equal(t, "b", got.From)
	assert.Equal(t, "a", got.To)
}
