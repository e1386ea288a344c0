package collaboration

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/internal/crdt"
	"roomsync/internal/models"
	"roomsync/internal/peer"
	"roomsync/internal/state"
	"roomsync/internal/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, *SessionManager) {
	t.Helper()
	sm := startManager(t, DefaultOptions())
	router := mux.NewRouter()
	router.HandleFunc("/ws/room/{id}", NewWebSocketHandler(sm).HandleRoomConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, sm
}

func dialRoom(t *testing.T, srv *httptest.Server, room, peerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/room/" + room + "?peer_id=" + peerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Decode(data)
	require.NoError(t, err)
	return f
}

func TestWebSocketHandler_RequiresPeerID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws/room/room")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketHandler_RelaysBetweenConnections(t *testing.T) {
	srv, sm := newTestServer(t)

	a := dialRoom(t, srv, "room", "a")
	assert.Equal(t, models.MessageTypeWelcome, readFrame(t, a).Type)
	b := dialRoom(t, srv, "room", "b")
	peers, err := wire.DecodeWelcome(readFrame(t, b))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, peers)
	assert.Equal(t, models.MessageTypePeerJoined, readFrame(t, a).Type)

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	require.NoError(t, b.WriteMessage(websocket.TextMessage,
		[]byte(`{"v":1,"type":"presence","payload":{"peer":"b","seq":1,"field":"name","value":"bo"}}`)))

	got := readFrame(t, a)
	assert.Equal(t, models.MessageTypePresence, got.Type)
	assert.Equal(t, "b", got.From)
	u, err := wire.DecodePresence(got)
	require.NoError(t, err)
	assert.Equal(t, "bo", u.Value)

	require.NoError(t, b.Close())
	left := readFrame(t, a)
	assert.Equal(t, models.MessageTypePeerLeft, left.Type)
	require.Eventually(t, func() bool {
		info, _ := sm.Room("room")
		return len(info.Peers) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketHandler_PeerSessionsConverge(t *testing.T) {
	srv, _ := newTestServer(t)
	settings := peer.DefaultSettings()
	settings.ReconnectInitial = 10 * time.Millisecond

	var sessions []*peer.Session
	for i := 0; i < 2; i++ {
		s := peer.NewSession(peer.NewWebSocketTransport(srv.URL, settings), settings)
		require.NoError(t, s.Connect("groceries"))
		t.Cleanup(s.Disconnect)
		sessions = append(sessions, s)
	}
	a, b := sessions[0], sessions[1]
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Transact(func(tx *state.Txn) error {
		return tx.Set(crdt.P("items"), []any{"milk"})
	}))
	require.NoError(t, b.SetLocalPresenceField("name", "bo"))

	require.Eventually(t, func() bool {
		return a.CurrentSnapshot().Equal(b.CurrentSnapshot()) &&
			a.RemotePresenceStates()[b.ReplicaID()].Fields["name"] == "bo"
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]any{"items": []any{"milk"}}, b.CurrentSnapshot().Value())
}
