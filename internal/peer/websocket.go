package peer

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// WebSocketTransport dials the rendezvous server at
// {baseURL}/ws/room/{room}?peer_id={peer}.
type WebSocketTransport struct {
	baseURL  string
	settings *Settings
	dialer   *websocket.Dialer
}

func NewWebSocketTransport(baseURL string, settings *Settings) *WebSocketTransport {
	return &WebSocketTransport{
		baseURL:  baseURL,
		settings: settings,
		dialer: &websocket.Dialer{
			HandshakeTimeout: settings.HandshakeTimeout,
		},
	}
}

func (t *WebSocketTransport) roomURL(room string, peerID string) (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = path.Join(u.Path, "/ws/room", url.PathEscape(room))
	q := u.Query()
	q.Set("peer_id", peerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *WebSocketTransport) Dial(ctx context.Context, room string, peerID string) (Link, error) {
	target, err := t.roomURL(room, peerID)
	if err != nil {
		return nil, err
	}
	conn, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	glog.V(1).Infof("[ws]connected %s", target)
	return newWebSocketLink(conn, t.settings), nil
}

type webSocketLink struct {
	conn     *websocket.Conn
	settings *Settings

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWebSocketLink(conn *websocket.Conn, settings *Settings) *webSocketLink {
	l := &webSocketLink{
		conn:     conn,
		settings: settings,
		done:     make(chan struct{}),
	}
	if settings.MaxFrameSize > 0 {
		conn.SetReadLimit(int64(settings.MaxFrameSize))
	}
	conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	})
	go l.keepalive()
	return l
}

func (l *webSocketLink) keepalive() {
	ticker := time.NewTicker(l.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(l.settings.WriteTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				glog.V(1).Infof("[ws]ping error = %s", err)
				l.Close()
				return
			}
		}
	}
}

func (l *webSocketLink) Send(frame []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(l.settings.WriteTimeout))
	// a write deadline timeout cannot be recovered; the caller drops the link
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

func (l *webSocketLink) Receive() ([]byte, error) {
	for {
		messageType, message, err := l.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		l.conn.SetReadDeadline(time.Now().Add(l.settings.ReadTimeout))
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return message, nil
		}
	}
}

// Close sends a close frame when it can and releases the connection
// without waiting for the server's reply.
func (l *webSocketLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		deadline := time.Now().Add(l.settings.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		l.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		err = l.conn.Close()
	})
	return err
}
