package peer

import (
	"context"
	"encoding/json"
)

// Transport opens signaling links to a room.
type Transport interface {
	// Dial joins room as peerID. The rendezvous greets the link with a
	// welcome frame listing the peers already in the room.
	Dial(ctx context.Context, room string, peerID string) (Link, error)
}

// Link is one signaling connection. Send and Receive carry encoded frames.
// Send may be called concurrently with Receive, and Close unblocks both.
type Link interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// PeerDialer opens direct links to single peers. Negotiation messages are
// opaque to the session; they travel to the peer as signal frames through
// the rendezvous, and its replies come back through PeerLink.Signal.
type PeerDialer interface {
	// NewPeerLink starts negotiating with peer. The offering side speaks
	// first; the other side is created when the first signal arrives.
	NewPeerLink(peer string, offer bool, signal func(json.RawMessage)) (PeerLink, error)
}

// PeerLink is a direct link to one peer. It carries frames only after
// Ready is closed, and Done is closed once the link is gone for good.
type PeerLink interface {
	Link
	Signal(payload json.RawMessage) error
	Ready() <-chan struct{}
	Done() <-chan struct{}
}
