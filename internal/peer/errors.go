package peer

import "errors"

var (
	// ErrNotConnected is returned by operations that need an open session.
	ErrNotConnected = errors.New("peer: session not connected")
	ErrLinkClosed   = errors.New("peer: link closed")
)
