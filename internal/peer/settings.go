package peer

import "time"

type Settings struct {
	// outbound frames waiting for the link; overflowing it drops the link
	SendQueueSize    int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	// a link with no traffic (pongs included) for this long is dead
	ReadTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// largest frame the rendezvous accepts or delivers. The server stamps
	// sender and room on relayed frames, so outbound frames must stay
	// FrameHeadroom below it.
	MaxFrameSize  int
	FrameHeadroom int
	// target size of each sync frame when a log is sent to a peer
	SyncChunkSize int

	// a direct link that is not open by then is abandoned for the relay
	DirectTimeout time.Duration
	// larger frames take the relay even when a direct link is open
	DirectFrameSize int
}

func DefaultSettings() *Settings {
	pingInterval := 20 * time.Second
	return &Settings{
		SendQueueSize:    256,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     pingInterval,
		ReadTimeout:      3 * pingInterval,
		ReconnectInitial: 250 * time.Millisecond,
		ReconnectMax:     10 * time.Second,
		MaxFrameSize:     4 << 20,
		FrameHeadroom:    4 << 10,
		SyncChunkSize:    1 << 20,
		DirectTimeout:    15 * time.Second,
		DirectFrameSize:  60 << 10,
	}
}

// frameFits reports whether an outbound frame of n bytes can cross the
// rendezvous.
func (s *Settings) frameFits(n int) bool {
	return s.MaxFrameSize <= 0 || n <= s.MaxFrameSize-s.FrameHeadroom
}
