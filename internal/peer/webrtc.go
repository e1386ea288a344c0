package peer

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"
)

const dataChannelLabel = "roomsync"

// WebRTCDialer opens direct links as WebRTC data channels. Offers, answers
// and ICE candidates are trickled to the peer through the rendezvous.
type WebRTCDialer struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewWebRTCDialer gathers candidates with the given STUN/TURN urls. With
// none, only host candidates are used, which is enough on one network.
func NewWebRTCDialer(iceServers []string) *WebRTCDialer {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return NewWebRTCDialerWithAPI(webrtc.NewAPI(), config)
}

func NewWebRTCDialerWithAPI(api *webrtc.API, config webrtc.Configuration) *WebRTCDialer {
	return &WebRTCDialer{api: api, config: config}
}

// rtcSignal is the negotiation payload. Exactly one field is set.
type rtcSignal struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func (d *WebRTCDialer) NewPeerLink(peer string, offer bool, signal func(json.RawMessage)) (PeerLink, error) {
	pc, err := d.api.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	l := &rtcLink{
		peer:   peer,
		pc:     pc,
		signal: signal,
		inbox:  make(chan []byte, memoryLinkBufferSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		l.send(rtcSignal{Candidate: &init})
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		glog.V(2).Infof("[rtc]%s connection %s", peer, st)
		switch st {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.Close()
		}
	})

	if !offer {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				glog.Warningf("[rtc]%s opened unexpected channel %q", peer, dc.Label())
				return
			}
			l.bind(dc)
		})
		return l, nil
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("data channel: %w", err)
	}
	l.bind(dc)
	desc, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	l.send(rtcSignal{SDP: &desc})
	return l, nil
}

type rtcLink struct {
	peer   string
	pc     *webrtc.PeerConnection
	signal func(json.RawMessage)
	inbox  chan []byte

	mu sync.Mutex
	dc *webrtc.DataChannel
	// candidates that arrived before the remote description
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func (l *rtcLink) send(sig rtcSignal) {
	data, err := json.Marshal(sig)
	if err != nil {
		glog.Errorf("[rtc]encode signal for %s: %s", l.peer, err)
		return
	}
	l.signal(data)
}

func (l *rtcLink) bind(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.readyOnce.Do(func() { close(l.ready) })
	})
	dc.OnClose(func() {
		l.Close()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case <-l.done:
		case l.inbox <- msg.Data:
		default:
			glog.Warningf("[rtc]%s is not keeping up, dropping", l.peer)
			go l.Close()
		}
	})
}

func (l *rtcLink) Signal(payload json.RawMessage) error {
	var sig rtcSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("rtc signal: %w", err)
	}
	switch {
	case sig.SDP != nil:
		return l.remoteDescription(*sig.SDP)
	case sig.Candidate != nil:
		l.mu.Lock()
		if !l.remoteSet {
			l.pending = append(l.pending, *sig.Candidate)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		return l.pc.AddICECandidate(*sig.Candidate)
	}
	return fmt.Errorf("rtc signal: empty")
}

func (l *rtcLink) remoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		l.send(rtcSignal{SDP: &answer})
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
	}
	return nil
}

func (l *rtcLink) Ready() <-chan struct{} { return l.ready }

func (l *rtcLink) Done() <-chan struct{} { return l.done }

func (l *rtcLink) Send(frame []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	return dc.Send(frame)
}

func (l *rtcLink) Receive() ([]byte, error) {
	select {
	case data := <-l.inbox:
		return data, nil
	case <-l.done:
		return nil, io.EOF
	}
}

// Close releases the peer connection in the background; pion callbacks
// call it and must not wait on their own connection.
func (l *rtcLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		go func() {
			if err := l.pc.Close(); err != nil {
				glog.V(1).Infof("[rtc]close %s: %s", l.peer, err)
			}
		}()
	})
	return nil
}
