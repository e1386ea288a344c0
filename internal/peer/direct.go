package peer

import (
	"encoding/json"
	"time"

	"github.com/golang/glog"
)

// dialDirect offers a direct link to peer when this side is the one that
// offers: the lower replica id. Each peer is offered once per welcome; a
// peer that rejoins the room starts over.
func (s *Session) dialDirect(c *connection, peer string, rejoined bool) {
	self := string(c.store.ReplicaID())

	c.mu.Lock()
	var stale PeerLink
	if rejoined {
		if dp := c.direct[peer]; dp != nil {
			stale = dp.link
			delete(c.direct, peer)
		}
		delete(c.tried, peer)
	}
	if self > peer || c.tried[peer] || c.direct[peer] != nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		if stale != nil {
			stale.Close()
		}
		return
	}
	c.tried[peer] = true
	// the answer may arrive before NewPeerLink returns; holding the lock
	// makes signal wait until the link is in the table
	pl, err := s.dialer.NewPeerLink(peer, true, c.signaler(peer))
	if err == nil {
		c.direct[peer] = &directPeer{link: pl}
	}
	c.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	if err != nil {
		glog.Warningf("[session]direct link to %s: %s", peer, err)
		return
	}
	glog.V(1).Infof("[session]offering direct link to %s", peer)
	go s.watchDirect(c, peer, pl)
}

// signal feeds a negotiation message from peer to its direct link. The
// answering side creates its link when the first message arrives.
func (s *Session) signal(c *connection, peer string, payload json.RawMessage) {
	if s.dialer == nil {
		glog.V(2).Infof("[session]ignore signal from %s, direct links are off", peer)
		return
	}
	self := string(c.store.ReplicaID())

	c.mu.Lock()
	dp := c.direct[peer]
	if dp == nil {
		if self < peer || c.ctx.Err() != nil {
			c.mu.Unlock()
			glog.V(1).Infof("[session]drop signal from %s, no negotiation pending", peer)
			return
		}
		pl, err := s.dialer.NewPeerLink(peer, false, c.signaler(peer))
		if err != nil {
			c.mu.Unlock()
			glog.Warningf("[session]direct link from %s: %s", peer, err)
			return
		}
		dp = &directPeer{link: pl}
		c.direct[peer] = dp
		go s.watchDirect(c, peer, pl)
	}
	pl := dp.link
	c.mu.Unlock()

	if err := pl.Signal(payload); err != nil {
		glog.Warningf("[session]negotiation with %s failed: %s", peer, err)
		s.dropDirect(c, peer, pl)
	}
}

// watchDirect waits for pl to open, then reads it until it drops. A link
// that never opens is abandoned and the peer stays on the relay.
func (s *Session) watchDirect(c *connection, peer string, pl PeerLink) {
	timer := time.NewTimer(s.settings.DirectTimeout)
	select {
	case <-pl.Ready():
		timer.Stop()
	case <-pl.Done():
		timer.Stop()
		s.dropDirect(c, peer, pl)
		return
	case <-timer.C:
		glog.Infof("[session]no direct link to %s after %s, staying on the relay", peer, s.settings.DirectTimeout)
		s.dropDirect(c, peer, pl)
		return
	}

	if !c.openDirect(peer, pl) {
		pl.Close()
		return
	}
	glog.V(1).Infof("[session]direct link to %s open", peer)
	s.registry.Notify()

	for {
		data, err := pl.Receive()
		if err != nil {
			s.directLost(c, peer, pl, err)
			return
		}
		s.handleDirect(c, peer, data)
	}
}

func (c *connection) openDirect(peer string, pl PeerLink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	dp := c.direct[peer]
	if dp == nil || dp.link != pl || c.ctx.Err() != nil {
		return false
	}
	dp.open = true
	return true
}

// takeDirect removes pl from the table if it is still peer's link.
func (c *connection) takeDirect(peer string, pl PeerLink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	dp := c.direct[peer]
	if dp == nil || dp.link != pl {
		return false
	}
	delete(c.direct, peer)
	return true
}

func (s *Session) dropDirect(c *connection, peer string, pl PeerLink) {
	c.takeDirect(peer, pl)
	pl.Close()
}

// directLost handles an open direct link going down: the peer is treated
// as having left, then introduced again over the relay. No new direct link
// is offered until the next welcome or until the peer rejoins.
func (s *Session) directLost(c *connection, peer string, pl PeerLink, err error) {
	current := c.takeDirect(peer, pl)
	pl.Close()
	if !current || c.ctx.Err() != nil {
		return
	}
	glog.Warningf("[session]direct link to %s lost: %s", peer, err)
	s.registry.Notify()
	s.forget(c, peer)
	s.discover(c, peer, false)
}
