// Package presence tracks the volatile per-peer state (name, cursor, ...)
// that travels next to the replicated document but is never part of it.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"roomsync/internal/crdt"
	"roomsync/internal/subscription"
)

var (
	ErrClosed       = errors.New("presence: channel closed")
	ErrInvalidValue = errors.New("presence: value has no JSON form")
)

// Update is one field change as it travels between peers.
type Update struct {
	Peer  crdt.ReplicaID `json:"peer"`
	Seq   uint64         `json:"seq"`
	Field string         `json:"field"`
	Value any            `json:"value"`
}

// Record is a peer's presence as seen locally.
type Record struct {
	PeerID   crdt.ReplicaID
	Fields   map[string]any
	LastSeen time.Time
}

type field struct {
	seq   uint64
	value any
}

type peerState struct {
	fields   map[string]field
	lastSeen time.Time
}

func (p *peerState) record(id crdt.ReplicaID) Record {
	r := Record{PeerID: id, Fields: make(map[string]any, len(p.fields)), LastSeen: p.lastSeen}
	for name, f := range p.fields {
		r.Fields[name] = clone(f.value)
	}
	return r
}

// Channel holds the local presence record and the records of remote peers.
// Each peer numbers its own field writes; receivers keep the highest
// sequence number seen per (peer, field).
type Channel struct {
	mu        sync.Mutex
	local     crdt.ReplicaID
	seq       uint64
	own       *peerState
	remote    map[crdt.ReplicaID]*peerState
	registry  *subscription.Registry
	broadcast func(Update)
	closed    bool
	now       func() time.Time
}

// NewChannel creates a channel for the local replica. broadcast is called
// for every local field change and must not block.
func NewChannel(local crdt.ReplicaID, registry *subscription.Registry, broadcast func(Update)) *Channel {
	if registry == nil {
		registry = subscription.NewRegistry()
	}
	return &Channel{
		local:     local,
		own:       &peerState{fields: make(map[string]field)},
		remote:    make(map[crdt.ReplicaID]*peerState),
		registry:  registry,
		broadcast: broadcast,
		now:       time.Now,
	}
}

// SetLocalField sets one field of the local record and broadcasts it right
// away.
func (c *Channel) SetLocalField(name string, value any) error {
	if _, err := json.Marshal(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	u := Update{Peer: c.local, Seq: c.seq, Field: name, Value: clone(value)}
	c.own.fields[name] = field{seq: u.Seq, value: u.Value}
	c.own.lastSeen = c.now()
	send := c.broadcast
	c.mu.Unlock()

	if send != nil {
		send(u)
	}
	c.registry.Notify()
	return nil
}

// LocalState returns a copy of the local record.
func (c *Channel) LocalState() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.own.record(c.local)
}

// LocalUpdates returns the local record as a list of updates, one per
// field, so a newly discovered peer can learn it.
func (c *Channel) LocalUpdates() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Update, 0, len(c.own.fields))
	for name, f := range c.own.fields {
		out = append(out, Update{Peer: c.local, Seq: f.seq, Field: name, Value: clone(f.value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// RemoteStates returns copies of every remote peer's record.
func (c *Channel) RemoteStates() map[crdt.ReplicaID]Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[crdt.ReplicaID]Record, len(c.remote))
	for id, p := range c.remote {
		out[id] = p.record(id)
	}
	return out
}

// Receive applies a remote update. Stale, duplicate and self-addressed
// updates are ignored and do not notify. It reports whether the update
// changed anything.
func (c *Channel) Receive(u Update) bool {
	if u.Peer == "" || u.Field == "" {
		glog.Warningf("presence: dropping update without peer or field: %+v", u)
		return false
	}
	c.mu.Lock()
	if c.closed || u.Peer == c.local {
		c.mu.Unlock()
		return false
	}
	p := c.remote[u.Peer]
	if p == nil {
		p = &peerState{fields: make(map[string]field)}
		c.remote[u.Peer] = p
	}
	if cur, ok := p.fields[u.Field]; ok && cur.seq >= u.Seq {
		c.mu.Unlock()
		glog.V(2).Infof("presence: stale update %s/%s seq %d <= %d", u.Peer, u.Field, u.Seq, cur.seq)
		return false
	}
	p.fields[u.Field] = field{seq: u.Seq, value: clone(u.Value)}
	p.lastSeen = c.now()
	c.mu.Unlock()

	c.registry.Notify()
	return true
}

// RemovePeer drops a peer's record and notifies subscribers once. Removing
// an unknown peer does nothing.
func (c *Channel) RemovePeer(id crdt.ReplicaID) bool {
	c.mu.Lock()
	if _, ok := c.remote[id]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.remote, id)
	c.mu.Unlock()

	glog.V(1).Infof("presence: removed peer %s", id)
	c.registry.Notify()
	return true
}

// Reset drops every remote record, as when the link to the room is lost.
func (c *Channel) Reset() bool {
	c.mu.Lock()
	n := len(c.remote)
	c.remote = make(map[crdt.ReplicaID]*peerState)
	c.mu.Unlock()

	if n == 0 {
		return false
	}
	c.registry.Notify()
	return true
}

// Close discards all state. The channel stops broadcasting and ignores
// further updates.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.broadcast = nil
	c.remote = make(map[crdt.ReplicaID]*peerState)
}

func clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = clone(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = clone(child)
		}
		return out
	}
	return v
}
