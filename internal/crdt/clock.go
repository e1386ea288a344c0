package crdt

import (
	"strconv"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// ReplicaID identifies one document instance. ULIDs sort lexicographically,
// which is the order used to break ties between equal clocks.
type ReplicaID string

// NewReplicaID returns a fresh, process-unique replica id.
func NewReplicaID() ReplicaID {
	return ReplicaID(ulid.Make().String())
}

// Clock is a per-replica logical counter.
//
// The value is advanced once per committed local transaction and caught up
// (Lamport style) when a foreign batch with a higher clock is merged, so a
// local write always outranks every write the replica has already seen.
type Clock struct {
	value atomic.Uint64
}

// NewClock creates a clock starting at 0. The first commit uses 1.
func NewClock() *Clock {
	return &Clock{}
}

// Current returns the clock of the last committed or observed batch.
func (c *Clock) Current() uint64 {
	return c.value.Load()
}

// Next returns the value the next commit will use without advancing.
func (c *Clock) Next() uint64 {
	return c.value.Load() + 1
}

// Advance moves the clock to v if v is ahead of it.
func (c *Clock) Advance(v uint64) {
	for {
		cur := c.value.Load()
		if v <= cur {
			return
		}
		if c.value.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Observe records a foreign clock value.
func (c *Clock) Observe(v uint64) {
	c.Advance(v)
}

// Stamp is the causal stamp shared by every operation of one batch.
type Stamp struct {
	Clock  uint64
	Origin ReplicaID
}

// Less orders stamps by clock, then origin.
func (s Stamp) Less(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock < o.Clock
	}
	return s.Origin < o.Origin
}

// OpID identifies a single operation: its batch stamp plus its position in
// the batch.
type OpID struct {
	Stamp
	Seq uint32
}

// Less gives the total order used for last-writer-wins and list siblings.
func (id OpID) Less(o OpID) bool {
	if id.Stamp != o.Stamp {
		return id.Stamp.Less(o.Stamp)
	}
	return id.Seq < o.Seq
}

// IsZero reports whether id is the zero id (the implicit root).
func (id OpID) IsZero() bool {
	return id == OpID{}
}

// String is the element id form used as a path segment for list elements.
func (id OpID) String() string {
	return strconv.FormatUint(id.Clock, 10) + "." + strconv.FormatUint(uint64(id.Seq), 10) + "@" + string(id.Origin)
}
