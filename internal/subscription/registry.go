package subscription

import "sync"

/*
SUBSCRIPTION REGISTRY

Observers register a handler and later pull whatever state they care
about (the latest snapshot, presence records). The registry only says
"something changed".

Rules:
1. Handlers run in subscription order.
2. A handler added during a round runs from the next round on.
3. A handler removed during a round is skipped if it has not run yet.
4. Notify calls that arrive while a round is running (from a handler or
   from another goroutine) are folded into one extra round executed by the
   goroutine already notifying, so handlers never run concurrently.
*/

// Handler is called after a change has settled.
type Handler func()

type entry struct {
	id      uint64
	handler Handler
	active  bool
}

// Registry tracks change observers.
type Registry struct {
	mu        sync.Mutex
	entries   []*entry
	nextID    uint64
	notifying bool
	pending   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe adds h and returns a function that removes it. The returned
// function may be called any number of times.
func (r *Registry) Subscribe(h Handler) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	e := &entry{id: r.nextID, handler: h, active: true}
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(e) })
	}
}

func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.active = false
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribed handlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Notify runs every handler once.
func (r *Registry) Notify() {
	r.mu.Lock()
	if r.notifying {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.notifying = true

	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			r.notifying, r.pending = false, false
			r.mu.Unlock()
			panic(p)
		}
	}()

	for {
		round := make([]*entry, len(r.entries))
		copy(round, r.entries)
		r.pending = false
		r.mu.Unlock()

		for _, e := range round {
			r.mu.Lock()
			active := e.active
			r.mu.Unlock()
			if active {
				e.handler()
			}
		}

		r.mu.Lock()
		if !r.pending {
			r.notifying = false
			r.mu.Unlock()
			return
		}
	}
}
