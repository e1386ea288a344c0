package state

import (
	"reflect"
	"sync"
	"sync/atomic"

	"roomsync/internal/crdt"
	"roomsync/internal/subscription"
)

/*
TRANSACTION BOUNDARY

Every change to the document, local or remote, goes through the store's
mutex:

  Transact: lock → stage ops → commit (advance clock once, re-materialize,
            hand the batch to OnCommit) → unlock → notify
  Merge:    lock → merge foreign log → re-materialize → unlock → notify

A remote merge therefore never interleaves with a local transaction, and
observers only ever see the state before or after a whole commit.
*/

// Store owns a replicated document and its snapshot cache.
type Store struct {
	mu       sync.Mutex
	replica  crdt.ReplicaID
	doc      *crdt.Document
	registry *subscription.Registry
	onCommit func(crdt.Batch)
	closed   bool

	snapshot atomic.Pointer[Snapshot]
}

// NewStore creates an empty store for replica. Subscribers of registry are
// notified after every commit.
func NewStore(replica crdt.ReplicaID, registry *subscription.Registry) *Store {
	if registry == nil {
		registry = subscription.NewRegistry()
	}
	s := &Store{
		replica:  replica,
		doc:      crdt.NewDocument(crdt.NewClock()),
		registry: registry,
	}
	s.snapshot.Store(emptySnapshot)
	return s
}

// ReplicaID returns the id stamped on local batches.
func (s *Store) ReplicaID() crdt.ReplicaID {
	return s.replica
}

// OnCommit registers the hook that receives each committed local batch.
// The hook runs with the store locked and must not block or call back into
// the store.
func (s *Store) OnCommit(fn func(crdt.Batch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = fn
}

// CurrentSnapshot returns the last materialized snapshot.
func (s *Store) CurrentSnapshot() *Snapshot {
	return s.snapshot.Load()
}

// Clock returns the replica's current logical clock.
func (s *Store) Clock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clock().Current()
}

// Log returns every batch known to the store.
func (s *Store) Log() []crdt.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Log()
}

// Transact runs fn as one atomic transaction. If fn returns an error or
// panics, nothing it staged is kept and the clock does not move. Nested
// transactions go through Txn.Transact; calling Store.Transact from inside
// fn deadlocks.
func (s *Store) Transact(fn func(*Txn) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	txn := &Txn{
		doc:   s.doc,
		stamp: crdt.Stamp{Clock: s.doc.Clock().Next(), Origin: s.replica},
	}
	s.doc.Begin()

	if err := s.commit(txn, fn); err != nil || len(txn.ops) == 0 {
		return err
	}
	s.registry.Notify()
	return nil
}

// commit runs fn and, on success, publishes the staged ops. The lock taken
// by Transact is released on every path out, panics included.
func (s *Store) commit(txn *Txn, fn func(*Txn) error) error {
	committed := false
	defer func() {
		txn.closed = true
		if !committed {
			s.doc.Rollback()
		}
		s.mu.Unlock()
	}()

	if err := fn(txn); err != nil {
		return err
	}
	s.doc.Commit()
	committed = true
	if len(txn.ops) == 0 {
		return nil
	}

	s.doc.Clock().Advance(txn.stamp.Clock)
	s.refresh()
	if s.onCommit != nil {
		s.onCommit(crdt.Batch{Origin: txn.stamp.Origin, Clock: txn.stamp.Clock, Ops: txn.ops})
	}
	return nil
}

// Merge applies a foreign operation log. It reports how many operations
// were new; merging nothing new does not notify.
func (s *Store) Merge(log []crdt.Batch) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStoreClosed
	}
	n, err := s.doc.MergeLog(log)
	if err != nil || n == 0 {
		s.mu.Unlock()
		return n, err
	}
	s.refresh()
	s.mu.Unlock()

	s.registry.Notify()
	return n, nil
}

// Close discards the document. Later calls fail with ErrStoreClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.onCommit = nil
}

// refresh re-materializes the snapshot. A structurally identical result
// keeps the previous snapshot pointer.
func (s *Store) refresh() {
	tree := s.doc.Materialize()
	prev := s.snapshot.Load()
	if reflect.DeepEqual(prev.root, tree) {
		return
	}
	s.snapshot.Store(&Snapshot{version: prev.version + 1, root: tree})
}
