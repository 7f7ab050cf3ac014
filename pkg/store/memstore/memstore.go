// Package memstore implements the in-process storage backend. Records are
// kept as multiversion revision chains guarded by a single store mutex, so
// transactions read true snapshots at their begin sequence and conflicts
// are detected at commit by comparing the latest revision sequence of every
// touched object against the transaction's snapshot.
//
// Each connection keeps a record cache that survives between transactions.
// Commits broadcast invalidations to the other connections, and a
// connection applies its pending invalidations when it begins the next
// transaction. This is the backend used by tests and synchronous mode.
package memstore

import (
	"context"
	"sync"

	"github.com/openvhm/openvhm/pkg/store"
)

// revision is one committed version of an object.
type revision struct {
	seq     int64
	deleted bool
	rec     *store.Record
}

// Store is an in-process multiversion object store.
type Store struct {
	// mu guards every field below, including connection caches and
	// transaction snapshots. Coarse locking keeps the commit path simple;
	// this backend serves tests, tooling, and small deployments.
	mu      sync.Mutex
	objects map[store.OID][]revision
	seq     int64
	conns   map[*Conn]struct{}
	snaps   map[int64]int
	closed  bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[store.OID][]revision),
		conns:   make(map[*Conn]struct{}),
		snaps:   make(map[int64]int),
	}
}

// Open implements store.Store.
func (s *Store) Open(_ context.Context) (store.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	c := &Conn{
		st:    s,
		cache: make(map[store.OID]*store.Record),
		stale: make(map[store.OID]struct{}),
	}
	s.conns[c] = struct{}{}
	return c, nil
}

// Close implements store.Store. Transactions still in progress fail with
// ErrClosed when they next touch the store.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.closed = true
	}
	s.conns = make(map[*Conn]struct{})
	return nil
}

// latestSeqLocked returns the sequence of the newest revision of oid, or
// zero if the object never existed.
func (s *Store) latestSeqLocked(oid store.OID) int64 {
	revs := s.objects[oid]
	if len(revs) == 0 {
		return 0
	}
	return revs[len(revs)-1].seq
}

// latestRevLocked returns the newest revision of oid, or nil.
func (s *Store) latestRevLocked(oid store.OID) *revision {
	revs := s.objects[oid]
	if len(revs) == 0 {
		return nil
	}
	return &revs[len(revs)-1]
}

// loadAtLocked returns the record visible at the given snapshot sequence.
func (s *Store) loadAtLocked(oid store.OID, snap int64) (*store.Record, error) {
	revs := s.objects[oid]
	for i := len(revs) - 1; i >= 0; i-- {
		if revs[i].seq > snap {
			continue
		}
		if revs[i].deleted {
			return nil, store.ErrNotFound
		}
		return revs[i].rec, nil
	}
	return nil, store.ErrNotFound
}

// acquireSnapshotLocked pins the current sequence for a transaction.
func (s *Store) acquireSnapshotLocked() int64 {
	s.snaps[s.seq]++
	return s.seq
}

// releaseSnapshotLocked unpins a snapshot and prunes revisions no live
// snapshot can reach.
func (s *Store) releaseSnapshotLocked(snap int64) {
	s.snaps[snap]--
	if s.snaps[snap] <= 0 {
		delete(s.snaps, snap)
	}
	s.pruneLocked()
}

// pruneLocked drops revisions older than the oldest live snapshot. With no
// snapshots held, only the newest revision of each object is kept, and
// deleted objects are dropped entirely.
func (s *Store) pruneLocked() {
	minSnap := int64(-1)
	for snap := range s.snaps {
		if minSnap < 0 || snap < minSnap {
			minSnap = snap
		}
	}
	for oid, revs := range s.objects {
		keepFrom := len(revs) - 1
		if minSnap >= 0 {
			for keepFrom > 0 && revs[keepFrom].seq > minSnap {
				keepFrom--
			}
		}
		if keepFrom == 0 {
			if minSnap < 0 && revs[len(revs)-1].deleted {
				delete(s.objects, oid)
			}
			continue
		}
		kept := make([]revision, len(revs)-keepFrom)
		copy(kept, revs[keepFrom:])
		if len(kept) == 1 && kept[0].deleted && minSnap < 0 {
			delete(s.objects, oid)
			continue
		}
		s.objects[oid] = kept
	}
}
