package memstore

import (
	"context"
	"fmt"

	"github.com/openvhm/openvhm/pkg/store"
)

// Conn is a single worker's connection. It holds a record cache that
// stays warm between transactions; pending invalidations from concurrent
// commits are applied when the next transaction begins, so cached entries
// are always consistent with the active transaction's snapshot.
//
// All fields are guarded by the store mutex.
type Conn struct {
	st     *Store
	cache  map[store.OID]*store.Record
	stale  map[store.OID]struct{}
	active *Txn
	closed bool
}

// Begin implements store.Conn.
func (c *Conn) Begin(_ context.Context, mode store.Mode) (store.Txn, error) {
	s := c.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || c.closed {
		return nil, store.ErrClosed
	}
	if c.active != nil {
		return nil, fmt.Errorf("memstore: connection already in a transaction")
	}
	for oid := range c.stale {
		delete(c.cache, oid)
	}
	clear(c.stale)
	t := &Txn{
		conn:    c,
		mode:    mode,
		snap:    s.acquireSnapshotLocked(),
		reads:   make(map[store.OID]struct{}),
		writes:  make(map[store.OID]*store.Record),
		deletes: make(map[store.OID]struct{}),
	}
	c.active = t
	return t, nil
}

// Close implements store.Conn. An in-progress transaction is aborted.
func (c *Conn) Close() error {
	s := c.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.active != nil {
		c.active.finishLocked()
	}
	c.closed = true
	delete(s.conns, c)
	return nil
}

// loadLocked serves a read through the connection cache.
func (c *Conn) loadLocked(oid store.OID, snap int64) (*store.Record, error) {
	if rec, ok := c.cache[oid]; ok {
		return rec, nil
	}
	rec, err := c.st.loadAtLocked(oid, snap)
	if err != nil {
		return nil, err
	}
	c.cache[oid] = rec
	return rec, nil
}
