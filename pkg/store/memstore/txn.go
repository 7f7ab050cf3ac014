package memstore

import (
	"context"

	"github.com/openvhm/openvhm/pkg/store"
)

// Txn is one transaction's view of the store. Reads are served from the
// snapshot pinned at begin; writes and deletes are buffered until commit.
type Txn struct {
	conn *Conn
	mode store.Mode
	snap int64

	reads   map[store.OID]struct{}
	writes  map[store.OID]*store.Record
	deletes map[store.OID]struct{}
	done    bool
}

// Mode implements store.Txn.
func (t *Txn) Mode() store.Mode {
	return t.mode
}

// Load implements store.Txn.
func (t *Txn) Load(_ context.Context, oid store.OID) (*store.Record, error) {
	s := t.conn.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return nil, store.ErrTxnDone
	}
	if s.closed {
		return nil, store.ErrClosed
	}
	if _, deleted := t.deletes[oid]; deleted {
		return nil, store.ErrNotFound
	}
	if rec, ok := t.writes[oid]; ok {
		return rec.Clone(), nil
	}
	rec, err := t.conn.loadLocked(oid, t.snap)
	if err != nil {
		return nil, err
	}
	t.reads[oid] = struct{}{}
	return rec.Clone(), nil
}

// Store implements store.Txn.
func (t *Txn) Store(_ context.Context, rec *store.Record) error {
	s := t.conn.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return store.ErrTxnDone
	}
	if t.mode == store.ForReading {
		return store.ErrReadOnly
	}
	if rec.OID.IsNil() {
		return store.ErrNotFound
	}
	t.writes[rec.OID] = rec.Clone()
	delete(t.deletes, rec.OID)
	return nil
}

// Delete implements store.Txn.
func (t *Txn) Delete(_ context.Context, oid store.OID) error {
	s := t.conn.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return store.ErrTxnDone
	}
	if t.mode == store.ForReading {
		return store.ErrReadOnly
	}
	t.deletes[oid] = struct{}{}
	delete(t.writes, oid)
	return nil
}

// Commit implements store.Txn. The transaction is finished when it
// returns, whether or not the commit succeeded.
func (t *Txn) Commit(_ context.Context) error {
	s := t.conn.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return store.ErrTxnDone
	}
	if t.mode == store.ForReading {
		t.finishLocked()
		return store.ErrReadOnly
	}
	if s.closed {
		t.finishLocked()
		return store.ErrClosed
	}

	// Validate the read and write sets against the snapshot. Any object
	// with a revision newer than the snapshot was changed by a concurrent
	// commit.
	for _, oids := range []map[store.OID]struct{}{t.reads, t.deletes} {
		for oid := range oids {
			if s.latestSeqLocked(oid) > t.snap {
				t.finishLocked()
				return &store.ConflictError{OID: oid, Op: "commit"}
			}
		}
	}
	for oid := range t.writes {
		if s.latestSeqLocked(oid) > t.snap {
			t.finishLocked()
			return &store.ConflictError{OID: oid, Op: "commit"}
		}
	}

	s.seq++
	for oid, rec := range t.writes {
		version := int64(1)
		if prev := s.latestRevLocked(oid); prev != nil && !prev.deleted {
			version = prev.rec.Version + 1
		}
		applied := rec.Clone()
		applied.Version = version
		applied.Seq = s.seq
		s.objects[oid] = append(s.objects[oid], revision{seq: s.seq, rec: applied})
		t.conn.cache[oid] = applied
	}
	for oid := range t.deletes {
		if prev := s.latestRevLocked(oid); prev == nil || prev.deleted {
			continue
		}
		s.objects[oid] = append(s.objects[oid], revision{seq: s.seq, deleted: true})
		delete(t.conn.cache, oid)
	}

	// Broadcast invalidations so other connections refresh their caches
	// at their next begin.
	for c := range s.conns {
		if c == t.conn {
			continue
		}
		for oid := range t.writes {
			c.stale[oid] = struct{}{}
		}
		for oid := range t.deletes {
			c.stale[oid] = struct{}{}
		}
	}

	t.finishLocked()
	return nil
}

// Abort implements store.Txn.
func (t *Txn) Abort(_ context.Context) error {
	s := t.conn.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return store.ErrTxnDone
	}
	t.finishLocked()
	return nil
}

// finishLocked releases the snapshot and detaches the transaction from
// its connection.
func (t *Txn) finishLocked() {
	if t.done {
		return
	}
	t.done = true
	t.conn.st.releaseSnapshotLocked(t.snap)
	if t.conn.active == t {
		t.conn.active = nil
	}
	t.writes = nil
	t.deletes = nil
	t.reads = nil
}
