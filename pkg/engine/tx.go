package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/openvhm/openvhm/pkg/model"
	"github.com/openvhm/openvhm/pkg/store"
)

// Tx is the handle a unit of work uses for all store access during one
// attempt. It keeps an identity map so the same OID always yields the
// same object within the attempt, tracks which objects were modified,
// and binds every loaded object to itself so use under a different
// attempt is caught as a fatal error instead of corrupting state.
//
// A Tx is only valid while its unit of work is running. It is not safe
// for concurrent use.
type Tx struct {
	txn     store.Txn
	mode    store.Mode
	subject string

	loaded  map[store.OID]*loadedEntry
	dirty   map[store.OID]struct{}
	deleted map[store.OID]struct{}
}

// loadedEntry pairs an object with the version it was loaded at, needed
// for the version check when the write set is flushed at commit.
type loadedEntry struct {
	obj     model.Object
	version int64
}

func newTx(txn store.Txn, mode store.Mode, subject string) *Tx {
	return &Tx{
		txn:     txn,
		mode:    mode,
		subject: subject,
		loaded:  make(map[store.OID]*loadedEntry),
		dirty:   make(map[store.OID]struct{}),
		deleted: make(map[store.OID]struct{}),
	}
}

// Mode reports whether this attempt is for writing or reading.
func (t *Tx) Mode() store.Mode {
	return t.mode
}

// Subject identifies who initiated the call, as declared on the Task.
func (t *Tx) Subject() string {
	return t.subject
}

// Get loads the object identified by oid. Repeated calls within the
// attempt return the same instance. Returns store.ErrNotFound if no
// such object exists in this attempt's snapshot, or a ConflictError on
// backends that detect torn reads at load time.
func (t *Tx) Get(ctx context.Context, oid store.OID) (model.Object, error) {
	if _, ok := t.deleted[oid]; ok {
		return nil, store.ErrNotFound
	}
	if entry, ok := t.loaded[oid]; ok {
		return entry.obj, nil
	}

	rec, err := t.txn.Load(ctx, oid)
	if err != nil {
		return nil, err
	}

	obj, err := model.Decode(rec)
	if err != nil {
		return nil, NewFatalError("failed to decode stored object", err).WithOID(oid)
	}
	model.Bind(obj, oid, t)

	t.loaded[oid] = &loadedEntry{obj: obj, version: rec.Version}
	return obj, nil
}

// Root loads the well-known root container.
func (t *Tx) Root(ctx context.Context) (*model.Container, error) {
	obj, err := t.Get(ctx, store.RootOID)
	if err != nil {
		return nil, err
	}
	root, ok := obj.(*model.Container)
	if !ok {
		return nil, NewFatalError(fmt.Sprintf("root object has class %q, expected container", obj.Class()), nil)
	}
	return root, nil
}

// Add registers a new object with the store and returns its assigned
// OID. The object must not already belong to a transaction and must
// not be a detached copy.
func (t *Tx) Add(obj model.Object) (store.OID, error) {
	if t.mode == store.ForReading {
		return store.NilOID, NewFatalError("write in read-only transaction", store.ErrReadOnly)
	}
	if model.IsDetached(obj) {
		return store.NilOID, NewFatalError("detached object cannot be added", nil).WithOID(obj.OID())
	}
	if owner := model.OwnerOf(obj); owner != nil {
		if owner == t {
			return obj.OID(), nil
		}
		return store.NilOID, NewFatalError("object belongs to a different transaction attempt", nil).WithOID(obj.OID())
	}

	oid := store.NewOID()
	model.Bind(obj, oid, t)
	t.loaded[oid] = &loadedEntry{obj: obj, version: 0}
	t.dirty[oid] = struct{}{}
	return oid, nil
}

// addRoot binds a fresh container at the fixed root OID. Only the
// engine's bootstrap uses it; everything else gets OIDs from Add.
func (t *Tx) addRoot(root *model.Container) error {
	if t.mode == store.ForReading {
		return NewFatalError("write in read-only transaction", store.ErrReadOnly)
	}
	model.Bind(root, store.RootOID, t)
	t.loaded[store.RootOID] = &loadedEntry{obj: root, version: 0}
	t.dirty[store.RootOID] = struct{}{}
	return nil
}

// Update marks an object loaded in this attempt as modified so its
// state is written at commit.
func (t *Tx) Update(obj model.Object) error {
	if t.mode == store.ForReading {
		return NewFatalError("write in read-only transaction", store.ErrReadOnly)
	}
	if err := t.owned(obj); err != nil {
		return err
	}
	t.dirty[obj.OID()] = struct{}{}
	return nil
}

// Delete removes an object loaded in this attempt at commit.
func (t *Tx) Delete(ctx context.Context, obj model.Object) error {
	if t.mode == store.ForReading {
		return NewFatalError("write in read-only transaction", store.ErrReadOnly)
	}
	if err := t.owned(obj); err != nil {
		return err
	}

	oid := obj.OID()
	if err := t.txn.Delete(ctx, oid); err != nil {
		return err
	}
	delete(t.dirty, oid)
	delete(t.loaded, oid)
	t.deleted[oid] = struct{}{}
	return nil
}

// Deref resolves an opaque reference within this attempt.
func (t *Tx) Deref(ctx context.Context, ref Ref) (model.Object, error) {
	if ref.OID.IsNil() {
		return nil, NewFatalError("cannot dereference a nil reference", nil)
	}
	return t.Get(ctx, ref.OID)
}

// RefOf returns a stable reference for an object reachable in this
// attempt. The reference names the object; it does not keep it alive.
func (t *Tx) RefOf(obj model.Object) (Ref, error) {
	if obj.OID().IsNil() {
		return Ref{}, NewFatalError("object has no identity yet; Add it first", nil)
	}
	return Ref{OID: obj.OID(), Class: obj.Class()}, nil
}

// owned verifies that obj is managed by this attempt.
func (t *Tx) owned(obj model.Object) error {
	owner := model.OwnerOf(obj)
	switch {
	case owner == t:
		return nil
	case owner != nil:
		return NewFatalError("object belongs to a different transaction attempt", nil).WithOID(obj.OID())
	case model.IsDetached(obj):
		return NewFatalError("detached object cannot be written; dereference it in this attempt first", nil).WithOID(obj.OID())
	default:
		return NewFatalError("object is not managed by this transaction; use Add", nil).WithOID(obj.OID())
	}
}

// flush encodes every dirty object into the store transaction's write
// set. Called by the attempt runner just before commit.
func (t *Tx) flush(ctx context.Context) error {
	oids := make([]store.OID, 0, len(t.dirty))
	for oid := range t.dirty {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i].String() < oids[j].String() })

	for _, oid := range oids {
		entry := t.loaded[oid]
		rec, err := model.Encode(entry.obj)
		if err != nil {
			return NewApplicationError("failed to encode object", err).WithOID(oid)
		}
		rec.Version = entry.version
		if err := t.txn.Store(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
