package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/openvhm/openvhm/pkg/store"
)

// setupStore creates a store with one open connection for testing.
func setupStore(t *testing.T) (*Store, store.Conn) {
	t.Helper()

	s := New()
	conn, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("failed to open connection: %v", err)
	}
	return s, conn
}

// record builds a test record for oid with the given payload.
func record(oid store.OID, data string) *store.Record {
	return &store.Record{
		OID:   oid,
		Class: "machine",
		Data:  []byte(data),
	}
}

// commitRecord writes one record in its own transaction.
func commitRecord(t *testing.T, conn store.Conn, rec *store.Record) {
	t.Helper()

	ctx := context.Background()
	txn, err := conn.Begin(ctx, store.ForWriting)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if err := txn.Store(ctx, rec); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
}

// TestCommitAndLoad tests that a committed record is visible to later
// transactions with version and sequence assigned.
func TestCommitAndLoad(t *testing.T) {
	_, conn := setupStore(t)
	ctx := context.Background()

	oid := store.NewOID()
	commitRecord(t, conn, record(oid, `{"hostname":"vm-1"}`))

	txn, err := conn.Begin(ctx, store.ForReading)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer txn.Abort(ctx)

	rec, err := txn.Load(ctx, oid)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if string(rec.Data) != `{"hostname":"vm-1"}` {
		t.Errorf("unexpected data: %s", rec.Data)
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1, got %d", rec.Version)
	}
	if rec.Seq == 0 {
		t.Error("expected non-zero commit sequence")
	}
}

// TestLoadMissing tests that loading an unknown OID fails with ErrNotFound.
func TestLoadMissing(t *testing.T) {
	_, conn := setupStore(t)
	ctx := context.Background()

	txn, err := conn.Begin(ctx, store.ForReading)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer txn.Abort(ctx)

	if _, err := txn.Load(ctx, store.NewOID()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestSnapshotIsolation tests that a transaction keeps seeing the state
// from its begin even while concurrent commits land.
func TestSnapshotIsolation(t *testing.T) {
	s, connA := setupStore(t)
	ctx := context.Background()

	oid := store.NewOID()
	commitRecord(t, connA, record(oid, `{"state":"stopped"}`))

	connB, err := s.Open(ctx)
	if err != nil {
		t.Fatalf("failed to open second connection: %v", err)
	}

	reader, err := connB.Begin(ctx, store.ForReading)
	if err != nil {
		t.Fatalf("failed to begin reader: %v", err)
	}

	// Concurrent commit on the other connection.
	commitRecord(t, connA, record(oid, `{"state":"running"}`))

	rec, err := reader.Load(ctx, oid)
	if err != nil {
		t.Fatalf("failed to load in reader: %v", err)
	}
	if string(rec.Data) != `{"state":"stopped"}` {
		t.Errorf("reader saw concurrent commit: %s", rec.Data)
	}
	if err := reader.Abort(ctx); err != nil {
		t.Fatalf("failed to abort reader: %v", err)
	}

	// A fresh transaction sees the new state.
	after, err := connB.Begin(ctx, store.ForReading)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer after.Abort(ctx)

	rec, err = after.Load(ctx, oid)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if string(rec.Data) != `{"state":"running"}` {
		t.Errorf("fresh transaction saw stale state: %s", rec.Data)
	}
}

// TestWriteWriteConflict tests that the second of two overlapping writers
// of the same object fails with a conflict at commit.
func TestWriteWriteConflict(t *testing.T) {
	s, connA := setupStore(t)
	ctx := context.Background()

	oid := store.NewOID()
	commitRecord(t, connA, record(oid, `{"n":0}`))

	connB, err := s.Open(ctx)
	if err != nil {
		t.Fatalf("failed to open second connection: %v", err)
	}

	txnA, err := connA.Begin(ctx, store.ForWriting)
	if err != nil {
		t.Fatalf("failed to begin A: %v", err)
	}
	txnB, err := connB.Begin(ctx, store.ForWriting)
	if err != nil {
		t.Fatalf("failed to begin B: %v", err)
	}

	if err := txnA.Store(ctx, record(oid, `{"n":1}`)); err != nil {
		t.Fatalf("failed to store in A: %v", err)
	}
	if err := txnB.Store(ctx, record(oid, `{"n":2}`)); err != nil {
		t.Fatalf("failed to store in B: %v", err)
	}

	if err := txnA.Commit(ctx); err != nil {
		t.Fatalf("first commit should win: %v", err)
	}
	err = txnB.Commit(ctx)
	if !store.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	var conflict *store.ConflictError
	if errors.As(err, &conflict) && conflict.OID != oid {
		t.Errorf("conflict attributed to %s, expected %s", conflict.OID, oid)
	}
}

// TestReadWriteConflict tests that a writer whose read set was overwritten
// by a concurrent commit fails, even when it writes different objects.
func TestReadWriteConflict(t *testing.T) {
	s, connA := setupStore(t)
	ctx := context.Background()

	readOID := store.NewOID()
	commitRecord(t, connA, record(readOID, `{"n":0}`))

	connB, err := s.Open(ctx)
	if err != nil {
		t.Fatalf("failed to open second connection: %v", err)
	}

	txnB, err := connB.Begin(ctx, store.ForWriting)
	if err != nil {
		t.Fatalf("failed to begin B: %v", err)
	}
	if _, err := txnB.Load(ctx, readOID); err != nil {
		t.Fatalf("failed to load in B: %v", err)
	}

	// A overwrites what B read.
	commitRecord(t, connA, record(readOID, `{"n":1}`))

	if err := txnB.Store(ctx, record(store.NewOID(), `{"fresh":true}`)); err != nil {
		t.Fatalf("failed to store in B: %v", err)
	}
	if err := txnB.Commit(ctx); !store.IsConflict(err) {
		t.Fatalf("expected conflict from stale read set, got %v", err)
	}
}

// TestReadYourWrites tests that a buffered write is visible to loads in
// the same transaction.
func TestReadYourWrites(t *testing.T) {
	_, conn := setupStore(t)
	ctx := context.Background()

	txn, err := conn.Begin(ctx, store.ForWriting)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer txn.Abort(ctx)

	oid := store.NewOID()
	if err := txn.Store(ctx, record(oid, `{"buffered":true}`)); err != nil {
		t.Fatalf("failed to store: %v", err)
	}

	rec, err := txn.Load(ctx, oid)
	if err != nil {
		t.Fatalf("failed to load buffered write: %v", err)
	}
	if string(rec.Data) != `{"buffered":true}` {
		t.Errorf("unexpected data: %s", rec.Data)
	}
}

// TestDelete tests that a committed delete hides the object from later
// transactions while earlier snapshots keep seeing it.
func TestDelete(t *testing.T) {
	s, connA := setupStore(t)
	ctx := context.Background()

	oid := store.NewOID()
	commitRecord(t, connA, record(oid, `{"doomed":true}`))

	connB, err := s.Open(ctx)
	if err != nil {
		t.Fatalf("failed to open second connection: %v", err)
	}
	before, err := connB.Begin(ctx, store.ForReading)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}

	txn, err := connA.Begin(ctx, store.ForWriting)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if err := txn.Delete(ctx, oid); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("failed to commit delete: %v", err)
	}

	// The earlier snapshot still sees the object.
	if _, err := before.Load(ctx, oid); err != nil {
		t.Errorf("snapshot from before the delete should see the object: %v", err)
	}
	before.Abort(ctx)

	after, err := connA.Begin(ctx, store.ForReading)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer after.Abort(ctx)

	if _, err := after.Load(ctx, oid); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

// TestReadOnlyGuards tests that write operations and commit are refused
// in a read-only transaction.
func TestReadOnlyGuards(t *testing.T) {
	_, conn := setupStore(t)
	ctx := context.Background()

	txn, err := conn.Begin(ctx, store.ForReading)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}

	oid := store.NewOID()
	if err := txn.Store(ctx, record(oid, `{}`)); !errors.Is(err, store.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly from store, got %v", err)
	}
	if err := txn.Delete(ctx, oid); !errors.Is(err, store.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly from delete, got %v", err)
	}
	if err := txn.Commit(ctx); !errors.Is(err, store.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly from commit, got %v", err)
	}
}

// TestTxnDone tests that a finished transaction refuses further use.
func TestTxnDone(t *testing.T) {
	_, conn := setupStore(t)
	ctx := context.Background()

	txn, err := conn.Begin(ctx, store.ForWriting)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if err := txn.Abort(ctx); err != nil {
		t.Fatalf("failed to abort: %v", err)
	}

	if _, err := txn.Load(ctx, store.NewOID()); !errors.Is(err, store.ErrTxnDone) {
		t.Errorf("expected ErrTxnDone from load, got %v", err)
	}
	if err := txn.Commit(ctx); !errors.Is(err, store.ErrTxnDone) {
		t.Errorf("expected ErrTxnDone from commit, got %v", err)
	}
	if err := txn.Abort(ctx); !errors.Is(err, store.ErrTxnDone) {
		t.Errorf("expected ErrTxnDone from second abort, got %v", err)
	}
}

// TestOneTransactionPerConnection tests that a connection refuses to begin
// while another transaction is active.
func TestOneTransactionPerConnection(t *testing.T) {
	_, conn := setupStore(t)
	ctx := context.Background()

	txn, err := conn.Begin(ctx, store.ForWriting)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer txn.Abort(ctx)

	if _, err := conn.Begin(ctx, store.ForWriting); err == nil {
		t.Error("expected error from overlapping begin on one connection")
	}
}

// TestInvalidationRefresh tests that a connection's cache never serves
// state older than its transaction's snapshot after a concurrent commit.
func TestInvalidationRefresh(t *testing.T) {
	s, connA := setupStore(t)
	ctx := context.Background()

	oid := store.NewOID()
	commitRecord(t, connA, record(oid, `{"gen":1}`))

	connB, err := s.Open(ctx)
	if err != nil {
		t.Fatalf("failed to open second connection: %v", err)
	}

	// Warm B's cache.
	txn, err := connB.Begin(ctx, store.ForReading)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if _, err := txn.Load(ctx, oid); err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	txn.Abort(ctx)

	commitRecord(t, connA, record(oid, `{"gen":2}`))

	txn, err = connB.Begin(ctx, store.ForReading)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer txn.Abort(ctx)

	rec, err := txn.Load(ctx, oid)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if string(rec.Data) != `{"gen":2}` {
		t.Errorf("cache served stale state: %s", rec.Data)
	}
}

// TestClosedStore tests that operations fail with ErrClosed once the
// store is closed.
func TestClosedStore(t *testing.T) {
	s, conn := setupStore(t)
	ctx := context.Background()

	if err := s.Close(ctx); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	if _, err := s.Open(ctx); !errors.Is(err, store.ErrClosed) {
		t.Errorf("expected ErrClosed from open, got %v", err)
	}
	if _, err := conn.Begin(ctx, store.ForWriting); !errors.Is(err, store.ErrClosed) {
		t.Errorf("expected ErrClosed from begin, got %v", err)
	}
}
