package store

import "context"

// Store is the process-wide handle to a storage backend. A process holds
// exactly one Store per backend; workers obtain private connections from
// it. Implementations must be safe for concurrent use.
type Store interface {
	// Open creates a new connection. Connections are not safe for
	// concurrent use; each is owned by exactly one worker.
	Open(ctx context.Context) (Conn, error)

	// Close releases the backend. Connections opened from the store fail
	// with ErrClosed afterwards.
	Close(ctx context.Context) error
}

// Conn is a single worker's connection to the store. It carries the
// worker's view of the store between transactions (caches, pending
// invalidations) and runs at most one transaction at a time.
type Conn interface {
	// Begin starts a transaction in the given mode. The transaction
	// observes a consistent snapshot of the store as of this call.
	Begin(ctx context.Context, mode Mode) (Txn, error)

	// Close releases the connection. A transaction still in progress is
	// aborted.
	Close() error
}

// Txn is one transaction's view of the store. Load records the read set,
// Store and Delete buffer the write set, and Commit applies the write set
// atomically if and only if no read- or write-set entry was invalidated
// by a concurrent committed transaction.
//
// A Txn is finished after Commit or Abort returns, whether or not it
// succeeded; further calls fail with ErrTxnDone.
type Txn interface {
	// Mode returns the mode the transaction was begun with.
	Mode() Mode

	// Load returns the record stored under oid in the transaction's
	// snapshot, or ErrNotFound. Backends that cannot serve the snapshot
	// version of a concurrently updated object return a ConflictError.
	// Writes buffered in this transaction are visible to Load.
	Load(ctx context.Context, oid OID) (*Record, error)

	// Store buffers a write. The record's Version must be the version
	// that was loaded, or zero for a new object.
	Store(ctx context.Context, rec *Record) error

	// Delete buffers a deletion of the object loaded at oid.
	Delete(ctx context.Context, oid OID) error

	// Commit atomically applies the buffered writes. It returns a
	// ConflictError if the read or write set was invalidated, and
	// ErrReadOnly in read mode.
	Commit(ctx context.Context) error

	// Abort discards the buffered writes and releases the snapshot.
	Abort(ctx context.Context) error
}
