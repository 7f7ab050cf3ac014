package store

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when no object exists under the requested OID
	// in the transaction's snapshot.
	ErrNotFound = errors.New("store: object not found")

	// ErrClosed is returned by operations on a closed store or connection.
	ErrClosed = errors.New("store: closed")

	// ErrReadOnly is returned by write operations on a read-only transaction.
	ErrReadOnly = errors.New("store: transaction is read-only")

	// ErrTxnDone is returned when a transaction is used after commit or abort.
	ErrTxnDone = errors.New("store: transaction already finished")
)

// ConflictError reports an optimistic concurrency collision: an object in
// the transaction's read or write set was modified by a concurrent commit,
// or a snapshot old enough to serve a read is no longer available.
// Conflicts are retryable by the caller in write mode.
type ConflictError struct {
	// OID is the object the collision was detected on, if attributable.
	OID OID

	// Op is the operation that detected the conflict ("load" or "commit").
	Op string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.OID.IsNil() {
		return fmt.Sprintf("store: conflict detected during %s", e.Op)
	}
	return fmt.Sprintf("store: conflict detected during %s of %s", e.Op, e.OID)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
