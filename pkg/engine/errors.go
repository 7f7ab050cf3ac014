package engine

import (
	"errors"
	"fmt"

	"github.com/openvhm/openvhm/pkg/store"
)

// Submission errors. These are returned by RunWrite/RunRead before any
// attempt has started; the unit of work never ran.
var (
	// ErrStopped is returned when the engine is not accepting work,
	// either because Start has not been called or Stop has.
	ErrStopped = errors.New("engine is not accepting work")

	// ErrQueueFull is returned when every worker is busy and the
	// pending-transaction queue is at capacity.
	ErrQueueFull = errors.New("transaction queue is full")
)

// ErrorClass classifies a transaction error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassConflict indicates an optimistic concurrency collision:
	// the attempt's read or write set was invalidated by a concurrent
	// committed transaction. Retried in write mode, fatal to a read.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassFatal indicates transaction-machinery misuse, such as an
	// object bound to one attempt being used under another, or a panic
	// inside the unit of work. Never retried.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassApplication indicates the unit of work's own failure.
	// Never retried by this engine.
	ErrorClassApplication ErrorClass = "application"

	// ErrorClassRetryLimit indicates the conflict retry budget was
	// exhausted. Wraps the last conflict.
	ErrorClassRetryLimit ErrorClass = "retry_limit"
)

// TxError represents a classified transaction failure.
type TxError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass

	// Message is the human-readable error message.
	Message string

	// OID is the object that caused the error, if known.
	OID store.OID

	// Attempts is the number of attempts made before the error was
	// returned. Populated on retry-limit errors.
	Attempts int

	// Err is the underlying error that caused this error.
	Err error
}

// Error implements the error interface.
func (e *TxError) Error() string {
	if !e.OID.IsNil() {
		return fmt.Sprintf("[%s] %s (oid=%s): %s", e.Class, e.Message, e.OID, e.unwrapMessage())
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("[%s] %s (attempts=%d): %s", e.Class, e.Message, e.Attempts, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *TxError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *TxError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *TxError) Is(target error) bool {
	t, ok := target.(*TxError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *TxError {
	return &TxError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates a new fatal transaction-machinery error.
func NewFatalError(message string, err error) *TxError {
	return &TxError{
		Class:   ErrorClassFatal,
		Message: message,
		Err:     err,
	}
}

// NewApplicationError creates a new application error.
func NewApplicationError(message string, err error) *TxError {
	return &TxError{
		Class:   ErrorClassApplication,
		Message: message,
		Err:     err,
	}
}

// NewRetryLimitError creates a retry-limit error wrapping the last
// conflict seen before the budget ran out.
func NewRetryLimitError(attempts int, last error) *TxError {
	return &TxError{
		Class:    ErrorClassRetryLimit,
		Message:  "conflict retry budget exhausted",
		Attempts: attempts,
		Err:      last,
	}
}

// WithOID adds the offending object to an error.
func (e *TxError) WithOID(oid store.OID) *TxError {
	e.OID = oid
	return e
}

// IsConflict returns true if the error is classified as a conflict.
// Both engine conflict errors and raw store conflicts match.
func IsConflict(err error) bool {
	var e *TxError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return store.IsConflict(err)
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	var e *TxError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// IsApplication returns true if the error is classified as an
// application error.
func IsApplication(err error) bool {
	var e *TxError
	if errors.As(err, &e) {
		return e.Class == ErrorClassApplication
	}
	return false
}

// IsRetryLimit returns true if the error indicates an exhausted retry
// budget.
func IsRetryLimit(err error) bool {
	var e *TxError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRetryLimit
	}
	return false
}

// Classify maps an arbitrary error to its ErrorClass. Store conflicts
// classify as conflicts; unclassified errors are application errors.
func Classify(err error) ErrorClass {
	var e *TxError
	if errors.As(err, &e) {
		return e.Class
	}
	if store.IsConflict(err) {
		return ErrorClassConflict
	}
	return ErrorClassApplication
}
