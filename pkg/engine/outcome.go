package engine

import "context"

// outcomeKind discriminates the variants of Outcome.
type outcomeKind int

const (
	outcomeCommit outcomeKind = iota
	outcomeRollback
	outcomeRollbackValue
	outcomeFail
)

// Outcome is the tagged result of a unit of work. It replaces
// exception-driven control flow: a unit of work states explicitly
// whether its effects should be committed, discarded, discarded but a
// value still returned, or treated as a failure.
type Outcome struct {
	kind  outcomeKind
	value any
	err   error
}

// Commit requests that the attempt's writes be committed (write mode)
// and value returned to the caller. In read-only mode the transaction
// is still aborted, only the value is returned.
func Commit(value any) Outcome {
	return Outcome{kind: outcomeCommit, value: value}
}

// Rollback discards the attempt's writes and yields no result. This is
// not a failure: the caller sees a nil value and no error.
func Rollback() Outcome {
	return Outcome{kind: outcomeRollback}
}

// RollbackWith discards the attempt's writes but still returns value to
// the caller.
func RollbackWith(value any) Outcome {
	return Outcome{kind: outcomeRollbackValue, value: value}
}

// Fail aborts the attempt and propagates err. Conflict errors are
// eligible for retry in write mode; everything else propagates
// immediately.
func Fail(err error) Outcome {
	return Outcome{kind: outcomeFail, err: err}
}

// UnitOfWork is the function executed inside a transaction attempt. It
// may run several times when conflicts force retries, so it must not
// carry side effects outside the transaction. All store access goes
// through tx; objects obtained from tx are only valid until the attempt
// ends.
type UnitOfWork func(ctx context.Context, tx *Tx) Outcome

// Task is a submitted unit of work with its identifying metadata.
type Task struct {
	// Name identifies the unit of work in logs and traces.
	Name string

	// Subject identifies who initiated the call. It is recorded on
	// every detached object produced from the result so later layers
	// can tell on whose behalf the data was read.
	Subject string

	// Fn is the unit of work.
	Fn UnitOfWork
}
