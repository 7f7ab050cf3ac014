package engine

import "time"

// AttemptOutcome is the terminal state of one transaction attempt.
type AttemptOutcome string

const (
	// AttemptCommitted means the attempt's writes were committed.
	AttemptCommitted AttemptOutcome = "committed"

	// AttemptAbortedClean means the attempt was aborted without
	// incident: a rollback outcome, or the unconditional abort that
	// ends every read-only attempt.
	AttemptAbortedClean AttemptOutcome = "aborted_clean"

	// AttemptAbortedConflict means the attempt was aborted because a
	// concurrent committed transaction invalidated its read or write
	// set.
	AttemptAbortedConflict AttemptOutcome = "aborted_conflict"

	// AttemptAbortedFatal means the attempt was aborted by a
	// non-retryable error: machinery misuse, a panic, or the unit of
	// work's own failure.
	AttemptAbortedFatal AttemptOutcome = "aborted_fatal"
)

// Attempt records one execution of a unit of work inside begin/commit/
// abort boundaries.
type Attempt struct {
	// Index is the zero-based attempt number within the call.
	Index int

	// BeganAt is when the transaction was begun.
	BeganAt time.Time

	// Duration is how long the attempt ran, including the commit or
	// abort.
	Duration time.Duration

	// Outcome is the attempt's terminal state.
	Outcome AttemptOutcome

	// Err is the error that ended the attempt, if any.
	Err error
}

// Result is the terminal outcome of a submitted transaction. The Value
// has been detached from the worker's connection and is safe to use on
// any goroutine. Attempts lists every attempt the call made, including
// aborted ones, so callers and tests can observe retry behavior.
type Result struct {
	// TxID identifies the call across logs, traces and metrics.
	TxID string

	// Value is the detached result of the unit of work. Nil when the
	// unit of work rolled back without a value.
	Value any

	// Committed reports whether a commit occurred. Always false for
	// read-only transactions and rollback outcomes.
	Committed bool

	// Attempts are the attempt records in execution order.
	Attempts []Attempt
}

// Conflicts counts the attempts aborted by concurrency conflicts.
func (r *Result) Conflicts() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Outcome == AttemptAbortedConflict {
			n++
		}
	}
	return n
}

// Retried reports whether the call needed more than one attempt.
func (r *Result) Retried() bool {
	return len(r.Attempts) > 1
}
