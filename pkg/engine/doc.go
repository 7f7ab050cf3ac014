// Package engine executes units of work as optimistic transactions
// against a versioned object store.
//
// # Overview
//
// Every mutation of the management model goes through the engine. A
// caller submits a Task whose unit of work receives a Tx bound to one
// attempt; the engine runs the attempt on a pool worker, commits or
// aborts it, and resolves a Future with the Result:
//
//  1. Submit - RunWrite or RunRead queues the task and returns a future
//  2. Attempt - a worker begins a transaction and runs the unit of work
//  3. Outcome - the unit of work returns Commit, Rollback, RollbackWith or Fail
//  4. Retry - a conflicting write attempt is retried with jittered backoff
//  5. Detach - the produced value is copied out before the transaction ends
//  6. Resolve - the future carries the Result or the final error
//
// # Core Types
//
//   - Task: a named unit of work with the subject it acts for
//   - Tx: per-attempt store handle with an identity map and write tracking
//   - Outcome: what the unit of work wants done with the attempt
//   - Result: committed value, transaction id and the full attempt log
//   - Future: resolved exactly once, awaited with cancellable waiting
//   - Validator: broadcast integrity check across idle worker snapshots
//
// # Concurrency Model
//
// Workers spawn on demand up to a fixed bound, each owning a lazily
// opened store connection, so concurrent transactions run on isolated
// snapshots. Read-only transactions always abandon their snapshot and
// are never retried. Conflicts between writers resolve through bounded
// retries; errors from the unit of work itself propagate to the caller
// untouched.
//
// Values escaping a transaction are detached first: the engine copies
// the object, and for slices, arrays and maps each directly contained
// object, one container level deep. Detached copies carry their origin
// and are rejected if written back without being dereferenced again.
package engine
