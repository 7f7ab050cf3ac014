package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openvhm/openvhm/pkg/store"
	"github.com/openvhm/openvhm/pkg/telemetry"
)

// runAttempt executes one bounded attempt of a job's unit of work:
// begin, run, then commit (write mode, commit outcome) or abort
// (everything else). The returned error is nil on success, a conflict
// TxError when the attempt collided with a concurrent commit, a fatal
// TxError on machinery misuse, or the unit of work's own error
// unmodified.
//
// The result value is detached before the transaction ends, so commit
// is the last thing that can fail and the caller never receives a
// value still tied to the connection.
func (e *Engine) runAttempt(ctx context.Context, conn store.Conn, j *job, idx int, log *telemetry.Logger) (att Attempt, value any, err error) {
	att = Attempt{Index: idx, BeganAt: time.Now()}
	defer func() {
		att.Duration = time.Since(att.BeganAt)
		att.Err = err
	}()

	alog := log.WithAttempt(idx)

	ctx, span := e.tel.Tracer.StartAttemptSpan(ctx, j.id, idx)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	txn, err := conn.Begin(ctx, j.mode)
	if err != nil {
		att.Outcome = AttemptAbortedFatal
		err = NewFatalError("failed to begin transaction", err)
		return att, nil, err
	}
	e.traceEvent(alog, j.trace, "BEGIN")

	tx := newTx(txn, j.mode, j.task.Subject)
	out := runUnit(ctx, j.task.Fn, tx)

	switch out.kind {
	case outcomeCommit:
		if j.mode == store.ForWriting {
			return e.commitAttempt(ctx, txn, tx, j, att, alog, out.value)
		}
		// Read mode never commits: detach the value, then abort.
		value, err = detach(j.task.Subject, out.value)
		_ = txn.Abort(ctx)
		e.traceEvent(alog, j.trace, "ROLLBACK")
		if err != nil {
			att.Outcome = AttemptAbortedFatal
			return att, nil, err
		}
		att.Outcome = AttemptAbortedClean
		return att, value, nil

	case outcomeRollback:
		_ = txn.Abort(ctx)
		e.traceEvent(alog, j.trace, "ROLLBACK")
		att.Outcome = AttemptAbortedClean
		return att, nil, nil

	case outcomeRollbackValue:
		value, err = detach(j.task.Subject, out.value)
		_ = txn.Abort(ctx)
		e.traceEvent(alog, j.trace, "ROLLBACK")
		if err != nil {
			att.Outcome = AttemptAbortedFatal
			return att, nil, err
		}
		att.Outcome = AttemptAbortedClean
		return att, value, nil

	default: // outcomeFail
		_ = txn.Abort(ctx)
		e.traceEvent(alog, j.trace, "ROLLBACK")
		err = out.err
		if IsConflict(err) {
			att.Outcome = AttemptAbortedConflict
			return att, nil, asConflictError(err)
		}
		att.Outcome = AttemptAbortedFatal
		return att, nil, err
	}
}

// commitAttempt finishes a write attempt whose unit of work asked for a
// commit: stage the write set, detach the result, then commit.
func (e *Engine) commitAttempt(ctx context.Context, txn store.Txn, tx *Tx, j *job, att Attempt, alog *telemetry.Logger, raw any) (Attempt, any, error) {
	if err := tx.flush(ctx); err != nil {
		_ = txn.Abort(ctx)
		e.traceEvent(alog, j.trace, "ROLLBACK")
		if IsConflict(err) {
			att.Outcome = AttemptAbortedConflict
			return att, nil, asConflictError(err)
		}
		att.Outcome = AttemptAbortedFatal
		return att, nil, err
	}

	value, err := detach(j.task.Subject, raw)
	if err != nil {
		_ = txn.Abort(ctx)
		e.traceEvent(alog, j.trace, "ROLLBACK")
		att.Outcome = AttemptAbortedFatal
		return att, nil, err
	}

	if err := txn.Commit(ctx); err != nil {
		e.traceEvent(alog, j.trace, "ROLLBACK")
		if store.IsConflict(err) {
			att.Outcome = AttemptAbortedConflict
			return att, nil, asConflictError(err)
		}
		att.Outcome = AttemptAbortedFatal
		return att, nil, NewFatalError("commit failed", err)
	}

	e.traceEvent(alog, j.trace, "COMMIT")
	att.Outcome = AttemptCommitted
	return att, value, nil
}

// runUnit invokes the unit of work, converting a panic into a fatal
// failed outcome so the worker and its connection survive.
func runUnit(ctx context.Context, fn UnitOfWork, tx *Tx) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Fail(NewFatalError(fmt.Sprintf("panic in unit of work: %v", r), nil))
		}
	}()
	return fn(ctx, tx)
}

// asConflictError normalizes any conflict-classified error into a
// conflict TxError, carrying the offending OID when the store reported
// one.
func asConflictError(err error) *TxError {
	var te *TxError
	if errors.As(err, &te) && te.Class == ErrorClassConflict {
		return te
	}
	var ce *store.ConflictError
	if errors.As(err, &ce) {
		return NewConflictError("optimistic concurrency conflict", err).WithOID(ce.OID)
	}
	return NewConflictError("optimistic concurrency conflict", err)
}

// traceEvent logs a transaction lifecycle event at info level when the
// per-call trace flag is set, else at debug.
func (e *Engine) traceEvent(log *telemetry.Logger, trace bool, event string) {
	if trace {
		log.Info(event)
	} else {
		log.Debug(event)
	}
}
