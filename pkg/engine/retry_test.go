package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/openvhm/openvhm/pkg/model"
	"github.com/openvhm/openvhm/pkg/store"
)

// Mock implementations for testing

// scriptStore is a store whose commits succeed or fail according to a
// fixed script, recording how often each lifecycle call was made.
type scriptStore struct {
	mu       sync.Mutex
	script   []error // error returned by commit i; out-of-range commits succeed
	beginErr error

	begins  int
	commits int
	aborts  int
	stores  int
}

func (s *scriptStore) Open(ctx context.Context) (store.Conn, error) {
	return &scriptConn{st: s}, nil
}

func (s *scriptStore) Close(ctx context.Context) error { return nil }

func (s *scriptStore) counts() (begins, commits, aborts, stores int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins, s.commits, s.aborts, s.stores
}

type scriptConn struct{ st *scriptStore }

func (c *scriptConn) Begin(ctx context.Context, mode store.Mode) (store.Txn, error) {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	c.st.begins++
	if c.st.beginErr != nil {
		return nil, c.st.beginErr
	}
	return &scriptTxn{st: c.st, mode: mode}, nil
}

func (c *scriptConn) Close() error { return nil }

type scriptTxn struct {
	st   *scriptStore
	mode store.Mode
}

func (t *scriptTxn) Mode() store.Mode { return t.mode }

func (t *scriptTxn) Load(ctx context.Context, oid store.OID) (*store.Record, error) {
	return nil, store.ErrNotFound
}

func (t *scriptTxn) Store(ctx context.Context, rec *store.Record) error {
	if t.mode == store.ForReading {
		return store.ErrReadOnly
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	t.st.stores++
	return nil
}

func (t *scriptTxn) Delete(ctx context.Context, oid store.OID) error { return nil }

func (t *scriptTxn) Commit(ctx context.Context) error {
	if t.mode == store.ForReading {
		return store.ErrReadOnly
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	i := t.st.commits
	t.st.commits++
	if i < len(t.st.script) {
		return t.st.script[i]
	}
	return nil
}

func (t *scriptTxn) Abort(ctx context.Context) error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	t.st.aborts++
	return nil
}

// setupScripted creates a started synchronous engine over st with the
// given conflict retry budget.
func setupScripted(t *testing.T, st *scriptStore, retries int) *Engine {
	t.Helper()

	eng := New(st, FixedSettings{Retries: retries}, nil, Options{Synchronous: true})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng
}

// TestScriptedConflictsThenCommit tests that conflicts within the
// budget are absorbed: the unit of work reruns until a commit lands and
// the caller sees only the success.
func TestScriptedConflictsThenCommit(t *testing.T) {
	st := &scriptStore{script: []error{
		&store.ConflictError{Op: "commit"},
		&store.ConflictError{Op: "commit"},
	}}
	eng := setupScripted(t, st, 3)
	ctx := context.Background()

	calls := 0
	res, err := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			calls++
			return Commit("v")
		},
	}).Await(ctx)
	if err != nil {
		t.Fatalf("expected eventual commit: %v", err)
	}

	if calls != 3 {
		t.Errorf("unit of work ran %d times, expected 3", calls)
	}
	if !res.Committed || res.Value.(string) != "v" {
		t.Errorf("result = %+v", res)
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("attempts = %d", len(res.Attempts))
	}
	want := []AttemptOutcome{AttemptAbortedConflict, AttemptAbortedConflict, AttemptCommitted}
	for i, att := range res.Attempts {
		if att.Outcome != want[i] {
			t.Errorf("attempt %d outcome = %s, expected %s", i, att.Outcome, want[i])
		}
		if att.Index != i {
			t.Errorf("attempt %d carries index %d", i, att.Index)
		}
		if att.BeganAt.IsZero() {
			t.Errorf("attempt %d has no begin time", i)
		}
	}
	if res.Conflicts() != 2 {
		t.Errorf("conflicts = %d", res.Conflicts())
	}

	begins, _, _, _ := st.counts()
	if begins != 3 {
		t.Errorf("begins = %d, each attempt must open its own transaction", begins)
	}
}

// TestRetryBudgetExhausted tests that conflicts past the budget surface
// as a retry-limit error wrapping the last conflict and its OID.
func TestRetryBudgetExhausted(t *testing.T) {
	oid := store.NewOID()
	conflict := &store.ConflictError{Op: "commit", OID: oid}
	st := &scriptStore{script: []error{conflict, conflict, conflict}}
	eng := setupScripted(t, st, 2)
	ctx := context.Background()

	res, err := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			return Commit(nil)
		},
	}).Await(ctx)

	if !IsRetryLimit(err) {
		t.Fatalf("expected retry-limit error, got %v", err)
	}
	var te *TxError
	if !errors.As(err, &te) {
		t.Fatalf("expected TxError, got %T", err)
	}
	if te.Attempts != 3 {
		t.Errorf("error attempts = %d, expected 3", te.Attempts)
	}
	if !strings.Contains(err.Error(), "attempts=3") {
		t.Errorf("error message = %q", err.Error())
	}

	// The last store conflict stays reachable through the chain.
	var ce *store.ConflictError
	if !errors.As(err, &ce) {
		t.Fatal("retry-limit error must wrap the store conflict")
	}
	if ce.OID != oid {
		t.Errorf("conflict OID = %s, expected %s", ce.OID, oid)
	}

	if len(res.Attempts) != 3 {
		t.Fatalf("result attempts = %d", len(res.Attempts))
	}
	for i, att := range res.Attempts {
		if att.Outcome != AttemptAbortedConflict {
			t.Errorf("attempt %d outcome = %s", i, att.Outcome)
		}
	}
}

// TestZeroRetryBudget tests that with no budget a single conflict is
// already exhaustion.
func TestZeroRetryBudget(t *testing.T) {
	st := &scriptStore{script: []error{&store.ConflictError{Op: "commit"}}}
	eng := setupScripted(t, st, 0)
	ctx := context.Background()

	res, err := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			return Commit(nil)
		},
	}).Await(ctx)

	if !IsRetryLimit(err) {
		t.Fatalf("expected retry-limit error, got %v", err)
	}
	if len(res.Attempts) != 1 {
		t.Errorf("attempts = %d, expected 1", len(res.Attempts))
	}
}

// TestBeginFailureIsFatal tests that a connection that cannot begin a
// transaction fails the call fatally without retries.
func TestBeginFailureIsFatal(t *testing.T) {
	errDown := errors.New("backend down")
	st := &scriptStore{beginErr: errDown}
	eng := setupScripted(t, st, 3)
	ctx := context.Background()

	res, err := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			t.Error("unit of work must not run without a transaction")
			return Commit(nil)
		},
	}).Await(ctx)

	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if !errors.Is(err, errDown) {
		t.Errorf("cause lost: %v", err)
	}
	begins, _, _, _ := st.counts()
	if begins != 1 {
		t.Errorf("begins = %d, fatal errors must not retry", begins)
	}
	if res.Attempts[0].Outcome != AttemptAbortedFatal {
		t.Errorf("outcome = %s", res.Attempts[0].Outcome)
	}
}

// TestCommitFailureIsFatal tests that a non-conflict commit failure is
// fatal and not retried.
func TestCommitFailureIsFatal(t *testing.T) {
	st := &scriptStore{script: []error{errors.New("disk full")}}
	eng := setupScripted(t, st, 3)
	ctx := context.Background()

	res, err := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			return Commit(nil)
		},
	}).Await(ctx)

	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if !strings.Contains(err.Error(), "commit failed") {
		t.Errorf("error message = %q", err.Error())
	}
	if len(res.Attempts) != 1 {
		t.Errorf("attempts = %d", len(res.Attempts))
	}
}

// TestReadModeNeverCommits tests that read-only transactions are always
// aborted at the store, even on a commit outcome.
func TestReadModeNeverCommits(t *testing.T) {
	st := &scriptStore{}
	eng := setupScripted(t, st, 3)
	ctx := context.Background()

	res, err := eng.RunRead(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			return Commit("r")
		},
	}).Await(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if res.Committed {
		t.Error("read result must not report committed")
	}
	if res.Value.(string) != "r" {
		t.Errorf("value = %v", res.Value)
	}
	begins, commits, aborts, _ := st.counts()
	if commits != 0 {
		t.Errorf("commits = %d, read mode must never commit", commits)
	}
	if begins != 1 || aborts != 1 {
		t.Errorf("begins = %d, aborts = %d", begins, aborts)
	}
}

// TestWriteSetRestagedOnRetry tests that each attempt stages its write
// set from scratch instead of reusing the aborted attempt's.
func TestWriteSetRestagedOnRetry(t *testing.T) {
	st := &scriptStore{script: []error{&store.ConflictError{Op: "commit"}}}
	eng := setupScripted(t, st, 2)
	ctx := context.Background()

	_, err := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			if _, err := tx.Add(model.NewMachine("vm", 1, 512)); err != nil {
				return Fail(err)
			}
			return Commit(nil)
		},
	}).Await(ctx)
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}

	_, _, _, stores := st.counts()
	if stores != 2 {
		t.Errorf("stores = %d, expected one staged write per attempt", stores)
	}
}
