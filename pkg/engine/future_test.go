package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestFutureAwait tests that Await returns the resolved value and error.
func TestFutureAwait(t *testing.T) {
	f := newFuture[int]()
	f.resolve(7, nil)

	v, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if v != 7 {
		t.Errorf("value = %d", v)
	}
}

// TestFutureAwaitBlocks tests that Await waits for a resolve from
// another goroutine.
func TestFutureAwaitBlocks(t *testing.T) {
	f := newFuture[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.resolve("late", nil)
	}()

	v, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if v != "late" {
		t.Errorf("value = %q", v)
	}
}

// TestFutureAwaitCancellation tests that cancelling the wait abandons
// only the wait: the future still resolves and a later Await collects
// the value.
func TestFutureAwaitCancellation(t *testing.T) {
	f := newFuture[int]()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Await(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if f.Resolved() {
		t.Fatal("cancelled wait must not resolve the future")
	}

	f.resolve(9, nil)
	v, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("await after cancellation failed: %v", err)
	}
	if v != 9 {
		t.Errorf("value = %d", v)
	}
}

// TestFutureResolveOnce tests that only the first resolve takes effect.
func TestFutureResolveOnce(t *testing.T) {
	f := newFuture[int]()
	f.resolve(1, nil)
	f.resolve(2, errors.New("too late"))

	v, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if v != 1 {
		t.Errorf("value = %d, first resolve must win", v)
	}
}

// TestFutureResolvedAndDone tests the non-blocking completion probes.
func TestFutureResolvedAndDone(t *testing.T) {
	f := newFuture[int]()

	if f.Resolved() {
		t.Error("fresh future must not report resolved")
	}
	select {
	case <-f.Done():
		t.Error("done channel closed before resolve")
	default:
	}

	f.resolve(0, nil)

	if !f.Resolved() {
		t.Error("future must report resolved")
	}
	select {
	case <-f.Done():
	default:
		t.Error("done channel must be closed after resolve")
	}
}

// TestFutureCarriesError tests that a future resolved with an error
// hands both value and error to the caller.
func TestFutureCarriesError(t *testing.T) {
	errBoom := errors.New("boom")
	f := newFuture[*Result]()
	f.resolve(&Result{TxID: "t"}, errBoom)

	res, err := f.Await(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("error = %v", err)
	}
	if res == nil || res.TxID != "t" {
		t.Error("value must survive alongside the error")
	}
}
