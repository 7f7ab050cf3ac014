package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openvhm/openvhm/pkg/model"
	"github.com/openvhm/openvhm/pkg/store"
	"github.com/openvhm/openvhm/pkg/store/memstore"
)

// Mock implementations for testing

// countingStore wraps a store and counts how many connections were
// opened from it.
type countingStore struct {
	inner store.Store
	opens atomic.Int32
}

func (s *countingStore) Open(ctx context.Context) (store.Conn, error) {
	s.opens.Add(1)
	return s.inner.Open(ctx)
}

func (s *countingStore) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}

// setupPooledEngine creates a started asynchronous engine over a
// counting in-memory store.
func setupPooledEngine(t *testing.T, workers, queue, retries int) (*Engine, *countingStore) {
	t.Helper()

	st := &countingStore{inner: memstore.New()}
	eng := New(st, FixedSettings{Retries: retries}, nil, Options{
		MaxWorkers: workers,
		QueueSize:  queue,
		Backend:    "memory",
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng, st
}

// TestSubmitBeforeStart tests that an engine refuses work until it has
// been started.
func TestSubmitBeforeStart(t *testing.T) {
	eng := New(memstore.New(), nil, nil, Options{})
	ctx := context.Background()

	_, err := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			return Commit(nil)
		},
	}).Await(ctx)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

// TestParallelWrites tests that independent writes run concurrently on
// the pool and all commit.
func TestParallelWrites(t *testing.T) {
	eng, st := setupPooledEngine(t, 4, 32, 3)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	oids := make([]store.OID, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := eng.RunWrite(ctx, Task{
				Subject: "test",
				Fn: func(ctx context.Context, tx *Tx) Outcome {
					oid, err := tx.Add(model.NewMachine("vm", 1, 512))
					if err != nil {
						return Fail(err)
					}
					return Commit(oid)
				},
			}).Await(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			oids[i] = res.Value.(store.OID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	if got := st.opens.Load(); got > 4 {
		t.Errorf("opened %d connections, pool bound is 4", got)
	}

	// Every machine must be loadable afterwards.
	for i, oid := range oids {
		_, err := eng.RunRead(ctx, Task{
			Subject: "test",
			Fn: func(ctx context.Context, tx *Tx) Outcome {
				if _, err := tx.Get(ctx, oid); err != nil {
					return Fail(err)
				}
				return Rollback()
			},
		}).Await(ctx)
		if err != nil {
			t.Errorf("machine %d not found after commit: %v", i, err)
		}
	}
}

// TestLazyConnections tests that connections open on the first job, not
// at start, and that an idle worker's connection is reused.
func TestLazyConnections(t *testing.T) {
	eng, st := setupPooledEngine(t, 1, 16, 0)
	ctx := context.Background()

	if got := st.opens.Load(); got != 0 {
		t.Fatalf("opened %d connections before any work", got)
	}

	run := func() {
		t.Helper()
		_, err := eng.RunWrite(ctx, Task{
			Subject: "test",
			Fn: func(ctx context.Context, tx *Tx) Outcome {
				return Commit(nil)
			},
		}).Await(ctx)
		if err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	run()
	if got := st.opens.Load(); got != 1 {
		t.Fatalf("opened %d connections after first job, expected 1", got)
	}

	run()
	if got := st.opens.Load(); got != 1 {
		t.Errorf("opened %d connections after second job, worker must reuse its connection", got)
	}
}

// TestWorkerBound tests that the pool never spawns beyond its bound no
// matter how many jobs arrive.
func TestWorkerBound(t *testing.T) {
	eng, st := setupPooledEngine(t, 2, 32, 0)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.RunWrite(ctx, Task{
				Subject: "test",
				Fn: func(ctx context.Context, tx *Tx) Outcome {
					time.Sleep(5 * time.Millisecond)
					return Commit(nil)
				},
			}).Await(ctx)
			if err != nil {
				t.Errorf("write failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := st.opens.Load(); got > 2 {
		t.Errorf("opened %d connections, pool bound is 2", got)
	}
}

// TestQueueFull tests that a submission beyond queue capacity fails
// fast with ErrQueueFull instead of blocking the caller.
func TestQueueFull(t *testing.T) {
	eng, _ := setupPooledEngine(t, 1, 1, 0)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})

	blocker := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			close(started)
			<-release
			return Commit(nil)
		},
	})
	<-started

	// The single worker is busy; this one parks in the queue.
	queued := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			return Commit(nil)
		},
	})

	// Queue capacity is 1, so the next submission must be rejected.
	_, err := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			return Commit(nil)
		},
	}).Await(ctx)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(release)
	if _, err := blocker.Await(ctx); err != nil {
		t.Fatalf("blocker failed: %v", err)
	}
	if _, err := queued.Await(ctx); err != nil {
		t.Fatalf("queued job failed: %v", err)
	}
}

// TestStopDrainsQueue tests that jobs already queued when Stop begins
// still execute, and that Stop returns only after they have.
func TestStopDrainsQueue(t *testing.T) {
	eng, _ := setupPooledEngine(t, 1, 8, 0)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})

	blocker := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			close(started)
			<-release
			return Commit(nil)
		},
	})
	<-started

	var ran atomic.Int32
	var futs []*Future[*Result]
	for i := 0; i < 3; i++ {
		futs = append(futs, eng.RunWrite(ctx, Task{
			Subject: "test",
			Fn: func(ctx context.Context, tx *Tx) Outcome {
				ran.Add(1)
				return Commit(nil)
			},
		}))
	}

	close(release)
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if got := ran.Load(); got != 3 {
		t.Errorf("%d of 3 queued jobs ran before stop returned", got)
	}
	if _, err := blocker.Await(ctx); err != nil {
		t.Errorf("blocker failed: %v", err)
	}
	for i, fut := range futs {
		res, err := fut.Await(ctx)
		if err != nil {
			t.Errorf("queued job %d failed: %v", i, err)
			continue
		}
		if !res.Committed {
			t.Errorf("queued job %d did not commit", i)
		}
	}

	_, err := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			return Commit(nil)
		},
	}).Await(ctx)
	if !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after stop, got %v", err)
	}
}

// TestStopTimeout tests that a drain bounded by an expiring context
// reports the incomplete drain instead of hanging.
func TestStopTimeout(t *testing.T) {
	eng, _ := setupPooledEngine(t, 1, 4, 0)

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	eng.RunWrite(context.Background(), Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			close(started)
			<-release
			return Commit(nil)
		},
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := eng.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error from bounded drain, got %v", err)
	}
}

// TestStopIdempotent tests that stopping twice is harmless and that a
// stopped engine cannot be restarted.
func TestStopIdempotent(t *testing.T) {
	eng, _ := setupPooledEngine(t, 2, 4, 0)
	ctx := context.Background()

	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if err := eng.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped on restart, got %v", err)
	}
}

// TestContendedCounter tests that concurrent writers incrementing one
// object all land through conflict retries.
func TestContendedCounter(t *testing.T) {
	eng, _ := setupPooledEngine(t, 3, 32, 50)
	ctx := context.Background()

	res, err := eng.RunWrite(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			oid, err := tx.Add(model.NewMachine("counter", 0, 512))
			if err != nil {
				return Fail(err)
			}
			return Commit(oid)
		},
	}).Await(ctx)
	if err != nil {
		t.Fatalf("failed to seed counter: %v", err)
	}
	oid := res.Value.(store.OID)

	const writers, perWriter = 3, 3
	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < perWriter; k++ {
				_, err := eng.RunWrite(ctx, Task{
					Subject: "test",
					Fn: func(ctx context.Context, tx *Tx) Outcome {
						obj, err := tx.Get(ctx, oid)
						if err != nil {
							return Fail(err)
						}
						m := obj.(*model.Machine)
						m.CPUs++
						if err := tx.Update(m); err != nil {
							return Fail(err)
						}
						return Commit(nil)
					},
				}).Await(ctx)
				if err != nil {
					failed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := failed.Load(); got != 0 {
		t.Fatalf("%d increments failed", got)
	}

	final, err := eng.RunRead(ctx, Task{
		Subject: "test",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			obj, err := tx.Get(ctx, oid)
			if err != nil {
				return Fail(err)
			}
			return Commit(obj.(*model.Machine).CPUs)
		},
	}).Await(ctx)
	if err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	if got := final.Value.(int); got != writers*perWriter {
		t.Errorf("counter = %d, expected %d", got, writers*perWriter)
	}
}
