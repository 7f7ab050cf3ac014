package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/openvhm/openvhm/pkg/model"
	"github.com/openvhm/openvhm/pkg/store"
	"github.com/openvhm/openvhm/pkg/telemetry"
)

const (
	// DefaultMaxWorkers bounds the worker pool when Options does not.
	DefaultMaxWorkers = 20

	// DefaultQueueSize bounds the submission queue when Options does not.
	DefaultQueueSize = 256
)

// Options configures an Engine.
type Options struct {
	// MaxWorkers is the upper bound on pool workers. Workers spawn on
	// demand and each holds its own store connection. Defaults to
	// DefaultMaxWorkers.
	MaxWorkers int

	// QueueSize bounds how many submitted transactions may wait for a
	// worker before submissions are rejected with ErrQueueFull.
	// Defaults to DefaultQueueSize.
	QueueSize int

	// Backend names the store backend for logs and traces. Informational.
	Backend string

	// Synchronous runs every transaction inline on the caller's
	// goroutine over a single shared connection, with the same attempt,
	// retry and detachment semantics as the pool. Intended for tests.
	Synchronous bool
}

// Engine executes units of work as optimistic transactions against a
// store. Writes go through RunWrite with bounded conflict retries;
// reads go through RunRead on a snapshot that is always abandoned.
// Results come back as futures so callers decide when to block.
type Engine struct {
	st       store.Store
	settings Settings
	tel      *telemetry.Telemetry
	log      *telemetry.Logger
	opts     Options
	pool     *pool

	mu      sync.Mutex
	started bool
	stopped bool

	syncMu   sync.Mutex
	syncConn store.Conn
}

// New creates an engine over st. A nil tel disables telemetry; a nil
// settings falls back to zero retries with tracing off.
func New(st store.Store, settings Settings, tel *telemetry.Telemetry, opts Options) *Engine {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if settings == nil {
		settings = FixedSettings{}
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	e := &Engine{
		st:       st,
		settings: settings,
		tel:      tel,
		log:      tel.Logger.NewComponentLogger("engine"),
		opts:     opts,
	}
	e.pool = newPool(e, opts.MaxWorkers, opts.QueueSize)
	return e
}

// Start makes the engine accept transactions. No workers or
// connections exist yet; both come into being on demand as work
// arrives. Starting an already-started engine is a no-op; a stopped
// engine cannot be restarted.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return nil
	}
	e.started = true
	e.pool.start()

	e.log.WithBackend(e.opts.Backend).WithFields(map[string]interface{}{
		"max_workers": e.opts.MaxWorkers,
		"queue_size":  e.opts.QueueSize,
		"synchronous": e.opts.Synchronous,
	}).Info("Transaction engine started")
	return nil
}

// Stop drains the engine. New submissions fail with ErrStopped, queued
// and in-flight transactions run to completion, then every worker
// connection closes. ctx bounds how long the drain may take.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	err := e.pool.stop(ctx)

	e.syncMu.Lock()
	if e.syncConn != nil {
		if cerr := e.syncConn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		e.syncConn = nil
	}
	e.syncMu.Unlock()

	e.log.Info("Transaction engine stopped")
	return err
}

// RunWrite executes the task in a read-write transaction. On conflict
// the attempt is retried with backoff up to the configured budget; the
// future resolves with the committed Result or, after exhaustion, a
// retry-limit error.
func (e *Engine) RunWrite(ctx context.Context, task Task) *Future[*Result] {
	return e.submit(ctx, task, store.ForWriting)
}

// RunRead executes the task in a read-only transaction. The snapshot is
// always abandoned, and a conflict is reported immediately rather than
// retried: under load a reader that conflicted once would conflict
// again, and unlike a write nothing is lost by failing fast.
func (e *Engine) RunRead(ctx context.Context, task Task) *Future[*Result] {
	return e.submit(ctx, task, store.ForReading)
}

func (e *Engine) submit(ctx context.Context, task Task, mode store.Mode) *Future[*Result] {
	if task.Fn == nil {
		return resolved[*Result](nil, NewFatalError("task has no unit of work", nil))
	}

	e.tel.Metrics.RecordTxStarted(mode.String())

	j := &job{
		id:      uuid.NewString(),
		task:    task,
		mode:    mode,
		retries: e.settings.ConflictRetries(),
		trace:   e.settings.TraceTransactions(),
		// Attempts outlive the caller. Cancelling the submission context
		// cancels waiting on the future, never a transaction that may
		// already be committing.
		ctx: context.WithoutCancel(ctx),
		fut: newFuture[*Result](),
	}

	if e.opts.Synchronous {
		e.runSync(j)
		return j.fut
	}

	if err := e.pool.submit(j); err != nil {
		if errors.Is(err, ErrQueueFull) {
			e.tel.Metrics.RecordQueueRejection()
			e.log.WithTxID(j.id).Warn("Transaction rejected, queue full")
		}
		return resolved[*Result](nil, err)
	}
	return j.fut
}

// runSync executes the job inline over a single lazily-opened shared
// connection. Serialized so the connection sees one transaction at a
// time, like a pool worker's.
func (e *Engine) runSync(j *job) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if !e.accepting() {
		j.fut.resolve(nil, ErrStopped)
		return
	}
	if e.syncConn == nil {
		conn, err := e.st.Open(j.ctx)
		if err != nil {
			j.fut.resolve(nil, NewFatalError("failed to open store connection", err))
			return
		}
		e.syncConn = conn
	}

	res, err := e.runTransaction(j.ctx, e.syncConn, j)
	j.fut.resolve(res, err)
}

func (e *Engine) accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

// EnsureRoot creates the root container if the store has none yet.
// Safe to run at every startup; two processes racing on a fresh store
// settle through the usual conflict retry, after which the loser finds
// the root present and rolls back.
func (e *Engine) EnsureRoot(ctx context.Context) error {
	fut := e.RunWrite(ctx, Task{
		Name:    "ensure-root",
		Subject: "engine",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			_, err := tx.Root(ctx)
			if err == nil {
				return Rollback()
			}
			if !errors.Is(err, store.ErrNotFound) {
				return Fail(err)
			}
			if err := tx.addRoot(model.NewContainer()); err != nil {
				return Fail(err)
			}
			return Commit(nil)
		},
	})
	_, err := fut.Await(ctx)
	return err
}

// ResolveReference loads the object a reference points to in a fresh
// read-only transaction and resolves the future with a detached copy.
func (e *Engine) ResolveReference(ctx context.Context, ref Ref) *Future[*Result] {
	return e.RunRead(ctx, Task{
		Name:    "resolve-reference",
		Subject: "engine",
		Fn: func(ctx context.Context, tx *Tx) Outcome {
			obj, err := tx.Deref(ctx, ref)
			if err != nil {
				return Fail(err)
			}
			return Commit(obj)
		},
	})
}
