package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openvhm/openvhm/pkg/store"
)

// CheckFunc is an integrity check evaluated against one worker
// connection's snapshot, inside a read-only attempt that is never
// retried and always aborted.
type CheckFunc func(ctx context.Context, tx *Tx) error

// Violation reports a check that failed on one worker's snapshot.
type Violation struct {
	// Worker is the id of the worker whose snapshot failed the check.
	Worker int

	// Err is the check's error.
	Err error
}

func (v Violation) String() string {
	return fmt.Sprintf("worker %d: %v", v.Worker, v.Err)
}

// Validator broadcasts an integrity check across every idle worker
// connection in the pool. Because each connection may hold a different
// snapshot, a consistency property has to be evaluated against all of
// them to catch divergence, not just the newest one.
//
// A Validator remembers which workers it has already checked, so
// repeated runs of the same validator skip snapshots it has seen. Use a
// fresh Validator to force a full pass.
type Validator struct {
	eng   *Engine
	name  string
	check CheckFunc

	mu   sync.Mutex
	done map[*worker]struct{}
}

// NewValidator creates a reusable broadcast validator for check.
func (e *Engine) NewValidator(name string, check CheckFunc) *Validator {
	return &Validator{
		eng:   e,
		name:  name,
		check: check,
		done:  make(map[*worker]struct{}),
	}
}

// Run evaluates the check once on every currently-idle worker
// connection this validator has not checked before. The future resolves
// after every participating worker has finished; a failing check is
// recorded as a Violation and never stops the others.
func (v *Validator) Run(ctx context.Context) *Future[[]Violation] {
	fut := newFuture[[]Violation]()
	go v.broadcast(context.WithoutCancel(ctx), fut)
	return fut
}

func (v *Validator) broadcast(ctx context.Context, fut *Future[[]Violation]) {
	log := v.eng.log.WithField("validator", v.name)

	ctx, span := v.eng.tel.Tracer.StartValidationSpan(ctx, uuid.NewString())
	defer span.End()

	workers := v.claim()
	if len(workers) == 0 {
		log.Debug("No unchecked idle connections")
		fut.resolve(nil, nil)
		return
	}

	checks := make([]*checkJob, len(workers))
	g := new(errgroup.Group)
	for i, w := range workers {
		cj := &checkJob{ctx: ctx, check: v.check, done: make(chan struct{})}
		checks[i] = cj
		g.Go(func() error {
			select {
			case w.checks <- cj:
				<-cj.done
			case <-w.exited:
				// Worker shut down before the check could be delivered.
			}
			return nil
		})
	}
	// All participating workers finish before the future resolves.
	_ = g.Wait()

	var violations []Violation
	for i, cj := range checks {
		select {
		case <-cj.done:
		default:
			continue
		}
		if cj.err != nil {
			violations = append(violations, Violation{Worker: workers[i].id, Err: cj.err})
			v.eng.tel.Metrics.RecordValidation("violation")
			log.WithWorker(workers[i].id).WithError(cj.err).Warn("Integrity check failed")
		} else {
			v.eng.tel.Metrics.RecordValidation("ok")
		}
	}

	log.WithFields(map[string]interface{}{
		"checked":    len(workers),
		"violations": len(violations),
	}).Info("Integrity validation completed")

	fut.resolve(violations, nil)
}

// claim returns the idle workers this validator has not checked yet,
// marking them checked. Marking happens before the check runs so a
// concurrent run of the same validator cannot double-check a snapshot.
func (v *Validator) claim() []*worker {
	idle := v.eng.pool.idleWorkers()

	v.mu.Lock()
	defer v.mu.Unlock()

	ws := make([]*worker, 0, len(idle))
	for _, w := range idle {
		if _, seen := v.done[w]; seen {
			continue
		}
		v.done[w] = struct{}{}
		ws = append(ws, w)
	}
	return ws
}

// runCheckAttempt runs one check inside a read-only attempt on conn.
// Never retried; the transaction is always aborted.
func (e *Engine) runCheckAttempt(ctx context.Context, conn store.Conn, check CheckFunc) error {
	txn, err := conn.Begin(ctx, store.ForReading)
	if err != nil {
		return NewFatalError("failed to begin validation transaction", err)
	}
	defer func() { _ = txn.Abort(ctx) }()

	tx := newTx(txn, store.ForReading, "validator")
	return runCheckFunc(ctx, check, tx)
}

// runCheckFunc invokes the check, converting a panic into an error so
// one bad check cannot take down a worker.
func runCheckFunc(ctx context.Context, check CheckFunc, tx *Tx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewFatalError(fmt.Sprintf("panic in validation check: %v", r), nil)
		}
	}()
	return check(ctx, tx)
}
