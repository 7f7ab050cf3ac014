package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/openvhm/openvhm/pkg/store"
)

// job is a submitted transaction bound for a worker. The retry budget
// and trace flag are snapshotted at submission, so a config reload
// never changes a call already in flight.
type job struct {
	id      string
	task    Task
	mode    store.Mode
	retries int
	trace   bool
	ctx     context.Context
	fut     *Future[*Result]
}

// checkJob is a validation check bound for one specific worker.
type checkJob struct {
	ctx   context.Context
	check CheckFunc
	done  chan struct{}
	err   error // read after done is closed
}

type workerState int

const (
	workerNew workerState = iota
	workerIdle
	workerBusy
	workerExited
)

// worker owns one store connection and executes jobs from the shared
// queue. The connection is opened on the worker's first job and closed
// when the worker exits; it is touched only from the worker goroutine.
type worker struct {
	id   int
	pool *pool

	conn    store.Conn
	hasConn bool // guarded by pool.mu, readable off-goroutine

	state workerState // guarded by pool.mu

	checks chan *checkJob
	exited chan struct{}
}

// pool is the bounded worker pool. Workers are spawned on demand up to
// maxWorkers; the pool holds no idle workers until work arrives.
// Submissions beyond queue capacity with no idle worker fail fast
// rather than block the caller.
type pool struct {
	eng *Engine

	maxWorkers int
	queue      chan *job

	mu       sync.Mutex
	workers  []*worker
	idle     int
	busy     int
	running  bool
	stopping bool

	wg sync.WaitGroup
}

func newPool(eng *Engine, maxWorkers, queueSize int) *pool {
	return &pool{
		eng:        eng,
		maxWorkers: maxWorkers,
		queue:      make(chan *job, queueSize),
	}
}

// start marks the pool as accepting work. Workers are not pre-spawned.
func (p *pool) start() {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
}

// submit enqueues a job, spawning a worker if none is idle and the
// bound allows another. Returns ErrStopped before start or after stop,
// ErrQueueFull when the queue is at capacity.
func (p *pool) submit(j *job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.stopping {
		return ErrStopped
	}

	select {
	case p.queue <- j:
	default:
		return ErrQueueFull
	}

	if p.idle == 0 && len(p.workers) < p.maxWorkers {
		p.spawnLocked()
	}
	p.eng.tel.Metrics.SetQueueDepth(float64(len(p.queue)))
	return nil
}

func (p *pool) spawnLocked() {
	w := &worker{
		id:     len(p.workers) + 1,
		pool:   p,
		checks: make(chan *checkJob),
		exited: make(chan struct{}),
	}
	p.workers = append(p.workers, w)
	p.wg.Add(1)
	go w.run()
}

// stop drains the pool: no new submissions are accepted, queued jobs
// run to completion, and in-flight attempts finish. Blocks until every
// worker has exited or ctx expires.
func (p *pool) stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker drain incomplete: %w", ctx.Err())
	}
}

// transition moves a worker between states, keeping the idle and busy
// counts and the pool gauges current.
func (p *pool) transition(w *worker, to workerState) {
	p.mu.Lock()
	switch w.state {
	case workerIdle:
		p.idle--
	case workerBusy:
		p.busy--
	}
	w.state = to
	switch to {
	case workerIdle:
		p.idle++
	case workerBusy:
		p.busy++
	}
	p.eng.tel.Metrics.SetWorkers(float64(p.busy), float64(p.idle))
	p.mu.Unlock()
}

// idleWorkers snapshots the workers currently idle with a live
// connection. These are the snapshots a broadcast validation audits.
func (p *pool) idleWorkers() []*worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	ws := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.state == workerIdle && w.hasConn {
			ws = append(ws, w)
		}
	}
	return ws
}

func (w *worker) run() {
	p := w.pool
	defer p.wg.Done()
	defer close(w.exited)
	defer w.closeConn()

	for {
		p.transition(w, workerIdle)
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.transition(w, workerExited)
				return
			}
			p.transition(w, workerBusy)
			p.eng.tel.Metrics.SetQueueDepth(float64(len(p.queue)))
			w.execute(j)
		case c := <-w.checks:
			p.transition(w, workerBusy)
			w.runCheck(c)
		}
	}
}

func (w *worker) execute(j *job) {
	conn, err := w.ensureConn(j.ctx)
	if err != nil {
		j.fut.resolve(nil, err)
		return
	}
	res, err := w.pool.eng.runTransaction(j.ctx, conn, j)
	j.fut.resolve(res, err)
}

// ensureConn opens the worker's connection on first use and reuses it
// for the worker's lifetime.
func (w *worker) ensureConn(ctx context.Context) (store.Conn, error) {
	if w.conn != nil {
		return w.conn, nil
	}

	conn, err := w.pool.eng.st.Open(ctx)
	if err != nil {
		return nil, NewFatalError("failed to open store connection", err)
	}
	w.conn = conn

	w.pool.mu.Lock()
	w.hasConn = true
	w.pool.mu.Unlock()

	w.pool.eng.log.WithWorker(w.id).Debug("Opened store connection")
	return conn, nil
}

func (w *worker) runCheck(c *checkJob) {
	defer close(c.done)
	if w.conn == nil {
		return
	}
	c.err = w.pool.eng.runCheckAttempt(c.ctx, w.conn, c.check)
}

func (w *worker) closeConn() {
	if w.conn == nil {
		return
	}
	if err := w.conn.Close(); err != nil {
		w.pool.eng.log.WithWorker(w.id).WithError(err).Warn("Failed to close store connection")
	}
	w.conn = nil
}
