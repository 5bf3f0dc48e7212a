package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/splatstream/logging"
	"go.viam.com/splatstream/utils"
)

// ErrPoolClosed is returned for work pushed to, or still queued in, a closed pool.
var ErrPoolClosed = errors.New("worker pool closed")

// Action runs with an idle worker assigned to it. It typically posts a message and returns; the
// worker stays reserved until onComplete is called. onComplete may be called from any goroutine
// and only the first call has an effect.
type Action[Req, Resp any] func(w *Worker[Req, Resp], onComplete func())

type queuedAction[Req, Resp any] struct {
	action Action[Req, Resp]
	reject func(error)
}

type workerState[Req, Resp any] struct {
	worker    *Worker[Req, Resp]
	active    bool
	idleTimer *clock.Timer
	// idleGen invalidates idle timers that fired after the worker was reused.
	idleGen int
}

// WorkerPool dispatches actions to a bounded set of workers. A fixed pool starts all of its
// workers up front and keeps them. An auto-release pool starts workers on demand up to its
// maximum and terminates any worker that stays idle for longer than its idle timeout.
type WorkerPool[Req, Resp any] struct {
	handler     Handler[Req, Resp]
	maxWorkers  int
	autoRelease bool
	idleTimeout time.Duration
	clock       clock.Clock
	logger      logging.Logger
	goroutines  utils.StoppableWorkers

	mu      sync.Mutex
	closed  bool
	nextID  int
	workers []*workerState[Req, Resp]
	queue   []queuedAction[Req, Resp]
}

// NewWorkerPool returns a pool of numWorkers workers running handler. Actions pushed while all
// workers are busy wait in FIFO order.
func NewWorkerPool[Req, Resp any](numWorkers int, handler Handler[Req, Resp], logger logging.Logger) *WorkerPool[Req, Resp] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	p := &WorkerPool[Req, Resp]{
		handler:    handler,
		maxWorkers: numWorkers,
		clock:      clock.New(),
		logger:     logger,
		goroutines: utils.NewStoppableWorkers(),
	}
	p.mu.Lock()
	for i := 0; i < numWorkers; i++ {
		p.spawnLocked(false)
	}
	p.mu.Unlock()
	return p
}

// NewAutoReleaseWorkerPool returns a pool that starts at most maxWorkers workers on demand and
// terminates workers idle for idleTimeout. A nil clk uses the wall clock.
func NewAutoReleaseWorkerPool[Req, Resp any](
	maxWorkers int,
	idleTimeout time.Duration,
	handler Handler[Req, Resp],
	clk clock.Clock,
	logger logging.Logger,
) *WorkerPool[Req, Resp] {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &WorkerPool[Req, Resp]{
		handler:     handler,
		maxWorkers:  maxWorkers,
		autoRelease: true,
		idleTimeout: idleTimeout,
		clock:       clk,
		logger:      logger,
		goroutines:  utils.NewStoppableWorkers(),
	}
}

func (p *WorkerPool[Req, Resp]) spawnLocked(active bool) *workerState[Req, Resp] {
	p.nextID++
	w := newWorker(p.nextID, p.handler, p.logger)
	ws := &workerState[Req, Resp]{worker: w, active: active}
	p.workers = append(p.workers, ws)
	p.goroutines.AddWorkers(w.run)
	p.logger.Debugw("started worker", "worker", w.id, "workers", len(p.workers))
	return ws
}

// Push runs action on an idle worker, starts a new worker for it if the pool may grow, or
// queues it.
func (p *WorkerPool[Req, Resp]) Push(action Action[Req, Resp]) error {
	return p.push(queuedAction[Req, Resp]{action: action})
}

func (p *WorkerPool[Req, Resp]) push(item queuedAction[Req, Resp]) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	var assigned *workerState[Req, Resp]
	for _, ws := range p.workers {
		if !ws.active {
			assigned = ws
			break
		}
	}
	switch {
	case assigned != nil:
		p.reserveLocked(assigned)
	case p.autoRelease && len(p.workers) < p.maxWorkers:
		assigned = p.spawnLocked(true)
	default:
		p.queue = append(p.queue, item)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.execute(assigned, item)
	return nil
}

func (p *WorkerPool[Req, Resp]) reserveLocked(ws *workerState[Req, Resp]) {
	ws.active = true
	ws.idleGen++
	if ws.idleTimer != nil {
		ws.idleTimer.Stop()
		ws.idleTimer = nil
	}
}

func (p *WorkerPool[Req, Resp]) execute(ws *workerState[Req, Resp], item queuedAction[Req, Resp]) {
	var once sync.Once
	item.action(ws.worker, func() {
		once.Do(func() { p.release(ws) })
	})
}

func (p *WorkerPool[Req, Resp]) release(ws *workerState[Req, Resp]) {
	p.mu.Lock()
	if !p.closed && len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		p.execute(ws, next)
		return
	}

	ws.active = false
	if p.autoRelease && !p.closed {
		gen := ws.idleGen
		ws.idleTimer = p.clock.AfterFunc(p.idleTimeout, func() { p.expire(ws, gen) })
	}
	p.mu.Unlock()
}

func (p *WorkerPool[Req, Resp]) expire(ws *workerState[Req, Resp], gen int) {
	p.mu.Lock()
	if p.closed || ws.active || ws.idleGen != gen {
		p.mu.Unlock()
		return
	}
	for i, other := range p.workers {
		if other == ws {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	remaining := len(p.workers)
	p.mu.Unlock()

	ws.worker.Terminate()
	p.logger.Debugw("released idle worker", "worker", ws.worker.id, "workers", remaining)
}

// Run posts req to the next available worker and waits for its response. Returning early
// because ctx is done does not stop the worker; the handler sees the same ctx and is expected to
// give up on its own.
func (p *WorkerPool[Req, Resp]) Run(ctx context.Context, req Req) (Resp, error) {
	type result struct {
		resp Resp
		err  error
	}
	results := make(chan result, 1)

	err := p.push(queuedAction[Req, Resp]{
		action: func(w *Worker[Req, Resp], onComplete func()) {
			w.PostMessage(ctx, req,
				func(resp Resp) {
					results <- result{resp: resp}
					onComplete()
				},
				func(err error) {
					results <- result{err: err}
					onComplete()
				})
		},
		reject: func(err error) {
			results <- result{err: err}
		},
	})
	if err != nil {
		var zero Resp
		return zero, err
	}

	select {
	case r := <-results:
		return r.resp, r.err
	case <-ctx.Done():
		var zero Resp
		return zero, ctx.Err()
	}
}

// Size returns the number of live workers.
func (p *WorkerPool[Req, Resp]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Idle returns the number of live workers not reserved by an action.
func (p *WorkerPool[Req, Resp]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, ws := range p.workers {
		if !ws.active {
			idle++
		}
	}
	return idle
}

// Queued returns the number of actions waiting for a worker.
func (p *WorkerPool[Req, Resp]) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close terminates every worker. Queued actions are dropped; those pushed through Run fail with
// ErrPoolClosed.
func (p *WorkerPool[Req, Resp]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	queue := p.queue
	p.queue = nil
	workers := p.workers
	p.workers = nil
	for _, ws := range workers {
		if ws.idleTimer != nil {
			ws.idleTimer.Stop()
		}
	}
	p.mu.Unlock()

	for _, item := range queue {
		if item.reject != nil {
			item.reject(ErrPoolClosed)
		}
	}
	for _, ws := range workers {
		ws.worker.Terminate()
	}
	p.goroutines.Stop()
	return nil
}
