// Package workerpool runs message handlers on long-lived goroutines and dispatches actions to
// them with bounded concurrency.
//
// A Worker owns one goroutine and an inbox. Messages posted to it are handled in order and the
// outcome is reported through the onMessage or onError callback, both invoked on the worker's
// goroutine. Callers that own single-goroutine state must marshal the outcome back themselves.
package workerpool

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/splatstream/logging"
)

// ErrWorkerTerminated is reported for messages that were still queued when a worker stopped.
var ErrWorkerTerminated = errors.New("worker terminated")

const inboxSize = 16

// Handler processes one message on a worker goroutine. The context is the one the message was
// posted with.
type Handler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

type envelope[Req, Resp any] struct {
	ctx       context.Context
	req       Req
	onMessage func(Resp)
	onError   func(error)
}

// Worker is a goroutine with an inbox.
type Worker[Req, Resp any] struct {
	id      int
	handler Handler[Req, Resp]
	logger  logging.Logger

	mu         sync.Mutex
	terminated bool
	inbox      chan envelope[Req, Resp]
	stop       chan struct{}
}

func newWorker[Req, Resp any](id int, handler Handler[Req, Resp], logger logging.Logger) *Worker[Req, Resp] {
	return &Worker[Req, Resp]{
		id:      id,
		handler: handler,
		logger:  logger,
		inbox:   make(chan envelope[Req, Resp], inboxSize),
		stop:    make(chan struct{}),
	}
}

// ID returns the worker's pool-unique id.
func (w *Worker[Req, Resp]) ID() int {
	return w.id
}

// PostMessage queues req for the worker. Exactly one of onMessage or onError is called later,
// unless the worker is already terminated, in which case onError is called immediately.
func (w *Worker[Req, Resp]) PostMessage(ctx context.Context, req Req, onMessage func(Resp), onError func(error)) {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		onError(ErrWorkerTerminated)
		return
	}
	// the run loop keeps draining until stop is closed, and stop is only closed under mu
	w.inbox <- envelope[Req, Resp]{ctx: ctx, req: req, onMessage: onMessage, onError: onError}
	w.mu.Unlock()
}

// Terminate stops the worker. Messages not yet handled fail with ErrWorkerTerminated.
func (w *Worker[Req, Resp]) Terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return
	}
	w.terminated = true
	close(w.stop)
}

func (w *Worker[Req, Resp]) run(ctx context.Context) {
	defer w.drain()
	for {
		select {
		case env := <-w.inbox:
			w.handle(env)
		case <-w.stop:
			return
		case <-ctx.Done():
			w.Terminate()
			return
		}
	}
}

func (w *Worker[Req, Resp]) drain() {
	for {
		select {
		case env := <-w.inbox:
			env.onError(ErrWorkerTerminated)
		default:
			return
		}
	}
}

func (w *Worker[Req, Resp]) handle(env envelope[Req, Resp]) {
	if err := env.ctx.Err(); err != nil {
		env.onError(err)
		return
	}

	var (
		resp Resp
		err  error
	)
	func() {
		defer func() {
			if thePanic := recover(); thePanic != nil {
				err = errors.Errorf("worker %d panicked: %v", w.id, thePanic)
			}
		}()
		resp, err = w.handler(env.ctx, env.req)
	}()

	if err != nil {
		w.logger.Debugw("worker message failed", "worker", w.id, "error", err)
		env.onError(err)
		return
	}
	env.onMessage(resp)
}
