package utils

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
)

// StoppableWorkers is a group of goroutines sharing one context that Stop cancels.
type StoppableWorkers interface {
	// AddWorkers starts one goroutine per function. It reports false, starting nothing, once
	// Stop has been called.
	AddWorkers(...func(context.Context)) bool
	// Running returns the number of goroutines that have not returned yet.
	Running() int
	Stop()
	Context() context.Context
}

type stoppableWorkersImpl struct {
	mu         sync.Mutex
	ctx        context.Context
	cancel     func()
	running    atomic.Int64
	activeWork sync.WaitGroup
}

// NewStoppableWorkers starts funcs, each on its own goroutine.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	ctx, cancel := context.WithCancel(context.Background())
	workers := &stoppableWorkersImpl{ctx: ctx, cancel: cancel}
	workers.AddWorkers(funcs...)
	return workers
}

func (sw *stoppableWorkersImpl) AddWorkers(funcs ...func(context.Context)) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	// Stop takes mu to cancel, so no goroutine is added after it started waiting
	if sw.ctx.Err() != nil {
		return false
	}

	sw.activeWork.Add(len(funcs))
	sw.running.Add(int64(len(funcs)))
	for _, f := range funcs {
		f := f
		goutils.PanicCapturingGo(func() {
			defer sw.activeWork.Done()
			defer sw.running.Dec()
			f(sw.ctx)
		})
	}
	return true
}

func (sw *stoppableWorkersImpl) Running() int {
	return int(sw.running.Load())
}

// Stop cancels the shared context and waits for every goroutine to return.
func (sw *stoppableWorkersImpl) Stop() {
	sw.mu.Lock()
	sw.cancel()
	sw.mu.Unlock()

	sw.activeWork.Wait()
}

func (sw *stoppableWorkersImpl) Context() context.Context {
	return sw.ctx
}
