package transform

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"go.viam.com/splatstream/logging"
	"go.viam.com/splatstream/pointcloud"
	"go.viam.com/splatstream/workerpool"
)

// Worker runs the transform on a pool of auto-released workers.
type Worker struct {
	pool   *workerpool.WorkerPool[*pointcloud.AttributeBuffer, *Block]
	logger logging.Logger
}

// NewWorker returns a Worker with at most maxWorkers goroutines, each released after
// idleTimeout without work. A nil clk uses the wall clock.
func NewWorker(maxWorkers int, idleTimeout time.Duration, opts Options, clk clock.Clock, logger logging.Logger) *Worker {
	handler := func(ctx context.Context, buf *pointcloud.AttributeBuffer) (*Block, error) {
		return Transform(ctx, buf, opts)
	}
	return &Worker{
		pool:   workerpool.NewAutoReleaseWorkerPool(maxWorkers, idleTimeout, handler, clk, logger),
		logger: logger,
	}
}

// Run validates buf and transforms it on the next free worker. buf belongs to the worker once
// Run is called and must not be modified by the caller.
func (w *Worker) Run(ctx context.Context, buf *pointcloud.AttributeBuffer) (*Block, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	return w.pool.Run(ctx, buf)
}

// Workers returns the number of live worker goroutines.
func (w *Worker) Workers() int {
	return w.pool.Size()
}

// Close stops every worker.
func (w *Worker) Close() error {
	return w.pool.Close()
}
