package sorter

import (
	"context"
	"time"

	"go.viam.com/splatstream/logging"
	"go.viam.com/splatstream/utils"
	"go.viam.com/splatstream/workerpool"
)

// Scheduler keeps at most one sort in flight and skips sorts for a camera that has not moved.
// Its methods must be called from one goroutine; only the done callback of Dispatch runs
// elsewhere.
type Scheduler struct {
	pool    *workerpool.WorkerPool[Request, Result]
	timeout time.Duration
	epsilon float64
	logger  logging.Logger
	waiters utils.StoppableWorkers

	seq        uint64
	inFlight   bool
	lastCamera *Camera
}

// NewScheduler returns a Scheduler sorting on a dedicated worker. A sort taking longer than
// timeout fails with context.DeadlineExceeded; zero disables the timeout. The camera must move
// more than epsilon in position or direction before an unflagged sort is dispatched.
func NewScheduler(timeout time.Duration, epsilon float64, logger logging.Logger) *Scheduler {
	return &Scheduler{
		pool:    workerpool.NewWorkerPool(1, Sort, logger),
		timeout: timeout,
		epsilon: epsilon,
		logger:  logger,
		waiters: utils.NewStoppableWorkers(),
	}
}

// InFlight reports whether a dispatched sort has not been completed.
func (s *Scheduler) InFlight() bool {
	return s.inFlight
}

// ShouldSort reports whether a sort for cam should be dispatched now.
func (s *Scheduler) ShouldSort(cam Camera, anyNeedSort bool) bool {
	if s.inFlight {
		return false
	}
	if anyNeedSort || s.lastCamera == nil {
		return true
	}
	return cam.Position.Distance(s.lastCamera.Position) > s.epsilon ||
		cam.Direction.Normalize().Distance(s.lastCamera.Direction.Normalize()) > s.epsilon
}

// Dispatch starts sorting req and returns the sequence number assigned to it. done is called
// exactly once, from another goroutine, with the result or the failure. The caller must pass
// the outcome to Complete.
func (s *Scheduler) Dispatch(ctx context.Context, req Request, done func(Result, error)) uint64 {
	s.seq++
	req.Seq = s.seq
	s.inFlight = true

	started := s.waiters.AddWorkers(func(workersCtx context.Context) {
		sortCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(workersCtx, cancel)
		defer stop()
		if s.timeout > 0 {
			var cancelTimeout context.CancelFunc
			sortCtx, cancelTimeout = context.WithTimeout(sortCtx, s.timeout)
			defer cancelTimeout()
		}
		result, err := s.pool.Run(sortCtx, req)
		if err != nil {
			s.logger.CDebugw(ctx, "sort failed", "seq", req.Seq, "error", err)
		}
		result.Seq = req.Seq
		done(result, err)
	})
	if !started {
		done(Result{Seq: req.Seq}, workerpool.ErrPoolClosed)
	}
	return req.Seq
}

// Complete ends the in-flight sort seq. Results of earlier sequence numbers are stale and
// reported as such; a successful current result becomes the camera later sorts compare against.
func (s *Scheduler) Complete(seq uint64, cam Camera, err error) bool {
	if seq != s.seq || !s.inFlight {
		return false
	}
	s.inFlight = false
	if err == nil {
		s.lastCamera = &cam
	}
	return true
}

// Reset forgets the last sorted camera so the next ShouldSort returns true.
func (s *Scheduler) Reset() {
	s.lastCamera = nil
}

// Close cancels any in-flight sort, waits for its callback and stops the sort worker.
func (s *Scheduler) Close() error {
	s.waiters.Stop()
	return s.pool.Close()
}
