package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/splatstream/logging"
)

func double(ctx context.Context, req int) (int, error) {
	return 2 * req, nil
}

func TestWorkerPoolRun(t *testing.T) {
	logger := logging.NewTestLogger(t)
	pool := NewWorkerPool(2, double, logger)
	defer pool.Close()

	test.That(t, pool.Size(), test.ShouldEqual, 2)
	resp, err := pool.Run(context.Background(), 21)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp, test.ShouldEqual, 42)
}

func TestWorkerPoolQueuesWhenBusy(t *testing.T) {
	logger := logging.NewTestLogger(t)
	gates := make([]chan struct{}, 5)
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	var running, maxRunning int32
	var receivedMu sync.Mutex
	var received []int
	handler := func(ctx context.Context, req int) (int, error) {
		receivedMu.Lock()
		received = append(received, req)
		receivedMu.Unlock()
		now := atomic.AddInt32(&running, 1)
		for {
			prev := atomic.LoadInt32(&maxRunning)
			if now <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, now) {
				break
			}
		}
		<-gates[req]
		atomic.AddInt32(&running, -1)
		return req, nil
	}
	pool := NewWorkerPool(2, handler, logger)
	defer pool.Close()

	var done []int
	var doneMu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		test.That(t, pool.Push(func(w *Worker[int, int], onComplete func()) {
			w.PostMessage(context.Background(), i,
				func(resp int) {
					doneMu.Lock()
					done = append(done, resp)
					doneMu.Unlock()
					onComplete()
					// extra calls are ignored
					onComplete()
					wg.Done()
				},
				func(err error) {
					t.Errorf("unexpected error %v", err)
					onComplete()
					wg.Done()
				})
		}), test.ShouldBeNil)
	}
	test.That(t, pool.Queued(), test.ShouldEqual, 3)
	test.That(t, pool.Size(), test.ShouldEqual, 2)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, atomic.LoadInt32(&running), test.ShouldEqual, 2)
	})

	// keep the worker holding 0 busy so a single worker drains the queue
	for _, gate := range gates[1:] {
		close(gate)
	}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		doneMu.Lock()
		defer doneMu.Unlock()
		test.That(tb, done, test.ShouldHaveLength, 4)
	})
	close(gates[0])
	wg.Wait()

	test.That(t, atomic.LoadInt32(&maxRunning), test.ShouldEqual, 2)
	test.That(t, done, test.ShouldHaveLength, 5)
	test.That(t, pool.Queued(), test.ShouldEqual, 0)

	receivedMu.Lock()
	defer receivedMu.Unlock()
	test.That(t, received, test.ShouldHaveLength, 5)
	test.That(t, received[:2], test.ShouldContain, 0)
	test.That(t, received[:2], test.ShouldContain, 1)
	// queued actions reach the workers in push order
	test.That(t, received[2:], test.ShouldResemble, []int{2, 3, 4})
}

func TestWorkerPoolErrorsAreNotRetried(t *testing.T) {
	logger := logging.NewTestLogger(t)
	var calls int32
	pool := NewWorkerPool(1, func(ctx context.Context, req int) (int, error) {
		atomic.AddInt32(&calls, 1)
		if req < 0 {
			panic("negative")
		}
		return 0, errors.New("transport failure")
	}, logger)
	defer pool.Close()

	_, err := pool.Run(context.Background(), 1)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "transport failure")
	test.That(t, atomic.LoadInt32(&calls), test.ShouldEqual, 1)

	_, err = pool.Run(context.Background(), -1)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "panicked")

	// the worker survives a panic
	_, err = pool.Run(context.Background(), 2)
	test.That(t, err.Error(), test.ShouldContainSubstring, "transport failure")
	test.That(t, atomic.LoadInt32(&calls), test.ShouldEqual, 3)
}

func TestWorkerPoolRunTimeout(t *testing.T) {
	logger := logging.NewTestLogger(t)
	pool := NewWorkerPool(1, func(ctx context.Context, req int) (int, error) {
		if req == 0 {
			return 0, nil
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}, logger)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.Run(ctx, 1)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)

	// the worker frees up once the handler gives up
	resp, err := pool.Run(context.Background(), 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp, test.ShouldEqual, 0)
}

func TestWorkerPoolClose(t *testing.T) {
	logger := logging.NewTestLogger(t)
	block := make(chan struct{})
	started := make(chan int, 1)
	pool := NewWorkerPool(1, func(ctx context.Context, req int) (int, error) {
		started <- req
		<-block
		return req, nil
	}, logger)

	first := make(chan error, 1)
	go func() {
		_, err := pool.Run(context.Background(), 1)
		first <- err
	}()
	test.That(t, <-started, test.ShouldEqual, 1)

	queued := make(chan error, 1)
	go func() {
		_, err := pool.Run(context.Background(), 2)
		queued <- err
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, pool.Queued(), test.ShouldEqual, 1)
	})

	closed := make(chan struct{})
	go func() {
		test.That(t, pool.Close(), test.ShouldBeNil)
		close(closed)
	}()
	test.That(t, <-queued, test.ShouldEqual, ErrPoolClosed)
	close(block)
	<-closed
	test.That(t, <-first, test.ShouldBeNil)

	test.That(t, pool.Push(func(w *Worker[int, int], onComplete func()) {}), test.ShouldEqual, ErrPoolClosed)
	_, err := pool.Run(context.Background(), 3)
	test.That(t, err, test.ShouldEqual, ErrPoolClosed)
	test.That(t, pool.Close(), test.ShouldBeNil)
}

func TestAutoReleaseWorkerPool(t *testing.T) {
	logger := logging.NewTestLogger(t)
	clk := clock.NewMock()
	release := make(chan struct{})
	pool := NewAutoReleaseWorkerPool(2, time.Minute, func(ctx context.Context, req int) (int, error) {
		<-release
		return req, nil
	}, clk, logger)
	defer pool.Close()

	test.That(t, pool.Size(), test.ShouldEqual, 0)

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			_, err := pool.Run(context.Background(), i)
			results <- err
		}()
	}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, pool.Size(), test.ShouldEqual, 2)
		test.That(tb, pool.Queued(), test.ShouldEqual, 1)
	})

	close(release)
	for i := 0; i < 3; i++ {
		test.That(t, <-results, test.ShouldBeNil)
	}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, pool.Idle(), test.ShouldEqual, 2)
	})
	test.That(t, pool.Size(), test.ShouldEqual, 2)

	clk.Add(30 * time.Second)
	test.That(t, pool.Size(), test.ShouldEqual, 2)

	clk.Add(31 * time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, pool.Size(), test.ShouldEqual, 0)
	})

	// the pool grows again on demand
	resp, err := pool.Run(context.Background(), 7)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp, test.ShouldEqual, 7)
	test.That(t, pool.Size(), test.ShouldEqual, 1)
}

func TestWorkerTerminate(t *testing.T) {
	logger := logging.NewTestLogger(t)
	w := newWorker(1, double, logger)
	w.Terminate()
	w.Terminate()

	var got error
	w.PostMessage(context.Background(), 1, func(int) {}, func(err error) { got = err })
	test.That(t, got, test.ShouldEqual, ErrWorkerTerminated)
	test.That(t, w.ID(), test.ShouldEqual, 1)
}
