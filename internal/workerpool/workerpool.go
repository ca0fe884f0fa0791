// Package workerpool offloads the handshake's CPU-heavy primitives —
// SHA1 digests, RSA, modular exponentiation, prime factorization — off
// the single-threaded connection goroutine, the way the Python
// original hands them to a ThreadPoolExecutor so the asyncio event loop
// stays responsive. Offloaded calls are run on a bounded worker pool sized
// to the number of hardware threads; the semaphore caps how many run
// concurrently without caller-visible queuing logic.
package workerpool

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent CPU-heavy work to one goroutine per hardware
// thread, shared process-wide.
type Pool struct {
	sem *semaphore.Weighted
}

var (
	defaultOnce sync.Once
	defaultPool *Pool
)

// Default returns the process-wide pool, sized to runtime.NumCPU(),
// creating it on first use.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = New(runtime.NumCPU())
	})
	return defaultPool
}

// New returns a Pool that allows at most n concurrent offloaded calls.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(n))}
}

// Run executes fn on a pooled goroutine and blocks until it completes or
// ctx is cancelled, returning fn's error or ctx's error, whichever comes
// first. Callers that need a value back close over a local variable, the
// same way the reference client's run_in_executor callers do.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
