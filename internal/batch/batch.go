// Package batch runs indexed jobs on a fixed set of worker goroutines.
//
// A Pool is shared by every chunk operation of an engine. Each call to Run
// is an independent batch: jobs write results into caller-owned slots, the
// first failure stops jobs that have not started yet, and the failure with
// the lowest job index is reported.
package batch

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/meigma/schunk/internal/schunktype"
)

// ErrPoolClosed is returned when submitting work to a closed pool.
var ErrPoolClosed = fmt.Errorf("%w: worker pool", schunktype.ErrClosed)

// Pool is a fixed-size set of worker goroutines draining one job queue.
//
// Jobs must not submit nested batches to the same pool.
type Pool struct {
	jobs    chan func()
	workers int
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger for pool lifecycle events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Pool) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// NewPool starts a pool with the given number of workers.
// Values < 1 use GOMAXPROCS.
func NewPool(workers int, opts ...Option) *Pool {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		jobs:    make(chan func(), workers),
		workers: workers,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(workers)
	for range workers {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	p.log().Debug("worker pool started", "workers", workers)
	return p
}

// Workers returns the number of worker goroutines, or 1 for a nil pool.
func (p *Pool) Workers() int {
	if p == nil {
		return 1
	}
	return p.workers
}

// Close stops the workers after in-flight batches finish. It is idempotent.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
	p.wg.Wait()
	p.log().Debug("worker pool stopped", "workers", p.workers)
}

// Run calls fn(i) for every i in [0, n).
//
// A nil pool, a single-worker pool or n < 2 runs the jobs synchronously in
// index order. Otherwise jobs run concurrently; once a job fails, jobs with
// a higher index that have not started are skipped, and the error of the
// lowest failing index is returned.
func Run(p *Pool, n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	if p == nil || p.workers < 2 || n < 2 {
		for i := range n {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	errs := make([]error, n)
	var failed atomic.Int64
	failed.Store(int64(n))
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		p.jobs <- func() {
			defer wg.Done()
			if int64(i) > failed.Load() {
				return
			}
			if err := fn(i); err != nil {
				errs[i] = err
				for {
					cur := failed.Load()
					if int64(i) >= cur || failed.CompareAndSwap(cur, int64(i)) {
						break
					}
				}
			}
		}
	}
	wg.Wait()

	if idx := failed.Load(); idx < int64(n) {
		return errs[idx]
	}
	return nil
}

// Map calls fn(i) for every i in [0, n) and collects the results in order.
// It follows the scheduling and failure rules of Run.
func Map[T any](p *Pool, n int, fn func(i int) (T, error)) ([]T, error) {
	out := make([]T, max(n, 0))
	err := Run(p, n, func(i int) error {
		v, err := fn(i)
		if err != nil {
			return err
		}
		out[i] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
