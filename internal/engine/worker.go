package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithPoolLogger sets the logger used to report panics.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *WorkerPool) { p.logger = logger }
}

// WithPanicHandler is called with the recovered value when a job panics.
func WithPanicHandler(fn func(recovered any)) PoolOption {
	return func(p *WorkerPool) { p.onPanic = fn }
}

// WorkerPool is a bounded goroutine pool. Task processors and async client
// starts submit through it so concurrency stays within the configured size.
type WorkerPool struct {
	size    int
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	logger  *slog.Logger
	onPanic func(any)
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, opts ...PoolOption) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{
		size:   size,
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs fn on a pool goroutine. It blocks while the pool is at
// capacity and returns early if ctx is done or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.Error("worker pool job panicked",
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		<-p.sem
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
		return
	}
	atomic.AddInt64(&p.metrics.Completed, 1)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for active work.
func (p *WorkerPool) Shutdown() {
	p.close()
	p.wg.Wait()
}

// ShutdownContext is Shutdown bounded by ctx. Jobs still running when ctx is
// done keep running; their count is reported in the error.
func (p *WorkerPool) ShutdownContext(ctx context.Context) error {
	p.close()
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %d jobs still active: %w",
			atomic.LoadInt64(&p.metrics.Active), ctx.Err())
	}
}

func (p *WorkerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.size,
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
