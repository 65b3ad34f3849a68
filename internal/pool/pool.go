// Package pool provides bounded worker pools whose tasks are tracked through
// futures.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned for tasks submitted after Shutdown.
	ErrClosed = errors.New("pool is shut down")
	// ErrPanic wraps a panic recovered from a task.
	ErrPanic = errors.New("task panicked")
	// ErrShutdownTimeout is returned when in-flight tasks outlive the shutdown timeout.
	ErrShutdownTimeout = errors.New("timed out waiting for tasks")
)

// Pool runs at most Size tasks at a time. Submitting never blocks: a task
// waits for a free slot in its own goroutine, so a producer running on one
// pool can feed another without stalling.
type Pool struct {
	name string
	size int
	sem  *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	running   atomic.Int64
	completed atomic.Int64
}

// New creates a pool running at most size tasks concurrently.
func New(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		name: name,
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Size() int { return p.size }

// Running is the number of tasks currently holding a slot.
func (p *Pool) Running() int64 { return p.running.Load() }

// Completed is the number of tasks that have finished, successfully or not.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Submit schedules fn on p. If ctx is cancelled before fn gets a slot, fn is
// never run and the future resolves with the context error.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		var zero T
		f.resolve(zero, fmt.Errorf("%s: %w", p.name, ErrClosed))
		return f
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			var zero T
			f.resolve(zero, err)
			return
		}
		p.running.Add(1)
		v, err := run(ctx, fn)
		p.running.Add(-1)
		p.completed.Add(1)
		p.sem.Release(1)
		f.resolve(v, err)
	}()
	return f
}

func run[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Shutdown stops accepting tasks and waits up to timeout for submitted tasks
// to finish. A timeout of zero waits indefinitely.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s: %w after %s", p.name, ErrShutdownTimeout, timeout)
	}
}
