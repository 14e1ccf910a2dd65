// Package pool is a bounded FIFO dispatcher: at most maxWorkers submitted
// tasks run at once, the rest wait in submission order. Each Submit returns
// a Future resolved with the task's outcome.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ErrTerminated rejects futures whose task never started because the pool
// was shut down, and futures submitted after shutdown.
var ErrTerminated = errors.New("pool: terminated")

// DefaultWorkers is the default concurrency: max(2, min(4, NumCPU-1)).
func DefaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n > 4 {
		n = 4
	}
	if n < 2 {
		n = 2
	}
	return n
}

// Future carries the eventual result of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Wait blocks until the task resolves or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) resolve(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

type item[T any] struct {
	ctx context.Context
	fn  func(context.Context) (T, error)
	fut *Future[T]
}

// Pool runs tasks on a fixed set of workers.
type Pool[T any] struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queue      []item[T]
	terminated bool
	wg         sync.WaitGroup
}

// New starts a pool with the given worker count (DefaultWorkers when <= 0).
func New[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = DefaultWorkers()
	}
	p := &Pool[T]{}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues fn and returns its Future. The task receives the ctx given
// here, so a caller deadline travels with the task. Tasks run strictly in
// submission order as workers free up; there is no priority or stealing.
func (p *Pool[T]) Submit(ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	fut := &Future[T]{done: make(chan struct{})}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		var zero T
		fut.resolve(zero, ErrTerminated)
		return fut
	}
	p.queue = append(p.queue, item[T]{ctx: ctx, fn: fn, fut: fut})
	p.cond.Signal()
	p.mu.Unlock()
	return fut
}

// Terminate shuts the pool down: queued tasks are rejected with
// ErrTerminated immediately, in-flight tasks run to their natural
// completion, and Terminate returns once all workers have exited.
func (p *Pool[T]) Terminate() {
	p.mu.Lock()
	p.terminated = true
	pending := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	var zero T
	for _, it := range pending {
		it.fut.resolve(zero, ErrTerminated)
	}
	p.wg.Wait()
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.terminated {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		it := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(it)
	}
}

// run executes one task, translating a panic into a rejected future so a
// failing task never takes the worker (or a sibling task) down with it.
func (p *Pool[T]) run(it item[T]) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			it.fut.resolve(zero, fmt.Errorf("pool: task panic: %v", r))
		}
	}()
	val, err := it.fn(it.ctx)
	it.fut.resolve(val, err)
}
