// Package dispatcher runs tasks on a fixed set of workers and hands back a
// future per task.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned for tasks submitted after Close.
var ErrPoolClosed = errors.New("dispatcher pool closed")

// Task is one unit of work.
type Task[T any] func(ctx context.Context) (T, error)

// Future resolves once its task finished.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(value T, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finished or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("wait for task: %w", ctx.Err())
	}
}

type job[T any] struct {
	task   Task[T]
	future *Future[T]
}

// Pool executes submitted tasks on a fixed number of goroutines.
type Pool[T any] struct {
	ctx   context.Context
	group *errgroup.Group
	jobs  chan job[T]

	closeMu sync.RWMutex
	closed  bool
}

// New starts workers goroutines bound to ctx. Canceling ctx makes queued
// tasks observe a canceled context; it does not abandon them.
func New[T any](ctx context.Context, workers int) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	group, groupCtx := errgroup.WithContext(ctx)
	p := &Pool[T]{
		ctx:   groupCtx,
		group: group,
		jobs:  make(chan job[T], workers),
	}
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			for j := range p.jobs {
				p.run(j)
			}
			return nil
		})
	}
	return p
}

func (p *Pool[T]) run(j job[T]) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			j.future.resolve(zero, fmt.Errorf("task panicked: %v", r))
		}
	}()
	value, err := j.task(p.ctx)
	j.future.resolve(value, err)
}

// Submit queues task, blocking while every worker is busy and the queue is
// full. The returned future fails immediately when the pool is closed or ctx
// ends before the task was queued.
func (p *Pool[T]) Submit(ctx context.Context, task Task[T]) *Future[T] {
	future := newFuture[T]()
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		var zero T
		future.resolve(zero, ErrPoolClosed)
		return future
	}
	select {
	case <-ctx.Done():
		var zero T
		future.resolve(zero, fmt.Errorf("submit canceled: %w", ctx.Err()))
	case p.jobs <- job[T]{task: task, future: future}:
	}
	return future
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool[T]) Close() error {
	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.closeMu.Unlock()
	if err := p.group.Wait(); err != nil {
		return fmt.Errorf("wait for workers: %w", err)
	}
	return nil
}
