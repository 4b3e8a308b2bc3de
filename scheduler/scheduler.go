package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler pairs one cooperative Loop (the foreground, or JS, context)
// with a worker Pool. The loop goroutine is started by New.
type Scheduler struct {
	loop    *Loop
	pool    *Pool
	runErr  chan error
	stopped chan struct{}
}

// New creates and starts a Scheduler.
//
// The Scheduler.Shutdown method and/or Scheduler.Close method should be
// called when the Scheduler is no longer needed.
func New(opts ...Option) (*Scheduler, error) {
	loop, err := NewLoop(opts...)
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(opts...)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		loop:    loop,
		pool:    pool,
		runErr:  make(chan error, 1),
		stopped: make(chan struct{}),
	}

	started := make(chan struct{})
	go func() {
		defer close(s.stopped)
		// the loop state is StateRunning before any of its work executes
		_ = loop.Submit(func() { close(started) })
		s.runErr <- loop.Run(context.Background())
	}()
	<-started

	return s, nil
}

// Loop returns the foreground loop.
func (s *Scheduler) Loop() *Loop { return s.loop }

// Pool returns the worker pool.
func (s *Scheduler) Pool() *Pool { return s.pool }

// RunOnForeground queues fn on the foreground loop.
func (s *Scheduler) RunOnForeground(priority Priority, fn func()) (Source, error) {
	return s.loop.RunOnForeground(priority, fn)
}

// RunOnForegroundAfter queues fn on the foreground loop, after delay.
func (s *Scheduler) RunOnForegroundAfter(delay time.Duration, priority Priority, fn func()) (Source, error) {
	return s.loop.RunOnForegroundAfter(delay, priority, fn)
}

// IsForegroundThread reports whether the caller is on the foreground loop.
func (s *Scheduler) IsForegroundThread() bool {
	return s.loop.IsCurrentThread()
}

// RunOnWorker queues fn on the worker pool.
func (s *Scheduler) RunOnWorker(fn func()) (Source, error) {
	return s.pool.RunOnWorker(fn)
}

// RunOnWorkerAfter queues fn on the worker pool, after delay.
func (s *Scheduler) RunOnWorkerAfter(delay time.Duration, fn func()) (Source, error) {
	return s.pool.RunOnWorkerAfter(delay, fn)
}

// WorkerCount returns the size of the worker pool.
func (s *Scheduler) WorkerCount() int {
	return s.pool.WorkerCount()
}

// Shutdown drains the foreground loop, then the pool, since draining the
// loop may submit pool work. It returns early if ctx is done.
//
// Called from the loop goroutine, it only requests termination of the loop.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.loop.IsCurrentThread() {
		return s.loop.Shutdown(ctx)
	}
	if err := s.loop.Shutdown(ctx); err != nil {
		return fmt.Errorf("scheduler: loop shutdown: %w", err)
	}
	if err := s.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("scheduler: pool shutdown: %w", err)
	}
	return s.wait(ctx)
}

// Close discards all queued work on both the loop and the pool, waiting for
// running work to complete.
func (s *Scheduler) Close() error {
	if s.loop.IsCurrentThread() {
		_ = s.loop.Close()
		return s.pool.Close()
	}
	var g errgroup.Group
	g.Go(s.loop.Close)
	g.Go(s.pool.Close)
	if err := g.Wait(); err != nil {
		return err
	}
	return s.wait(context.Background())
}

func (s *Scheduler) wait(ctx context.Context) error {
	select {
	case <-s.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-s.runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	default:
	}
	return nil
}
